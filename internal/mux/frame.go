// Package mux implements the Mux Channel (spec.md §4.5): a per-client
// binary WebSocket handler that multiplexes output from every session over
// one connection, with per-session priority, batching, compression, and
// overflow recovery.
//
// # Frame format
//
// Every message is a 9-byte header followed by a type-specific payload:
//
//	byte 0:    frame type
//	bytes 1-8: session id, 8 ASCII characters, zero-padded when absent
//	bytes 9+:  payload
//
// Multi-byte numeric fields inside the payload are little-endian — distinct
// from hostproto's big-endian wire format, chosen here to decode cheaply in
// a browser.
package mux

import (
	"encoding/binary"
	"fmt"
)

// FrameType is the first byte of every Mux Channel message.
type FrameType byte

const (
	FrameOutput            FrameType = 0x01
	FrameInput             FrameType = 0x02
	FrameResize            FrameType = 0x03
	FrameResync            FrameType = 0x05
	FrameBufferRequest     FrameType = 0x06
	FrameCompressedOutput  FrameType = 0x07
	FrameActiveSessionHint FrameType = 0x08
	FrameForegroundChange  FrameType = 0x0A
	FrameDataLoss          FrameType = 0x0B
	FrameInit              FrameType = 0xFF
)

// HeaderLen is the fixed size of the type+session-id header.
const HeaderLen = 9

// sessionIDLen is the fixed width of the ASCII session id field.
const sessionIDLen = 8

// ProtocolVersion is the version advertised in the Init frame (spec.md §4.5).
const ProtocolVersion uint16 = 1

// CompressionThreshold is the uncompressed payload size at or above which a
// background flush is sent as CompressedOutput instead of Output.
const CompressionThreshold = 1024

// BackgroundFlushBytes is the accumulated-bytes trigger for a background
// session's pending buffer flush.
const BackgroundFlushBytes = 2 * 1024

// OutboundQueueCap is the bounded per-client outbound message queue depth;
// the next enqueue past this triggers a Resync.
const OutboundQueueCap = 1000

// encodeSessionID renders id into the fixed 8-byte header field, zero
// padding short ids and truncating long ones (ids are always exactly 8
// hex characters in practice).
func encodeSessionID(id string) [sessionIDLen]byte {
	var out [sessionIDLen]byte
	copy(out[:], id)
	return out
}

func decodeSessionID(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// header builds the 9-byte type+id prefix for frame type t and session id.
// An empty id is encoded as all-zero, per spec (init/ping carry no session).
func header(t FrameType, id string) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(t)
	sid := encodeSessionID(id)
	copy(buf[1:], sid[:])
	return buf
}

// EncodeOutput builds an Output frame: cols/rows (u16 LE) followed by data.
func EncodeOutput(id string, cols, rows uint16, data []byte) []byte {
	buf := header(FrameOutput, id)
	buf = binary.LittleEndian.AppendUint16(buf, cols)
	buf = binary.LittleEndian.AppendUint16(buf, rows)
	buf = append(buf, data...)
	return buf
}

// EncodeCompressedOutput builds a CompressedOutput frame: cols/rows (u16
// LE), the uncompressed length (u32 LE), then the gzip-compressed bytes.
func EncodeCompressedOutput(id string, cols, rows uint16, uncompressedLen uint32, gzipBytes []byte) []byte {
	buf := header(FrameCompressedOutput, id)
	buf = binary.LittleEndian.AppendUint16(buf, cols)
	buf = binary.LittleEndian.AppendUint16(buf, rows)
	buf = binary.LittleEndian.AppendUint32(buf, uncompressedLen)
	buf = append(buf, gzipBytes...)
	return buf
}

// EncodeResync builds a Resync frame (no session context, no payload).
func EncodeResync() []byte {
	return header(FrameResync, "")
}

// EncodeForegroundChange builds a ForegroundChange frame carrying a UTF-8
// JSON-encoded foreground record.
func EncodeForegroundChange(id string, jsonPayload []byte) []byte {
	buf := header(FrameForegroundChange, id)
	return append(buf, jsonPayload...)
}

// EncodeDataLoss builds a DataLoss frame: dropped byte count (u32 LE).
func EncodeDataLoss(id string, droppedBytes uint32) []byte {
	buf := header(FrameDataLoss, id)
	return binary.LittleEndian.AppendUint32(buf, droppedBytes)
}

// EncodeInit builds the Init frame sent once immediately after accept:
// protocol version (u16 LE) followed by a 32-byte client id.
func EncodeInit(version uint16, clientID [32]byte) []byte {
	buf := header(FrameInit, "")
	buf = binary.LittleEndian.AppendUint16(buf, version)
	buf = append(buf, clientID[:]...)
	return buf
}

// InboundFrame is a parsed client→server message.
type InboundFrame struct {
	Type      FrameType
	SessionID string
	Cols      uint16
	Rows      uint16
	Payload   []byte
}

// DecodeInbound parses a raw binary WebSocket message from the client.
func DecodeInbound(raw []byte) (InboundFrame, error) {
	if len(raw) < HeaderLen {
		return InboundFrame{}, fmt.Errorf("mux: frame shorter than header (%d bytes)", len(raw))
	}
	f := InboundFrame{
		Type:      FrameType(raw[0]),
		SessionID: decodeSessionID(raw[1:HeaderLen]),
	}
	body := raw[HeaderLen:]
	switch f.Type {
	case FrameInput:
		f.Payload = body
	case FrameResize:
		if len(body) < 4 {
			return InboundFrame{}, fmt.Errorf("mux: Resize frame too short (%d bytes)", len(body))
		}
		f.Cols = binary.LittleEndian.Uint16(body[0:2])
		f.Rows = binary.LittleEndian.Uint16(body[2:4])
	case FrameBufferRequest, FrameActiveSessionHint:
		// no payload beyond the header; ActiveSessionHint's target id is
		// already in the header (all-zero clears it).
	default:
		return InboundFrame{}, fmt.Errorf("mux: unexpected inbound frame type 0x%02x", f.Type)
	}
	return f, nil
}
