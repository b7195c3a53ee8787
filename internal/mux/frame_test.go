package mux

import (
	"bytes"
	"testing"
)

func TestEncodeOutputRoundTripsHeader(t *testing.T) {
	frame := EncodeOutput("aaaa0001", 80, 24, []byte("hello"))
	if FrameType(frame[0]) != FrameOutput {
		t.Fatalf("type = 0x%02x, want FrameOutput", frame[0])
	}
	if decodeSessionID(frame[1:HeaderLen]) != "aaaa0001" {
		t.Fatalf("session id = %q, want aaaa0001", decodeSessionID(frame[1:HeaderLen]))
	}
	payload := frame[HeaderLen:]
	if !bytes.Equal(payload[4:], []byte("hello")) {
		t.Fatalf("data = %q, want hello", payload[4:])
	}
}

func TestEncodeResyncHasZeroPaddedID(t *testing.T) {
	frame := EncodeResync()
	for _, b := range frame[1:HeaderLen] {
		if b != 0 {
			t.Fatalf("Resync session id bytes = %v, want all zero", frame[1:HeaderLen])
		}
	}
}

func TestDecodeInboundInput(t *testing.T) {
	raw := append(header(FrameInput, "aaaa0001"), []byte("echo OK\n")...)
	f, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if f.SessionID != "aaaa0001" || !bytes.Equal(f.Payload, []byte("echo OK\n")) {
		t.Fatalf("decoded = %+v", f)
	}
}

func TestDecodeInboundResize(t *testing.T) {
	buf := header(FrameResize, "aaaa0001")
	buf = append(buf, 80, 0, 24, 0) // cols=80, rows=24 little-endian
	f, err := DecodeInbound(buf)
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if f.Cols != 80 || f.Rows != 24 {
		t.Fatalf("cols/rows = %d/%d, want 80/24", f.Cols, f.Rows)
	}
}

func TestDecodeInboundRejectsUnknownType(t *testing.T) {
	buf := header(FrameType(0x99), "aaaa0001")
	if _, err := DecodeInbound(buf); err == nil {
		t.Fatalf("DecodeInbound() error = nil, want error for unknown type")
	}
}

func TestDecodeInboundRejectsShortFrame(t *testing.T) {
	if _, err := DecodeInbound([]byte{0x02, 'a'}); err == nil {
		t.Fatalf("DecodeInbound() error = nil, want error for short frame")
	}
}
