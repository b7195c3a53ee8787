package hostproto

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Output, []byte("hello world")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	frame, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != Output {
		t.Fatalf("type = %v, want Output", frame.Type)
	}
	if string(frame.Payload) != "hello world" {
		t.Fatalf("payload = %q", frame.Payload)
	}
}

func TestWriteFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, GetInfo, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	frame, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != GetInfo || len(frame.Payload) != 0 {
		t.Fatalf("got %+v", frame)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxPayloadBytes+1)
	if err := WriteFrame(&buf, Output, oversized); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{byte(Output), 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(bufio.NewReader(&buf)); err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Input, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, Resize, EncodeResize(80, 24)); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(&buf)
	f1, err := ReadFrame(r)
	if err != nil || f1.Type != Input || string(f1.Payload) != "abc" {
		t.Fatalf("f1 = %+v, err = %v", f1, err)
	}
	f2, err := ReadFrame(r)
	if err != nil || f2.Type != Resize {
		t.Fatalf("f2 = %+v, err = %v", f2, err)
	}
	cols, rows, err := DecodeResize(f2.Payload)
	if err != nil || cols != 80 || rows != 24 {
		t.Fatalf("cols=%d rows=%d err=%v", cols, rows, err)
	}
}

func TestResizeRoundTrip(t *testing.T) {
	payload := EncodeResize(500, 1)
	cols, rows, err := DecodeResize(payload)
	if err != nil {
		t.Fatal(err)
	}
	if cols != 500 || rows != 1 {
		t.Fatalf("cols=%d rows=%d", cols, rows)
	}
}

func TestDecodeResizeRejectsBadLength(t *testing.T) {
	if _, _, err := DecodeResize([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error")
	}
}

func TestExitedRoundTrip(t *testing.T) {
	for _, code := range []int{0, 1, -1, 255} {
		payload := EncodeExited(code)
		got, err := DecodeExited(payload)
		if err != nil {
			t.Fatal(err)
		}
		if got != code {
			t.Fatalf("got %d, want %d", got, code)
		}
	}
}
