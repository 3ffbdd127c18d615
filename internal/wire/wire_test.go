package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"pgregory.net/rapid"
)

func TestHeaderRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := Header{
			Type:   rapid.Byte().Draw(t, "type"),
			Flags:  rapid.Byte().Draw(t, "flags"),
			Length: rapid.Uint16().Draw(t, "length"),
			CallID: rapid.Uint32().Draw(t, "call_id"),
			Seq:    rapid.Uint32().Draw(t, "seq"),
		}
		enc := AppendHeader(nil, h)
		if len(enc) != HeaderSize {
			t.Fatalf("encoded header is %d bytes, want %d", len(enc), HeaderSize)
		}
		dec, err := ParseHeader(enc)
		if err != nil {
			t.Fatalf("ParseHeader: %v", err)
		}
		if dec != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", dec, h)
		}
	})
}

func TestP2PHeaderRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := P2PHeader{
			Type:   rapid.Byte().Draw(t, "type"),
			Flags:  rapid.Byte().Draw(t, "flags"),
			Length: rapid.Uint16().Draw(t, "length"),
		}
		enc := AppendP2PHeader(nil, h)
		if len(enc) != P2PHeaderSize {
			t.Fatalf("encoded header is %d bytes, want %d", len(enc), P2PHeaderSize)
		}
		dec, err := ParseP2PHeader(enc)
		if err != nil {
			t.Fatalf("ParseP2PHeader: %v", err)
		}
		if dec != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", dec, h)
		}
	})
}

func TestHeaderLayout(t *testing.T) {
	// Known byte layout: type, flags, length LE, call_id LE, seq LE.
	h := Header{Type: MsgAudio, Flags: 0x01, Length: 0x0200, CallID: 0x04030201, Seq: 0x08070605}
	enc := AppendHeader(nil, h)
	want := []byte{0x17, 0x01, 0x00, 0x02, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if !bytes.Equal(enc, want) {
		t.Fatalf("encoded header = % x, want % x", enc, want)
	}
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Header{Type: MsgRegister, CallID: 0, Seq: 0}, []byte("kitchen")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	h, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if h.Type != MsgRegister {
		t.Errorf("type = 0x%02x, want 0x%02x", h.Type, MsgRegister)
	}
	if h.Length != 7 {
		t.Errorf("length = %d, want 7", h.Length)
	}
	if string(payload) != "kitchen" {
		t.Errorf("payload = %q, want %q", payload, "kitchen")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("empty stream: err = %v, want io.EOF", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	// A header that promises more payload than the stream holds.
	enc := AppendHeader(nil, Header{Type: MsgAudio, Length: 512})
	enc = append(enc, make([]byte, 100)...)

	_, _, err := ReadFrame(bytes.NewReader(enc))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated payload: err = %v, want io.ErrUnexpectedEOF", err)
	}

	// A stream that dies mid-header.
	_, _, err = ReadFrame(bytes.NewReader(enc[:5]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated header: err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadFrameOversizedPayload(t *testing.T) {
	enc := AppendHeader(nil, Header{Type: MsgAudio, Length: MaxPayload + 1})
	_, _, err := ReadFrame(bytes.NewReader(enc))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	err := WriteFrame(io.Discard, Header{Type: MsgAudio}, make([]byte, MaxPayload+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestP2PFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	audio := make([]byte, FrameBytes)
	for i := range audio {
		audio[i] = byte(i)
	}
	if err := WriteP2PFrame(&buf, P2PHeader{Type: P2PAudio}, audio); err != nil {
		t.Fatalf("WriteP2PFrame: %v", err)
	}

	h, payload, err := ReadP2PFrame(&buf)
	if err != nil {
		t.Fatalf("ReadP2PFrame: %v", err)
	}
	if h.Type != P2PAudio {
		t.Errorf("type = 0x%02x, want 0x%02x", h.Type, P2PAudio)
	}
	if !bytes.Equal(payload, audio) {
		t.Error("payload does not match written audio")
	}
}

func TestTrimID(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("kitchen"), "kitchen"},
		{[]byte("kitchen\x00"), "kitchen"},
		{[]byte("kitchen\x00garbage"), "kitchen"},
		{[]byte("\x00"), ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := TrimID(tt.in); got != tt.want {
			t.Errorf("TrimID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTypeName(t *testing.T) {
	if got := TypeName(MsgInvite); got != "INVITE" {
		t.Errorf("TypeName(MsgInvite) = %q", got)
	}
	if got := TypeName(0xFE); got != "0xFE" {
		t.Errorf("TypeName(0xFE) = %q", got)
	}
}
