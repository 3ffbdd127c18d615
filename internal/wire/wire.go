// Package wire implements the two intercom framing dialects: the 12-byte
// broker framing spoken between devices and the relay, and the 4-byte
// point-to-point framing spoken between a bridge client and a device.
// All multi-byte header fields are little-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Broker message types (0x10-0x1F range, relay port 6060).
const (
	MsgRegister byte = 0x10 // device→relay: device registration
	MsgInvite   byte = 0x11 // device→relay: initiate call to target
	MsgRing     byte = 0x12 // relay→callee: incoming call notification
	MsgAnswer   byte = 0x13 // callee→relay, then relay→caller
	MsgDecline  byte = 0x14 // callee→relay, then relay→caller
	MsgHangup   byte = 0x15 // device→relay: end call
	MsgBye      byte = 0x16 // relay→peer: call ended
	MsgAudio    byte = 0x17 // both: PCM audio during a call
	MsgContacts byte = 0x18 // relay→device: roster JSON
	MsgPing     byte = 0x19 // both: keepalive
	MsgPong     byte = 0x1A // both: keepalive response
	MsgError    byte = 0x1B // relay→device: error notification
)

// Broker error codes carried in the first payload byte of MsgError.
const (
	ErrNotFound byte = 0x01 // target device not connected
	ErrBusy     byte = 0x02 // caller or target already in a call
	ErrTimeout  byte = 0x03 // ring timeout, no answer
	ErrProtocol byte = 0x04 // protocol violation
)

// Decline reasons carried in the first payload byte of MsgDecline.
const (
	DeclineBusy   byte = 0x00
	DeclineReject byte = 0x01
)

// Point-to-point message types (bridge client ↔ device, port 6054).
const (
	P2PAudio  byte = 0x01 // both: PCM audio
	P2PStart  byte = 0x02 // client→device: start streaming
	P2PStop   byte = 0x03 // client→device: stop streaming
	P2PPing   byte = 0x04 // both: keepalive
	P2PPong   byte = 0x05 // both: keepalive response
	P2PError  byte = 0x06 // both: error, code in payload byte 0
	P2PRing   byte = 0x07 // device→client: ringing, awaiting local answer
	P2PAnswer byte = 0x08 // device→client: answered, stream now
)

// FlagNoRing on P2PStart asks the device to skip its local ring and
// stream immediately.
const FlagNoRing byte = 0x02

const (
	// HeaderSize is the broker framing header length.
	HeaderSize = 12
	// P2PHeaderSize is the point-to-point framing header length.
	P2PHeaderSize = 4
	// MaxPayload is the largest accepted payload. Anything longer is a
	// protocol error and the connection is closed.
	MaxPayload = 4096
)

// Audio format constants. The relay does not enforce the frame size; these
// describe what conforming endpoints send.
const (
	SampleRate      = 16000
	BitsPerSample   = 16
	Channels        = 1
	SamplesPerFrame = 256
	FrameBytes      = 512 // SamplesPerFrame * 2
)

// ErrPayloadTooLarge is returned when a header announces a payload longer
// than MaxPayload.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds 4096 bytes")

// Header is the 12-byte broker framing header.
type Header struct {
	Type   byte
	Flags  byte
	Length uint16
	CallID uint32
	Seq    uint32
}

// AppendHeader appends the encoded header to b and returns the extended slice.
func AppendHeader(b []byte, h Header) []byte {
	b = append(b, h.Type, h.Flags)
	b = binary.LittleEndian.AppendUint16(b, h.Length)
	b = binary.LittleEndian.AppendUint32(b, h.CallID)
	b = binary.LittleEndian.AppendUint32(b, h.Seq)
	return b
}

// ParseHeader decodes a broker header from the first 12 bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short broker header: %d bytes", len(b))
	}
	return Header{
		Type:   b[0],
		Flags:  b[1],
		Length: binary.LittleEndian.Uint16(b[2:4]),
		CallID: binary.LittleEndian.Uint32(b[4:8]),
		Seq:    binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// ReadFrame reads one complete broker frame from r. It returns io.EOF only
// when the stream ends cleanly on a frame boundary; a stream that ends
// mid-frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, nil, io.ErrUnexpectedEOF
		}
		return Header{}, nil, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return Header{}, nil, err
	}
	if h.Length > MaxPayload {
		return Header{}, nil, ErrPayloadTooLarge
	}
	if h.Length == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Header{}, nil, err
	}
	return h, payload, nil
}

// WriteFrame writes one broker frame to w as a single Write call so that
// concurrent writers interleave only on frame boundaries.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	h.Length = uint16(len(payload))
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = AppendHeader(buf, h)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// P2PHeader is the 4-byte point-to-point framing header.
type P2PHeader struct {
	Type   byte
	Flags  byte
	Length uint16
}

// AppendP2PHeader appends the encoded header to b and returns the extended slice.
func AppendP2PHeader(b []byte, h P2PHeader) []byte {
	b = append(b, h.Type, h.Flags)
	return binary.LittleEndian.AppendUint16(b, h.Length)
}

// ParseP2PHeader decodes a point-to-point header from the first 4 bytes of b.
func ParseP2PHeader(b []byte) (P2PHeader, error) {
	if len(b) < P2PHeaderSize {
		return P2PHeader{}, fmt.Errorf("wire: short p2p header: %d bytes", len(b))
	}
	return P2PHeader{
		Type:   b[0],
		Flags:  b[1],
		Length: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// ReadP2PFrame reads one complete point-to-point frame from r.
func ReadP2PFrame(r io.Reader) (P2PHeader, []byte, error) {
	var hdr [P2PHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return P2PHeader{}, nil, io.ErrUnexpectedEOF
		}
		return P2PHeader{}, nil, err
	}
	h, err := ParseP2PHeader(hdr[:])
	if err != nil {
		return P2PHeader{}, nil, err
	}
	if h.Length > MaxPayload {
		return P2PHeader{}, nil, ErrPayloadTooLarge
	}
	if h.Length == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return P2PHeader{}, nil, err
	}
	return h, payload, nil
}

// WriteP2PFrame writes one point-to-point frame to w as a single Write call.
func WriteP2PFrame(w io.Writer, h P2PHeader, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	h.Length = uint16(len(payload))
	buf := make([]byte, 0, P2PHeaderSize+len(payload))
	buf = AppendP2PHeader(buf, h)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// Contact is one roster entry carried in a MsgContacts payload.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Busy bool   `json:"busy"`
}

// TrimID decodes a NUL-padded UTF-8 identifier payload (REGISTER, INVITE,
// RING all carry ids this way).
func TrimID(payload []byte) string {
	for i, b := range payload {
		if b == 0 {
			return string(payload[:i])
		}
	}
	return string(payload)
}

// TypeName returns a short human-readable name for a broker message type,
// for log output.
func TypeName(t byte) string {
	switch t {
	case MsgRegister:
		return "REGISTER"
	case MsgInvite:
		return "INVITE"
	case MsgRing:
		return "RING"
	case MsgAnswer:
		return "ANSWER"
	case MsgDecline:
		return "DECLINE"
	case MsgHangup:
		return "HANGUP"
	case MsgBye:
		return "BYE"
	case MsgAudio:
		return "AUDIO"
	case MsgContacts:
		return "CONTACTS"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}
