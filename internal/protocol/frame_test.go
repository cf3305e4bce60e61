package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/postalsys/aronia/internal/identity"
)

func signedFrame(t *testing.T, kp *identity.Keypair, frameType uint8, payload []byte) *Frame {
	t.Helper()
	f := &Frame{
		Type:      frameType,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   payload,
	}
	if err := f.Sign(kp); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return f
}

func TestFrameRoundtrip(t *testing.T) {
	kp, _ := identity.Generate()

	payloads := [][]byte{
		nil,
		[]byte(`{}`),
		[]byte(`{"type":"heartbeat"}`),
		bytes.Repeat([]byte("x"), 4096),
	}

	for _, payload := range payloads {
		f := signedFrame(t, kp, FrameEvent, payload)

		data, err := f.Encode()
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if len(data) != HeaderSize+len(payload)+SignatureSize {
			t.Errorf("encoded length = %d, want %d", len(data), HeaderSize+len(payload)+SignatureSize)
		}

		parsed, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}

		if parsed.Type != f.Type {
			t.Errorf("Type = %d, want %d", parsed.Type, f.Type)
		}
		if parsed.Flags != f.Flags {
			t.Errorf("Flags = %d, want %d", parsed.Flags, f.Flags)
		}
		if parsed.Timestamp != f.Timestamp {
			t.Errorf("Timestamp = %d, want %d", parsed.Timestamp, f.Timestamp)
		}
		if !parsed.Sender.Equal(kp.Public) {
			t.Errorf("Sender = %s, want %s", parsed.Sender, kp.Public)
		}
		if !bytes.Equal(parsed.Payload, payload) {
			t.Errorf("Payload = %q, want %q", parsed.Payload, payload)
		}
		if !parsed.Verify() {
			t.Error("signed frame failed verification after roundtrip")
		}
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	kp, _ := identity.Generate()
	f := signedFrame(t, kp, FrameRequest, []byte(`{"id":"1-1","method":"ping"}`))

	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Flip one bit in every byte of the signed prefix; each corruption
	// must be caught. Skip offsets that break parsing itself (length,
	// version): those fail earlier, in Decode.
	for offset := 5; offset < len(data)-SignatureSize; offset++ {
		corrupted := make([]byte, len(data))
		copy(corrupted, data)
		corrupted[offset] ^= 0x01

		parsed, err := Decode(corrupted)
		if err != nil {
			continue
		}
		if parsed.Verify() {
			t.Fatalf("tampered frame at offset %d passed verification", offset)
		}
	}
}

func TestVerifyDetectsTamperedSignature(t *testing.T) {
	kp, _ := identity.Generate()
	f := signedFrame(t, kp, FrameEvent, []byte(`{}`))

	f.Signature[0] ^= 0xFF
	if f.Verify() {
		t.Error("frame with corrupted signature passed verification")
	}
}

func TestDecodeErrors(t *testing.T) {
	kp, _ := identity.Generate()
	valid, _ := signedFrame(t, kp, FrameEvent, []byte(`{"a":1}`)).Encode()

	short := make([]byte, MinFrameSize-1)

	badLength := make([]byte, len(valid))
	copy(badLength, valid)
	binary.BigEndian.PutUint32(badLength[0:4], uint32(len(valid)+4))

	badVersion := make([]byte, len(valid))
	copy(badVersion, valid)
	badVersion[4] = 9

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"below minimum size", short, ErrInvalidFrame},
		{"length field mismatch", badLength, ErrInvalidFrame},
		{"unsupported version", badVersion, ErrUnsupportedVersion},
		{"empty", nil, ErrInvalidFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			if err == nil {
				t.Fatal("Decode succeeded, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want kind %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnknownFlagsPassThrough(t *testing.T) {
	kp, _ := identity.Generate()

	f := &Frame{
		Type:      FrameEvent,
		Flags:     0x8000 | FlagUrgent, // unknown high bit plus a known one
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   []byte(`{}`),
	}
	if err := f.Sign(kp); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	data, _ := f.Encode()
	parsed, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if parsed.Flags != f.Flags {
		t.Errorf("Flags = 0x%04x, want 0x%04x", parsed.Flags, f.Flags)
	}
	if !parsed.Verify() {
		t.Error("frame with unknown flags failed verification")
	}
}

func TestFrameTypeName(t *testing.T) {
	tests := []struct {
		frameType uint8
		want      string
	}{
		{FrameControl, "CONTROL"},
		{FrameRequest, "REQUEST"},
		{FrameResponse, "RESPONSE"},
		{FrameEvent, "EVENT"},
		{FrameStreamData, "STREAM_DATA"},
		{FrameStreamEnd, "STREAM_END"},
		{FrameIntroduce, "INTRODUCE"},
		{0xFF, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := FrameTypeName(tt.frameType); got != tt.want {
			t.Errorf("FrameTypeName(0x%02x) = %s, want %s", tt.frameType, got, tt.want)
		}
	}
}

func TestFrameReaderWriter(t *testing.T) {
	kp, _ := identity.Generate()

	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	frames := []*Frame{
		signedFrame(t, kp, FrameControl, HeartbeatPayload()),
		signedFrame(t, kp, FrameEvent, []byte(`{"n":7}`)),
		signedFrame(t, kp, FrameEvent, nil),
	}
	for _, f := range frames {
		if err := fw.Write(f); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	fr := NewFrameReader(&buf)
	for i, want := range frames {
		got, err := fr.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d mismatch: got %s, want %s", i, got, want)
		}
		if !got.Verify() {
			t.Errorf("frame %d failed verification", i)
		}
	}
}

func TestFrameReaderRejectsBadPrefix(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 10) // below MinFrameSize
	buf.Write(prefix[:])
	buf.Write(make([]byte, 10))

	if _, err := NewFrameReader(&buf).Read(); err == nil {
		t.Error("Read accepted a frame below minimum size")
	}
}
