package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/postalsys/aronia/internal/identity"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnsupportedVersion is returned for frames with an unknown
	// protocol version. The frame is discarded, not the session.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// Frame is the wire unit exchanged between peers. Every frame is signed
// by its sender; the signature covers the whole serialized frame except
// the trailing signature bytes themselves.
//
// Wire format (big-endian, 52-byte fixed header):
//
//	Length    [4 bytes]  - Total serialized size including the header
//	Version   [1 byte]   - Protocol version (1)
//	Type      [1 byte]   - Frame type
//	Flags     [2 bytes]  - Flag bits; unknown bits pass through
//	Reserved  [4 bytes]  - Zero on send; kept on receive, covered by the signature
//	Timestamp [8 bytes]  - Sender clock, milliseconds since epoch
//	Sender    [32 bytes] - Sender's public key
//	Payload   [variable] - UTF-8 JSON, shape depends on Type
//	Signature [64 bytes] - Ed25519 over everything above
type Frame struct {
	Type      uint8
	Flags     uint16
	Reserved  [4]byte // header bytes 8..12; zero for locally built frames
	Timestamp uint64
	Sender    identity.PublicKey
	Payload   []byte
	Signature [SignatureSize]byte
}

// Encode serializes the frame, signature included.
func (f *Frame) Encode() ([]byte, error) {
	total := HeaderSize + len(f.Payload) + SignatureSize
	if total > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = Version
	buf[5] = f.Type
	binary.BigEndian.PutUint16(buf[6:8], f.Flags)
	copy(buf[8:12], f.Reserved[:])
	binary.BigEndian.PutUint64(buf[12:20], f.Timestamp)
	copy(buf[20:52], f.Sender[:])
	copy(buf[HeaderSize:], f.Payload)
	copy(buf[total-SignatureSize:], f.Signature[:])

	return buf, nil
}

// Decode parses a serialized frame. The input must be exactly one frame:
// the embedded length field has to match len(buf).
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes, minimum is %d", ErrInvalidFrame, len(buf), MinFrameSize)
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if int(length) != len(buf) {
		return nil, fmt.Errorf("%w: length field %d does not match %d input bytes", ErrInvalidFrame, length, len(buf))
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	if buf[4] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, buf[4])
	}

	payloadLen := int(length) - HeaderSize - SignatureSize
	if payloadLen < 0 {
		return nil, fmt.Errorf("%w: length %d below minimum", ErrInvalidFrame, length)
	}

	f := &Frame{
		Type:      buf[5],
		Flags:     binary.BigEndian.Uint16(buf[6:8]),
		Timestamp: binary.BigEndian.Uint64(buf[12:20]),
	}
	copy(f.Reserved[:], buf[8:12])
	copy(f.Sender[:], buf[20:52])

	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, buf[HeaderSize:HeaderSize+payloadLen])
	copy(f.Signature[:], buf[len(buf)-SignatureSize:])

	return f, nil
}

// Sign computes the frame signature with the given keypair and stores it
// in place. The sender field is set from the keypair.
func (f *Frame) Sign(kp *identity.Keypair) error {
	f.Sender = kp.Public
	f.Signature = [SignatureSize]byte{}

	buf, err := f.Encode()
	if err != nil {
		return err
	}

	sig := kp.Sign(buf[:len(buf)-SignatureSize])
	copy(f.Signature[:], sig)
	return nil
}

// Verify checks the frame signature against the embedded sender key.
// Any failure to re-serialize counts as invalid.
func (f *Frame) Verify() bool {
	sig := f.Signature
	f.Signature = [SignatureSize]byte{}
	buf, err := f.Encode()
	f.Signature = sig
	if err != nil {
		return false
	}

	return identity.Verify(f.Sender, buf[:len(buf)-SignatureSize], sig[:])
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Flags=0x%04x, Sender=%s, PayloadLen=%d}",
		FrameTypeName(f.Type), f.Flags, f.Sender.ShortString(), len(f.Payload))
}
