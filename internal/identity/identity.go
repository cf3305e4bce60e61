// Package identity provides node identity management.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// PublicKeySize is the size of a node public key in bytes.
	PublicKeySize = 32

	// SecretKeySize is the size of an Ed25519 secret key in bytes
	// (32-byte seed followed by the 32-byte public key, per the standard).
	SecretKeySize = 64

	// SignatureSize is the size of an Ed25519 signature in bytes.
	SignatureSize = 64

	// SeedSize is the size of an Ed25519 seed in bytes.
	SeedSize = 32
)

var (
	// ErrInvalidKeyLength is returned when the key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid public key length: expected 32 bytes")

	// ErrInvalidHexString is returned when the hex string is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for public key")

	// ZeroKey represents an uninitialized public key.
	ZeroKey = PublicKey{}
)

// PublicKey is a node's stable address: its 32-byte Ed25519 signing
// public key. Keys are compared and used as map keys by raw bytes;
// hex is only a display and config form.
type PublicKey [PublicKeySize]byte

// ParsePublicKey parses a PublicKey from a hex string.
func ParsePublicKey(s string) (PublicKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != PublicKeySize*2 {
		return ZeroKey, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), PublicKeySize*2)
	}

	bytes, err := hex.DecodeString(s)
	if err != nil {
		return ZeroKey, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var pk PublicKey
	copy(pk[:], bytes)
	return pk, nil
}

// PublicKeyFromBytes creates a PublicKey from a byte slice.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return ZeroKey, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(b))
	}
	var pk PublicKey
	copy(pk[:], b)
	return pk, nil
}

// String returns the full hex representation of the key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// ShortString returns a shortened hex representation (first 8 chars).
func (pk PublicKey) ShortString() string {
	return hex.EncodeToString(pk[:4])
}

// Bytes returns the key as a byte slice.
func (pk PublicKey) Bytes() []byte {
	return pk[:]
}

// IsZero returns true if the key is uninitialized (all zeros).
func (pk PublicKey) IsZero() bool {
	return pk == ZeroKey
}

// Equal returns true if two keys are identical.
func (pk PublicKey) Equal(other PublicKey) bool {
	return pk == other
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Verify checks an Ed25519 signature over message against pub.
func Verify(pub PublicKey, message []byte, signature []byte) bool {
	if len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, signature)
}
