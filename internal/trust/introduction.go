// Package trust implements the introduction protocol: signed records by
// which an already-trusted peer vouches for a third party, bounded and
// cycle-checked through an explicit introducer path.
package trust

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/protocol"
)

// Introduction is the signed body carried in an INTRODUCE payload.
// Pubkey and IntroducerPubkey are hex-encoded 32-byte keys. TrustPath is
// the ordered chain of introducers so far; a forwarder appends its own
// key before re-signing.
type Introduction struct {
	Pubkey           string                `json:"pubkey"`
	Alias            string                `json:"alias,omitempty"`
	Capabilities     protocol.Capabilities `json:"capabilities"`
	Message          string                `json:"message,omitempty"`
	IntroducerPubkey string                `json:"introducerPubkey"`
	Timestamp        uint64                `json:"timestamp"` // milliseconds since epoch
	TrustPath        []string              `json:"trustPath"`
	Signature        string                `json:"signature,omitempty"` // hex, over SigningBytes
}

// Encode serializes the introduction for an INTRODUCE frame payload.
func (in *Introduction) Encode() ([]byte, error) {
	return json.Marshal(in)
}

// DecodeIntroduction deserializes an INTRODUCE frame payload.
func DecodeIntroduction(data []byte) (*Introduction, error) {
	var in Introduction
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("malformed introduction: %w", err)
	}
	if in.Pubkey == "" || in.IntroducerPubkey == "" {
		return nil, fmt.Errorf("introduction missing pubkey or introducer")
	}
	return &in, nil
}

// SigningBytes returns the canonical serialization of every field except
// the signature. Strings are length-prefixed so adjacent fields cannot
// be confused; field order is fixed.
func (in *Introduction) SigningBytes() []byte {
	caps, _ := json.Marshal(in.Capabilities)

	buf := make([]byte, 0, 256)
	buf = appendString(buf, in.Pubkey)
	buf = appendString(buf, in.Alias)
	buf = appendString(buf, string(caps))
	buf = appendString(buf, in.Message)
	buf = appendString(buf, in.IntroducerPubkey)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], in.Timestamp)
	buf = append(buf, ts[:]...)

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(in.TrustPath)))
	buf = append(buf, n[:]...)
	for _, hop := range in.TrustPath {
		buf = appendString(buf, hop)
	}

	return buf
}

func appendString(buf []byte, s string) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}

// Sign computes and stores the introducer signature. The introducer field
// is set from the keypair.
func (in *Introduction) Sign(kp *identity.Keypair) {
	in.IntroducerPubkey = kp.Public.String()
	sig := kp.Sign(in.SigningBytes())
	in.Signature = hex.EncodeToString(sig)
}

// VerifySignature checks the introduction signature against pub.
func (in *Introduction) VerifySignature(pub identity.PublicKey) bool {
	sig, err := hex.DecodeString(in.Signature)
	if err != nil || len(sig) != identity.SignatureSize {
		return false
	}
	return identity.Verify(pub, in.SigningBytes(), sig)
}

// IntroducedKey parses the introduced peer's public key.
func (in *Introduction) IntroducedKey() (identity.PublicKey, error) {
	return identity.ParsePublicKey(in.Pubkey)
}

// IntroducerKey parses the introducer's public key.
func (in *Introduction) IntroducerKey() (identity.PublicKey, error) {
	return identity.ParsePublicKey(in.IntroducerPubkey)
}
