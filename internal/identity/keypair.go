package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Keypair holds a node's Ed25519 signing keypair. The public key is the
// node's address on the fabric; the secret key signs every outbound frame.
type Keypair struct {
	Public PublicKey
	Secret [SecretKeySize]byte
}

// Generate creates a new random keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	kp := &Keypair{}
	copy(kp.Public[:], pub)
	copy(kp.Secret[:], priv)
	return kp, nil
}

// FromSeed derives a keypair from a 32-byte seed.
func FromSeed(seed [SeedSize]byte) *Keypair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)

	kp := &Keypair{}
	copy(kp.Public[:], pub)
	copy(kp.Secret[:], priv)
	return kp
}

// Seed returns the 32-byte seed of the secret key.
func (kp *Keypair) Seed() [SeedSize]byte {
	var seed [SeedSize]byte
	copy(seed[:], kp.Secret[:SeedSize])
	return seed
}

// Sign signs message with the secret key.
func (kp *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(kp.Secret[:]), message)
}

// Zero wipes the secret key material.
func (kp *Keypair) Zero() {
	for i := range kp.Secret {
		kp.Secret[i] = 0
	}
}

// Keyfile persistence. The node core is memory-only; storing the seed on
// disk is a CLI concern so a node keeps its address across restarts.

// Store writes the keypair seed to path as hex, atomically.
func (kp *Keypair) Store(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	seed := kp.Seed()
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(hex.EncodeToString(seed[:])+"\n"), 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persist key file: %w", err)
	}

	return nil
}

// Load reads a keypair from a seed file.
func Load(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("key file not found at %s", path)
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}

	s := strings.TrimSpace(string(data))
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != SeedSize {
		return nil, errors.New("malformed key file: expected 32 hex-encoded seed bytes")
	}

	var seed [SeedSize]byte
	copy(seed[:], raw)
	return FromSeed(seed), nil
}

// LoadOrCreate loads a keypair from path, or generates and persists a new
// one if none exists. The second return value reports whether a new keypair
// was created.
func LoadOrCreate(path string) (*Keypair, bool, error) {
	kp, err := Load(path)
	if err == nil {
		return kp, false, nil
	}

	if !strings.Contains(err.Error(), "not found") {
		return nil, false, err
	}

	kp, err = Generate()
	if err != nil {
		return nil, false, err
	}

	if err := kp.Store(path); err != nil {
		return nil, false, err
	}

	return kp, true, nil
}
