package swarm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/postalsys/aronia/internal/identity"
)

// The mesh swarm authenticates each carrier connection with a signed
// X25519 exchange: both sides send a hello carrying their static
// Ed25519 key, an ephemeral X25519 key, and a signature binding the two
// to the topic. Traffic then runs as length-prefixed ChaCha20-Poly1305
// records, one whole frame per record.

const (
	handshakeVersion uint8 = 1

	// helloSize: version(1) + topic(32) + static(32) + ephemeral(32) + signature(64)
	helloSize = 1 + 32 + 32 + 32 + 64

	keySize   = 32
	nonceSize = chacha20poly1305.NonceSize

	// maxRecordSize bounds one encrypted record (one frame plus AEAD
	// overhead).
	maxRecordSize = 16<<20 + 64

	handshakeTimeout = 10 * time.Second

	transcriptContext = "aronia-handshake-v1"
	recordKeyInfo     = "aronia-secure-v1"
)

var (
	// ErrHandshakeFailed wraps every handshake failure.
	ErrHandshakeFailed = errors.New("swarm handshake failed")

	// ErrTopicMismatch is returned when the remote joined another topic.
	ErrTopicMismatch = fmt.Errorf("%w: topic mismatch", ErrHandshakeFailed)
)

// generateEphemeral creates a clamped X25519 keypair for one handshake.
func generateEphemeral() (priv, pub [keySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate ephemeral key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// helloTranscript is the byte range covered by the hello signature.
func helloTranscript(topic [32]byte, static identity.PublicKey, eph [keySize]byte) []byte {
	buf := make([]byte, 0, len(transcriptContext)+96)
	buf = append(buf, transcriptContext...)
	buf = append(buf, topic[:]...)
	buf = append(buf, static[:]...)
	buf = append(buf, eph[:]...)
	return buf
}

// handshake runs the signed exchange over conn and returns the remote
// static key plus the directional record ciphers. The dialer is the
// initiator; nonce spaces are split by direction.
func handshake(conn net.Conn, kp *identity.Keypair, topic [32]byte, initiator bool) (identity.PublicKey, *recordCipher, error) {
	deadline := time.Now().Add(handshakeTimeout)
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	ephPriv, ephPub, err := generateEphemeral()
	if err != nil {
		return identity.ZeroKey, nil, err
	}

	hello := make([]byte, helloSize)
	hello[0] = handshakeVersion
	copy(hello[1:33], topic[:])
	copy(hello[33:65], kp.Public[:])
	copy(hello[65:97], ephPub[:])
	sig := kp.Sign(helloTranscript(topic, kp.Public, ephPub))
	copy(hello[97:], sig)

	// Both sides send while reading; no ordering dependency, even on an
	// unbuffered carrier.
	sent := make(chan error, 1)
	go func() {
		_, err := conn.Write(hello)
		sent <- err
	}()

	remoteHello := make([]byte, helloSize)
	if _, err := io.ReadFull(conn, remoteHello); err != nil {
		return identity.ZeroKey, nil, fmt.Errorf("%w: read hello: %v", ErrHandshakeFailed, err)
	}
	if err := <-sent; err != nil {
		return identity.ZeroKey, nil, fmt.Errorf("%w: send hello: %v", ErrHandshakeFailed, err)
	}

	if remoteHello[0] != handshakeVersion {
		return identity.ZeroKey, nil, fmt.Errorf("%w: version %d", ErrHandshakeFailed, remoteHello[0])
	}

	var remoteTopic [32]byte
	copy(remoteTopic[:], remoteHello[1:33])
	if remoteTopic != topic {
		return identity.ZeroKey, nil, ErrTopicMismatch
	}

	var remoteStatic identity.PublicKey
	copy(remoteStatic[:], remoteHello[33:65])

	var remoteEph [keySize]byte
	copy(remoteEph[:], remoteHello[65:97])

	if !identity.Verify(remoteStatic, helloTranscript(topic, remoteStatic, remoteEph), remoteHello[97:]) {
		return identity.ZeroKey, nil, fmt.Errorf("%w: bad hello signature", ErrHandshakeFailed)
	}

	var shared [keySize]byte
	var zero [keySize]byte
	if remoteEph == zero {
		return identity.ZeroKey, nil, fmt.Errorf("%w: zero ephemeral key", ErrHandshakeFailed)
	}
	curve25519.ScalarMult(&shared, &ephPriv, &remoteEph)
	if shared == zero {
		return identity.ZeroKey, nil, fmt.Errorf("%w: low-order ECDH result", ErrHandshakeFailed)
	}

	// Salt orders the ephemeral keys by role so both sides derive the
	// same key.
	salt := make([]byte, 2*keySize)
	if initiator {
		copy(salt[:keySize], ephPub[:])
		copy(salt[keySize:], remoteEph[:])
	} else {
		copy(salt[:keySize], remoteEph[:])
		copy(salt[keySize:], ephPub[:])
	}

	var key [keySize]byte
	reader := hkdf.New(sha256.New, shared[:], salt, []byte(recordKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return identity.ZeroKey, nil, fmt.Errorf("%w: derive record key: %v", ErrHandshakeFailed, err)
	}

	rc, err := newRecordCipher(key, initiator)
	if err != nil {
		return identity.ZeroKey, nil, err
	}

	return remoteStatic, rc, nil
}

// recordCipher seals and opens records with direction-split counter
// nonces: the initiator sends on even nonces, the responder on odd.
type recordCipher struct {
	mu        sync.Mutex
	key       [keySize]byte
	sendNonce uint64
	recvNonce uint64
	initiator bool
}

func newRecordCipher(key [keySize]byte, initiator bool) (*recordCipher, error) {
	return &recordCipher{key: key, initiator: initiator}, nil
}

func (rc *recordCipher) nonce(counter uint64, sending bool) [nonceSize]byte {
	var n [nonceSize]byte
	binary.BigEndian.PutUint64(n[4:], counter<<1)
	odd := !rc.initiator
	if !sending {
		odd = rc.initiator
	}
	if odd {
		n[nonceSize-1] |= 1
	}
	return n
}

// Seal encrypts one frame into a record body (nonce counter implicit).
func (rc *recordCipher) Seal(plaintext []byte) ([]byte, error) {
	rc.mu.Lock()
	counter := rc.sendNonce
	rc.sendNonce++
	rc.mu.Unlock()

	aead, err := chacha20poly1305.New(rc.key[:])
	if err != nil {
		return nil, err
	}
	n := rc.nonce(counter, true)
	return aead.Seal(nil, n[:], plaintext, nil), nil
}

// Open decrypts one record body.
func (rc *recordCipher) Open(ciphertext []byte) ([]byte, error) {
	rc.mu.Lock()
	counter := rc.recvNonce
	rc.recvNonce++
	rc.mu.Unlock()

	aead, err := chacha20poly1305.New(rc.key[:])
	if err != nil {
		return nil, err
	}
	n := rc.nonce(counter, false)
	plaintext, err := aead.Open(nil, n[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("record authentication failed: %w", err)
	}
	return plaintext, nil
}

// writeRecord writes one length-prefixed encrypted record.
func writeRecord(conn net.Conn, rc *recordCipher, frame []byte) error {
	body, err := rc.Seal(frame)
	if err != nil {
		return err
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)

	_, err = conn.Write(buf)
	return err
}

// readRecord reads one length-prefixed encrypted record.
func readRecord(conn net.Conn, rc *recordCipher) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || length > maxRecordSize {
		return nil, fmt.Errorf("record size %d out of range", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}

	return rc.Open(body)
}
