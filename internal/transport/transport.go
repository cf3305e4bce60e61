// Package transport provides the raw carriers the swarm layer runs on.
// A transport moves bytes; it does not authenticate peers. Identity and
// confidentiality come from the swarm's handshake and record layer, so
// TLS-carrying transports (quic) run on throwaway self-signed certs.
package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Type identifies the transport protocol.
type Type string

const (
	TypeTCP       Type = "tcp"
	TypeQUIC      Type = "quic"
	TypeWebSocket Type = "ws"
)

// ALPNProtocol is the protocol identifier offered on TLS carriers.
const ALPNProtocol = "aronia/1"

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 10 * time.Second

// Transport creates and accepts raw peer connections.
type Transport interface {
	// Dial connects to a remote address.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Listen accepts incoming connections on addr.
	Listen(addr string) (net.Listener, error)

	// Type returns the transport type identifier.
	Type() Type
}

// New returns the transport implementation for a type name.
func New(name string) (Transport, error) {
	switch Type(name) {
	case TypeTCP:
		return NewTCPTransport(), nil
	case TypeQUIC:
		return NewQUICTransport(), nil
	case TypeWebSocket:
		return NewWebSocketTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
}

// selfSignedTLS builds a throwaway TLS config for carrier encryption.
// The certificate proves nothing; peer authenticity is established by
// the swarm handshake on top.
func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate carrier key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "aronia"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create carrier certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// insecureClientTLS pairs with selfSignedTLS on the dialing side.
func insecureClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}
