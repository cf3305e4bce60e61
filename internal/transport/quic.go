package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
)

// QUICTransport carries connections over QUIC. Each peer connection
// uses a single bidirectional stream presented as a net.Conn; the swarm
// layer does its own framing and authentication on top.
type QUICTransport struct{}

// NewQUICTransport creates a QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

// Type returns the transport type.
func (t *QUICTransport) Type() Type {
	return TypeQUIC
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        quicMaxIdleTimeout,
		KeepAlivePeriod:       quicKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}
}

// Dial connects to a remote peer and opens the connection stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, insecureClientTLS(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}

	// The stream only materializes on the accepting side once data
	// flows; the swarm handshake's first record takes care of that.
	return &quicConn{conn: conn, stream: stream}, nil
}

// Listen accepts QUIC connections on addr.
func (t *QUICTransport) Listen(addr string) (net.Listener, error) {
	tlsConf, err := selfSignedTLS()
	if err != nil {
		return nil, err
	}

	inner, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	return &quicListener{inner: inner}, nil
}

type quicListener struct {
	inner *quic.Listener

	closeOnce sync.Once
	closeErr  error
}

func (l *quicListener) Accept() (net.Conn, error) {
	conn, err := l.inner.Accept(context.Background())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		conn.CloseWithError(0, "stream accept failed")
		return nil, err
	}

	return &quicConn{conn: conn, stream: stream}, nil
}

func (l *quicListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.inner.Close()
	})
	return l.closeErr
}

func (l *quicListener) Addr() net.Addr {
	return l.inner.Addr()
}

// quicConn presents a QUIC connection's single stream as a net.Conn.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream

	closeOnce sync.Once
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.Close()
		c.conn.CloseWithError(0, "closed")
	})
	return nil
}

func (c *quicConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
