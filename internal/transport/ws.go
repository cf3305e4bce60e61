package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsPath      = "/fabric"
	wsReadLimit = 16 * 1024 * 1024
)

// WebSocketTransport carries connections over WebSocket, for peers that
// can only reach each other through HTTP infrastructure.
type WebSocketTransport struct{}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() Type {
	return TypeWebSocket
}

// Dial connects to a remote peer. addr may be host:port or a ws:// URL.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "ws://" + addr + wsPath
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	return websocket.NetConn(context.Background(), conn, websocket.MessageBinary), nil
}

// Listen serves the WebSocket upgrade endpoint and yields accepted
// connections as net.Conns.
func (t *WebSocketTransport) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	wl := &wsListener{
		inner:  ln,
		accept: make(chan net.Conn, 16),
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, wl.handleUpgrade)

	wl.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		_ = wl.server.Serve(ln)
	}()

	return wl, nil
}

type wsListener struct {
	inner  net.Listener
	server *http.Server
	accept chan net.Conn

	closeOnce sync.Once
	done      chan struct{}
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	select {
	case l.accept <- nc:
	case <-l.done:
		nc.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.accept:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.server.Close()
		l.inner.Close()
	})
	return nil
}

func (l *wsListener) Addr() net.Addr {
	return l.inner.Addr()
}
