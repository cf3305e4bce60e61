package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/logging"
	"github.com/postalsys/aronia/internal/recovery"
	"github.com/postalsys/aronia/internal/transport"
)

// Endpoint names a transport and address pair.
type Endpoint struct {
	Transport string
	Address   string
}

// MeshConfig configures a MeshSwarm.
type MeshConfig struct {
	Keypair *identity.Keypair

	// Listeners are served when the node announces on its topic.
	Listeners []Endpoint

	// Bootstrap addresses are dialed when the node searches. They stand
	// in for DHT discovery.
	Bootstrap []Endpoint

	// ReconnectInitialDelay and ReconnectMaxDelay shape the bootstrap
	// redial backoff.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	Logger *slog.Logger
}

// MeshSwarm is a transport-backed swarm: it serves listeners, dials
// bootstrap peers, authenticates every carrier connection with the
// signed handshake, and yields encrypted streams. One MeshSwarm serves
// one topic.
type MeshSwarm struct {
	cfg    MeshConfig
	logger *slog.Logger
	conns  chan Stream

	mu        sync.Mutex
	topic     [32]byte
	joined    bool
	listeners []net.Listener
	streams   map[*secureStream]struct{}
	destroyed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMeshSwarm creates a mesh swarm.
func NewMeshSwarm(cfg MeshConfig) (*MeshSwarm, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("mesh swarm requires a keypair")
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &MeshSwarm{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "swarm"),
		conns:   make(chan Stream, 16),
		streams: make(map[*secureStream]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Join starts listeners and bootstrap dialers for the topic. A
// MeshSwarm serves a single topic; joining a second one fails.
func (m *MeshSwarm) Join(topic [32]byte, opts JoinOptions) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return errors.New("swarm destroyed")
	}
	if m.joined {
		same := m.topic == topic
		m.mu.Unlock()
		if same {
			return nil
		}
		return errors.New("mesh swarm serves a single topic")
	}
	m.topic = topic
	m.joined = true
	m.mu.Unlock()

	if opts.Announce {
		for _, ep := range m.cfg.Listeners {
			if err := m.listen(ep); err != nil {
				return err
			}
		}
	}

	if opts.Search {
		for _, ep := range m.cfg.Bootstrap {
			m.wg.Add(1)
			go m.dialLoop(ep)
		}
	}

	return nil
}

func (m *MeshSwarm) listen(ep Endpoint) error {
	tr, err := transport.New(ep.Transport)
	if err != nil {
		return err
	}

	ln, err := tr.Listen(ep.Address)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", ep.Transport, ep.Address, err)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		ln.Close()
		return errors.New("swarm destroyed")
	}
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	m.logger.Info("listening", "transport", ep.Transport, "address", ep.Address)

	m.wg.Add(1)
	go m.acceptLoop(ln)
	return nil
}

func (m *MeshSwarm) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "swarm.acceptLoop")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			m.logger.Debug("accept failed", logging.KeyError, err)
			return
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer recovery.RecoverWithLog(m.logger, "swarm.inboundHandshake")
			m.secure(conn, false)
		}()
	}
}

// dialLoop keeps one bootstrap endpoint connected, redialing with
// exponential backoff whenever the stream drops.
func (m *MeshSwarm) dialLoop(ep Endpoint) {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "swarm.dialLoop")

	tr, err := transport.New(ep.Transport)
	if err != nil {
		m.logger.Warn("bad bootstrap endpoint", logging.KeyError, err)
		return
	}

	delay := m.cfg.ReconnectInitialDelay
	for {
		select {
		case <-m.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultDialTimeout)
		conn, err := tr.Dial(ctx, ep.Address)
		cancel()

		if err == nil {
			stream := m.secure(conn, true)
			if stream != nil {
				delay = m.cfg.ReconnectInitialDelay
				select {
				case <-stream.Done():
				case <-m.done:
					return
				}
			}
		} else {
			m.logger.Debug("bootstrap dial failed", "address", ep.Address, logging.KeyError, err)
		}

		select {
		case <-time.After(delay):
		case <-m.done:
			return
		}
		delay *= 2
		if delay > m.cfg.ReconnectMaxDelay {
			delay = m.cfg.ReconnectMaxDelay
		}
	}
}

// secure runs the handshake on a raw carrier and delivers the resulting
// stream. Returns nil when the handshake fails.
func (m *MeshSwarm) secure(conn net.Conn, initiator bool) *secureStream {
	m.mu.Lock()
	topic := m.topic
	m.mu.Unlock()

	remote, rc, err := handshake(conn, m.cfg.Keypair, topic, initiator)
	if err != nil {
		m.logger.Debug("handshake failed", logging.KeyError, err)
		conn.Close()
		return nil
	}

	// A peer presenting our own key is a loopback dial; drop it.
	if remote.Equal(m.cfg.Keypair.Public) {
		conn.Close()
		return nil
	}

	stream := newSecureStream(conn, rc, remote)

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		stream.Close()
		return nil
	}
	m.streams[stream] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-stream.Done()
		m.mu.Lock()
		delete(m.streams, stream)
		m.mu.Unlock()
	}()

	select {
	case m.conns <- stream:
		return stream
	case <-m.done:
		stream.Close()
		return nil
	}
}

// Connections yields authenticated streams.
func (m *MeshSwarm) Connections() <-chan Stream {
	return m.conns
}

// Destroy closes listeners and all streams. Idempotent.
func (m *MeshSwarm) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	listeners := m.listeners
	m.listeners = nil
	streams := make([]*secureStream, 0, len(m.streams))
	for s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	close(m.done)

	for _, ln := range listeners {
		ln.Close()
	}
	for _, s := range streams {
		s.Close()
	}

	m.wg.Wait()
	return nil
}
