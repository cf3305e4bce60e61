package swarm

import (
	"errors"
	"sync"
	"time"

	"github.com/postalsys/aronia/internal/identity"
)

// MemNet is an in-process rendezvous hub shared by MemSwarm instances.
// It pairs every announcer with every searcher on a topic, standing in
// for the DHT in tests and single-process runs.
type MemNet struct {
	mu     sync.Mutex
	topics map[[32]byte]map[*MemSwarm]JoinOptions
}

// NewMemNet creates an empty hub.
func NewMemNet() *MemNet {
	return &MemNet{topics: make(map[[32]byte]map[*MemSwarm]JoinOptions)}
}

// Swarm creates a swarm endpoint for the given static key.
func (n *MemNet) Swarm(pub identity.PublicKey) *MemSwarm {
	return &MemSwarm{
		net:   n,
		pub:   pub,
		conns: make(chan Stream, 16),
		done:  make(chan struct{}),
	}
}

func (n *MemNet) join(s *MemSwarm, topic [32]byte, opts JoinOptions) {
	n.mu.Lock()
	peers := n.topics[topic]
	if peers == nil {
		peers = make(map[*MemSwarm]JoinOptions)
		n.topics[topic] = peers
	}

	var matched []*MemSwarm
	for other, otherOpts := range peers {
		if other == s {
			continue
		}
		// One side must announce and the other search; both-both also
		// rendezvous, once per pair.
		if (opts.Search && otherOpts.Announce) || (opts.Announce && otherOpts.Search) {
			matched = append(matched, other)
		}
	}
	peers[s] = opts
	n.mu.Unlock()

	for _, other := range matched {
		a, b := newMemStreamPair(s.pub, other.pub)
		s.deliver(a)
		other.deliver(b)
	}
}

func (n *MemNet) leave(s *MemSwarm) {
	n.mu.Lock()
	for _, peers := range n.topics {
		delete(peers, s)
	}
	n.mu.Unlock()
}

// MemSwarm is one endpoint on a MemNet.
type MemSwarm struct {
	net   *MemNet
	pub   identity.PublicKey
	conns chan Stream

	mu        sync.Mutex
	destroyed bool
	done      chan struct{}
}

// Join registers this endpoint on a topic and pairs it with existing
// members.
func (s *MemSwarm) Join(topic [32]byte, opts JoinOptions) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("swarm destroyed")
	}
	s.mu.Unlock()

	s.net.join(s, topic, opts)
	return nil
}

// Connections yields paired streams.
func (s *MemSwarm) Connections() <-chan Stream {
	return s.conns
}

// Destroy leaves all topics. Idempotent.
func (s *MemSwarm) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	close(s.done)
	s.mu.Unlock()

	s.net.leave(s)
	return nil
}

func (s *MemSwarm) deliver(st Stream) {
	select {
	case s.conns <- st:
	case <-s.done:
		st.Close()
	}
}

// memStream is one half of an in-process stream pair.
type memStream struct {
	remote identity.PublicKey
	peer   *memStream

	frames chan []byte

	mu       sync.Mutex
	writable bool
	drain    chan struct{}
	closed   bool
	done     chan struct{}
	err      error
}

func newMemStreamPair(a, b identity.PublicKey) (*memStream, *memStream) {
	x := &memStream{remote: b, frames: make(chan []byte, 256), writable: true, done: make(chan struct{})}
	y := &memStream{remote: a, frames: make(chan []byte, 256), writable: true, done: make(chan struct{})}
	x.peer = y
	y.peer = x
	return x, y
}

func (m *memStream) RemoteStaticPublicKey() identity.PublicKey {
	return m.remote
}

// Write delivers a copy of the frame to the peer. It reports false when
// the stream is artificially unwritable (SetWritable) or the peer's
// buffer is full; the pending drain channel fires once space returns.
func (m *memStream) Write(frame []byte) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	writable := m.writable
	m.mu.Unlock()

	if !writable {
		return false
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case <-m.peer.done:
		return false
	case m.peer.frames <- buf:
		return true
	default:
	}

	// Peer buffer full: report backpressure, fire drain once space
	// frees up. The caller retries the frame itself.
	go func() {
		for {
			select {
			case <-m.peer.done:
				return
			case <-m.done:
				return
			case <-time.After(time.Millisecond):
			}
			if len(m.peer.frames) < cap(m.peer.frames) {
				m.signalDrain()
				return
			}
		}
	}()
	return false
}

// SetWritable toggles artificial backpressure. Used by tests.
func (m *memStream) SetWritable(w bool) {
	m.mu.Lock()
	m.writable = w
	m.mu.Unlock()
	if w {
		m.signalDrain()
	}
}

func (m *memStream) signalDrain() {
	m.mu.Lock()
	drain := m.drain
	m.drain = nil
	m.mu.Unlock()
	if drain != nil {
		close(drain)
	}
}

func (m *memStream) Drain() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drain == nil {
		m.drain = make(chan struct{})
	}
	return m.drain
}

func (m *memStream) Frames() <-chan []byte {
	return m.frames
}

func (m *memStream) Close() error {
	m.closeWithError(nil)
	m.peer.closeWithError(errors.New("stream closed by peer"))
	return nil
}

func (m *memStream) closeWithError(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.err = err
	close(m.done)
	m.mu.Unlock()
	m.signalDrain()
}

func (m *memStream) Done() <-chan struct{} {
	return m.done
}

func (m *memStream) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
