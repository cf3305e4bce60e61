package swarm

import (
	"net"
	"sync"

	"github.com/postalsys/aronia/internal/identity"
)

const (
	// streamQueueSize is the outbound buffer; a full buffer is the
	// "not writable" signal the session's write path parks on.
	streamQueueSize = 64

	// streamDrainMark is the queue depth at which drain fires again.
	streamDrainMark = streamQueueSize / 2
)

// secureStream is one authenticated carrier connection presented as a
// swarm Stream. A writer goroutine serializes records; the outbound
// channel's capacity provides the writability signal.
type secureStream struct {
	conn   net.Conn
	rc     *recordCipher
	remote identity.PublicKey

	out    chan []byte
	frames chan []byte

	mu     sync.Mutex
	drain  chan struct{}
	closed bool
	err    error

	done chan struct{}
}

func newSecureStream(conn net.Conn, rc *recordCipher, remote identity.PublicKey) *secureStream {
	s := &secureStream{
		conn:   conn,
		rc:     rc,
		remote: remote,
		out:    make(chan []byte, streamQueueSize),
		frames: make(chan []byte, streamQueueSize),
		done:   make(chan struct{}),
	}

	go s.writeLoop()
	go s.readLoop()

	return s
}

func (s *secureStream) RemoteStaticPublicKey() identity.PublicKey {
	return s.remote
}

// Write enqueues one frame. False means the outbound buffer is full;
// the caller parks until Drain fires.
func (s *secureStream) Write(frame []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case s.out <- buf:
		return true
	default:
		return false
	}
}

func (s *secureStream) Drain() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drain == nil {
		s.drain = make(chan struct{})
	}
	return s.drain
}

func (s *secureStream) signalDrain() {
	s.mu.Lock()
	drain := s.drain
	s.drain = nil
	s.mu.Unlock()
	if drain != nil {
		close(drain)
	}
}

func (s *secureStream) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			if err := writeRecord(s.conn, s.rc, frame); err != nil {
				s.closeWithError(err)
				return
			}
			if len(s.out) <= streamDrainMark {
				s.signalDrain()
			}
		}
	}
}

func (s *secureStream) readLoop() {
	for {
		frame, err := readRecord(s.conn, s.rc)
		if err != nil {
			s.closeWithError(err)
			return
		}

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *secureStream) Frames() <-chan []byte {
	return s.frames
}

func (s *secureStream) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *secureStream) closeWithError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	s.mu.Unlock()

	s.conn.Close()
	s.signalDrain()
}

func (s *secureStream) Done() <-chan struct{} {
	return s.done
}

func (s *secureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
