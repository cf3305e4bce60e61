// Package peer implements the per-connection session state machine:
// capability exchange, heartbeat-maintained liveness, the signed write
// path with backpressure, and the request/response multiplexer.
package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/logging"
	"github.com/postalsys/aronia/internal/metrics"
	"github.com/postalsys/aronia/internal/protocol"
	"github.com/postalsys/aronia/internal/recovery"
	"github.com/postalsys/aronia/internal/swarm"
	"github.com/postalsys/aronia/internal/trust"
)

// State is the session lifecycle state.
type State int32

const (
	StateNew State = iota
	StateHandshaked
	StateActive
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateHandshaked:
		return "HANDSHAKED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handlers are the callbacks a session dispatches inbound traffic to.
// OnRequest runs on its own goroutine per request; OnClose runs on
// whichever goroutine calls Destroy; the others run on the session's
// read loop and must not block.
type Handlers struct {
	OnEvent         func(remote identity.PublicKey, payload json.RawMessage)
	OnRequest       func(remote identity.PublicKey, req *protocol.RequestPayload) (json.RawMessage, *protocol.ResponseError)
	OnIntroduce     func(remote identity.PublicKey, in *trust.Introduction)
	OnCapabilities  func(remote identity.PublicKey, caps protocol.Capabilities)
	OnProtocolError func(remote identity.PublicKey, err error)
	OnClose         func(s *Session, reason error)
}

// Config contains session configuration.
type Config struct {
	Keypair      *identity.Keypair
	Remote       identity.PublicKey
	Capabilities protocol.Capabilities

	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	DefaultRequestTimeout time.Duration
	BackpressureTimeout   time.Duration

	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Handlers Handlers
}

// Timing defaults applied by NewSession.
const (
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultHeartbeatTimeout    = 90 * time.Second
	DefaultRequestTimeout      = 30 * time.Second
	DefaultBackpressureTimeout = 30 * time.Second
)

// destroyFlushTimeout bounds the teardown attempt to deliver writes
// still sitting on the queue.
const destroyFlushTimeout = 500 * time.Millisecond

type result struct {
	value json.RawMessage
	err   error
}

type pendingRequest struct {
	id    string
	done  chan result
	timer *time.Timer
	sent  time.Time
}

type outboundWrite struct {
	data []byte
	errc chan error // nil for fire-and-forget writes
}

// Session is the in-memory object representing one active encrypted
// stream to one remote pubkey. All exported methods are safe for
// concurrent use.
type Session struct {
	cfg    Config
	stream swarm.Stream
	logger *slog.Logger

	state       atomic.Int32
	connectedAt time.Time
	lastSeen    atomic.Int64

	capsMu     sync.Mutex
	remoteCaps protocol.Capabilities

	pendingMu  sync.Mutex
	pending    map[string]*pendingRequest
	reqCounter atomic.Uint64

	queueMu sync.Mutex
	queue   []*outboundWrite
	queued  chan struct{}

	liveness *time.Timer

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason error

	wg sync.WaitGroup
}

// NewSession wraps an admitted swarm stream. The session does nothing
// until Start is called.
func NewSession(stream swarm.Stream, cfg Config) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.DefaultRequestTimeout <= 0 {
		cfg.DefaultRequestTimeout = DefaultRequestTimeout
	}
	if cfg.BackpressureTimeout <= 0 {
		cfg.BackpressureTimeout = DefaultBackpressureTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	s := &Session{
		cfg:    cfg,
		stream: stream,
		logger: logger.With(logging.KeyPeer, cfg.Remote.ShortString()),
		pending: make(map[string]*pendingRequest),
		queued:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	s.state.Store(int32(StateNew))
	return s
}

// Start activates the session: it pushes the capability frame, arms the
// heartbeat and liveness timers, and begins reading frames.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(int32(StateNew), int32(StateHandshaked)) {
		return fmt.Errorf("session already started (state %s)", s.State())
	}

	s.connectedAt = time.Now()
	s.touch()

	payload, err := protocol.CapabilitiesPayload(s.cfg.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	if err := s.enqueueFrame(protocol.FrameControl, payload, nil); err != nil {
		return err
	}

	s.state.Store(int32(StateActive))

	s.liveness = time.AfterFunc(s.cfg.HeartbeatTimeout, func() {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.LivenessExpirations.Inc()
		}
		s.Destroy(ErrLivenessTimeout)
	})

	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.heartbeatLoop()

	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Remote returns the remote peer's public key.
func (s *Session) Remote() identity.PublicKey {
	return s.cfg.Remote
}

// ConnectedAt returns when the session was activated.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// LastSeen returns the time of the last verified inbound frame.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Online reports whether the session is active.
func (s *Session) Online() bool {
	return s.State() == StateActive
}

// Capabilities returns the remote peer's last announced capabilities.
func (s *Session) Capabilities() protocol.Capabilities {
	s.capsMu.Lock()
	defer s.capsMu.Unlock()
	return s.remoteCaps
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
	if s.liveness != nil {
		s.liveness.Reset(s.cfg.HeartbeatTimeout)
	}
}

// ============================================================================
// Outbound path
// ============================================================================

// SendEvent sends a fire-and-forget EVENT frame and waits for the write
// to complete or fail.
func (s *Session) SendEvent(payload json.RawMessage) error {
	return s.sendAndWait(protocol.FrameEvent, payload)
}

// SendIntroduce sends a signed introduction record to this peer.
func (s *Session) SendIntroduce(in *trust.Introduction) error {
	payload, err := in.Encode()
	if err != nil {
		return fmt.Errorf("encode introduction: %w", err)
	}
	return s.sendAndWait(protocol.FrameIntroduce, payload)
}

// SendGoodbye sends a best-effort goodbye control frame.
func (s *Session) SendGoodbye() {
	_ = s.enqueueFrame(protocol.FrameControl, protocol.GoodbyePayload(), nil)
}

func (s *Session) sendAndWait(frameType uint8, payload []byte) error {
	if s.State() != StateActive {
		return ErrPeerOffline
	}
	errc := make(chan error, 1)
	if err := s.enqueueFrame(frameType, payload, errc); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-s.closed:
		// Teardown answers every queued write once its flush attempt
		// is over.
		return <-errc
	}
}

// enqueueFrame signs and serializes a frame, then places it on the
// write queue. Frames leave the queue in order.
func (s *Session) enqueueFrame(frameType uint8, payload []byte, errc chan error) error {
	frame := &protocol.Frame{
		Type:      frameType,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   payload,
	}
	if err := frame.Sign(s.cfg.Keypair); err != nil {
		return fmt.Errorf("sign frame: %w", err)
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	s.queueMu.Lock()
	if s.State() == StateClosed {
		s.queueMu.Unlock()
		return ErrPeerOffline
	}
	s.queue = append(s.queue, &outboundWrite{data: data, errc: errc})
	s.queueMu.Unlock()

	select {
	case s.queued <- struct{}{}:
	default:
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.FramesSent.WithLabelValues(protocol.FrameTypeName(frameType)).Inc()
	}
	return nil
}

func (s *Session) dequeue() *outboundWrite {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	w := s.queue[0]
	s.queue = s.queue[1:]
	return w
}

// writeLoop drains the outbound queue, parking on the stream's drain
// signal whenever the transport reports it cannot take more data. A
// write parked past the backpressure timeout fails; later writes still
// get their chance.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "peer.writeLoop")

	for {
		w := s.dequeue()
		if w == nil {
			select {
			case <-s.queued:
				continue
			case <-s.closed:
				return
			}
		}

		err := s.writeParked(w.data)
		if w.errc != nil {
			w.errc <- err
		}
		if err != nil && err != ErrBackpressure {
			return
		}
	}
}

func (s *Session) writeParked(data []byte) error {
	if s.stream.Write(data) {
		return nil
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WritesParked.Inc()
	}

	deadline := time.NewTimer(s.cfg.BackpressureTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-s.stream.Drain():
			if s.stream.Write(data) {
				return nil
			}
		case <-deadline.C:
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.BackpressureAborts.Inc()
			}
			return ErrBackpressure
		case <-s.closed:
			return ErrPeerOffline
		}
	}
}

// ============================================================================
// Request multiplexing
// ============================================================================

// Request sends an RPC request and blocks until the response arrives,
// the timeout elapses, or the session is torn down. A zero timeout uses
// the configured default. Responses may complete in any order.
func (s *Session) Request(method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if s.State() != StateActive {
		return nil, ErrPeerOffline
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultRequestTimeout
	}

	// The counter is scoped by connectedAt so ids cannot collide across
	// reconnections to the same peer.
	id := fmt.Sprintf("%d-%d", s.connectedAt.UnixMilli(), s.reqCounter.Add(1))

	pr := &pendingRequest{
		id:   id,
		done: make(chan result, 1),
		sent: time.Now(),
	}

	s.pendingMu.Lock()
	s.pending[id] = pr
	s.pendingMu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestsInFlight.Inc()
	}

	payload, err := protocol.EncodeRequest(&protocol.RequestPayload{
		ID:      id,
		Method:  method,
		Params:  params,
		Timeout: timeout.Milliseconds(),
	})
	if err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("encode request: %w", err)
	}

	// Register the deadline before the frame leaves so a fast failure
	// path cannot race the response.
	pr.timer = time.AfterFunc(timeout, func() {
		s.failPending(id, ErrRequestTimeout, "timeout")
	})

	errc := make(chan error, 1)
	if err := s.enqueueFrame(protocol.FrameRequest, payload, errc); err != nil {
		s.failPending(id, err, "send")
	} else {
		go func() {
			if werr := <-errc; werr != nil {
				s.failPending(id, werr, "send")
			}
		}()
	}

	res := <-pr.done
	if s.cfg.Metrics != nil && res.err == nil {
		s.cfg.Metrics.RequestLatency.Observe(time.Since(pr.sent).Seconds())
	}
	return res.value, res.err
}

// removePending unregisters a pending request and stops its timer.
func (s *Session) removePending(id string) *pendingRequest {
	s.pendingMu.Lock()
	pr, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	if !ok {
		return nil
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestsInFlight.Dec()
	}
	return pr
}

func (s *Session) failPending(id string, err error, outcome string) {
	pr := s.removePending(id)
	if pr == nil {
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestsCompleted.WithLabelValues(outcome).Inc()
	}
	pr.done <- result{err: err}
}

func (s *Session) resolvePending(resp *protocol.ResponsePayload) {
	pr := s.removePending(resp.ID)
	if pr == nil {
		// Late or unknown response: silently dropped.
		return
	}

	if resp.Error != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestsCompleted.WithLabelValues("error").Inc()
		}
		pr.done <- result{err: fmt.Errorf("remote error: %s", resp.Error.Message)}
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestsCompleted.WithLabelValues("ok").Inc()
	}
	pr.done <- result{value: resp.Result}
}

// PendingRequests returns the number of in-flight requests.
func (s *Session) PendingRequests() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// ============================================================================
// Inbound path
// ============================================================================

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "peer.readLoop")

	for {
		select {
		case <-s.closed:
			return
		case <-s.stream.Done():
			// Frames delivered before the close are still pending on
			// the channel; a goodbye racing the close must not be lost.
			s.drainInbound()
			err := s.stream.Err()
			if err == nil {
				err = ErrPeerOffline
			}
			s.Destroy(err)
			return
		case raw := <-s.stream.Frames():
			s.handleRaw(raw)
		}
	}
}

// drainInbound processes frames already delivered when the stream
// closed. Stops early if one of them tears the session down.
func (s *Session) drainInbound() {
	for {
		select {
		case raw := <-s.stream.Frames():
			s.handleRaw(raw)
			if s.State() == StateClosed {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) handleRaw(raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		s.surfaceProtocolError(err, "decode")
		return
	}

	if !frame.Verify() {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SignatureFailures.Inc()
		}
		s.surfaceProtocolError(ErrAuthentication, "signature")
		return
	}

	if !frame.Sender.Equal(s.cfg.Remote) {
		s.surfaceProtocolError(fmt.Errorf("%w: sender identity mismatch", protocol.ErrInvalidFrame), "sender")
		return
	}

	// Any verified inbound frame proves liveness.
	s.touch()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.FramesReceived.WithLabelValues(protocol.FrameTypeName(frame.Type)).Inc()
	}

	switch frame.Type {
	case protocol.FrameControl:
		s.handleControl(frame)
	case protocol.FrameRequest:
		s.handleRequest(frame)
	case protocol.FrameResponse:
		resp, err := protocol.DecodeResponse(frame.Payload)
		if err != nil {
			s.surfaceProtocolError(err, "decode")
			return
		}
		s.resolvePending(resp)
	case protocol.FrameEvent:
		if s.cfg.Handlers.OnEvent != nil {
			s.cfg.Handlers.OnEvent(s.cfg.Remote, json.RawMessage(frame.Payload))
		}
	case protocol.FrameIntroduce:
		in, err := trust.DecodeIntroduction(frame.Payload)
		if err != nil {
			s.surfaceProtocolError(fmt.Errorf("%w: %v", protocol.ErrInvalidFrame, err), "decode")
			return
		}
		if s.cfg.Handlers.OnIntroduce != nil {
			s.cfg.Handlers.OnIntroduce(s.cfg.Remote, in)
		}
	case protocol.FrameStreamData, protocol.FrameStreamEnd:
		// Reserved types: surfaced to the application like events.
		if s.cfg.Handlers.OnEvent != nil {
			s.cfg.Handlers.OnEvent(s.cfg.Remote, json.RawMessage(frame.Payload))
		}
	default:
		s.surfaceProtocolError(fmt.Errorf("%w: unknown frame type 0x%02x", protocol.ErrInvalidFrame, frame.Type), "unknown_type")
	}
}

func (s *Session) handleControl(frame *protocol.Frame) {
	ctrl, err := protocol.DecodeControl(frame.Payload)
	if err != nil {
		s.surfaceProtocolError(err, "decode")
		return
	}

	switch ctrl.Type {
	case protocol.ControlHeartbeat:
		// Nothing to do: the liveness reset already happened.
	case protocol.ControlCapabilities:
		caps, err := protocol.DecodeCapabilities(ctrl.Data)
		if err != nil {
			s.surfaceProtocolError(err, "decode")
			return
		}
		s.capsMu.Lock()
		s.remoteCaps = *caps
		s.capsMu.Unlock()
		if s.cfg.Handlers.OnCapabilities != nil {
			s.cfg.Handlers.OnCapabilities(s.cfg.Remote, *caps)
		}
	case protocol.ControlGoodbye:
		s.Destroy(ErrGoodbye)
	default:
		s.logger.Debug("unknown control payload", logging.KeyFrameType, ctrl.Type)
	}
}

// handleRequest invokes the registered handler on its own goroutine and
// sends the RESPONSE frame with the matching id.
func (s *Session) handleRequest(frame *protocol.Frame) {
	req, err := protocol.DecodeRequest(frame.Payload)
	if err != nil {
		s.surfaceProtocolError(err, "decode")
		return
	}

	go func() {
		defer recovery.RecoverWithLog(s.logger, "peer.handleRequest")

		resp := &protocol.ResponsePayload{ID: req.ID}
		if s.cfg.Handlers.OnRequest == nil {
			resp.Error = &protocol.ResponseError{
				Code:    protocol.ErrCodeMethodNotFound,
				Message: fmt.Sprintf("no handler for method %q", req.Method),
			}
		} else {
			result, herr := s.cfg.Handlers.OnRequest(s.cfg.Remote, req)
			if herr != nil {
				resp.Error = herr
			} else {
				resp.Result = result
			}
		}

		payload, err := protocol.EncodeResponse(resp)
		if err != nil {
			s.logger.Warn("encode response failed", logging.KeyRequestID, req.ID, logging.KeyError, err)
			return
		}
		if err := s.sendAndWait(protocol.FrameResponse, payload); err != nil {
			s.logger.Debug("response send failed", logging.KeyRequestID, req.ID, logging.KeyError, err)
		}
	}()
}

func (s *Session) surfaceProtocolError(err error, kind string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ProtocolErrors.WithLabelValues(kind).Inc()
	}
	s.logger.Debug("frame dropped", logging.KeyReason, kind, logging.KeyError, err)
	if s.cfg.Handlers.OnProtocolError != nil {
		s.cfg.Handlers.OnProtocolError(s.cfg.Remote, err)
	}
}

// ============================================================================
// Heartbeat and teardown
// ============================================================================

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "peer.heartbeatLoop")

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			// Send failures are swallowed: a dead peer is the liveness
			// timer's job to detect.
			_ = s.enqueueFrame(protocol.FrameControl, protocol.HeartbeatPayload(), nil)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.HeartbeatsSent.Inc()
			}
		}
	}
}

// Destroy tears the session down: it cancels both timers, fails every
// pending request with ErrPeerOffline, and closes the stream. Destroy
// is idempotent; a natural stream close runs the same path.
func (s *Session) Destroy(reason error) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		s.state.Store(int32(StateClosed))
		close(s.closed)

		if s.liveness != nil {
			s.liveness.Stop()
		}

		// The stream is still open here: give writes that never reached
		// the write loop one bounded chance to leave, goodbye frames
		// included, before their waiters are answered.
		s.queueMu.Lock()
		queued := s.queue
		s.queue = nil
		s.queueMu.Unlock()
		s.flushQueued(queued)

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = make(map[string]*pendingRequest)
		s.pendingMu.Unlock()

		for _, pr := range pending {
			if pr.timer != nil {
				pr.timer.Stop()
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RequestsInFlight.Dec()
				s.cfg.Metrics.RequestsCompleted.WithLabelValues("offline").Inc()
			}
			pr.done <- result{err: ErrPeerOffline}
		}

		s.stream.Close()

		if s.cfg.Handlers.OnClose != nil {
			s.cfg.Handlers.OnClose(s, reason)
		}
	})
}

// flushQueued attempts delivery of writes drained at teardown. Each
// write gets non-blocking attempts against the still-open stream, with
// one flush deadline shared across the batch; whatever cannot leave in
// time fails with ErrPeerOffline.
func (s *Session) flushQueued(queued []*outboundWrite) {
	if len(queued) == 0 {
		return
	}

	deadline := time.NewTimer(destroyFlushTimeout)
	defer deadline.Stop()

	expired := false
	for _, w := range queued {
		delivered := false
		for !expired {
			if s.stream.Write(w.data) {
				delivered = true
				break
			}
			select {
			case <-s.stream.Drain():
			case <-s.stream.Done():
				expired = true
			case <-deadline.C:
				expired = true
			}
		}
		if w.errc != nil {
			if delivered {
				w.errc <- nil
			} else {
				w.errc <- ErrPeerOffline
			}
		}
	}
}

// CloseReason returns the teardown reason, nil while the session is up.
func (s *Session) CloseReason() error {
	select {
	case <-s.closed:
		return s.closeReason
	default:
		return nil
	}
}

// Done returns a channel closed at teardown.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// String returns a string representation.
func (s *Session) String() string {
	return fmt.Sprintf("Session{peer=%s, state=%s, pending=%d}",
		s.cfg.Remote.ShortString(), s.State(), s.PendingRequests())
}
