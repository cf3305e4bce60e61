// Package node implements the aronia node runtime: swarm integration,
// whitelist admission, the introduction engine, the method registry,
// and the outbound messaging APIs.
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/logging"
	"github.com/postalsys/aronia/internal/metrics"
	"github.com/postalsys/aronia/internal/peer"
	"github.com/postalsys/aronia/internal/protocol"
	"github.com/postalsys/aronia/internal/recovery"
	"github.com/postalsys/aronia/internal/swarm"
	"github.com/postalsys/aronia/internal/trust"
)

// Agent identification announced in the capability frame.
const (
	AgentName    = "aronia"
	AgentVersion = "0.1.0"
)

var (
	// ErrNotWhitelisted is the admission failure for unknown pubkeys.
	ErrNotWhitelisted = errors.New("peer not whitelisted")

	// ErrStopped is returned by APIs called after Stop.
	ErrStopped = errors.New("node stopped")

	// ErrNoPendingIntroduction is returned when accepting or rejecting
	// an introduction that is not pending.
	ErrNoPendingIntroduction = errors.New("no pending introduction for pubkey")
)

// whitelistSource records how a pubkey entered the whitelist.
type whitelistSource int

const (
	sourceConfig whitelistSource = iota
	sourceIntroduction
)

// Options configures a Node.
type Options struct {
	Keypair *identity.Keypair
	Topic   string
	Swarm   swarm.Swarm

	// Whitelist seeds the admission set.
	Whitelist []identity.PublicKey

	// Trust policy. Nil means no auto-accept, default depth.
	Trust *trust.Config

	// Accepts announces the payload kinds this agent consumes.
	Accepts []string

	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	DefaultRequestTimeout time.Duration
	BackpressureTimeout   time.Duration
	IntroductionMaxAge    time.Duration

	// IntroduceRate bounds inbound INTRODUCE frames per introducer.
	// Zero means 1/s with a burst of 10.
	IntroduceRate rate.Limit
	IntroduceBurst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnEvent, when set, is invoked synchronously for every event in
	// addition to the Events channel.
	OnEvent func(Event)
}

// pendingIntroduction is a validated, not-yet-accepted introduction.
type pendingIntroduction struct {
	intro      *trust.Introduction
	introducer identity.PublicKey
	receivedAt time.Time
}

// Handler is a registered RPC method. It runs on the receiving side;
// its result or error becomes the RESPONSE payload.
type Handler func(remote identity.PublicKey, params json.RawMessage) (json.RawMessage, error)

// Node is one participant on the fabric. All mutable state belongs to
// the instance; there is no process-wide state.
type Node struct {
	opts      Options
	kp        *identity.Keypair
	topicHash [32]byte
	logger    *slog.Logger
	metrics   *metrics.Metrics
	validator *trust.Validator
	trustCfg  *trust.Config

	mu        sync.Mutex
	whitelist map[identity.PublicKey]whitelistSource
	sessions  map[identity.PublicKey]*peer.Session
	pending   map[identity.PublicKey]*pendingIntroduction
	// accepted keeps the introduction record for every peer admitted by
	// introduction, for trust-path cascade on revocation.
	accepted map[identity.PublicKey]*trust.Introduction
	methods  map[string]Handler
	limiters map[identity.PublicKey]*rate.Limiter
	stopped  bool
	started  bool

	events chan Event
	wg     sync.WaitGroup
	done   chan struct{}
}

// New creates a node. Call Start to join the swarm.
func New(opts Options) (*Node, error) {
	if opts.Keypair == nil {
		return nil, errors.New("node requires a keypair")
	}
	if opts.Swarm == nil {
		return nil, errors.New("node requires a swarm")
	}
	if opts.Topic == "" {
		return nil, errors.New("node requires a topic")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	trustCfg := opts.Trust
	if trustCfg == nil {
		trustCfg = trust.NewConfig()
	}

	if opts.IntroduceRate == 0 {
		opts.IntroduceRate = rate.Every(time.Second)
	}
	if opts.IntroduceBurst == 0 {
		opts.IntroduceBurst = 10
	}

	n := &Node{
		opts:      opts,
		kp:        opts.Keypair,
		topicHash: swarm.TopicHash(opts.Topic),
		logger:    logger.With(logging.KeyComponent, "node"),
		metrics:   opts.Metrics,
		validator: trust.NewValidator(opts.Keypair.Public, opts.IntroductionMaxAge, trustCfg.MaxDepth),
		trustCfg:  trustCfg,
		whitelist: make(map[identity.PublicKey]whitelistSource),
		sessions:  make(map[identity.PublicKey]*peer.Session),
		pending:   make(map[identity.PublicKey]*pendingIntroduction),
		accepted:  make(map[identity.PublicKey]*trust.Introduction),
		methods:   make(map[string]Handler),
		limiters:  make(map[identity.PublicKey]*rate.Limiter),
		events:    make(chan Event, eventBufferSize),
		done:      make(chan struct{}),
	}

	for _, pub := range opts.Whitelist {
		n.whitelist[pub] = sourceConfig
	}

	n.registerBuiltins()

	return n, nil
}

// PublicKey returns the node's address.
func (n *Node) PublicKey() identity.PublicKey {
	return n.kp.Public
}

// TopicHash returns the joined topic's rendezvous key.
func (n *Node) TopicHash() [32]byte {
	return n.topicHash
}

// Start joins the swarm as announcer and searcher and begins admitting
// connections.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrStopped
	}
	if n.started {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.started = true
	n.mu.Unlock()

	if err := n.opts.Swarm.Join(n.topicHash, swarm.JoinOptions{Announce: true, Search: true}); err != nil {
		return fmt.Errorf("join swarm: %w", err)
	}

	n.wg.Add(1)
	go n.acceptLoop()

	n.logger.Info("node started",
		logging.KeyPeer, n.kp.Public.ShortString(),
		logging.KeyTopic, n.opts.Topic)

	return nil
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	defer recovery.RecoverWithLog(n.logger, "node.acceptLoop")

	conns := n.opts.Swarm.Connections()
	for {
		select {
		case <-n.done:
			return
		case stream, ok := <-conns:
			if !ok {
				return
			}
			n.admit(stream)
		}
	}
}

// admit applies the admission policy to a newly-handshaked stream whose
// remote static key has been verified by the swarm.
func (n *Node) admit(stream swarm.Stream) {
	remote := stream.RemoteStaticPublicKey()

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		stream.Close()
		return
	}

	if _, ok := n.whitelist[remote]; !ok {
		n.mu.Unlock()
		stream.Close()
		if n.metrics != nil {
			n.metrics.PeersRejected.WithLabelValues("not_whitelisted").Inc()
		}
		n.emit(Event{Type: EventPeerRejected, Peer: remote, Reason: "not whitelisted"})
		return
	}

	if _, exists := n.sessions[remote]; exists {
		// Keep the established session, drop the new stream.
		n.mu.Unlock()
		stream.Close()
		return
	}

	session := peer.NewSession(stream, peer.Config{
		Keypair: n.kp,
		Remote:  remote,
		Capabilities: protocol.Capabilities{
			Agent:   AgentName,
			Version: AgentVersion,
			Accepts: n.opts.Accepts,
		},
		HeartbeatInterval:     n.opts.HeartbeatInterval,
		HeartbeatTimeout:      n.opts.HeartbeatTimeout,
		DefaultRequestTimeout: n.opts.DefaultRequestTimeout,
		BackpressureTimeout:   n.opts.BackpressureTimeout,
		Logger:                n.logger,
		Metrics:               n.metrics,
		Handlers: peer.Handlers{
			OnEvent:         n.handleEvent,
			OnRequest:       n.dispatchRequest,
			OnIntroduce:     n.handleIntroduce,
			OnCapabilities:  n.handleCapabilities,
			OnProtocolError: n.handleProtocolError,
			OnClose:         n.handleSessionClose,
		},
	})

	n.sessions[remote] = session
	n.mu.Unlock()

	if err := session.Start(); err != nil {
		n.logger.Warn("session start failed", logging.KeyPeer, remote.ShortString(), logging.KeyError, err)
		session.Destroy(err)
		return
	}

	if n.metrics != nil {
		n.metrics.PeersConnected.Inc()
		n.metrics.PeerConnections.Inc()
	}

	caps := session.Capabilities()
	n.emit(Event{
		Type:         EventPeerConnected,
		Peer:         remote,
		Capabilities: &caps,
		ConnectedAt:  session.ConnectedAt(),
		LastSeen:     session.LastSeen(),
		Online:       true,
	})
}

func (n *Node) handleSessionClose(s *peer.Session, reason error) {
	remote := s.Remote()

	n.mu.Lock()
	if current, ok := n.sessions[remote]; !ok || current != s {
		n.mu.Unlock()
		return
	}
	delete(n.sessions, remote)
	delete(n.limiters, remote)

	// Pending introductions require their introducer to stay connected.
	var dropped []identity.PublicKey
	for introduced, pi := range n.pending {
		if pi.introducer.Equal(remote) {
			delete(n.pending, introduced)
			dropped = append(dropped, introduced)
		}
	}
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.PeersConnected.Dec()
		n.metrics.PeerDisconnects.WithLabelValues(disconnectReason(reason)).Inc()
	}

	for _, introduced := range dropped {
		n.emit(Event{Type: EventIntroductionRejected, Peer: introduced, Reason: "introducer disconnected"})
	}

	n.emit(Event{Type: EventPeerDisconnected, Peer: remote, Reason: reasonString(reason)})
}

func (n *Node) handleEvent(remote identity.PublicKey, payload json.RawMessage) {
	n.emit(Event{Type: EventMessage, Peer: remote, Payload: payload})
}

func (n *Node) handleCapabilities(remote identity.PublicKey, caps protocol.Capabilities) {
	n.emit(Event{Type: EventPeerConnected, Peer: remote, Capabilities: &caps, Online: true})
}

func (n *Node) handleProtocolError(remote identity.PublicKey, err error) {
	n.emit(Event{Type: EventError, Peer: remote, Err: err})
}

// ============================================================================
// Outbound APIs
// ============================================================================

// session returns the active session for pub, or ErrPeerOffline.
func (n *Node) session(pub identity.PublicKey) (*peer.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil, ErrStopped
	}
	s, ok := n.sessions[pub]
	if !ok {
		return nil, peer.ErrPeerOffline
	}
	return s, nil
}

// Send delivers a fire-and-forget event payload to one peer.
func (n *Node) Send(pub identity.PublicKey, payload json.RawMessage) error {
	s, err := n.session(pub)
	if err != nil {
		return err
	}
	return s.SendEvent(payload)
}

// Request performs an RPC against a connected peer. A zero timeout uses
// the node default.
func (n *Node) Request(pub identity.PublicKey, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	s, err := n.session(pub)
	if err != nil {
		return nil, err
	}
	return s.Request(method, params, timeout)
}

// BroadcastResult reports per-peer delivery of a broadcast.
type BroadcastResult struct {
	Sent    int
	Offline int
}

// Broadcast delivers an event payload to every active session,
// best-effort. Order across peers is unspecified.
func (n *Node) Broadcast(payload json.RawMessage) BroadcastResult {
	n.mu.Lock()
	sessions := make([]*peer.Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	var res BroadcastResult
	for _, s := range sessions {
		if err := s.SendEvent(payload); err != nil {
			res.Offline++
		} else {
			res.Sent++
		}
	}
	return res
}

// PeerInfo is a snapshot of one active session.
type PeerInfo struct {
	Pubkey       identity.PublicKey
	Capabilities protocol.Capabilities
	ConnectedAt  time.Time
	LastSeen     time.Time
	Online       bool
}

// Peers returns a snapshot of all active sessions.
func (n *Node) Peers() []PeerInfo {
	n.mu.Lock()
	sessions := make([]*peer.Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	infos := make([]PeerInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, PeerInfo{
			Pubkey:       s.Remote(),
			Capabilities: s.Capabilities(),
			ConnectedAt:  s.ConnectedAt(),
			LastSeen:     s.LastSeen(),
			Online:       s.Online(),
		})
	}
	return infos
}

// PeerCount returns the number of active sessions.
func (n *Node) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

// Whitelisted reports whether pub may be admitted.
func (n *Node) Whitelisted(pub identity.PublicKey) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.whitelist[pub]
	return ok
}

// AddToWhitelist inserts a configuration-sourced whitelist entry.
func (n *Node) AddToWhitelist(pub identity.PublicKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.whitelist[pub]; !ok {
		n.whitelist[pub] = sourceConfig
	}
}

// Stop destroys all sessions, then leaves the swarm. Idempotent.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	sessions := make([]*peer.Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.pending = make(map[identity.PublicKey]*pendingIntroduction)
	n.mu.Unlock()

	close(n.done)

	for _, s := range sessions {
		s.SendGoodbye()
		s.Destroy(nil)
	}

	err := n.opts.Swarm.Destroy()
	n.wg.Wait()

	n.logger.Info("node stopped")
	return err
}

func reasonString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}

func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, peer.ErrLivenessTimeout):
		return "liveness_timeout"
	case errors.Is(err, peer.ErrGoodbye):
		return "goodbye"
	default:
		return "error"
	}
}
