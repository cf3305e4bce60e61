// Package control provides a Unix socket control interface for a
// running aronia node.
package control

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/node"
	"github.com/postalsys/aronia/internal/protocol"
)

// NodeInfo is the node surface the control server exposes.
type NodeInfo interface {
	PublicKey() identity.PublicKey
	Peers() []node.PeerInfo
	PendingIntroductions() []node.PendingIntroduction
	AcceptIntroduction(identity.PublicKey) error
	RejectIntroduction(identity.PublicKey, string) error
	SetTrust(identity.PublicKey, bool)
	RevokeTrust(identity.PublicKey, bool)
	Send(identity.PublicKey, json.RawMessage) error
	Broadcast(json.RawMessage) node.BroadcastResult
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Pubkey       string `json:"pubkey"`
	PeerCount    int    `json:"peer_count"`
	PendingCount int    `json:"pending_count"`
	StartedAt    int64  `json:"started_at"` // unix milliseconds
}

// PeerEntry is one connected peer in a peers response.
type PeerEntry struct {
	Pubkey       string                `json:"pubkey"`
	Capabilities protocol.Capabilities `json:"capabilities"`
	ConnectedAt  int64                 `json:"connected_at"`
	LastSeen     int64                 `json:"last_seen"`
	Online       bool                  `json:"online"`
}

// PeersResponse is the response for the peers endpoint.
type PeersResponse struct {
	Peers []PeerEntry `json:"peers"`
}

// IntroductionEntry is one pending introduction.
type IntroductionEntry struct {
	Pubkey     string `json:"pubkey"`
	Alias      string `json:"alias,omitempty"`
	Introducer string `json:"introducer"`
	TrustPath  []string `json:"trust_path"`
	ReceivedAt int64  `json:"received_at"`
}

// IntroductionsResponse is the response for the introductions endpoint.
type IntroductionsResponse struct {
	Introductions []IntroductionEntry `json:"introductions"`
}

// DecisionRequest names a pubkey for accept/reject/trust operations.
type DecisionRequest struct {
	Pubkey  string `json:"pubkey"`
	Reason  string `json:"reason,omitempty"`
	Trusted bool   `json:"trusted,omitempty"`
	Cascade bool   `json:"cascade,omitempty"`
}

// SendRequest delivers an event payload to one peer or all peers.
type SendRequest struct {
	Pubkey  string          `json:"pubkey,omitempty"` // empty = broadcast
	Payload json.RawMessage `json:"payload"`
}

// SendResponse reports delivery counts.
type SendResponse struct {
	Sent    int `json:"sent"`
	Offline int `json:"offline"`
}

// OKResponse is the generic success response.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	SocketPath   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg       ServerConfig
	node      NodeInfo
	server    *http.Server
	listener  net.Listener
	running   atomic.Bool
	startedAt time.Time
}

// NewServer creates a control server.
func NewServer(cfg ServerConfig, n NodeInfo) *Server {
	s := &Server{
		cfg:  cfg,
		node: n,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/introductions", s.handleIntroductions)
	mux.HandleFunc("/introductions/accept", s.handleAccept)
	mux.HandleFunc("/introductions/reject", s.handleReject)
	mux.HandleFunc("/trust", s.handleTrust)
	mux.HandleFunc("/trust/revoke", s.handleRevoke)
	mux.HandleFunc("/send", s.handleSend)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start begins serving on the Unix socket.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.startedAt = time.Now()
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	s.server.Close()

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, StatusResponse{
		Pubkey:       s.node.PublicKey().String(),
		PeerCount:    len(s.node.Peers()),
		PendingCount: len(s.node.PendingIntroductions()),
		StartedAt:    s.startedAt.UnixMilli(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := s.node.Peers()
	peers := make([]PeerEntry, 0, len(infos))
	for _, info := range infos {
		peers = append(peers, PeerEntry{
			Pubkey:       info.Pubkey.String(),
			Capabilities: info.Capabilities,
			ConnectedAt:  info.ConnectedAt.UnixMilli(),
			LastSeen:     info.LastSeen.UnixMilli(),
			Online:       info.Online,
		})
	}

	writeJSON(w, PeersResponse{Peers: peers})
}

func (s *Server) handleIntroductions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pending := s.node.PendingIntroductions()
	intros := make([]IntroductionEntry, 0, len(pending))
	for _, pi := range pending {
		intros = append(intros, IntroductionEntry{
			Pubkey:     pi.Introduction.Pubkey,
			Alias:      pi.Introduction.Alias,
			Introducer: pi.Introducer.String(),
			TrustPath:  pi.Introduction.TrustPath,
			ReceivedAt: pi.ReceivedAt.UnixMilli(),
		})
	}

	writeJSON(w, IntroductionsResponse{Introductions: intros})
}

func (s *Server) decision(w http.ResponseWriter, r *http.Request) (*DecisionRequest, identity.PublicKey, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, identity.ZeroKey, false
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return nil, identity.ZeroKey, false
	}

	pub, err := identity.ParsePublicKey(req.Pubkey)
	if err != nil {
		http.Error(w, "bad pubkey: "+err.Error(), http.StatusBadRequest)
		return nil, identity.ZeroKey, false
	}

	return &req, pub, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	_, pub, ok := s.decision(w, r)
	if !ok {
		return
	}
	if err := s.node.AcceptIntroduction(pub); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	req, pub, ok := s.decision(w, r)
	if !ok {
		return
	}
	if err := s.node.RejectIntroduction(pub, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	req, pub, ok := s.decision(w, r)
	if !ok {
		return
	}
	s.node.SetTrust(pub, req.Trusted)
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	req, pub, ok := s.decision(w, r)
	if !ok {
		return
	}
	s.node.RevokeTrust(pub, req.Cascade)
	writeJSON(w, OKResponse{OK: true})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Pubkey == "" {
		res := s.node.Broadcast(req.Payload)
		writeJSON(w, SendResponse{Sent: res.Sent, Offline: res.Offline})
		return
	}

	pub, err := identity.ParsePublicKey(req.Pubkey)
	if err != nil {
		http.Error(w, "bad pubkey: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.node.Send(pub, req.Payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, SendResponse{Sent: 1})
}
