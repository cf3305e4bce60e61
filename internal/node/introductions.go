package node

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/logging"
	"github.com/postalsys/aronia/internal/peer"
	"github.com/postalsys/aronia/internal/protocol"
	"github.com/postalsys/aronia/internal/trust"
)

// Introduce vouches for target to a connected peer. When the target was
// itself learned through an accepted introduction, the received chain
// is forwarded with this node's key appended and the record is
// re-signed by this node.
func (n *Node) Introduce(to identity.PublicKey, target identity.PublicKey, alias string, caps protocol.Capabilities, message string) error {
	s, err := n.session(to)
	if err != nil {
		return err
	}

	self := n.kp.Public.String()

	n.mu.Lock()
	path := []string{self}
	if prior, ok := n.accepted[target]; ok {
		path = append(append([]string{}, prior.TrustPath...), self)
	}
	n.mu.Unlock()

	if trust.DetectCircularTrust(path, to.String()) {
		return fmt.Errorf("%w: receiver already on trust path", trust.ErrCircularTrust)
	}

	in := &trust.Introduction{
		Pubkey:       target.String(),
		Alias:        alias,
		Capabilities: caps,
		Message:      message,
		Timestamp:    uint64(time.Now().UnixMilli()),
		TrustPath:    path,
	}
	in.Sign(n.kp)

	return s.SendIntroduce(in)
}

// handleIntroduce runs the admission flow for an INTRODUCE frame
// delivered by the session with remote key introducer.
func (n *Node) handleIntroduce(introducer identity.PublicKey, in *trust.Introduction) {
	if !n.allowIntroduce(introducer) {
		n.logger.Debug("introduction rate limited", logging.KeyPeer, introducer.ShortString())
		if n.metrics != nil {
			n.metrics.IntroductionsRejected.WithLabelValues("rate_limited").Inc()
		}
		return
	}

	if err := n.validator.Validate(in, introducer); err != nil {
		if n.metrics != nil {
			n.metrics.IntroductionsRejected.WithLabelValues("invalid").Inc()
		}
		var introduced identity.PublicKey
		if pk, perr := in.IntroducedKey(); perr == nil {
			introduced = pk
		}
		n.emit(Event{Type: EventIntroductionRejected, Peer: introduced, Introducer: introducer, Reason: err.Error(), Err: err})
		return
	}

	introduced, err := in.IntroducedKey()
	if err != nil {
		n.emit(Event{Type: EventIntroductionRejected, Introducer: introducer, Reason: err.Error(), Err: err})
		return
	}

	if n.metrics != nil {
		n.metrics.IntroductionsReceived.Inc()
	}

	n.mu.Lock()
	if _, already := n.whitelist[introduced]; already {
		// Already admitted; nothing to surface.
		n.mu.Unlock()
		return
	}
	autoAccept := n.trustCfg.AutoAcceptEligible(introducer, in.Capabilities.Accepts)
	if !autoAccept {
		n.pending[introduced] = &pendingIntroduction{
			intro:      in,
			introducer: introducer,
			receivedAt: time.Now(),
		}
	}
	n.mu.Unlock()

	if autoAccept {
		n.accept(introduced, in, introducer)
		return
	}

	n.emit(Event{Type: EventIntroductionReceived, Peer: introduced, Introducer: introducer, Introduction: in})
}

func (n *Node) allowIntroduce(introducer identity.PublicKey) bool {
	n.mu.Lock()
	lim, ok := n.limiters[introducer]
	if !ok {
		lim = rate.NewLimiter(n.opts.IntroduceRate, n.opts.IntroduceBurst)
		n.limiters[introducer] = lim
	}
	n.mu.Unlock()
	return lim.Allow()
}

// AcceptIntroduction admits a pending introduction.
func (n *Node) AcceptIntroduction(introduced identity.PublicKey) error {
	n.mu.Lock()
	pi, ok := n.pending[introduced]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingIntroduction, introduced.ShortString())
	}
	delete(n.pending, introduced)
	n.mu.Unlock()

	n.accept(introduced, pi.intro, pi.introducer)
	return nil
}

// accept applies the accept procedure: whitelist insertion, record
// keeping for cascade, events. The introduced peer's connection, if one
// is queued or arrives later, admits normally.
func (n *Node) accept(introduced identity.PublicKey, in *trust.Introduction, introducer identity.PublicKey) {
	n.mu.Lock()
	n.whitelist[introduced] = sourceIntroduction
	n.accepted[introduced] = in
	delete(n.pending, introduced)
	connected := false
	if _, ok := n.sessions[introduced]; ok {
		connected = true
	}
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.IntroductionsAccepted.Inc()
	}

	n.emit(Event{Type: EventIntroductionAccepted, Peer: introduced, Introducer: introducer, Introduction: in})

	if !connected {
		// Contact is up to the swarm; redialing is application policy.
		n.emit(Event{Type: EventPeerPending, Peer: introduced})
	}
}

// RejectIntroduction discards a pending introduction.
func (n *Node) RejectIntroduction(introduced identity.PublicKey, reason string) error {
	n.mu.Lock()
	pi, ok := n.pending[introduced]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingIntroduction, introduced.ShortString())
	}
	delete(n.pending, introduced)
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.IntroductionsRejected.WithLabelValues("manual").Inc()
	}
	if reason == "" {
		reason = "rejected"
	}
	n.emit(Event{Type: EventIntroductionRejected, Peer: introduced, Introducer: pi.introducer, Reason: reason})
	return nil
}

// PendingIntroduction is a snapshot of one awaiting introduction.
type PendingIntroduction struct {
	Introduction *trust.Introduction
	Introducer   identity.PublicKey
	ReceivedAt   time.Time
}

// PendingIntroductions returns a snapshot of all awaiting introductions.
func (n *Node) PendingIntroductions() []PendingIntroduction {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]PendingIntroduction, 0, len(n.pending))
	for _, pi := range n.pending {
		out = append(out, PendingIntroduction{
			Introduction: pi.intro,
			Introducer:   pi.introducer,
			ReceivedAt:   pi.receivedAt,
		})
	}
	return out
}

// SetTrust adds or removes an introducer from the auto-accept set.
func (n *Node) SetTrust(pub identity.PublicKey, trusted bool) {
	n.mu.Lock()
	n.trustCfg.SetAutoAccept(pub, trusted)
	n.mu.Unlock()
}

// RevokeTrust removes pub from the auto-accept set and the whitelist
// and tears down its session. With cascade, every peer whose recorded
// trust path contains pub is also removed and disconnected.
func (n *Node) RevokeTrust(pub identity.PublicKey, cascade bool) {
	hexKey := pub.String()

	n.mu.Lock()
	n.trustCfg.SetAutoAccept(pub, false)
	delete(n.whitelist, pub)
	delete(n.accepted, pub)

	victims := []identity.PublicKey{pub}
	if cascade {
		for introduced, in := range n.accepted {
			for _, hop := range in.TrustPath {
				if hop == hexKey {
					victims = append(victims, introduced)
					break
				}
			}
		}
		for _, victim := range victims[1:] {
			delete(n.whitelist, victim)
			delete(n.accepted, victim)
		}
	}

	sessions := make([]*peer.Session, 0, len(victims))
	for _, victim := range victims {
		if s, ok := n.sessions[victim]; ok {
			sessions = append(sessions, s)
		}
	}
	n.mu.Unlock()

	for _, s := range sessions {
		s.Destroy(errors.New("trust revoked"))
	}
}

// Trusted reports whether pub is in the auto-accept set.
func (n *Node) Trusted(pub identity.PublicKey) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.trustCfg.IsAutoAccept(pub)
}
