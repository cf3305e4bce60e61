package node

import (
	"encoding/json"
	"time"

	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/protocol"
	"github.com/postalsys/aronia/internal/trust"
)

// EventType enumerates the events a node surfaces.
type EventType string

const (
	EventPeerConnected        EventType = "peer:connected"
	EventPeerDisconnected     EventType = "peer:disconnected"
	EventPeerRejected         EventType = "peer:rejected"
	EventPeerPending          EventType = "peer:pending"
	EventIntroductionReceived EventType = "introduction:received"
	EventIntroductionAccepted EventType = "introduction:accepted"
	EventIntroductionRejected EventType = "introduction:rejected"
	EventMessage              EventType = "message"
	EventError                EventType = "error"
)

// Event is one surfaced node event. Fields beyond Type and Time are set
// per event type.
type Event struct {
	Type EventType
	Time time.Time

	Peer         identity.PublicKey
	Capabilities *protocol.Capabilities
	ConnectedAt  time.Time
	LastSeen     time.Time
	Online       bool

	Introduction *trust.Introduction
	Introducer   identity.PublicKey

	Payload json.RawMessage
	Reason  string
	Err     error
}

// eventBufferSize bounds the subscription channel; when a subscriber
// falls behind, the oldest events are dropped.
const eventBufferSize = 128

// Events returns the node's event stream.
func (n *Node) Events() <-chan Event {
	return n.events
}

func (n *Node) emit(ev Event) {
	ev.Time = time.Now()

	if n.opts.OnEvent != nil {
		n.opts.OnEvent(ev)
	}

	for {
		select {
		case n.events <- ev:
			return
		default:
		}
		// Channel full: drop the oldest event to keep the stream moving.
		select {
		case <-n.events:
		default:
		}
	}
}
