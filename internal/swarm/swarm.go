// Package swarm defines the discovery and transport surface the node
// consumes: a rendezvous on a 32-byte topic hash that yields encrypted
// duplex streams whose remote endpoint has been authenticated to hold
// the private key behind a 32-byte static public key.
//
// Two implementations ship with the module: MemSwarm, an in-process
// rendezvous used by tests and loopback runs, and MeshSwarm, which runs
// an authenticated handshake over real transports. A DHT-backed swarm
// satisfies the same interfaces.
package swarm

import (
	"crypto/sha256"

	"github.com/postalsys/aronia/internal/identity"
)

// topicPrefix namespaces topic hashes on the fabric.
const topicPrefix = "aronia"

// TopicHash derives the 32-byte rendezvous key for a named topic.
func TopicHash(name string) [32]byte {
	h := sha256.New()
	h.Write([]byte(topicPrefix))
	h.Write([]byte(name))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// JoinOptions selects the node's role on a topic.
type JoinOptions struct {
	Announce bool
	Search   bool
}

// Swarm is the discovery service. Join registers interest in a topic;
// newly established, already-authenticated streams arrive on
// Connections. Destroy leaves all topics and closes the swarm.
type Swarm interface {
	Join(topic [32]byte, opts JoinOptions) error
	Connections() <-chan Stream
	Destroy() error
}

// Stream is one encrypted duplex channel to a verified remote key.
// Message boundaries are preserved: Frames delivers whole frames.
//
// Write is non-blocking. A false return means the transport cannot take
// more data; the caller parks the frame and retries after Drain fires.
// Drain returns a channel that receives (or closes) once the transport
// is writable again.
type Stream interface {
	RemoteStaticPublicKey() identity.PublicKey

	Write(frame []byte) bool
	Drain() <-chan struct{}

	Frames() <-chan []byte

	Close() error
	Done() <-chan struct{}
	Err() error
}
