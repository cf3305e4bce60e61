package trust

import (
	"github.com/postalsys/aronia/internal/identity"
)

// Config holds a node's trust-delegation policy.
type Config struct {
	// AutoAcceptFrom lists introducers whose introductions are accepted
	// without manual approval.
	AutoAcceptFrom map[identity.PublicKey]struct{}

	// RequireApprovalFor lists capability tokens that disable
	// auto-accept regardless of the introducer.
	RequireApprovalFor map[string]struct{}

	// MaxDepth bounds the accepted trustPath length.
	MaxDepth int
}

// NewConfig returns an empty trust configuration with default depth.
func NewConfig() *Config {
	return &Config{
		AutoAcceptFrom:     make(map[identity.PublicKey]struct{}),
		RequireApprovalFor: make(map[string]struct{}),
		MaxDepth:           DefaultMaxDepth,
	}
}

// SetAutoAccept adds or removes an introducer from the auto-accept set.
func (c *Config) SetAutoAccept(pub identity.PublicKey, trusted bool) {
	if trusted {
		c.AutoAcceptFrom[pub] = struct{}{}
	} else {
		delete(c.AutoAcceptFrom, pub)
	}
}

// IsAutoAccept reports whether introductions from pub auto-accept.
func (c *Config) IsAutoAccept(pub identity.PublicKey) bool {
	_, ok := c.AutoAcceptFrom[pub]
	return ok
}

// AutoAcceptEligible reports whether an introduction delivered by
// introducer, declaring the given accept tokens, may bypass manual
// approval: the introducer must be trusted and none of the tokens may
// require approval.
func (c *Config) AutoAcceptEligible(introducer identity.PublicKey, accepts []string) bool {
	if !c.IsAutoAccept(introducer) {
		return false
	}
	for _, token := range accepts {
		if _, gated := c.RequireApprovalFor[token]; gated {
			return false
		}
	}
	return true
}
