package trust

import (
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/aronia/internal/identity"
)

// Default validation limits.
const (
	DefaultMaxAge   = 24 * time.Hour
	DefaultMaxDepth = 3
)

// ErrIntroduction is the kind wrapped by every validation failure.
var ErrIntroduction = errors.New("introduction rejected")

var (
	ErrExpired            = fmt.Errorf("%w: expired", ErrIntroduction)
	ErrFromTheFuture      = fmt.Errorf("%w: timestamp from the future", ErrIntroduction)
	ErrBadSignature       = fmt.Errorf("%w: invalid signature", ErrIntroduction)
	ErrIntroducerMismatch = fmt.Errorf("%w: introducer mismatch", ErrIntroduction)
	ErrCircularTrust      = fmt.Errorf("%w: circular trust path", ErrIntroduction)
	ErrChainTooDeep       = fmt.Errorf("%w: trust chain too deep", ErrIntroduction)
)

// DetectCircularTrust reports whether a trust path is cyclic from the
// point of view of self: the path contains self's key, or any entry
// repeats.
func DetectCircularTrust(path []string, self string) bool {
	seen := make(map[string]struct{}, len(path))
	for _, hop := range path {
		if hop == self {
			return true
		}
		if _, dup := seen[hop]; dup {
			return true
		}
		seen[hop] = struct{}{}
	}
	return false
}

// Validator checks received introductions against the admitting node's
// limits. The zero value is not usable; call NewValidator.
type Validator struct {
	Self     identity.PublicKey
	MaxAge   time.Duration
	MaxDepth int

	// now is swappable for tests.
	now func() time.Time
}

// NewValidator creates a validator with defaults applied.
func NewValidator(self identity.PublicKey, maxAge time.Duration, maxDepth int) *Validator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Validator{Self: self, MaxAge: maxAge, MaxDepth: maxDepth, now: time.Now}
}

// Validate checks an introduction delivered by the connected peer
// deliveredBy. A nil return means the record is acceptable; any error
// wraps ErrIntroduction and carries the reason.
func (v *Validator) Validate(in *Introduction, deliveredBy identity.PublicKey) error {
	now := uint64(v.now().UnixMilli())
	if in.Timestamp > now {
		return ErrFromTheFuture
	}
	if time.Duration(now-in.Timestamp)*time.Millisecond > v.MaxAge {
		return ErrExpired
	}

	introducer, err := in.IntroducerKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntroduction, err)
	}
	if !in.VerifySignature(introducer) {
		return ErrBadSignature
	}

	if !introducer.Equal(deliveredBy) {
		return ErrIntroducerMismatch
	}

	if DetectCircularTrust(in.TrustPath, v.Self.String()) {
		return ErrCircularTrust
	}

	if len(in.TrustPath) > v.MaxDepth {
		return fmt.Errorf("%w: %d hops, limit %d", ErrChainTooDeep, len(in.TrustPath), v.MaxDepth)
	}

	return nil
}
