// Package limiter defines interfaces and implementations for relay attempt
// throttling.
package limiter

import (
	"context"
	"time"
)

// Limiter throttles relay attempts per deposit so a bad deposit reference
// cannot be hammered against the pool. Keys are the deposit signature and a
// hash of the requested destination.
type Limiter interface {
	// Allow reports whether a relay attempt is currently allowed and an
	// optional retry-after.
	Allow(ctx context.Context, depositSig string, destHash []byte) (bool, time.Duration, error)
	// Success resets counters after a confirmed relay.
	Success(ctx context.Context, depositSig string, destHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, depositSig string, destHash []byte) (bool, time.Duration, error)
}
