// Package repository declares persistence interfaces implemented by the
// postgres subpackage.
package repository

import (
	"context"
	"time"

	"github.com/veilpay/veilcore/internal/model"
)

// NullifierRepository is the durable backing store for the nullifier
// registry.
type NullifierRepository interface {
	// InsertIfAbsent atomically records first use of a nullifier. Returns
	// false when the nullifier was already present; concurrent callers on the
	// same value are linearized by the store (exactly one insert wins).
	InsertIfAbsent(ctx context.Context, rec model.NullifierRecord) (bool, error)

	// Exists reports whether a nullifier has been used. No side effects.
	Exists(ctx context.Context, nullifier string) (bool, error)

	// DeleteExpired removes records whose expiry has passed and returns the
	// count removed. Unexpired records are untouched.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Stats returns active count and expiry bounds over unexpired records.
	Stats(ctx context.Context, now time.Time) (model.RegistryStats, error)
}
