package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/veilpay/veilcore/internal/model"
)

// CashoutRepository persists per-user pipeline state for resumability.
// One row per user; a row in a non-terminal phase blocks new cashouts.
type CashoutRepository interface {
	// Create starts a cashout for a user. Returns errs.ErrCashoutActive when
	// the user's current cashout is still in a non-terminal phase.
	Create(ctx context.Context, st *model.CashoutState) error

	// Get returns the user's cashout state; errs.ErrNotFound if none.
	Get(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error)

	// Update overwrites the mutable fields of the user's cashout state.
	Update(ctx context.Context, st *model.CashoutState) error
}
