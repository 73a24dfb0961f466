package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/veilpay/veilcore/internal/model"
)

// AgentRepository stores authorization records in their persisted form only:
// ciphertext, commitments and lifecycle metadata. Plaintext never reaches it.
type AgentRepository interface {
	// Create inserts a new record; errs.ErrAlreadyExists on id collision.
	Create(ctx context.Context, rec *model.AgentRecord) error

	// Get returns a record by agent id; errs.ErrNotFound if absent.
	Get(ctx context.Context, agentID uuid.UUID) (*model.AgentRecord, error)

	// ListByWallet returns all records owned by a wallet, newest first.
	ListByWallet(ctx context.Context, walletID uuid.UUID) ([]model.AgentRecord, error)

	// Update overwrites the mutable fields of a record.
	Update(ctx context.Context, rec *model.AgentRecord) error
}
