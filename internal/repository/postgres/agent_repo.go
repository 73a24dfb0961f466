package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/veilpay/veilcore/internal/errs"
	"github.com/veilpay/veilcore/internal/model"
)

// AgentRepo implements AgentRepository using PostgreSQL. Only the encrypted
// serialization and public commitments are ever written.
type AgentRepo struct{ db *DB }

// NewAgentRepo constructs an agent record repository.
func NewAgentRepo(db *DB) *AgentRepo { return &AgentRepo{db: db} }

// Create inserts a new authorization record.
func (r *AgentRepo) Create(ctx context.Context, rec *model.AgentRecord) error {
	const q = `
INSERT INTO agent_records
  (agent_id, wallet_id, status, encrypted_record, commitment_hash, permissions_hash,
   revocation_nullifier, session_key_id, cached_proof, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())`
	_, err := r.db.Pool.Exec(ctx, q,
		rec.AgentID, rec.WalletID, string(rec.Status), rec.EncryptedRecord,
		rec.CommitmentHash, rec.PermissionsHash, rec.RevocationNullifier,
		rec.SessionKeyID, rec.CachedProof)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get returns a record by agent id.
func (r *AgentRepo) Get(ctx context.Context, agentID uuid.UUID) (*model.AgentRecord, error) {
	const q = `
SELECT agent_id, wallet_id, status, encrypted_record, commitment_hash, permissions_hash,
       revocation_nullifier, session_key_id, cached_proof, created_at, updated_at
FROM agent_records WHERE agent_id=$1`
	return scanAgent(r.db.Pool.QueryRow(ctx, q, agentID))
}

// ListByWallet returns all records owned by a wallet, newest first.
func (r *AgentRepo) ListByWallet(ctx context.Context, walletID uuid.UUID) ([]model.AgentRecord, error) {
	const q = `
SELECT agent_id, wallet_id, status, encrypted_record, commitment_hash, permissions_hash,
       revocation_nullifier, session_key_id, cached_proof, created_at, updated_at
FROM agent_records WHERE wallet_id=$1
ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Update overwrites the mutable fields of a record.
func (r *AgentRepo) Update(ctx context.Context, rec *model.AgentRecord) error {
	const q = `
UPDATE agent_records SET
  status=$2, encrypted_record=$3, commitment_hash=$4, permissions_hash=$5,
  revocation_nullifier=$6, session_key_id=$7, cached_proof=$8, updated_at=now()
WHERE agent_id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, rec.AgentID, string(rec.Status),
		rec.EncryptedRecord, rec.CommitmentHash, rec.PermissionsHash,
		rec.RevocationNullifier, rec.SessionKeyID, rec.CachedProof)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// scanAgent reads one agent record from a row.
func scanAgent(row pgx.Row) (*model.AgentRecord, error) {
	var (
		rec    model.AgentRecord
		status string
	)
	err := row.Scan(&rec.AgentID, &rec.WalletID, &status, &rec.EncryptedRecord,
		&rec.CommitmentHash, &rec.PermissionsHash, &rec.RevocationNullifier,
		&rec.SessionKeyID, &rec.CachedProof, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	rec.Status = model.AgentStatus(status)
	return &rec, nil
}
