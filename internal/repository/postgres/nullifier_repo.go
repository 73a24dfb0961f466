package postgres

import (
	"context"
	"time"

	"github.com/veilpay/veilcore/internal/model"
)

// NullifierRepo implements NullifierRepository using PostgreSQL.
type NullifierRepo struct{ db *DB }

// NewNullifierRepo constructs a nullifier repository.
func NewNullifierRepo(db *DB) *NullifierRepo { return &NullifierRepo{db: db} }

// InsertIfAbsent records first use of a nullifier. The unique constraint on
// the nullifier column linearizes concurrent callers: exactly one insert wins
// and every other caller observes zero affected rows.
func (r *NullifierRepo) InsertIfAbsent(ctx context.Context, rec model.NullifierRecord) (bool, error) {
	const q = `
INSERT INTO nullifiers (nullifier, proof_type, used_at, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (nullifier) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, rec.Nullifier, rec.ProofType, rec.UsedAt, rec.ExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Exists reports whether a nullifier has been used.
func (r *NullifierRepo) Exists(ctx context.Context, nullifier string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM nullifiers WHERE nullifier=$1)`
	var used bool
	if err := r.db.Pool.QueryRow(ctx, q, nullifier).Scan(&used); err != nil {
		return false, err
	}
	return used, nil
}

// DeleteExpired evicts records whose expiry has passed.
func (r *NullifierRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM nullifiers WHERE expires_at <= $1`
	tag, err := r.db.Pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Stats returns the active count and expiry bounds over unexpired records.
func (r *NullifierRepo) Stats(ctx context.Context, now time.Time) (model.RegistryStats, error) {
	const q = `
SELECT COUNT(*), MIN(expires_at), MAX(expires_at)
FROM nullifiers WHERE expires_at > $1`
	var (
		count  int64
		oldest *time.Time
		newest *time.Time
	)
	if err := r.db.Pool.QueryRow(ctx, q, now).Scan(&count, &oldest, &newest); err != nil {
		return model.RegistryStats{}, err
	}
	st := model.RegistryStats{ActiveCount: count}
	if oldest != nil {
		st.OldestExpiry = *oldest
	}
	if newest != nil {
		st.NewestExpiry = *newest
	}
	return st, nil
}
