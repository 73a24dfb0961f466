package limiter

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: pool, window: window, maxFails: maxFails, blockFor: blockFor}
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter over any querier.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// HashDest returns a stable hash of a destination address so raw stealth
// addresses are never stored in the limiter table.
func HashDest(dest string) []byte {
	h := sha256.Sum256([]byte(dest))
	return h[:]
}

// Allow reports whether a relay attempt is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, depositSig string, destHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until, updated_at FROM relay_limiter WHERE deposit_sig=$1 AND dest_hash=$2`
	var blockedUntil time.Time
	var updatedAt time.Time
	err := l.pool.QueryRow(ctx, q, depositSig, destHash).Scan(&blockedUntil, &updatedAt)
	switch err {
	case nil:
		now := time.Now()
		if blockedUntil.After(now) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case pgx.ErrNoRows:
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (deposit, destination).
func (l *PG) Success(ctx context.Context, depositSig string, destHash []byte) error {
	const q = `
INSERT INTO relay_limiter (deposit_sig, dest_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (deposit_sig, dest_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, depositSig, destHash)
	return err
}

// Failure records a failed attempt; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, depositSig string, destHash []byte) (bool, time.Duration, error) {
	now := time.Now()

	const q = `
INSERT INTO relay_limiter (deposit_sig, dest_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (deposit_sig, dest_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - relay_limiter.updated_at > $3::interval THEN 1 ELSE relay_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, depositSig, destHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		blockUntil := now.Add(l.blockFor)
		const upd = `UPDATE relay_limiter SET blocked_until=$3 WHERE deposit_sig=$1 AND dest_hash=$2`
		if _, err := l.pool.Exec(ctx, upd, depositSig, destHash, blockUntil); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
