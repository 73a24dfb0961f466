package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/veilpay/veilcore/internal/errs"
	"github.com/veilpay/veilcore/internal/model"
)

// CashoutRepo implements CashoutRepository using PostgreSQL.
// The table holds one row per user; the row is recycled once terminal.
type CashoutRepo struct{ db *DB }

// NewCashoutRepo constructs a cashout state repository.
func NewCashoutRepo(db *DB) *CashoutRepo { return &CashoutRepo{db: db} }

// Create starts a cashout. The conditional upsert only replaces rows whose
// phase is completed or cancelled; an error-phase row still belongs to the
// previous cashout and must be retried or cancelled first.
func (r *CashoutRepo) Create(ctx context.Context, st *model.CashoutState) error {
	const q = `
INSERT INTO cashout_states
  (user_id, phase, path, asset, amount_base_units, estimated_usd, jitter_ms,
   swap_address, cashout_address, payout_dest, payout_ref, failed_at_phase, err_msg, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULL,'',now(),now())
ON CONFLICT (user_id) DO UPDATE SET
  phase=EXCLUDED.phase, path=EXCLUDED.path, asset=EXCLUDED.asset,
  amount_base_units=EXCLUDED.amount_base_units, estimated_usd=EXCLUDED.estimated_usd,
  jitter_ms=EXCLUDED.jitter_ms,
  swap_address=EXCLUDED.swap_address, cashout_address=EXCLUDED.cashout_address,
  payout_dest=EXCLUDED.payout_dest, payout_ref=EXCLUDED.payout_ref, failed_at_phase=NULL, err_msg='',
  created_at=now(), updated_at=now()
WHERE cashout_states.phase IN ('completed','cancelled')`
	tag, err := r.db.Pool.Exec(ctx, q,
		st.UserID, string(st.Phase), string(st.Path), st.Asset, int64(st.AmountBaseUnits),
		int64(st.EstimatedUSD), st.JitterRemaining.Milliseconds(),
		st.SwapAddress, st.CashoutAddress, st.PayoutDest, st.PayoutRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrCashoutActive
	}
	return nil
}

// Get returns the user's cashout state.
func (r *CashoutRepo) Get(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error) {
	const q = `
SELECT user_id, phase, path, asset, amount_base_units, estimated_usd, jitter_ms,
       swap_address, cashout_address, payout_dest, payout_ref, failed_at_phase, err_msg,
       created_at, updated_at
FROM cashout_states WHERE user_id=$1`
	row := r.db.Pool.QueryRow(ctx, q, userID)

	var (
		st       model.CashoutState
		phase    string
		path     string
		amount   int64
		estUSD   int64
		jitterMs int64
		failedAt *string
	)
	err := row.Scan(&st.UserID, &phase, &path, &st.Asset, &amount, &estUSD, &jitterMs,
		&st.SwapAddress, &st.CashoutAddress, &st.PayoutDest, &st.PayoutRef, &failedAt, &st.ErrMsg,
		&st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	st.Phase = model.CashoutPhase(phase)
	st.Path = model.CashoutPath(path)
	st.AmountBaseUnits = uint64(amount)
	st.EstimatedUSD = uint64(estUSD)
	st.JitterRemaining = time.Duration(jitterMs) * time.Millisecond
	if failedAt != nil {
		ph := model.CashoutPhase(*failedAt)
		st.FailedAtPhase = &ph
	}
	return &st, nil
}

// Update overwrites the mutable fields of the user's cashout state.
func (r *CashoutRepo) Update(ctx context.Context, st *model.CashoutState) error {
	const q = `
UPDATE cashout_states SET
  phase=$2, asset=$3, amount_base_units=$4, jitter_ms=$5, swap_address=$6,
  cashout_address=$7, payout_ref=$8, failed_at_phase=$9, err_msg=$10, updated_at=now()
WHERE user_id=$1`
	var failedAt *string
	if st.FailedAtPhase != nil {
		s := string(*st.FailedAtPhase)
		failedAt = &s
	}
	tag, err := r.db.Pool.Exec(ctx, q, st.UserID, string(st.Phase),
		st.Asset, int64(st.AmountBaseUnits), st.JitterRemaining.Milliseconds(),
		st.SwapAddress, st.CashoutAddress, st.PayoutRef, failedAt, st.ErrMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
