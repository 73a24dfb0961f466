package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/veilpay/veilcore/internal/errs"
	"github.com/veilpay/veilcore/internal/fiat"
	"github.com/veilpay/veilcore/internal/model"
	"github.com/veilpay/veilcore/internal/repository"
)

// SwapEngine converts an arbitrary held asset into the settlement asset via a
// reserved intermediate address.
type SwapEngine interface {
	// ReserveAddress reserves a one-time swap address for a user.
	ReserveAddress(ctx context.Context, userID uuid.UUID) (string, error)
	// ReleaseAddress returns a reserved address to the pool.
	ReleaseAddress(ctx context.Context, address string) error
	// Swap converts amount of asset held at address and returns the settled
	// amount in settlement-asset base units.
	Swap(ctx context.Context, address, asset string, amount uint64) (uint64, error)
}

// ShieldEngine moves settlement-asset balance into and out of the shielded
// pool.
type ShieldEngine interface {
	// ReserveAddress reserves a one-time unshield destination for a user.
	ReserveAddress(ctx context.Context, userID uuid.UUID) (string, error)
	// ReleaseAddress returns a reserved address to the pool.
	ReleaseAddress(ctx context.Context, address string) error
	// Shield converts a public balance at from into shielded form.
	Shield(ctx context.Context, from string, amount uint64) error
	// Unshield converts shielded balance into a public balance at to.
	Unshield(ctx context.Context, to string, amount uint64) error
}

// settlementAsset is what every path converts into before payout.
const settlementAsset = "usdc"

// settlementBaseUnits is the base-unit scale of the settlement asset.
const settlementBaseUnits = 1_000_000

// phaseRetryable lists the phases that may be re-entered after a failure.
// Phases that move value cannot be safely repeated once submitted and require
// cancel-and-restart.
var phaseRetryable = map[model.CashoutPhase]bool{
	model.PhaseCompliancePrescreen: true,
	model.PhaseCreatingSwapAddress: true,
	model.PhaseSwapping:            false,
	model.PhaseSwapComplete:        true,
	model.PhaseShielding:           false,
	model.PhaseCreatingCashoutAddr: true,
	model.PhaseUnshielding:         false,
	model.PhaseSendingToPayout:     false,
	model.PhaseAwaitingSettlement:  true,
}

// phaseEstimate drives advisory ETA reporting only.
var phaseEstimate = map[model.CashoutPhase]time.Duration{
	model.PhaseCompliancePrescreen: 2 * time.Second,
	model.PhaseCreatingSwapAddress: 2 * time.Second,
	model.PhaseSwapping:            20 * time.Second,
	model.PhaseSwapComplete:        0, // jitter is added separately
	model.PhaseShielding:           15 * time.Second,
	model.PhaseCreatingCashoutAddr: 2 * time.Second,
	model.PhaseUnshielding:         15 * time.Second,
	model.PhaseSendingToPayout:     5 * time.Second,
	model.PhaseAwaitingSettlement:  60 * time.Second,
}

// StartCashoutInput carries everything needed to open a cashout.
type StartCashoutInput struct {
	UserID uuid.UUID
	Path   model.CashoutPath
	Asset  string
	Amount uint64 // base units of Asset
	// EstimatedUSD is the USD value of Amount quoted by the caller. Required
	// on the full path, where Amount is still denominated in the source asset
	// when compliance runs; derived from Amount for settlement-asset paths.
	EstimatedUSD uint64
	PayoutDest   string
}

// CashoutService drives the resumable conversion pipeline. At most one
// active instance per user.
type CashoutService interface {
	// Start opens a new cashout in the first phase of its path.
	Start(ctx context.Context, in StartCashoutInput) (*model.CashoutState, error)
	// Advance executes the current phase and persists the transition.
	Advance(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error)
	// Run advances phases until a terminal phase or an error phase is
	// reached. Cancellation is honored between phases only.
	Run(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error)
	// Retry re-enters the failed phase when it is safe to repeat.
	Retry(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error)
	// Cancel aborts a non-terminal cashout and releases reserved addresses.
	Cancel(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error)
	// Get returns the user's cashout state.
	Get(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error)
	// Progress reports advisory completion percentage and ETA.
	Progress(ctx context.Context, userID uuid.UUID) (model.CashoutProgress, error)
}

type CashoutServiceImpl struct {
	repo     repository.CashoutRepository
	swap     SwapEngine
	shield   ShieldEngine
	provider fiat.Provider

	jitterMin      time.Duration
	jitterMax      time.Duration
	jitterStep     time.Duration
	settleAttempts uint64
	log            *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewCashoutService constructs the pipeline driver. jitterMin/jitterMax bound
// the randomized delay between swap completion and shielding; settleAttempts
// bounds the settlement polling budget (0 means the default of 30).
func NewCashoutService(
	repo repository.CashoutRepository, swap SwapEngine, shield ShieldEngine,
	provider fiat.Provider, jitterMin, jitterMax time.Duration,
	settleAttempts uint64, log *zap.Logger,
) *CashoutServiceImpl {
	if jitterMin <= 0 {
		jitterMin = 30 * time.Second
	}
	if jitterMax <= jitterMin {
		jitterMax = jitterMin + 2*time.Minute
	}
	if settleAttempts == 0 {
		settleAttempts = 30
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CashoutServiceImpl{
		repo: repo, swap: swap, shield: shield, provider: provider,
		jitterMin: jitterMin, jitterMax: jitterMax,
		jitterStep:     5 * time.Second,
		settleAttempts: settleAttempts, log: log,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// userLock serializes pipeline operations per user so cancellation is only
// observed between phases, never inside one.
func (s *CashoutServiceImpl) userLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Start validates input and opens the cashout in its path's first phase.
func (s *CashoutServiceImpl) Start(ctx context.Context, in StartCashoutInput) (*model.CashoutState, error) {
	if in.UserID == uuid.Nil {
		return nil, errors.New("validation: empty userID")
	}
	if in.Amount == 0 {
		return nil, errors.New("validation: zero amount")
	}
	if in.Asset == "" {
		return nil, errors.New("validation: empty asset")
	}
	if in.PayoutDest == "" {
		return nil, errors.New("validation: empty payout destination")
	}
	switch in.Path {
	case model.PathUSDCPool, model.PathUSDCWallet:
		// The shortened paths exist because the holding already is the
		// settlement asset; anything else must take the full swap path.
		if in.Asset != settlementAsset {
			return nil, fmt.Errorf("validation: path %q requires asset %q, got %q",
				in.Path, settlementAsset, in.Asset)
		}
	case model.PathXStockFull:
		if in.EstimatedUSD == 0 {
			return nil, errors.New("validation: USD estimate required for the full path")
		}
	default:
		return nil, fmt.Errorf("validation: unknown path %q", in.Path)
	}
	if in.EstimatedUSD == 0 {
		// Settlement-asset amounts carry their own USD value. Round up so a
		// sub-dollar cashout is never screened at zero.
		in.EstimatedUSD = in.Amount / settlementBaseUnits
		if in.Amount%settlementBaseUnits != 0 {
			in.EstimatedUSD++
		}
	}

	st := &model.CashoutState{
		UserID:          in.UserID,
		Phase:           model.PhaseSequence(in.Path)[0],
		Path:            in.Path,
		Asset:           in.Asset,
		AmountBaseUnits: in.Amount,
		EstimatedUSD:    in.EstimatedUSD,
		PayoutDest:      in.PayoutDest,
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Get returns the user's cashout state.
func (s *CashoutServiceImpl) Get(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error) {
	return s.repo.Get(ctx, userID)
}

// Advance executes the current phase's external call and persists the
// transition to the next phase, or to the error phase on failure.
func (s *CashoutServiceImpl) Advance(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return s.advanceLocked(ctx, userID)
}

func (s *CashoutServiceImpl) advanceLocked(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error) {
	st, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st.Phase.Terminal() {
		return st, nil
	}

	if err := s.executePhase(ctx, st); err != nil {
		if ctx.Err() != nil {
			// Process shutdown mid-phase: leave the state untouched so the
			// pipeline resumes from this phase after restart.
			return st, ctx.Err()
		}
		failed := st.Phase
		st.FailedAtPhase = &failed
		st.ErrMsg = err.Error()
		st.Phase = model.PhaseError
		if uerr := s.repo.Update(ctx, st); uerr != nil {
			return st, fmt.Errorf("persist error phase: %w", uerr)
		}
		s.log.Warn("cashout phase failed",
			zap.String("user", userID.String()),
			zap.String("phase", string(failed)),
		)
		return st, nil
	}

	st.Phase = nextPhase(st.Path, st.Phase)
	if err := s.repo.Update(ctx, st); err != nil {
		return st, fmt.Errorf("persist phase transition: %w", err)
	}
	return st, nil
}

// Run drives the pipeline to a terminal or error phase. The context is
// checked between phases; an in-flight external call is never aborted.
func (s *CashoutServiceImpl) Run(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return s.repo.Get(context.WithoutCancel(ctx), userID)
		}
		st, err := s.Advance(ctx, userID)
		if err != nil || st.Phase.Terminal() || st.Phase == model.PhaseError {
			return st, err
		}
	}
}

// Retry re-enters the failed phase if it is in the reviewed retryable set;
// value-moving phases report errs.ErrPhaseNotRetryable instead.
func (s *CashoutServiceImpl) Retry(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	st, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st.Phase != model.PhaseError || st.FailedAtPhase == nil {
		return nil, fmt.Errorf("retry from phase %q: %w", st.Phase, errs.ErrInvalidTransition)
	}
	if !phaseRetryable[*st.FailedAtPhase] {
		return nil, fmt.Errorf("phase %q: %w", *st.FailedAtPhase, errs.ErrPhaseNotRetryable)
	}
	st.Phase = *st.FailedAtPhase
	st.FailedAtPhase = nil
	st.ErrMsg = ""
	if err := s.repo.Update(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Cancel aborts the cashout from any non-terminal phase and releases any
// reserved intermediate addresses.
func (s *CashoutServiceImpl) Cancel(ctx context.Context, userID uuid.UUID) (*model.CashoutState, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	st, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st.Phase == model.PhaseCompleted || st.Phase == model.PhaseCancelled {
		return nil, fmt.Errorf("cancel from phase %q: %w", st.Phase, errs.ErrInvalidTransition)
	}

	if st.SwapAddress != "" {
		if rerr := s.swap.ReleaseAddress(ctx, st.SwapAddress); rerr != nil {
			s.log.Warn("release swap address", zap.Error(rerr))
		}
		st.SwapAddress = ""
	}
	if st.CashoutAddress != "" {
		if rerr := s.shield.ReleaseAddress(ctx, st.CashoutAddress); rerr != nil {
			s.log.Warn("release cashout address", zap.Error(rerr))
		}
		st.CashoutAddress = ""
	}

	st.Phase = model.PhaseCancelled
	st.JitterRemaining = 0
	if err := s.repo.Update(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Progress reports advisory phase position and a rough time estimate.
func (s *CashoutServiceImpl) Progress(ctx context.Context, userID uuid.UUID) (model.CashoutProgress, error) {
	st, err := s.repo.Get(ctx, userID)
	if err != nil {
		return model.CashoutProgress{}, err
	}
	seq := model.PhaseSequence(st.Path)
	idx := len(seq) - 1
	for i, ph := range seq {
		if ph == st.Phase {
			idx = i
			break
		}
	}
	if st.Phase == model.PhaseCompleted {
		return model.CashoutProgress{Phase: st.Phase, Percent: 100}, nil
	}
	var eta time.Duration
	for _, ph := range seq[idx:] {
		eta += phaseEstimate[ph]
	}
	eta += st.JitterRemaining
	return model.CashoutProgress{
		Phase:         st.Phase,
		Percent:       idx * 100 / len(seq),
		EstimatedWait: eta,
	}, nil
}

// executePhase runs the external effect of the current phase, mutating st
// with any produced references (addresses, settled amounts, payout ref).
func (s *CashoutServiceImpl) executePhase(ctx context.Context, st *model.CashoutState) error {
	switch st.Phase {
	case model.PhaseCompliancePrescreen:
		res, err := s.provider.CheckCompliance(ctx, st.UserID.String(), st.PayoutDest,
			st.EstimatedUSD)
		if err != nil {
			return fmt.Errorf("compliance check: %w", err)
		}
		if !res.Compliant {
			return fmt.Errorf("compliance rejected: %s", res.Reason)
		}
		return nil

	case model.PhaseCreatingSwapAddress:
		addr, err := s.swap.ReserveAddress(ctx, st.UserID)
		if err != nil {
			return fmt.Errorf("reserve swap address: %w", err)
		}
		st.SwapAddress = addr
		return nil

	case model.PhaseSwapping:
		settled, err := s.swap.Swap(ctx, st.SwapAddress, st.Asset, st.AmountBaseUnits)
		if err != nil {
			return fmt.Errorf("swap: %w", err)
		}
		st.Asset = settlementAsset
		st.AmountBaseUnits = settled
		return nil

	case model.PhaseSwapComplete:
		// Randomized delay before shielding so the shield event cannot be
		// linked to the visible swap by proximity in time.
		if st.JitterRemaining == 0 {
			d, err := randomJitter(s.jitterMin, s.jitterMax)
			if err != nil {
				return fmt.Errorf("jitter: %w", err)
			}
			st.JitterRemaining = d
			if uerr := s.repo.Update(ctx, st); uerr != nil {
				return fmt.Errorf("persist jitter: %w", uerr)
			}
		}
		// Count down in persisted slices so a restart resumes the remainder
		// instead of re-sleeping the full draw.
		for st.JitterRemaining > 0 {
			step := s.jitterStep
			if st.JitterRemaining < step {
				step = st.JitterRemaining
			}
			if err := sleepCtx(ctx, step); err != nil {
				return err
			}
			st.JitterRemaining -= step
			if uerr := s.repo.Update(ctx, st); uerr != nil {
				return fmt.Errorf("persist jitter: %w", uerr)
			}
		}
		return nil

	case model.PhaseShielding:
		return s.shield.Shield(ctx, st.SwapAddress, st.AmountBaseUnits)

	case model.PhaseCreatingCashoutAddr:
		addr, err := s.shield.ReserveAddress(ctx, st.UserID)
		if err != nil {
			return fmt.Errorf("reserve cashout address: %w", err)
		}
		st.CashoutAddress = addr
		return nil

	case model.PhaseUnshielding:
		return s.shield.Unshield(ctx, st.CashoutAddress, st.AmountBaseUnits)

	case model.PhaseSendingToPayout:
		p, err := s.provider.InitiatePayout(ctx, st.Asset, st.AmountBaseUnits, st.PayoutDest)
		if err != nil {
			return fmt.Errorf("initiate payout: %w", err)
		}
		st.PayoutRef = p.Ref
		return nil

	case model.PhaseAwaitingSettlement:
		return s.awaitSettlement(ctx, st.PayoutRef)

	default:
		return fmt.Errorf("phase %q: %w", st.Phase, errs.ErrInvalidTransition)
	}
}

// awaitSettlement polls the provider with bounded backoff until the payout
// settles, fails, or the wait budget runs out.
func (s *CashoutServiceImpl) awaitSettlement(ctx context.Context, ref string) error {
	b := retry.WithCappedDuration(10*time.Second, retry.NewExponential(time.Second))
	b = retry.WithMaxRetries(s.settleAttempts-1, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		set, err := s.provider.GetSettlement(ctx, ref)
		if err != nil {
			return retry.RetryableError(err)
		}
		if set.Failed {
			return fmt.Errorf("%w: payout %s: %s", errSettlementFailed, ref, set.Reason)
		}
		if !set.Settled {
			return retry.RetryableError(fmt.Errorf("payout %s pending", ref))
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSettlementFailed):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("settlement wait for %s: %w", ref, errs.ErrConfirmationTimeout)
	}
}

// errSettlementFailed marks a payout the provider reported as failed; not
// retried by the settlement wait.
var errSettlementFailed = errors.New("settlement failed")

// nextPhase returns the phase after cur in the path's sequence.
func nextPhase(path model.CashoutPath, cur model.CashoutPhase) model.CashoutPhase {
	seq := model.PhaseSequence(path)
	for i, ph := range seq {
		if ph == cur && i+1 < len(seq) {
			return seq[i+1]
		}
	}
	return model.PhaseCompleted
}

// randomJitter draws a uniform random duration from [min, max).
func randomJitter(min, max time.Duration) (time.Duration, error) {
	span := big.NewInt(int64(max - min))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, err
	}
	return min + time.Duration(n.Int64()), nil
}

// sleepCtx waits for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
