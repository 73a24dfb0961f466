package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/veilpay/veilcore/internal/errs"
	"github.com/veilpay/veilcore/internal/ledger"
	"github.com/veilpay/veilcore/internal/limiter"
	"github.com/veilpay/veilcore/internal/model"
)

// RelayCoordinator executes the second hop of a two-hop transfer: the pool
// forwards funds to a one-time stealth destination, so observers see
// pool -> stealth, never origin -> stealth.
type RelayCoordinator interface {
	// Relay verifies the first-hop deposit and forwards Amount to the stealth
	// address. Success is reported only after network confirmation. The
	// coordinator does not deduplicate requests; idempotency is the caller's
	// responsibility via DepositSig tracking.
	Relay(ctx context.Context, req model.StealthRelayRequest) (model.RelayResult, error)
}

type RelayCoordinatorImpl struct {
	client          ledger.Client
	signer          ledger.Signer
	lim             limiter.Limiter
	feeBuffer       uint64
	confirmAttempts uint64
	log             *zap.Logger
}

// NewRelayCoordinator constructs the coordinator. feeBuffer is the native
// balance headroom the pool must retain beyond the relayed amount. A nil lim
// disables attempt throttling.
func NewRelayCoordinator(client ledger.Client, signer ledger.Signer, lim limiter.Limiter, feeBuffer uint64, confirmAttempts uint64, log *zap.Logger) *RelayCoordinatorImpl {
	if confirmAttempts == 0 {
		confirmAttempts = 30
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RelayCoordinatorImpl{
		client: client, signer: signer, lim: lim,
		feeBuffer: feeBuffer, confirmAttempts: confirmAttempts, log: log,
	}
}

// Relay runs the full second-hop contract: deposit verification, liquidity
// pre-flight, transfer construction, signing, submission and confirmation.
func (s *RelayCoordinatorImpl) Relay(ctx context.Context, req model.StealthRelayRequest) (model.RelayResult, error) {
	if err := validateRelayRequest(req); err != nil {
		return model.RelayResult{}, err
	}
	pool := s.signer.PublicAddress()
	destHash := limiter.HashDest(req.StealthAddress)

	if s.lim != nil {
		ok, retryAfter, err := s.lim.Allow(ctx, req.DepositSig, destHash)
		if err != nil {
			return model.RelayResult{}, fmt.Errorf("relay limiter: %w", err)
		}
		if !ok {
			return model.RelayResult{Reason: "too many failed attempts"},
				fmt.Errorf("retry after %s: %w", retryAfter, errs.ErrRateLimited)
		}
	}

	if err := s.verifyDeposit(ctx, req, pool); err != nil {
		s.recordFailure(ctx, req.DepositSig, destHash)
		return model.RelayResult{Reason: err.Error()}, err
	}
	if err := s.checkPoolLiquidity(ctx, req, pool); err != nil {
		// Fatal for this attempt: the caller decides whether to retry after a
		// pool top-up, we never retry internally.
		s.recordFailure(ctx, req.DepositSig, destHash)
		return model.RelayResult{Reason: err.Error()}, err
	}

	tx, err := s.buildTransfer(ctx, req, pool)
	if err != nil {
		return model.RelayResult{}, err
	}
	signed, err := s.signer.Sign(tx)
	if err != nil {
		return model.RelayResult{}, fmt.Errorf("sign relay: %w", err)
	}
	sig, err := s.client.SubmitTransaction(ctx, signed)
	if err != nil {
		return model.RelayResult{Reason: "relay submission failed"}, fmt.Errorf("submit relay: %w", err)
	}
	if _, err := ledger.WaitForConfirmation(ctx, s.client, sig, s.confirmAttempts); err != nil {
		// Never report partial success: without confirmation this attempt
		// failed even though the transaction may still land.
		return model.RelayResult{Reason: "relay not confirmed"}, err
	}

	if s.lim != nil {
		if lerr := s.lim.Success(ctx, req.DepositSig, destHash); lerr != nil {
			s.log.Warn("limiter reset", zap.Error(lerr))
		}
	}
	s.log.Info("relay confirmed",
		zap.String("sig", sig),
		zap.String("asset", string(req.Asset.Kind)),
		zap.Uint64("amount", req.Amount),
	)
	return model.RelayResult{Success: true, RelaySig: sig, PoolAddress: pool}, nil
}

// recordFailure feeds the limiter after a rejected attempt. Best effort: a
// limiter outage never masks the original failure.
func (s *RelayCoordinatorImpl) recordFailure(ctx context.Context, depositSig string, destHash []byte) {
	if s.lim == nil {
		return
	}
	if _, _, err := s.lim.Failure(ctx, depositSig, destHash); err != nil {
		s.log.Warn("limiter record failure", zap.Error(err))
	}
}

// validateRelayRequest rejects malformed requests before any external call.
func validateRelayRequest(req model.StealthRelayRequest) error {
	if req.StealthAddress == "" {
		return errors.New("validation: empty stealth address")
	}
	if req.Amount == 0 {
		return errors.New("validation: zero amount")
	}
	if req.DepositSig == "" {
		return errors.New("validation: empty deposit reference")
	}
	switch req.Asset.Kind {
	case model.AssetNative:
		if req.Asset.Mint != "" {
			return errors.New("validation: native asset must not carry a mint")
		}
	case model.AssetToken:
		if req.Asset.Mint == "" {
			return errors.New("validation: token asset requires a mint")
		}
	default:
		return fmt.Errorf("validation: unknown asset kind %q", req.Asset.Kind)
	}
	return nil
}

// verifyDeposit checks the referenced first-hop transaction exists, is
// confirmed, and credited at least the requested amount to the pool.
func (s *RelayCoordinatorImpl) verifyDeposit(ctx context.Context, req model.StealthRelayRequest, pool string) error {
	info, err := s.client.GetTransactionBySignature(ctx, req.DepositSig)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("deposit %s not found: %w", req.DepositSig, errs.ErrDepositUnconfirmed)
		}
		return fmt.Errorf("verify deposit: %w", err)
	}
	if info.Failed || !info.Confirmed {
		return fmt.Errorf("deposit %s: %w", req.DepositSig, errs.ErrDepositUnconfirmed)
	}
	var credited uint64
	for _, c := range info.Credits {
		if c.Account == pool && c.Asset == req.Asset {
			// Saturate instead of wrapping on absurd credit sums.
			if c.Amount > math.MaxUint64-credited {
				credited = math.MaxUint64
			} else {
				credited += c.Amount
			}
		}
	}
	if credited < req.Amount {
		return fmt.Errorf("deposit credited %d of %d required: %w",
			credited, req.Amount, errs.ErrInsufficientDeposit)
	}
	return nil
}

// checkPoolLiquidity is an advisory pre-flight; the network's own atomicity
// prevents double-spending regardless.
func (s *RelayCoordinatorImpl) checkPoolLiquidity(ctx context.Context, req model.StealthRelayRequest, pool string) error {
	native, err := s.client.GetBalance(ctx, pool, model.AssetRef{Kind: model.AssetNative})
	if err != nil {
		return fmt.Errorf("pool balance: %w", err)
	}
	switch req.Asset.Kind {
	case model.AssetNative:
		if req.Amount > math.MaxUint64-s.feeBuffer {
			// Amount plus fee buffer would wrap; no pool can cover it.
			return fmt.Errorf("amount %d exceeds fee buffer headroom: %w",
				req.Amount, errs.ErrInsufficientPoolBalance)
		}
		if native < req.Amount+s.feeBuffer {
			return fmt.Errorf("insufficient pool balance: have %d, need %d: %w",
				native, req.Amount+s.feeBuffer, errs.ErrInsufficientPoolBalance)
		}
	case model.AssetToken:
		if native < s.feeBuffer {
			return fmt.Errorf("insufficient pool balance for fees: have %d, need %d: %w",
				native, s.feeBuffer, errs.ErrInsufficientPoolBalance)
		}
		tokens, err := s.client.GetBalance(ctx, pool, req.Asset)
		if err != nil {
			return fmt.Errorf("pool token balance: %w", err)
		}
		if tokens < req.Amount {
			return fmt.Errorf("insufficient pool balance: have %d %s, need %d: %w",
				tokens, req.Asset.Mint, req.Amount, errs.ErrInsufficientPoolBalance)
		}
	}
	return nil
}

// buildTransfer assembles the second-hop transaction. Token transfers create
// the destination's asset-holding account first when it does not exist yet,
// with the pool as payer.
func (s *RelayCoordinatorImpl) buildTransfer(ctx context.Context, req model.StealthRelayRequest, pool string) (*ledger.Transaction, error) {
	seq, err := s.client.GetLatestSequencePoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("sequence point: %w", err)
	}
	tx := &ledger.Transaction{FeePayer: pool, SequencePoint: seq}

	switch req.Asset.Kind {
	case model.AssetNative:
		tx.Instructions = append(tx.Instructions, ledger.NativeTransfer{
			From: pool, To: req.StealthAddress, Amount: req.Amount,
		})
	case model.AssetToken:
		exists, err := s.client.AccountExists(ctx, req.StealthAddress)
		if err != nil {
			return nil, fmt.Errorf("destination lookup: %w", err)
		}
		if !exists {
			tx.Instructions = append(tx.Instructions, ledger.CreateTokenAccount{
				Payer: pool, Owner: req.StealthAddress, Mint: req.Asset.Mint,
			})
		}
		tx.Instructions = append(tx.Instructions, ledger.TokenTransfer{
			From: pool, To: req.StealthAddress, Mint: req.Asset.Mint, Amount: req.Amount,
		})
	}
	return tx, nil
}
