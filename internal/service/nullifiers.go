package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilpay/veilcore/internal/errs"
	"github.com/veilpay/veilcore/internal/model"
	"github.com/veilpay/veilcore/internal/repository"
)

// DefaultNullifierTTL bounds retention when the caller supplies no expiry.
// It must cover the validity window of every protected proof type.
const DefaultNullifierTTL = 30 * 24 * time.Hour

// GenerateNullifier derives a deterministic single-use identifier from a
// nonce, a proof type and optional extra context. Identical inputs always
// reproduce the identical nullifier; changing any input changes it.
func GenerateNullifier(nonce, proofType string, extra ...string) string {
	h := sha256.New()
	var ln [8]byte
	write := func(f string) {
		binary.BigEndian.PutUint64(ln[:], uint64(len(f)))
		h.Write(ln[:])
		h.Write([]byte(f))
	}
	write(nonce)
	write(proofType)
	for _, e := range extra {
		write(e)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyNullifier reports whether a nullifier was derived from the given
// inputs.
func VerifyNullifier(nullifier, nonce, proofType string, extra ...string) bool {
	return GenerateNullifier(nonce, proofType, extra...) == nullifier
}

// NullifierRegistry tracks single-use proof/operation identifiers to block
// replay. Replay is a reported outcome, never an error; storage faults are
// errs.ErrRegistryUnavailable and callers must fail closed.
type NullifierRegistry interface {
	// MarkUsed atomically records first use. Exactly one concurrent caller
	// per nullifier value wins; the rest observe ReplayDetected.
	MarkUsed(ctx context.Context, rec model.NullifierRecord) (model.MarkResult, error)
	// IsUsed is a pure lookup with no side effects.
	IsUsed(ctx context.Context, nullifier string) (bool, error)
	// CleanupExpired evicts expired records and returns the count removed.
	CleanupExpired(ctx context.Context) (int64, error)
	// Stats returns read-only registry introspection.
	Stats(ctx context.Context) (model.RegistryStats, error)
}

type NullifierRegistryImpl struct {
	repo repository.NullifierRepository
	ttl  time.Duration
	log  *zap.Logger

	sweepOnce sync.Once
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewNullifierRegistry constructs the registry. A non-positive ttl falls back
// to DefaultNullifierTTL.
func NewNullifierRegistry(repo repository.NullifierRepository, ttl time.Duration, log *zap.Logger) *NullifierRegistryImpl {
	if ttl <= 0 {
		ttl = DefaultNullifierTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NullifierRegistryImpl{repo: repo, ttl: ttl, log: log}
}

// MarkUsed validates the record, fills expiry defaults and delegates the
// atomic check-then-insert to the repository.
func (s *NullifierRegistryImpl) MarkUsed(ctx context.Context, rec model.NullifierRecord) (model.MarkResult, error) {
	if rec.Nullifier == "" {
		return model.MarkResult{}, errors.New("validation: empty nullifier")
	}
	if rec.ProofType == "" {
		return model.MarkResult{}, errors.New("validation: empty proof type")
	}
	if rec.UsedAt.IsZero() {
		rec.UsedAt = time.Now()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.UsedAt.Add(s.ttl)
	}
	if !rec.ExpiresAt.After(rec.UsedAt) {
		return model.MarkResult{}, errors.New("validation: expiry not after use time")
	}

	inserted, err := s.repo.InsertIfAbsent(ctx, rec)
	if err != nil {
		return model.MarkResult{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	if !inserted {
		return model.MarkResult{Inserted: false, ReplayDetected: true}, nil
	}
	return model.MarkResult{Inserted: true}, nil
}

// IsUsed reports whether the nullifier has been consumed.
func (s *NullifierRegistryImpl) IsUsed(ctx context.Context, nullifier string) (bool, error) {
	if nullifier == "" {
		return false, errors.New("validation: empty nullifier")
	}
	used, err := s.repo.Exists(ctx, nullifier)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return used, nil
}

// CleanupExpired evicts records whose expiry has passed.
func (s *NullifierRegistryImpl) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return n, nil
}

// Stats returns active count and expiry bounds.
func (s *NullifierRegistryImpl) Stats(ctx context.Context) (model.RegistryStats, error) {
	st, err := s.repo.Stats(ctx, time.Now())
	if err != nil {
		return model.RegistryStats{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return st, nil
}

// StartSweeper launches the periodic expiry sweep. The returned stop function
// halts the timer and waits for the in-flight sweep; it is safe to call once.
func (s *NullifierRegistryImpl) StartSweeper(interval time.Duration) (stop func()) {
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})

	go func() {
		defer close(s.sweepDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.sweepStop:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				n, err := s.CleanupExpired(ctx)
				cancel()
				if err != nil {
					s.log.Warn("nullifier sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.log.Info("nullifier sweep", zap.Int64("evicted", n))
				}
			}
		}
	}()

	return func() {
		s.sweepOnce.Do(func() { close(s.sweepStop) })
		<-s.sweepDone
	}
}
