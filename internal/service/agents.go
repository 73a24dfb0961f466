// Package service contains the application services of the transfer
// subsystem: nullifier registry, stealth relay coordination, the cashout
// pipeline and the agent authorization registry.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/veilpay/veilcore/internal/crypto"
	"github.com/veilpay/veilcore/internal/errs"
	"github.com/veilpay/veilcore/internal/model"
	"github.com/veilpay/veilcore/internal/repository"
)

// agentRecordContext separates agent-record keys from any other key derived
// from the same wallet material.
const agentRecordContext = "veilcore/agent-record/v1"

// proofTypeRevocation tags revocation nullifiers in the registry.
const proofTypeRevocation = "agent_revocation"

// ProofStrategy produces an authorization proof for a record. Strategies are
// tried in order; adding or removing a path does not change call sites.
type ProofStrategy interface {
	// Name identifies the execution path for diagnostics.
	Name() string
	// Prove builds a proof over the plaintext record.
	Prove(ctx context.Context, rec *model.AgentRecordPlain) ([]byte, error)
}

// CreateAgentInput carries everything needed to build an authorization
// record. WalletKeyMaterial is used transiently for key derivation and is
// never persisted.
type CreateAgentInput struct {
	WalletID          uuid.UUID
	Name              string
	Description       string
	AgentPubkey       []byte
	WalletPubkey      []byte
	Permissions       []string
	WalletKeyMaterial []byte
}

// AgentPatch mutates an existing record. Nil fields are left unchanged.
type AgentPatch struct {
	Name        *string
	Description *string
	Permissions *[]string
	AgentPubkey *[]byte
	RotateNonce bool
}

// AgentService manages delegated-authorization records. Persisted records
// hold only ciphertext and public commitments.
type AgentService interface {
	// Create builds, commits, encrypts and persists a record, returning it
	// active together with a delegated session token.
	Create(ctx context.Context, in CreateAgentInput) (*model.AgentRecord, string, error)
	// Get returns a persisted record by agent id.
	Get(ctx context.Context, agentID uuid.UUID) (*model.AgentRecord, error)
	// List returns all records owned by a wallet.
	List(ctx context.Context, walletID uuid.UUID) ([]model.AgentRecord, error)
	// Update applies a patch, re-commits, re-encrypts, and always clears any
	// cached authorization proof.
	Update(ctx context.Context, agentID uuid.UUID, patch AgentPatch, walletKeyMaterial []byte) (*model.AgentRecord, error)
	// Suspend pauses an active record.
	Suspend(ctx context.Context, agentID uuid.UUID) error
	// Reactivate resumes a suspended record.
	Reactivate(ctx context.Context, agentID uuid.UUID) error
	// Revoke permanently disables a record, registering the revocation
	// nullifier so revocation itself cannot be replayed. The encrypted
	// record and commitment are retained for audit.
	Revoke(ctx context.Context, agentID uuid.UUID, revocationNullifier string) error
	// Authorize produces (and caches) an authorization proof for an active
	// record, trying each configured proof path in order.
	Authorize(ctx context.Context, agentID uuid.UUID, walletKeyMaterial []byte) ([]byte, error)
	// Decrypt recovers the plaintext record and verifies its commitment.
	Decrypt(ctx context.Context, agentID uuid.UUID, walletKeyMaterial []byte) (*model.AgentRecordPlain, error)
}

type AgentServiceImpl struct {
	repo       repository.AgentRepository
	registry   NullifierRegistry
	strategies []ProofStrategy
	signKey    []byte
	sessionTTL time.Duration
}

// NewAgentService constructs the agent registry. strategies are tried in
// the given order when building authorization proofs.
func NewAgentService(
	repo repository.AgentRepository, registry NullifierRegistry,
	strategies []ProofStrategy, signKey []byte, sessionTTL time.Duration,
) *AgentServiceImpl {
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	return &AgentServiceImpl{
		repo: repo, registry: registry, strategies: strategies,
		signKey: signKey, sessionTTL: sessionTTL,
	}
}

// Create validates input, derives the per-wallet key, commits and encrypts
// the record, and activates it with a fresh delegated session.
func (s *AgentServiceImpl) Create(ctx context.Context, in CreateAgentInput) (*model.AgentRecord, string, error) {
	if in.WalletID == uuid.Nil {
		return nil, "", errors.New("validation: empty walletID")
	}
	if in.Name == "" {
		return nil, "", errors.New("validation: empty name")
	}
	if len(in.AgentPubkey) == 0 || len(in.WalletPubkey) == 0 {
		return nil, "", errors.New("validation: empty pubkey")
	}
	if len(in.Permissions) == 0 {
		return nil, "", errors.New("validation: empty permissions")
	}
	if len(in.WalletKeyMaterial) == 0 {
		return nil, "", errors.New("validation: empty wallet key material")
	}

	agentID, err := uuid.NewV4()
	if err != nil {
		return nil, "", err
	}
	nonce, err := pkgcrypto.GenerateNonce()
	if err != nil {
		return nil, "", err
	}

	plain := &model.AgentRecordPlain{
		AgentID:      agentID,
		Name:         in.Name,
		Description:  in.Description,
		AgentPubkey:  in.AgentPubkey,
		WalletPubkey: in.WalletPubkey,
		Permissions:  in.Permissions,
		Nonce:        nonce,
	}
	rec := &model.AgentRecord{
		AgentID:  agentID,
		WalletID: in.WalletID,
		Status:   model.AgentCreating,
	}
	if err := s.sealRecord(rec, plain, in.WalletKeyMaterial); err != nil {
		return nil, "", err
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, "", err
	}

	token, keyID, err := s.issueSessionToken(agentID)
	if err != nil {
		return nil, "", err
	}
	rec.Status = model.AgentActive
	rec.SessionKeyID = keyID
	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, "", err
	}
	return rec, token, nil
}

// Get returns a persisted record.
func (s *AgentServiceImpl) Get(ctx context.Context, agentID uuid.UUID) (*model.AgentRecord, error) {
	if agentID == uuid.Nil {
		return nil, errors.New("validation: empty agentID")
	}
	return s.repo.Get(ctx, agentID)
}

// List returns all records owned by a wallet.
func (s *AgentServiceImpl) List(ctx context.Context, walletID uuid.UUID) ([]model.AgentRecord, error) {
	if walletID == uuid.Nil {
		return nil, errors.New("validation: empty walletID")
	}
	return s.repo.ListByWallet(ctx, walletID)
}

// Update decrypts, patches, re-commits and re-encrypts the record. The
// cached proof is cleared on every mutating update: a stale proof could
// attest to permissions that no longer hold.
func (s *AgentServiceImpl) Update(ctx context.Context, agentID uuid.UUID, patch AgentPatch, walletKeyMaterial []byte) (*model.AgentRecord, error) {
	rec, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec.Status == model.AgentRevoked {
		return nil, errs.ErrAgentRevoked
	}
	plain, err := s.openRecord(rec, walletKeyMaterial)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		plain.Name = *patch.Name
	}
	if patch.Description != nil {
		plain.Description = *patch.Description
	}
	if patch.Permissions != nil {
		if len(*patch.Permissions) == 0 {
			return nil, errors.New("validation: empty permissions")
		}
		plain.Permissions = *patch.Permissions
	}
	if patch.AgentPubkey != nil {
		if len(*patch.AgentPubkey) == 0 {
			return nil, errors.New("validation: empty pubkey")
		}
		plain.AgentPubkey = *patch.AgentPubkey
	}
	if patch.RotateNonce {
		nonce, err := pkgcrypto.GenerateNonce()
		if err != nil {
			return nil, err
		}
		plain.Nonce = nonce
	}

	if err := s.sealRecord(rec, plain, walletKeyMaterial); err != nil {
		return nil, err
	}
	rec.CachedProof = nil
	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Suspend pauses an active record.
func (s *AgentServiceImpl) Suspend(ctx context.Context, agentID uuid.UUID) error {
	return s.setStatus(ctx, agentID, model.AgentActive, model.AgentSuspended)
}

// Reactivate resumes a suspended record.
func (s *AgentServiceImpl) Reactivate(ctx context.Context, agentID uuid.UUID) error {
	return s.setStatus(ctx, agentID, model.AgentSuspended, model.AgentActive)
}

func (s *AgentServiceImpl) setStatus(ctx context.Context, agentID uuid.UUID, from, to model.AgentStatus) error {
	rec, err := s.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if rec.Status == model.AgentRevoked {
		return errs.ErrAgentRevoked
	}
	if rec.Status != from {
		return fmt.Errorf("status %q -> %q: %w", rec.Status, to, errs.ErrInvalidTransition)
	}
	rec.Status = to
	return s.repo.Update(ctx, rec)
}

// Revoke is a one-way transition. The revocation nullifier is registered
// first: if the registry cannot confirm non-replay, the revocation is
// refused rather than performed unverified (fail closed).
func (s *AgentServiceImpl) Revoke(ctx context.Context, agentID uuid.UUID, revocationNullifier string) error {
	if revocationNullifier == "" {
		return errors.New("validation: empty revocation nullifier")
	}
	rec, err := s.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if rec.Status == model.AgentRevoked {
		return errs.ErrAgentRevoked
	}

	res, err := s.registry.MarkUsed(ctx, model.NullifierRecord{
		Nullifier: revocationNullifier,
		ProofType: proofTypeRevocation,
	})
	if err != nil {
		return err
	}
	if res.ReplayDetected {
		return fmt.Errorf("revocation nullifier already used: replay rejected")
	}

	rec.Status = model.AgentRevoked
	rec.RevocationNullifier = revocationNullifier
	rec.SessionKeyID = ""
	rec.CachedProof = nil
	// EncryptedRecord and CommitmentHash are retained: revocation is not
	// deletion, the audit trail survives.
	return s.repo.Update(ctx, rec)
}

// Authorize returns a cached proof when present, otherwise walks the proof
// paths in order and caches the first success.
func (s *AgentServiceImpl) Authorize(ctx context.Context, agentID uuid.UUID, walletKeyMaterial []byte) ([]byte, error) {
	rec, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case model.AgentActive:
	case model.AgentRevoked:
		return nil, errs.ErrAgentRevoked
	default:
		return nil, fmt.Errorf("status %q: %w", rec.Status, errs.ErrInvalidTransition)
	}
	if len(rec.CachedProof) > 0 {
		return rec.CachedProof, nil
	}

	plain, err := s.openRecord(rec, walletKeyMaterial)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, strat := range s.strategies {
		proof, perr := strat.Prove(ctx, plain)
		if perr != nil {
			lastErr = fmt.Errorf("%s: %w", strat.Name(), perr)
			continue
		}
		rec.CachedProof = proof
		if uerr := s.repo.Update(ctx, rec); uerr != nil {
			return nil, uerr
		}
		return proof, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no proof strategy configured")
	}
	return nil, fmt.Errorf("authorize: %w", lastErr)
}

// Decrypt recovers the plaintext record and verifies its commitment.
func (s *AgentServiceImpl) Decrypt(ctx context.Context, agentID uuid.UUID, walletKeyMaterial []byte) (*model.AgentRecordPlain, error) {
	rec, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.openRecord(rec, walletKeyMaterial)
}

// sealRecord recomputes the public hashes and replaces the ciphertext.
func (s *AgentServiceImpl) sealRecord(rec *model.AgentRecord, plain *model.AgentRecordPlain, walletKeyMaterial []byte) error {
	permHash := pkgcrypto.ComputePermissionsHash(plain.Permissions)
	rec.PermissionsHash = permHash
	rec.CommitmentHash = pkgcrypto.ComputeAgentCommitment(
		plain.AgentPubkey, plain.WalletPubkey, permHash, plain.Nonce)

	key, err := pkgcrypto.DeriveEncryptionKey(walletKeyMaterial, agentRecordContext)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(plain)
	if err != nil {
		return err
	}
	blob, err := pkgcrypto.EncryptRecord(buf, key)
	if err != nil {
		return err
	}
	rec.EncryptedRecord = blob
	return nil
}

// openRecord decrypts the ciphertext and checks it against the stored
// commitment. A mismatch is fatal, never silently downgraded.
func (s *AgentServiceImpl) openRecord(rec *model.AgentRecord, walletKeyMaterial []byte) (*model.AgentRecordPlain, error) {
	key, err := pkgcrypto.DeriveEncryptionKey(walletKeyMaterial, agentRecordContext)
	if err != nil {
		return nil, err
	}
	buf, err := pkgcrypto.DecryptRecord(rec.EncryptedRecord, key)
	if err != nil {
		return nil, err
	}
	var plain model.AgentRecordPlain
	if err := json.Unmarshal(buf, &plain); err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	permHash := pkgcrypto.ComputePermissionsHash(plain.Permissions)
	if permHash != rec.PermissionsHash ||
		!pkgcrypto.VerifyCommitment(rec.CommitmentHash, plain.AgentPubkey, plain.WalletPubkey, permHash, plain.Nonce) {
		return nil, errs.ErrCommitmentMismatch
	}
	return &plain, nil
}

// HashAttestStrategy is the last-resort authorization path: it binds the
// record to its public commitment without any confidentiality. Configured
// after the confidential provers so it only runs when none of them is
// reachable.
type HashAttestStrategy struct{}

var _ ProofStrategy = HashAttestStrategy{}

func (HashAttestStrategy) Name() string { return "hash_attest" }

func (HashAttestStrategy) Prove(_ context.Context, rec *model.AgentRecordPlain) ([]byte, error) {
	permHash := pkgcrypto.ComputePermissionsHash(rec.Permissions)
	commitment := pkgcrypto.ComputeAgentCommitment(rec.AgentPubkey, rec.WalletPubkey, permHash, rec.Nonce)
	return []byte(commitment), nil
}

// issueSessionToken creates a signed HS256 JWT for the delegated signing
// session and returns it with its key id.
func (s *AgentServiceImpl) issueSessionToken(agentID uuid.UUID) (string, string, error) {
	keyID, err := uuid.NewV4()
	if err != nil {
		return "", "", err
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        keyID.String(),
		Subject:   agentID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	if err != nil {
		return "", "", err
	}
	return signed, keyID.String(), nil
}
