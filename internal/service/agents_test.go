package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/veilpay/veilcore/internal/errs"
	"github.com/veilpay/veilcore/internal/model"
	"github.com/veilpay/veilcore/internal/repository"
)

type fakeAgents struct {
	rows map[uuid.UUID]*model.AgentRecord

	updateErr error
}

var _ repository.AgentRepository = (*fakeAgents)(nil)

func newFakeAgents() *fakeAgents {
	return &fakeAgents{rows: map[uuid.UUID]*model.AgentRecord{}}
}

func (f *fakeAgents) Create(_ context.Context, rec *model.AgentRecord) error {
	if _, ok := f.rows[rec.AgentID]; ok {
		return errs.ErrAlreadyExists
	}
	cpy := *rec
	f.rows[rec.AgentID] = &cpy
	return nil
}
func (f *fakeAgents) Get(_ context.Context, agentID uuid.UUID) (*model.AgentRecord, error) {
	rec, ok := f.rows[agentID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *rec
	return &cpy, nil
}
func (f *fakeAgents) ListByWallet(_ context.Context, walletID uuid.UUID) ([]model.AgentRecord, error) {
	var out []model.AgentRecord
	for _, rec := range f.rows {
		if rec.WalletID == walletID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
func (f *fakeAgents) Update(_ context.Context, rec *model.AgentRecord) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.rows[rec.AgentID]; !ok {
		return errs.ErrNotFound
	}
	cpy := *rec
	f.rows[rec.AgentID] = &cpy
	return nil
}

type stubStrategy struct {
	name  string
	proof []byte
	err   error
	calls int
}

var _ ProofStrategy = (*stubStrategy)(nil)

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) Prove(context.Context, *model.AgentRecordPlain) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.proof, nil
}

var testSignKey = []byte("agents-test-sign-key")

func newTestAgents(repo repository.AgentRepository, strategies ...ProofStrategy) (*AgentServiceImpl, *NullifierRegistryImpl, *fakeNullifiers) {
	nulls := newFakeNullifiers()
	registry := NewNullifierRegistry(nulls, time.Hour, nil)
	return NewAgentService(repo, registry, strategies, testSignKey, time.Minute), registry, nulls
}

func testCreateInput(wallet uuid.UUID, material []byte) CreateAgentInput {
	return CreateAgentInput{
		WalletID:          wallet,
		Name:              "trading-bot",
		Description:       "rebalances the ledger account",
		AgentPubkey:       []byte("agent-pubkey-bytes"),
		WalletPubkey:      []byte("wallet-pubkey-bytes"),
		Permissions:       []string{"transfer", "read_balance"},
		WalletKeyMaterial: material,
	}
}

func TestAgents_Create_PersistsOnlyCiphertext(t *testing.T) {
	t.Parallel()
	repo := newFakeAgents()
	s, _, _ := newTestAgents(repo)
	wallet := uuid.Must(uuid.NewV4())
	material := []byte("wallet-secret-material")

	rec, token, err := s.Create(context.Background(), testCreateInput(wallet, material))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != model.AgentActive {
		t.Fatalf("status: %q", rec.Status)
	}
	if rec.EncryptedRecord == "" || rec.CommitmentHash == "" || rec.PermissionsHash == "" {
		t.Fatalf("missing sealed fields: %+v", rec)
	}
	if rec.SessionKeyID == "" || token == "" {
		t.Fatalf("missing delegated session: keyID=%q token=%q", rec.SessionKeyID, token)
	}

	// Nothing sensitive may be recoverable from the persisted form.
	stored := repo.rows[rec.AgentID]
	for _, leak := range []string{"trading-bot", "transfer", "agent-pubkey-bytes"} {
		if strings.Contains(stored.EncryptedRecord, leak) {
			t.Fatalf("plaintext %q leaked into stored record", leak)
		}
	}

	// The session token is a verifiable claim for this agent.
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return testSignKey, nil })
	if err != nil {
		t.Fatalf("parse session token: %v", err)
	}
	if claims.Subject != rec.AgentID.String() || claims.ID != rec.SessionKeyID {
		t.Fatalf("claims: %+v", claims)
	}

	// Round trip with the right material, including commitment verification.
	plain, err := s.Decrypt(context.Background(), rec.AgentID, material)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain.Name != "trading-bot" || len(plain.Permissions) != 2 || len(plain.Nonce) == 0 {
		t.Fatalf("plaintext: %+v", plain)
	}

	if _, err := s.Decrypt(context.Background(), rec.AgentID, []byte("wrong material")); !errors.Is(err, errs.ErrDecryptionFailed) {
		t.Fatalf("want ErrDecryptionFailed, got %v", err)
	}
}

func TestAgents_Create_Validation(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestAgents(newFakeAgents())
	wallet := uuid.Must(uuid.NewV4())
	material := []byte("m")

	mutations := []func(*CreateAgentInput){
		func(in *CreateAgentInput) { in.WalletID = uuid.Nil },
		func(in *CreateAgentInput) { in.Name = "" },
		func(in *CreateAgentInput) { in.AgentPubkey = nil },
		func(in *CreateAgentInput) { in.WalletPubkey = nil },
		func(in *CreateAgentInput) { in.Permissions = nil },
		func(in *CreateAgentInput) { in.WalletKeyMaterial = nil },
	}
	for i, mutate := range mutations {
		in := testCreateInput(wallet, material)
		mutate(&in)
		if _, _, err := s.Create(context.Background(), in); err == nil {
			t.Fatalf("case %d: want validation error", i)
		}
	}
}

func TestAgents_CommitmentMismatchIsFatal(t *testing.T) {
	t.Parallel()
	repo := newFakeAgents()
	s, _, _ := newTestAgents(repo)
	material := []byte("wallet-secret-material")

	rec, _, err := s.Create(context.Background(), testCreateInput(uuid.Must(uuid.NewV4()), material))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.rows[rec.AgentID].CommitmentHash = strings.Repeat("0", 64)

	if _, err := s.Decrypt(context.Background(), rec.AgentID, material); !errors.Is(err, errs.ErrCommitmentMismatch) {
		t.Fatalf("want ErrCommitmentMismatch, got %v", err)
	}
}

func TestAgents_Update_ClearsCachedProofAndRecommits(t *testing.T) {
	t.Parallel()
	repo := newFakeAgents()
	strat := &stubStrategy{name: "direct", proof: []byte("proof-1")}
	s, _, _ := newTestAgents(repo, strat)
	material := []byte("wallet-secret-material")

	rec, _, err := s.Create(context.Background(), testCreateInput(uuid.Must(uuid.NewV4()), material))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Authorize(context.Background(), rec.AgentID, material); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if len(repo.rows[rec.AgentID].CachedProof) == 0 {
		t.Fatalf("proof not cached")
	}
	oldPermHash := rec.PermissionsHash
	oldCommitment := rec.CommitmentHash

	perms := []string{"read_balance"}
	updated, err := s.Update(context.Background(), rec.AgentID, AgentPatch{Permissions: &perms}, material)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.CachedProof != nil {
		t.Fatalf("cached proof must be cleared on mutation")
	}
	if updated.PermissionsHash == oldPermHash || updated.CommitmentHash == oldCommitment {
		t.Fatalf("hashes not recomputed after permission change")
	}
	plain, err := s.Decrypt(context.Background(), rec.AgentID, material)
	if err != nil {
		t.Fatalf("Decrypt after update: %v", err)
	}
	if len(plain.Permissions) != 1 || plain.Permissions[0] != "read_balance" {
		t.Fatalf("permissions: %v", plain.Permissions)
	}

	// Nonce rotation alone also invalidates the commitment.
	prev := updated.CommitmentHash
	rotated, err := s.Update(context.Background(), rec.AgentID, AgentPatch{RotateNonce: true}, material)
	if err != nil {
		t.Fatalf("Update rotate: %v", err)
	}
	if rotated.CommitmentHash == prev {
		t.Fatalf("nonce rotation must change the commitment")
	}
}

func TestAgents_Lifecycle(t *testing.T) {
	t.Parallel()
	repo := newFakeAgents()
	s, _, _ := newTestAgents(repo)
	material := []byte("m-material")

	rec, _, err := s.Create(context.Background(), testCreateInput(uuid.Must(uuid.NewV4()), material))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Reactivating an active record is not a valid transition.
	if err := s.Reactivate(context.Background(), rec.AgentID); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if err := s.Suspend(context.Background(), rec.AgentID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := s.Suspend(context.Background(), rec.AgentID); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition on double suspend, got %v", err)
	}
	if _, err := s.Authorize(context.Background(), rec.AgentID, material); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("suspended record must not authorize, got %v", err)
	}
	if err := s.Reactivate(context.Background(), rec.AgentID); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	got, err := s.Get(context.Background(), rec.AgentID)
	if err != nil || got.Status != model.AgentActive {
		t.Fatalf("status after reactivate: %v %v", got, err)
	}
}

func TestAgents_Revoke_Completeness(t *testing.T) {
	t.Parallel()
	repo := newFakeAgents()
	strat := &stubStrategy{name: "direct", proof: []byte("proof-1")}
	s, registry, nulls := newTestAgents(repo, strat)
	material := []byte("wallet-secret-material")

	rec, _, err := s.Create(context.Background(), testCreateInput(uuid.Must(uuid.NewV4()), material))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Authorize(context.Background(), rec.AgentID, material); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	nullifier := GenerateNullifier("revoke-nonce", proofTypeRevocation, rec.AgentID.String())

	// Registry outage: revocation must refuse rather than proceed unverified.
	nulls.insertErr = errors.New("conn refused")
	if err := s.Revoke(context.Background(), rec.AgentID, nullifier); !errors.Is(err, errs.ErrRegistryUnavailable) {
		t.Fatalf("want ErrRegistryUnavailable, got %v", err)
	}
	got, _ := s.Get(context.Background(), rec.AgentID)
	if got.Status != model.AgentActive {
		t.Fatalf("failed revoke must leave the record untouched: %q", got.Status)
	}
	nulls.insertErr = nil

	if err := s.Revoke(context.Background(), rec.AgentID, nullifier); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, _ = s.Get(context.Background(), rec.AgentID)
	if got.Status != model.AgentRevoked {
		t.Fatalf("status: %q", got.Status)
	}
	if got.SessionKeyID != "" || got.CachedProof != nil {
		t.Fatalf("session and cached proof must be cleared: %+v", got)
	}
	if got.EncryptedRecord != rec.EncryptedRecord || got.CommitmentHash != rec.CommitmentHash {
		t.Fatalf("audit fields must survive revocation")
	}
	if got.RevocationNullifier != nullifier {
		t.Fatalf("revocation nullifier: %q", got.RevocationNullifier)
	}
	used, err := registry.IsUsed(context.Background(), nullifier)
	if err != nil || !used {
		t.Fatalf("revocation nullifier not registered: used=%v err=%v", used, err)
	}

	// Revocation is terminal for every mutating path.
	if err := s.Revoke(context.Background(), rec.AgentID, nullifier); !errors.Is(err, errs.ErrAgentRevoked) {
		t.Fatalf("want ErrAgentRevoked on double revoke, got %v", err)
	}
	if err := s.Suspend(context.Background(), rec.AgentID); !errors.Is(err, errs.ErrAgentRevoked) {
		t.Fatalf("want ErrAgentRevoked on suspend, got %v", err)
	}
	if _, err := s.Update(context.Background(), rec.AgentID, AgentPatch{}, material); !errors.Is(err, errs.ErrAgentRevoked) {
		t.Fatalf("want ErrAgentRevoked on update, got %v", err)
	}
	if _, err := s.Authorize(context.Background(), rec.AgentID, material); !errors.Is(err, errs.ErrAgentRevoked) {
		t.Fatalf("want ErrAgentRevoked on authorize, got %v", err)
	}
}

func TestAgents_Revoke_ReplayRejected(t *testing.T) {
	t.Parallel()
	repo := newFakeAgents()
	s, _, _ := newTestAgents(repo)
	material := []byte("m-material")
	wallet := uuid.Must(uuid.NewV4())

	a, _, err := s.Create(context.Background(), testCreateInput(wallet, material))
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, _, err := s.Create(context.Background(), testCreateInput(wallet, material))
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	nullifier := GenerateNullifier("shared-nonce", proofTypeRevocation)
	if err := s.Revoke(context.Background(), a.AgentID, nullifier); err != nil {
		t.Fatalf("Revoke a: %v", err)
	}
	err = s.Revoke(context.Background(), b.AgentID, nullifier)
	if err == nil || !strings.Contains(err.Error(), "replay") {
		t.Fatalf("want replay rejection, got %v", err)
	}
	got, _ := s.Get(context.Background(), b.AgentID)
	if got.Status != model.AgentActive {
		t.Fatalf("replayed revoke must not change status: %q", got.Status)
	}
}

func TestAgents_Authorize_StrategyFallbackAndCache(t *testing.T) {
	t.Parallel()
	repo := newFakeAgents()
	primary := &stubStrategy{name: "confidential", err: errors.New("prover offline")}
	fallback := &stubStrategy{name: "attested", proof: []byte("fallback-proof")}
	s, _, _ := newTestAgents(repo, primary, fallback)
	material := []byte("wallet-secret-material")

	rec, _, err := s.Create(context.Background(), testCreateInput(uuid.Must(uuid.NewV4()), material))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	proof, err := s.Authorize(context.Background(), rec.AgentID, material)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if string(proof) != "fallback-proof" {
		t.Fatalf("proof: %q", proof)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("strategy calls: primary=%d fallback=%d", primary.calls, fallback.calls)
	}

	// Second call serves the cache without touching any strategy.
	if _, err := s.Authorize(context.Background(), rec.AgentID, material); err != nil {
		t.Fatalf("Authorize cached: %v", err)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("cached authorize invoked a strategy")
	}
}

func TestAgents_Authorize_AllStrategiesFail(t *testing.T) {
	t.Parallel()
	repo := newFakeAgents()
	strat := &stubStrategy{name: "confidential", err: errors.New("prover offline")}
	s, _, _ := newTestAgents(repo, strat)
	material := []byte("m-material")

	rec, _, err := s.Create(context.Background(), testCreateInput(uuid.Must(uuid.NewV4()), material))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Authorize(context.Background(), rec.AgentID, material); err == nil {
		t.Fatalf("want error when every strategy fails")
	}
	if got := repo.rows[rec.AgentID].CachedProof; got != nil {
		t.Fatalf("failed authorize must not cache: %v", got)
	}
}
