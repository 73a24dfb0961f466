// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// AssetKind discriminates native-unit transfers from fungible-asset transfers.
type AssetKind string

const (
	AssetNative AssetKind = "native"
	AssetToken  AssetKind = "token"
)

// AssetRef identifies the asset being moved. Mint is set only for Kind==AssetToken.
type AssetRef struct {
	Kind AssetKind
	Mint string // fungible asset id; empty for native
}

// NullifierRecord tracks a single-use proof/operation identifier.
// Created on first successful use; immutable; evicted once ExpiresAt passes.
type NullifierRecord struct {
	Nullifier string // 64-char lowercase hex
	ProofType string
	UsedAt    time.Time
	ExpiresAt time.Time
}

// MarkResult reports the outcome of registering a nullifier. Replay is a
// normal outcome, not an error.
type MarkResult struct {
	Inserted       bool
	ReplayDetected bool
}

// RegistryStats is read-only introspection over the nullifier registry.
type RegistryStats struct {
	ActiveCount  int64
	OldestExpiry time.Time
	NewestExpiry time.Time
}

// StealthRelayRequest describes one second-hop forward from the pool to a
// one-time stealth destination. Transient; not persisted by the coordinator.
type StealthRelayRequest struct {
	StealthAddress string
	Amount         uint64
	DepositSig     string // signature of the first-hop deposit into the pool
	Asset          AssetRef
}

// RelayResult is the outcome of a relay attempt. Success is reported only
// after network confirmation.
type RelayResult struct {
	Success     bool
	RelaySig    string
	PoolAddress string
	Reason      string // human-readable failure reason; empty on success
}

// CashoutPath selects which legs of the conversion pipeline apply.
type CashoutPath string

const (
	// PathUSDCPool starts from a balance already held in shielded form.
	PathUSDCPool CashoutPath = "usdc_pool"
	// PathUSDCWallet starts from an unshielded settlement-asset balance.
	PathUSDCWallet CashoutPath = "usdc_wallet"
	// PathXStockFull traverses every phase: swap, shield, unshield, payout.
	PathXStockFull CashoutPath = "xstock_full"
)

// CashoutPhase is one step of the conversion pipeline.
type CashoutPhase string

const (
	PhaseCompliancePrescreen CashoutPhase = "compliance_prescreen"
	PhaseCreatingSwapAddress CashoutPhase = "creating_swap_address"
	PhaseSwapping            CashoutPhase = "swapping"
	PhaseSwapComplete        CashoutPhase = "swap_complete"
	PhaseShielding           CashoutPhase = "shielding"
	PhaseCreatingCashoutAddr CashoutPhase = "creating_cashout_address"
	PhaseUnshielding         CashoutPhase = "unshielding"
	PhaseSendingToPayout     CashoutPhase = "sending_to_payout_provider"
	PhaseAwaitingSettlement  CashoutPhase = "awaiting_settlement"
	PhaseCompleted           CashoutPhase = "completed"
	PhaseCancelled           CashoutPhase = "cancelled"
	PhaseError               CashoutPhase = "error"
)

// PhaseSequence returns the ordered working phases for a path, ending with
// PhaseCompleted. Terminal failure phases are not part of the sequence.
func PhaseSequence(p CashoutPath) []CashoutPhase {
	switch p {
	case PathUSDCPool:
		return []CashoutPhase{
			PhaseCompliancePrescreen, PhaseCreatingCashoutAddr, PhaseUnshielding,
			PhaseSendingToPayout, PhaseAwaitingSettlement, PhaseCompleted,
		}
	case PathUSDCWallet:
		return []CashoutPhase{
			PhaseCompliancePrescreen, PhaseSendingToPayout,
			PhaseAwaitingSettlement, PhaseCompleted,
		}
	default: // PathXStockFull
		return []CashoutPhase{
			PhaseCompliancePrescreen, PhaseCreatingSwapAddress, PhaseSwapping,
			PhaseSwapComplete, PhaseShielding, PhaseCreatingCashoutAddr,
			PhaseUnshielding, PhaseSendingToPayout, PhaseAwaitingSettlement,
			PhaseCompleted,
		}
	}
}

// Terminal reports whether the phase ends the cashout's lifecycle.
func (ph CashoutPhase) Terminal() bool {
	return ph == PhaseCompleted || ph == PhaseCancelled || ph == PhaseError
}

// CashoutState is the persisted pipeline state. One active (non-terminal)
// instance per user; mutated only by the pipeline driver.
type CashoutState struct {
	UserID          uuid.UUID
	Phase           CashoutPhase
	Path            CashoutPath
	Asset           string
	AmountBaseUnits uint64
	EstimatedUSD    uint64        // USD value fixed at start; compliance screens this
	JitterRemaining time.Duration // countdown exposed for UX; advisory only
	SwapAddress     string        // reserved intermediate address, if any
	CashoutAddress  string
	PayoutDest      string // fiat payout destination supplied at start
	PayoutRef       string // provider reference once payout is initiated
	FailedAtPhase   *CashoutPhase
	ErrMsg          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CashoutProgress is advisory progress reporting for the UI.
type CashoutProgress struct {
	Phase         CashoutPhase
	Percent       int
	EstimatedWait time.Duration
}

// AgentStatus is the authorization-record lifecycle state.
type AgentStatus string

const (
	AgentCreating  AgentStatus = "creating"
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentRevoked   AgentStatus = "revoked" // terminal
)

// AgentRecordPlain is the plaintext authorization record. It exists only
// transiently in memory; the persisted form is always AgentRecord.
type AgentRecordPlain struct {
	AgentID      uuid.UUID
	Name         string
	Description  string
	AgentPubkey  []byte
	WalletPubkey []byte
	Permissions  []string
	Nonce        []byte
}

// AgentRecord is the persisted authorization record: ciphertext plus public
// commitments. Plaintext identifiers, permissions and keys never appear here.
type AgentRecord struct {
	AgentID             uuid.UUID
	WalletID            uuid.UUID
	Status              AgentStatus
	EncryptedRecord     string // base64, AEAD-sealed AgentRecordPlain
	CommitmentHash      string
	PermissionsHash     string
	RevocationNullifier string // set on revoke; registered in the registry
	SessionKeyID        string // delegated signing session; cleared on revoke
	CachedProof         []byte // cached authorization proof; cleared on mutation
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
