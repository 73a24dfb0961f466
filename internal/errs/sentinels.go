// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRegistryUnavailable indicates the nullifier backing store cannot be
	// reached. Callers must treat this as "cannot confirm non-replay" and
	// refuse the protected operation.
	ErrRegistryUnavailable = errors.New("nullifier registry unavailable")

	// ErrDecryptionFailed indicates an authentication-tag mismatch or a
	// malformed ciphertext. Always fatal to the current operation.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrCommitmentMismatch indicates the recomputed commitment differs from
	// the stored one.
	ErrCommitmentMismatch = errors.New("commitment mismatch")

	// ErrAgentRevoked indicates an operation was attempted under a revoked
	// authorization record.
	ErrAgentRevoked = errors.New("agent record revoked")

	// ErrDepositUnconfirmed indicates the relay deposit transaction is missing
	// or not yet confirmed.
	ErrDepositUnconfirmed = errors.New("deposit unconfirmed")

	// ErrInsufficientDeposit indicates the deposit credited less than the
	// requested relay amount.
	ErrInsufficientDeposit = errors.New("insufficient deposit")

	// ErrInsufficientPoolBalance indicates pool liquidity does not cover the
	// relay amount plus the fee buffer.
	ErrInsufficientPoolBalance = errors.New("insufficient pool balance")

	// ErrConfirmationTimeout indicates the confirmation wait budget was
	// exhausted before the network confirmed the transaction.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrCashoutActive indicates the user already has a cashout in a
	// non-terminal phase.
	ErrCashoutActive = errors.New("cashout already active")

	// ErrPhaseNotRetryable indicates the failed phase moves value and cannot
	// be safely repeated; the cashout must be cancelled instead.
	ErrPhaseNotRetryable = errors.New("phase not retryable")

	// ErrInvalidTransition indicates a phase/status transition the state
	// machine does not permit.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRateLimited indicates relay attempts for a deposit are temporarily
	// blocked after repeated failures.
	ErrRateLimited = errors.New("rate limited")
)
