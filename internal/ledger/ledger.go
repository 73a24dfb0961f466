// Package ledger defines the ledger-network collaborator interface consumed
// by the relay coordinator and the cashout pipeline, plus transaction
// construction and signing for the locally held pool authority.
package ledger

import (
	"context"

	"github.com/veilpay/veilcore/internal/model"
)

// Instruction is one operation inside a transaction. Implementations are
// tagged variants so each kind's required fields are checked at compile time.
type Instruction interface{ isInstruction() }

// NativeTransfer moves native units between accounts.
type NativeTransfer struct {
	From   string
	To     string
	Amount uint64
}

// TokenTransfer moves fungible-asset units between asset-holding accounts.
type TokenTransfer struct {
	From   string
	To     string
	Mint   string
	Amount uint64
}

// CreateTokenAccount creates the destination's asset-holding account for a
// mint. Payer funds the account creation.
type CreateTokenAccount struct {
	Payer string
	Owner string
	Mint  string
}

func (NativeTransfer) isInstruction()     {}
func (TokenTransfer) isInstruction()      {}
func (CreateTokenAccount) isInstruction() {}

// Transaction is an unsigned transaction anchored to a recent sequence point.
type Transaction struct {
	FeePayer      string
	SequencePoint string
	Instructions  []Instruction
}

// SignedTransaction carries the serialized transaction, the signer's public
// key and the signature. Sig doubles as the network-wide transaction id.
type SignedTransaction struct {
	Tx        *Transaction
	PubKey    []byte
	Signature []byte
	Sig       string // hex signature, used as transaction id
}

// Credit records value credited to an account by a confirmed transaction.
type Credit struct {
	Account string
	Asset   model.AssetRef
	Amount  uint64
}

// TxInfo describes a transaction as observed on the network.
type TxInfo struct {
	Sig       string
	Confirmed bool
	Failed    bool
	Credits   []Credit
}

// Signer produces signed transactions. Backed by an on-device key store, a
// remote signing service, or a local transient keypair for relay submissions.
type Signer interface {
	// PublicAddress returns the signer's account address.
	PublicAddress() string
	// Sign serializes and signs the transaction.
	Sign(tx *Transaction) (*SignedTransaction, error)
}

// Client is the ledger network RPC surface. Every call is a suspension point.
type Client interface {
	// GetBalance returns the confirmed balance of an account for an asset.
	GetBalance(ctx context.Context, account string, asset model.AssetRef) (uint64, error)
	// GetLatestSequencePoint returns a recent anchor for new transactions.
	GetLatestSequencePoint(ctx context.Context) (string, error)
	// SubmitTransaction broadcasts a signed transaction and returns its id.
	SubmitTransaction(ctx context.Context, signed *SignedTransaction) (string, error)
	// GetTransactionBySignature looks up a transaction; errs.ErrNotFound if absent.
	GetTransactionBySignature(ctx context.Context, sig string) (*TxInfo, error)
	// AccountExists reports whether an account address is initialized.
	AccountExists(ctx context.Context, address string) (bool, error)
}
