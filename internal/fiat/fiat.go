// Package fiat defines the compliance and payout provider collaborator
// interfaces consumed by the cashout pipeline.
package fiat

import "context"

// ComplianceResult reports a screening outcome. A non-compliant result is a
// normal business outcome, not an error.
type ComplianceResult struct {
	Compliant bool
	Reason    string // populated when Compliant is false
}

// Payout identifies an initiated payout at the provider.
type Payout struct {
	Ref string
}

// Settlement describes the state of a previously initiated payout.
type Settlement struct {
	Settled bool
	Failed  bool
	Reason  string
}

// Provider is the fiat off-ramp and compliance screening surface.
type Provider interface {
	// CheckCompliance screens a sender/recipient pair for a USD amount.
	CheckCompliance(ctx context.Context, sender, recipient string, amountUSD uint64) (ComplianceResult, error)
	// InitiatePayout starts a fiat payout of the given asset amount.
	InitiatePayout(ctx context.Context, asset string, amount uint64, destination string) (Payout, error)
	// GetSettlement reports whether a payout has settled.
	GetSettlement(ctx context.Context, ref string) (Settlement, error)
}
