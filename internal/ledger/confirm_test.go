package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/veilpay/veilcore/internal/errs"
	"github.com/veilpay/veilcore/internal/model"
)

// fakeClient serves scripted TxInfo responses per lookup.
type fakeClient struct {
	lookups []func() (*TxInfo, error)
	calls   int
}

var _ Client = (*fakeClient)(nil)

func (f *fakeClient) GetBalance(context.Context, string, model.AssetRef) (uint64, error) {
	return 0, nil
}
func (f *fakeClient) GetLatestSequencePoint(context.Context) (string, error) { return "seq", nil }
func (f *fakeClient) SubmitTransaction(context.Context, *SignedTransaction) (string, error) {
	return "", nil
}
func (f *fakeClient) AccountExists(context.Context, string) (bool, error) { return true, nil }
func (f *fakeClient) GetTransactionBySignature(context.Context, string) (*TxInfo, error) {
	i := f.calls
	f.calls++
	if i >= len(f.lookups) {
		i = len(f.lookups) - 1
	}
	return f.lookups[i]()
}

func TestWaitForConfirmation_ConfirmsAfterPolls(t *testing.T) {
	t.Parallel()

	c := &fakeClient{lookups: []func() (*TxInfo, error){
		func() (*TxInfo, error) { return nil, errs.ErrNotFound },
		func() (*TxInfo, error) { return &TxInfo{Sig: "sig1", Confirmed: true}, nil },
	}}
	info, err := WaitForConfirmation(context.Background(), c, "sig1", 5)
	if err != nil {
		t.Fatalf("WaitForConfirmation: %v", err)
	}
	if !info.Confirmed || info.Sig != "sig1" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if c.calls != 2 {
		t.Fatalf("calls=%d, want 2", c.calls)
	}
}

func TestWaitForConfirmation_BudgetExhausted(t *testing.T) {
	t.Parallel()

	c := &fakeClient{lookups: []func() (*TxInfo, error){
		func() (*TxInfo, error) { return nil, errs.ErrNotFound },
	}}
	_, err := WaitForConfirmation(context.Background(), c, "sig2", 1)
	if !errors.Is(err, errs.ErrConfirmationTimeout) {
		t.Fatalf("want ErrConfirmationTimeout, got %v", err)
	}
	if c.calls != 1 {
		t.Fatalf("calls=%d, want 1", c.calls)
	}
}

func TestWaitForConfirmation_FailedTxNotRetried(t *testing.T) {
	t.Parallel()

	c := &fakeClient{lookups: []func() (*TxInfo, error){
		func() (*TxInfo, error) { return &TxInfo{Sig: "sig3", Failed: true}, nil },
	}}
	_, err := WaitForConfirmation(context.Background(), c, "sig3", 10)
	if err == nil || errors.Is(err, errs.ErrConfirmationTimeout) {
		t.Fatalf("want terminal on-chain failure, got %v", err)
	}
	if c.calls != 1 {
		t.Fatalf("failed tx must not be polled again, calls=%d", c.calls)
	}
}

func TestWaitForConfirmation_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &fakeClient{lookups: []func() (*TxInfo, error){
		func() (*TxInfo, error) { return nil, errs.ErrNotFound },
	}}
	_, err := WaitForConfirmation(ctx, c, "sig4", 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
