package ledger

import (
	"bytes"
	"testing"
)

func testSigner(t *testing.T) *LocalSigner {
	t.Helper()
	seed := bytes.Repeat([]byte{0x42}, 32)
	s, err := NewLocalSigner(seed)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	return s
}

func TestNewLocalSigner_RejectsBadSeed(t *testing.T) {
	t.Parallel()
	if _, err := NewLocalSigner([]byte("short")); err == nil {
		t.Fatalf("want error on short seed")
	}
}

func TestLocalSigner_SignVerify(t *testing.T) {
	t.Parallel()
	s := testSigner(t)

	tx := &Transaction{
		FeePayer:      s.PublicAddress(),
		SequencePoint: "seq-123",
		Instructions: []Instruction{
			NativeTransfer{From: s.PublicAddress(), To: "stealth-dst", Amount: 1000},
		},
	}
	signed, err := s.Sign(tx)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if signed.Sig == "" {
		t.Fatalf("empty signature id")
	}
	if !Verify(signed) {
		t.Fatalf("signature must verify")
	}

	// Any payload change must break verification.
	signed.Tx.SequencePoint = "seq-124"
	if Verify(signed) {
		t.Fatalf("tampered transaction must not verify")
	}
}

func TestLocalSigner_SignNil(t *testing.T) {
	t.Parallel()
	s := testSigner(t)
	if _, err := s.Sign(nil); err == nil {
		t.Fatalf("want error on nil transaction")
	}
}

func TestEncodeTx_DistinguishesInstructions(t *testing.T) {
	t.Parallel()

	base := &Transaction{FeePayer: "p", SequencePoint: "s"}
	a := *base
	a.Instructions = []Instruction{NativeTransfer{From: "x", To: "y", Amount: 1}}
	b := *base
	b.Instructions = []Instruction{TokenTransfer{From: "x", To: "y", Mint: "", Amount: 1}}
	if bytes.Equal(encodeTx(&a), encodeTx(&b)) {
		t.Fatalf("different instruction kinds must encode differently")
	}

	c := *base
	c.Instructions = []Instruction{
		CreateTokenAccount{Payer: "p", Owner: "o", Mint: "m"},
		NativeTransfer{From: "x", To: "y", Amount: 1},
	}
	d := *base
	d.Instructions = []Instruction{
		NativeTransfer{From: "x", To: "y", Amount: 1},
		CreateTokenAccount{Payer: "p", Owner: "o", Mint: "m"},
	}
	if bytes.Equal(encodeTx(&c), encodeTx(&d)) {
		t.Fatalf("instruction order must be part of the encoding")
	}
}
