package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/veilpay/veilcore/internal/errs"
)

func TestPayloadExchange_RoundTrip(t *testing.T) {
	t.Parallel()

	sendPub, sendPriv, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	recvPub, recvPriv, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	msg := []byte("stealth payload")
	blob, err := EncryptPayload(msg, sendPriv, recvPub)
	if err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}

	got, err := DecryptPayload(blob, recvPriv, sendPub)
	if err != nil {
		t.Fatalf("DecryptPayload: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestPayloadExchange_WrongRecipientFails(t *testing.T) {
	t.Parallel()

	sendPub, sendPriv, _ := GenerateExchangeKeyPair()
	recvPub, _, _ := GenerateExchangeKeyPair()
	_, otherPriv, _ := GenerateExchangeKeyPair()

	blob, err := EncryptPayload([]byte("for recv only"), sendPriv, recvPub)
	if err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	if _, err := DecryptPayload(blob, otherPriv, sendPub); !errors.Is(err, errs.ErrDecryptionFailed) {
		t.Fatalf("want ErrDecryptionFailed, got %v", err)
	}
}

func TestPayloadExchange_FreshNoncePerSeal(t *testing.T) {
	t.Parallel()

	_, sendPriv, _ := GenerateExchangeKeyPair()
	recvPub, _, _ := GenerateExchangeKeyPair()

	a, err := EncryptPayload([]byte("same plaintext"), sendPriv, recvPub)
	if err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	b, err := EncryptPayload([]byte("same plaintext"), sendPriv, recvPub)
	if err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	if a == b {
		t.Fatalf("identical ciphertexts for repeated seals")
	}
}
