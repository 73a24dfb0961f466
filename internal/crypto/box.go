package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// payloadContext binds exchange keys to their purpose so a shared secret can
// never double as a record-storage key.
const payloadContext = "veilcore/payload-exchange/v1"

// GenerateExchangeKeyPair returns a fresh X25519 keypair for payload exchange.
func GenerateExchangeKeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// sharedPayloadKey derives the symmetric key both sides of an exchange arrive
// at from their X25519 halves.
func sharedPayloadKey(priv, peerPub []byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("payload key agreement: %w", err)
	}
	return DeriveEncryptionKey(secret, payloadContext)
}

// EncryptPayload seals a payload for a recipient's exchange public key using
// the sender's private half. The recipient decrypts with the mirrored halves.
func EncryptPayload(plaintext, senderPriv, recipientPub []byte) (string, error) {
	key, err := sharedPayloadKey(senderPriv, recipientPub)
	if err != nil {
		return "", err
	}
	return EncryptRecord(plaintext, key)
}

// DecryptPayload opens a sealed payload with the recipient's private half and
// the sender's public key. Fails with errs.ErrDecryptionFailed on mismatch.
func DecryptPayload(blob string, recipientPriv, senderPub []byte) ([]byte, error) {
	key, err := sharedPayloadKey(recipientPriv, senderPub)
	if err != nil {
		return nil, err
	}
	return DecryptRecord(blob, key)
}
