package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/veilpay/veilcore/internal/errs"
)

// KeyLen is the width of derived encryption keys in bytes.
const KeyLen = 32

// DeriveEncryptionKey derives a 32-byte key from secret material bound to a
// context string via HKDF-SHA256. Different contexts over the same secret
// yield independent keys.
func DeriveEncryptionKey(secret []byte, context string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	key := make([]byte, KeyLen)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptRecord seals plaintext with XChaCha20-Poly1305 under a fresh random
// nonce and returns base64(nonce||ciphertext). Repeated calls over identical
// plaintext yield different ciphertexts.
func EncryptRecord(plaintext, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, nil)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptRecord is the inverse of EncryptRecord. Tampered ciphertext or a
// wrong key fails with errs.ErrDecryptionFailed, never silently returns
// corrupted plaintext.
func DecryptRecord(blob string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return nil, errs.ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	nonce := raw[:chacha20poly1305.NonceSizeX]
	ct := raw[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	return pt, nil
}
