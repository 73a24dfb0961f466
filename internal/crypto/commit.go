// Package crypto implements commitment hashing, nonce generation and
// authenticated encryption for authorization records.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// NonceLen is the width of generated nonces in bytes.
const NonceLen = 32

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateNonce returns a fresh 32-byte random nonce.
func GenerateNonce() ([]byte, error) {
	return RandBytes(NonceLen)
}

// hashFields hashes fields in order with length prefixes, so no two distinct
// field sequences can produce the same byte stream.
func hashFields(fields ...[]byte) [32]byte {
	h := sha256.New()
	var ln [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(ln[:], uint64(len(f)))
		h.Write(ln[:])
		h.Write(f)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ComputePermissionsHash hashes a permission set order-independently: the set
// is sorted canonically before hashing, so permutations hash identically.
func ComputePermissionsHash(allowed []string) string {
	sorted := append([]string(nil), allowed...)
	sort.Strings(sorted)
	fields := make([][]byte, 0, len(sorted))
	for _, p := range sorted {
		fields = append(fields, []byte(p))
	}
	sum := hashFields(fields...)
	return hex.EncodeToString(sum[:])
}

// ComputeAgentCommitment binds an authorization record's identity fields into
// one digest. Field order is significant.
func ComputeAgentCommitment(agentPub, walletPub []byte, permissionsHash string, nonce []byte) string {
	sum := hashFields(agentPub, walletPub, []byte(permissionsHash), nonce)
	return hex.EncodeToString(sum[:])
}

// VerifyCommitment recomputes the commitment and compares in constant time.
// Equality is the sole criterion.
func VerifyCommitment(commitment string, agentPub, walletPub []byte, permissionsHash string, nonce []byte) bool {
	got := ComputeAgentCommitment(agentPub, walletPub, permissionsHash, nonce)
	return subtle.ConstantTimeCompare([]byte(got), []byte(commitment)) == 1
}
