package ledger

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// LocalSigner signs with an in-memory ed25519 keypair. Used for the pool
// authority; user-facing signing goes through external signer implementations.
type LocalSigner struct {
	priv ed25519.PrivateKey
	addr string
}

// NewLocalSigner builds a signer from a 32-byte seed.
func NewLocalSigner(seed []byte) (*LocalSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &LocalSigner{priv: priv, addr: hex.EncodeToString(pub)}, nil
}

// PublicAddress returns the hex-encoded public key.
func (s *LocalSigner) PublicAddress() string { return s.addr }

// Sign serializes the transaction canonically and signs it.
func (s *LocalSigner) Sign(tx *Transaction) (*SignedTransaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("signer: nil transaction")
	}
	msg := encodeTx(tx)
	sig := ed25519.Sign(s.priv, msg)
	return &SignedTransaction{
		Tx:        tx,
		PubKey:    append([]byte(nil), s.priv.Public().(ed25519.PublicKey)...),
		Signature: sig,
		Sig:       hex.EncodeToString(sig),
	}, nil
}

// encodeTx produces a canonical length-prefixed serialization of the
// transaction. Two distinct transactions never encode to the same bytes.
func encodeTx(tx *Transaction) []byte {
	var out []byte
	out = appendField(out, []byte(tx.FeePayer))
	out = appendField(out, []byte(tx.SequencePoint))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(tx.Instructions)))
	out = append(out, n[:]...)
	for _, in := range tx.Instructions {
		switch v := in.(type) {
		case NativeTransfer:
			out = append(out, 0x01)
			out = appendField(out, []byte(v.From))
			out = appendField(out, []byte(v.To))
			out = appendUint(out, v.Amount)
		case TokenTransfer:
			out = append(out, 0x02)
			out = appendField(out, []byte(v.From))
			out = appendField(out, []byte(v.To))
			out = appendField(out, []byte(v.Mint))
			out = appendUint(out, v.Amount)
		case CreateTokenAccount:
			out = append(out, 0x03)
			out = appendField(out, []byte(v.Payer))
			out = appendField(out, []byte(v.Owner))
			out = appendField(out, []byte(v.Mint))
		}
	}
	return out
}

func appendField(dst, f []byte) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(f)))
	dst = append(dst, n[:]...)
	return append(dst, f...)
}

func appendUint(dst []byte, v uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	return append(dst, n[:]...)
}

// Verify checks a signed transaction's signature against its payload.
func Verify(signed *SignedTransaction) bool {
	if signed == nil || signed.Tx == nil || len(signed.PubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signed.PubKey), encodeTx(signed.Tx), signed.Signature)
}
