package perps

import (
	"crypto/ed25519"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/sha3"
)

// OrderDigest returns the Keccak-256 digest an order is signed over. All
// numeric fields enter as their raw 64.64 decimal strings so the digest is
// stable across encodings.
func OrderDigest(o *Order) [32]byte {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], o.PerpID)
	h.Write(buf[:4])
	h.Write([]byte(o.Trader))
	h.Write([]byte{0})
	h.Write([]byte(o.Amount.String()))
	h.Write([]byte{0})
	h.Write([]byte(o.LimitPrice.String()))
	h.Write([]byte{0})
	h.Write([]byte(o.TriggerPrice.String()))
	h.Write([]byte{0})
	h.Write([]byte(o.Referrer))
	h.Write([]byte{0})
	binary.BigEndian.PutUint64(buf[:], uint64(o.Deadline))
	h.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:4], o.Flags)
	h.Write(buf[:4])
	binary.BigEndian.PutUint64(buf[:], uint64(o.CreatedAt))
	h.Write(buf[:])

	var digest [32]byte
	h.Sum(digest[:0])
	return digest
}

// Ed25519Verifier authenticates orders with registered ed25519 keys and
// tracks the executed/canceled lifecycle of each order digest.
type Ed25519Verifier struct {
	mu       sync.RWMutex
	keys     map[string]ed25519.PublicKey
	executed map[[32]byte]bool
	canceled map[[32]byte]bool
}

// NewEd25519Verifier returns an empty verifier.
func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{
		keys:     make(map[string]ed25519.PublicKey),
		executed: make(map[[32]byte]bool),
		canceled: make(map[[32]byte]bool),
	}
}

// RegisterKey binds a trader address to its signing key.
func (v *Ed25519Verifier) RegisterKey(trader string, key ed25519.PublicKey) {
	v.mu.Lock()
	v.keys[trader] = key
	v.mu.Unlock()
}

// Verify checks the signature over the order digest and returns the signer
// address.
func (v *Ed25519Verifier) Verify(o *Order, sig []byte) (string, error) {
	v.mu.RLock()
	key, ok := v.keys[o.Trader]
	v.mu.RUnlock()
	if !ok || len(sig) != ed25519.SignatureSize {
		return "", ErrBadSignature
	}
	digest := OrderDigest(o)
	if !ed25519.Verify(key, digest[:], sig) {
		return "", ErrBadSignature
	}
	return o.Trader, nil
}

// IsExecuted reports whether the digest has been consumed.
func (v *Ed25519Verifier) IsExecuted(digest [32]byte) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.executed[digest]
}

// IsCanceled reports whether the digest has been canceled.
func (v *Ed25519Verifier) IsCanceled(digest [32]byte) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.canceled[digest]
}

// MarkExecuted consumes the digest.
func (v *Ed25519Verifier) MarkExecuted(digest [32]byte) {
	v.mu.Lock()
	v.executed[digest] = true
	v.mu.Unlock()
}

// Cancel voids an unexecuted order digest.
func (v *Ed25519Verifier) Cancel(digest [32]byte) {
	v.mu.Lock()
	v.canceled[digest] = true
	v.mu.Unlock()
}
