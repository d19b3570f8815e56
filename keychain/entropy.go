package keychain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// EntropySource provides the randomness used for nonces and payment IVs.
// Implementations must be safe for concurrent use.
type EntropySource interface {
	// GetSecureRandomBytes returns 32 bytes that are unpredictable to any
	// other party.
	GetSecureRandomBytes() [32]byte
}

// CryptoEntropy draws from the operating system's CSPRNG.
type CryptoEntropy struct{}

// A compile time check to ensure CryptoEntropy implements EntropySource.
var _ EntropySource = CryptoEntropy{}

// GetSecureRandomBytes returns 32 bytes from crypto/rand. A failing system
// CSPRNG is not recoverable, so it panics.
func (CryptoEntropy) GetSecureRandomBytes() [32]byte {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}

	return b
}

// DeterministicEntropy yields sha256(seed || counter) for an incrementing
// big-endian counter. It exists for tests and offline tooling and must never
// back a live node.
type DeterministicEntropy struct {
	mu      sync.Mutex
	seed    [32]byte
	counter uint64
}

// A compile time check to ensure DeterministicEntropy implements
// EntropySource.
var _ EntropySource = (*DeterministicEntropy)(nil)

// NewDeterministicEntropy creates a source seeded with seed.
func NewDeterministicEntropy(seed [32]byte) *DeterministicEntropy {
	return &DeterministicEntropy{seed: seed}
}

// GetSecureRandomBytes returns the next value in the sequence.
func (d *DeterministicEntropy) GetSecureRandomBytes() [32]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf [40]byte
	copy(buf[:32], d.seed[:])
	binary.BigEndian.PutUint64(buf[32:], d.counter)
	d.counter++

	return sha256.Sum256(buf[:])
}
