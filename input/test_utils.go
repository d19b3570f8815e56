package input

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// MockSigner is a simple implementation of the Signer interface. Each one has
// a set of private keys in a slice and can sign messages using the appropriate
// one.
type MockSigner struct {
	Privkeys []*btcec.PrivateKey

	mu    sync.Mutex
	calls int
}

// A compile time check to ensure MockSigner implements Signer.
var _ Signer = (*MockSigner)(nil)

// NewMockSigner returns a mock signer holding the given keys.
func NewMockSigner(privKeys ...*btcec.PrivateKey) *MockSigner {
	return &MockSigner{Privkeys: privKeys}
}

// SignOutputRaw generates a signature for the passed transaction according to
// the data within the passed SignDescriptor.
func (m *MockSigner) SignOutputRaw(tx *wire.MsgTx,
	signDesc *SignDescriptor) (Signature, error) {

	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	pubkey := signDesc.KeyDesc.PubKey
	if pubkey == nil {
		return nil, fmt.Errorf("mock signer needs a pubkey")
	}

	// The private key we look for is the untweaked one, the tweak is
	// applied by SignWithPrivKey.
	hash160 := btcutil.Hash160(pubkey.SerializeCompressed())
	privKey := m.findKey(hash160)
	if privKey == nil {
		return nil, fmt.Errorf("mock signer does not have key")
	}

	return SignWithPrivKey(privKey, tx, signDesc)
}

// Calls returns how many signatures were requested.
func (m *MockSigner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// findKey searches through all stored private keys and returns one
// corresponding to the hashed pubkey if it can be found.
func (m *MockSigner) findKey(needleHash160 []byte) *btcec.PrivateKey {
	for _, privkey := range m.Privkeys {
		hash160 := btcutil.Hash160(privkey.PubKey().SerializeCompressed())
		if bytes.Equal(hash160, needleHash160) {
			return privkey
		}
	}

	return nil
}
