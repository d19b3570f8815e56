package keychain

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MaxKeyRangeScan is the maximum number of keys that DerivePrivKey will scan
// when it is handed a bare public key.
const MaxKeyRangeScan = 100000

var (
	// ErrCannotDerivePrivKey is returned when DerivePrivKey is unable to
	// derive a private key given only the public key and target key
	// family.
	ErrCannotDerivePrivKey = errors.New("unable to derive private key")
)

// KeysManager is a SecretKeyRing backed by a BIP32 master key created from a
// seed. Every key lives at m/1017'/coinType'/family'/0/index.
type KeysManager struct {
	coinType uint32

	// branches caches the m/1017'/coinType'/family'/0 extended keys.
	branches map[KeyFamily]*hdkeychain.ExtendedKey

	// nextIndex tracks DeriveNextKey per family.
	nextIndex map[KeyFamily]uint32

	root *hdkeychain.ExtendedKey

	mu sync.Mutex
}

// A compile time check to ensure KeysManager implements SecretKeyRing.
var _ SecretKeyRing = (*KeysManager)(nil)

// NewKeysManager creates a key ring from the given seed. The coin type is
// taken from the network parameters.
func NewKeysManager(seed []byte, net *chaincfg.Params) (*KeysManager,
	error) {

	root, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("unable to create master key: %w", err)
	}

	return &KeysManager{
		coinType:  net.HDCoinType,
		branches:  make(map[KeyFamily]*hdkeychain.ExtendedKey),
		nextIndex: make(map[KeyFamily]uint32),
		root:      root,
	}, nil
}

// branch returns the external branch of the given family, deriving and caching
// it on first use. The caller must hold the mutex.
func (k *KeysManager) branch(fam KeyFamily) (*hdkeychain.ExtendedKey, error) {
	if b, ok := k.branches[fam]; ok {
		return b, nil
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + BIP0043Purpose,
		hdkeychain.HardenedKeyStart + k.coinType,
		hdkeychain.HardenedKeyStart + uint32(fam),
		0,
	}

	key := k.root
	for _, i := range path {
		var err error
		key, err = key.Derive(i)
		if err != nil {
			return nil, err
		}
	}

	k.branches[fam] = key

	return key, nil
}

func (k *KeysManager) derivePriv(loc KeyLocator) (*btcec.PrivateKey, error) {
	branch, err := k.branch(loc.Family)
	if err != nil {
		return nil, err
	}

	child, err := branch.Derive(loc.Index)
	if err != nil {
		return nil, err
	}

	return child.ECPrivKey()
}

// DeriveNextKey derives the next unused key of the family.
//
// NOTE: This is part of the KeyRing interface.
func (k *KeysManager) DeriveNextKey(keyFam KeyFamily) (KeyDescriptor, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	loc := KeyLocator{Family: keyFam, Index: k.nextIndex[keyFam]}

	priv, err := k.derivePriv(loc)
	if err != nil {
		return KeyDescriptor{}, err
	}
	k.nextIndex[keyFam]++

	return KeyDescriptor{KeyLocator: loc, PubKey: priv.PubKey()}, nil
}

// DeriveKey derives the public key at the given locator.
//
// NOTE: This is part of the KeyRing interface.
func (k *KeysManager) DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	priv, err := k.derivePriv(keyLoc)
	if err != nil {
		return KeyDescriptor{}, err
	}

	return KeyDescriptor{KeyLocator: keyLoc, PubKey: priv.PubKey()}, nil
}

// DerivePrivKey derives the private key for the descriptor. If the locator is
// empty but a public key and family are set, the family's first
// MaxKeyRangeScan keys are scanned for a match.
//
// NOTE: This is part of the SecretKeyRing interface.
func (k *KeysManager) DerivePrivKey(
	keyDesc KeyDescriptor) (*btcec.PrivateKey, error) {

	k.mu.Lock()
	defer k.mu.Unlock()

	if keyDesc.PubKey == nil || keyDesc.Index != 0 {
		priv, err := k.derivePriv(keyDesc.KeyLocator)
		if err != nil {
			return nil, err
		}

		if keyDesc.PubKey != nil &&
			!priv.PubKey().IsEqual(keyDesc.PubKey) {

			return nil, fmt.Errorf("%w: locator %v/%v does not "+
				"match pubkey", ErrCannotDerivePrivKey,
				keyDesc.Family, keyDesc.Index)
		}

		return priv, nil
	}

	for i := uint32(0); i < MaxKeyRangeScan; i++ {
		loc := KeyLocator{Family: keyDesc.Family, Index: i}
		priv, err := k.derivePriv(loc)
		if errors.Is(err, hdkeychain.ErrInvalidChild) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if priv.PubKey().IsEqual(keyDesc.PubKey) {
			log.Debugf("Found key for family=%v at index %d after "+
				"scan", keyDesc.Family, i)

			return priv, nil
		}
	}

	return nil, ErrCannotDerivePrivKey
}

// ChannelBasepoints are the static keys a channel commits to for its
// lifetime, all derived at the same index.
type ChannelBasepoints struct {
	MultiSigKey         KeyDescriptor
	RevocationBasePoint KeyDescriptor
	HtlcBasePoint       KeyDescriptor
	PaymentBasePoint    KeyDescriptor
	DelayBasePoint      KeyDescriptor
}

// DeriveChannelBasepoints derives the basepoints of the channel with the
// given key index.
func (k *KeysManager) DeriveChannelBasepoints(
	index uint32) (*ChannelBasepoints, error) {

	derive := func(fam KeyFamily) (KeyDescriptor, error) {
		return k.DeriveKey(KeyLocator{Family: fam, Index: index})
	}

	var (
		bp  ChannelBasepoints
		err error
	)
	if bp.MultiSigKey, err = derive(KeyFamilyMultiSig); err != nil {
		return nil, err
	}
	if bp.RevocationBasePoint, err = derive(
		KeyFamilyRevocationBase,
	); err != nil {
		return nil, err
	}
	if bp.HtlcBasePoint, err = derive(KeyFamilyHtlcBase); err != nil {
		return nil, err
	}
	if bp.PaymentBasePoint, err = derive(KeyFamilyPaymentBase); err != nil {
		return nil, err
	}
	if bp.DelayBasePoint, err = derive(KeyFamilyDelayBase); err != nil {
		return nil, err
	}

	log.Debugf("Derived basepoints for channel key index %d", index)

	return &bp, nil
}

// RevocationRoot returns the shachain root of the channel with the given key
// index: the sha256 of the revocation root private key.
func (k *KeysManager) RevocationRoot(index uint32) (chainhash.Hash, error) {
	priv, err := k.DerivePrivKey(KeyDescriptor{
		KeyLocator: KeyLocator{
			Family: KeyFamilyRevocationRoot,
			Index:  index,
		},
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	return sha256.Sum256(priv.Serialize()), nil
}

// InboundPaymentKeyMaterial returns the 32 bytes the inbound payment keys are
// expanded from.
func (k *KeysManager) InboundPaymentKeyMaterial() ([32]byte, error) {
	priv, err := k.DerivePrivKey(KeyDescriptor{
		KeyLocator: KeyLocator{Family: KeyFamilyInboundPayment},
	})
	if err != nil {
		return [32]byte{}, err
	}

	var material [32]byte
	copy(material[:], priv.Serialize())

	return material, nil
}
