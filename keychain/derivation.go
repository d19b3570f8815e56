package keychain

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	// BIP0043Purpose is the "purpose" value that we'll use for the first
	// version of our HD key chain. All keys are derived under the path:
	//
	//   - m/1017'/coinType'/keyFamily'/0/index
	BIP0043Purpose = 1017

	// CoinTypeBitcoin specifies the BIP44 coin type for Bitcoin key
	// derivation.
	CoinTypeBitcoin uint32 = 0

	// CoinTypeTestnet specifies the BIP44 coin type for all testnet key
	// derivation.
	CoinTypeTestnet uint32 = 1
)

// KeyFamily represents a "family" of keys that will be used within various
// contracts created by a channel. Each family is an account in BIP43 terms,
// so keys of one family never collide with another's.
type KeyFamily uint32

const (
	// KeyFamilyMultiSig are keys to be used within multi-sig scripts.
	KeyFamilyMultiSig KeyFamily = 0

	// KeyFamilyRevocationBase are keys that are used within channels to
	// create revocation basepoints that the remote party will use to
	// create revocation keys for us.
	KeyFamilyRevocationBase KeyFamily = 1

	// KeyFamilyHtlcBase are keys used within channels that will be
	// combined with per-state randomness to produce public keys that will
	// be used in HTLC scripts.
	KeyFamilyHtlcBase KeyFamily = 2

	// KeyFamilyPaymentBase are keys used within channels that will be
	// combined with per-state randomness to produce public keys that will
	// be used in scripts that pay directly to us without any delay.
	KeyFamilyPaymentBase KeyFamily = 3

	// KeyFamilyDelayBase are keys used within channels that will be
	// combined with per-state randomness to produce public keys that will
	// be used in scripts that pay to us, but require a CSV delay before we
	// can sweep the funds.
	KeyFamilyDelayBase KeyFamily = 4

	// KeyFamilyRevocationRoot is a family of keys which will be used to
	// derive the root of a revocation tree for a particular channel.
	KeyFamilyRevocationRoot KeyFamily = 5

	// KeyFamilyNodeKey is a family of keys that will be used to derive
	// keys that will be advertised on the network to represent our
	// current "identity" within the network.
	KeyFamilyNodeKey KeyFamily = 6

	// KeyFamilyInboundPayment is the family the inbound payment key
	// material is derived from. Only index 0 is used.
	KeyFamilyInboundPayment KeyFamily = 7
)

// ChannelKeyFamilies are the families making up the static basepoints of a
// single channel, in the order they are derived.
var ChannelKeyFamilies = []KeyFamily{
	KeyFamilyMultiSig,
	KeyFamilyRevocationBase,
	KeyFamilyHtlcBase,
	KeyFamilyPaymentBase,
	KeyFamilyDelayBase,
	KeyFamilyRevocationRoot,
}

// String returns a short human readable name for the family.
func (f KeyFamily) String() string {
	switch f {
	case KeyFamilyMultiSig:
		return "multisig"
	case KeyFamilyRevocationBase:
		return "revocation_base"
	case KeyFamilyHtlcBase:
		return "htlc_base"
	case KeyFamilyPaymentBase:
		return "payment_base"
	case KeyFamilyDelayBase:
		return "delay_base"
	case KeyFamilyRevocationRoot:
		return "revocation_root"
	case KeyFamilyNodeKey:
		return "node_key"
	case KeyFamilyInboundPayment:
		return "inbound_payment"
	default:
		return "unknown"
	}
}

// KeyLocator is a two-tuple that can be used to derive *any* key that has ever
// been used under the key derivation mechanisms described in this file.
// Within a channel, the index is the channel's key index, so all basepoints of
// one channel share it.
type KeyLocator struct {
	// Family is the family of key being identified.
	Family KeyFamily

	// Index is the precise index of the key being identified.
	Index uint32
}

// IsEmpty returns true if a KeyLocator is "empty". This may be the case where
// we learn of a key from a remote party for a contract, but don't know the
// precise details of its derivation (as we don't know the private key!).
func (k KeyLocator) IsEmpty() bool {
	return k.Family == 0 && k.Index == 0
}

// KeyDescriptor wraps a KeyLocator and also optionally includes a public key.
// Either the KeyLocator must be non-empty, or the public key pointer be
// non-nil. This will be used by the KeyRing interface to lookup arbitrary
// private keys, and also within the SignDescriptor struct to locate precisely
// which keys should be used for signing.
type KeyDescriptor struct {
	// KeyLocator is the internal KeyLocator of the descriptor.
	KeyLocator

	// PubKey is an optional public key that fully describes a target key.
	// If this is nil, the KeyLocator MUST NOT be empty.
	PubKey *btcec.PublicKey
}

// KeyRing is the primary interface that will be used to perform public
// derivation of various keys used within the peer-to-peer network, and also
// within any created contracts.
type KeyRing interface {
	// DeriveNextKey attempts to derive the *next* key within the key
	// family (account in BIP43) specified.
	DeriveNextKey(keyFam KeyFamily) (KeyDescriptor, error)

	// DeriveKey attempts to derive an arbitrary key specified by the
	// passed KeyLocator.
	DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error)
}

// SecretKeyRing is a ring similar to the regular KeyRing interface, but it is
// also able to derive *private keys*.
type SecretKeyRing interface {
	KeyRing

	// DerivePrivKey attempts to derive the private key that corresponds to
	// the passed key descriptor. If only the public key is set, the
	// KeyFamily MUST be set as well so the ring can scan for it.
	DerivePrivKey(keyDesc KeyDescriptor) (*btcec.PrivateKey, error)
}
