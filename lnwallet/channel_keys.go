package lnwallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/chancore/input"
)

// ErrMissingBasepoint is returned when a channel key set is missing one of
// its five points.
var ErrMissingBasepoint = errors.New("missing channel basepoint")

// ChannelPublicKeys is the set of static public points one side of a channel
// commits to at open. They are never regenerated for the lifetime of the
// channel.
type ChannelPublicKeys struct {
	// FundingKey is the key placed in the 2-of-2 funding output.
	FundingKey *btcec.PublicKey

	// RevocationBasePoint is combined with the counterparty's commitment
	// point to form the revocation key on the counterparty's commitment.
	RevocationBasePoint *btcec.PublicKey

	// PaymentPoint is used untweaked for the to_remote output paying this
	// side.
	PaymentPoint *btcec.PublicKey

	// DelayedPaymentBasePoint is tweaked into the CSV delayed key of this
	// side's to_local output.
	DelayedPaymentBasePoint *btcec.PublicKey

	// HtlcBasePoint is tweaked into this side's HTLC keys.
	HtlcBasePoint *btcec.PublicKey
}

// Validate ensures that all five points are present.
func (c *ChannelPublicKeys) Validate() error {
	points := []struct {
		name  string
		point *btcec.PublicKey
	}{
		{"funding key", c.FundingKey},
		{"revocation basepoint", c.RevocationBasePoint},
		{"payment point", c.PaymentPoint},
		{"delayed payment basepoint", c.DelayedPaymentBasePoint},
		{"htlc basepoint", c.HtlcBasePoint},
	}
	for _, p := range points {
		if p.point == nil {
			return fmt.Errorf("%w: %v", ErrMissingBasepoint, p.name)
		}
	}

	return nil
}

// TxCreationKeys holds the keys needed to build one commitment transaction,
// and its second-level HTLC transactions, at a given height. "Local" refers
// to the owner of the commitment transaction being built.
type TxCreationKeys struct {
	// PerCommitmentPoint is the owner's commitment point at this height.
	PerCommitmentPoint *btcec.PublicKey

	// RevocationKey can be signed for by the counterparty once the owner
	// reveals the commitment secret for this height.
	RevocationKey *btcec.PublicKey

	// LocalHtlcKey is the owner's HTLC key.
	LocalHtlcKey *btcec.PublicKey

	// RemoteHtlcKey is the counterparty's HTLC key.
	RemoteHtlcKey *btcec.PublicKey

	// LocalDelayedPaymentKey is the owner's key in the to_local output and
	// in second-level HTLC outputs.
	LocalDelayedPaymentKey *btcec.PublicKey
}

// DeriveTxCreationKeys derives the working keys for a commitment transaction
// from the owner's commitment point and the basepoints of both sides. The
// revocation key is built from the counterparty's revocation basepoint since
// it is the counterparty that will be able to punish a revoked state.
func DeriveTxCreationKeys(perCommitPoint, localDelayBase, localHtlcBase,
	remoteRevocationBase, remoteHtlcBase *btcec.PublicKey) (*TxCreationKeys,
	error) {

	localHtlcKey, err := input.DerivePublicKey(localHtlcBase, perCommitPoint)
	if err != nil {
		return nil, fmt.Errorf("local htlc key: %w", err)
	}
	remoteHtlcKey, err := input.DerivePublicKey(
		remoteHtlcBase, perCommitPoint,
	)
	if err != nil {
		return nil, fmt.Errorf("remote htlc key: %w", err)
	}
	delayKey, err := input.DerivePublicKey(localDelayBase, perCommitPoint)
	if err != nil {
		return nil, fmt.Errorf("delayed payment key: %w", err)
	}

	revocationKey := input.DeriveRevocationPubkey(
		remoteRevocationBase, perCommitPoint,
	)
	if revocationKey == nil {
		return nil, fmt.Errorf("revocation key: %w",
			input.ErrPointAtInfinity)
	}

	return &TxCreationKeys{
		PerCommitmentPoint:     perCommitPoint,
		RevocationKey:          revocationKey,
		LocalHtlcKey:           localHtlcKey,
		RemoteHtlcKey:          remoteHtlcKey,
		LocalDelayedPaymentKey: delayKey,
	}, nil
}

// DeriveTxCreationKeysFromChannel is DeriveTxCreationKeys with the basepoints
// taken from the owner's and counterparty's key sets.
func DeriveTxCreationKeysFromChannel(perCommitPoint *btcec.PublicKey,
	owner, counterparty *ChannelPublicKeys) (*TxCreationKeys, error) {

	return DeriveTxCreationKeys(
		perCommitPoint, owner.DelayedPaymentBasePoint,
		owner.HtlcBasePoint, counterparty.RevocationBasePoint,
		counterparty.HtlcBasePoint,
	)
}

// Equal returns true if both key sets hold the same points.
func (k *TxCreationKeys) Equal(o *TxCreationKeys) bool {
	return k.PerCommitmentPoint.IsEqual(o.PerCommitmentPoint) &&
		k.RevocationKey.IsEqual(o.RevocationKey) &&
		k.LocalHtlcKey.IsEqual(o.LocalHtlcKey) &&
		k.RemoteHtlcKey.IsEqual(o.RemoteHtlcKey) &&
		k.LocalDelayedPaymentKey.IsEqual(o.LocalDelayedPaymentKey)
}

// PreCalculatedTxCreationKeys wraps a set of TxCreationKeys that were handed
// to us already derived, for instance by the channel state machine.
type PreCalculatedTxCreationKeys struct {
	keys TxCreationKeys
}

// NewPreCalculatedTxCreationKeys wraps the passed keys.
func NewPreCalculatedTxCreationKeys(
	keys *TxCreationKeys) *PreCalculatedTxCreationKeys {

	return &PreCalculatedTxCreationKeys{keys: *keys}
}

// TrustKeyDerivation returns the wrapped keys without checking that they
// were derived from the channel's basepoints.
func (p *PreCalculatedTxCreationKeys) TrustKeyDerivation() *TxCreationKeys {
	keys := p.keys
	return &keys
}

// PerCommitmentPoint returns the commitment point the keys were derived
// with. It is safe to use without trusting the remaining keys since a
// verifier re-derives everything else from it.
func (p *PreCalculatedTxCreationKeys) PerCommitmentPoint() *btcec.PublicKey {
	return p.keys.PerCommitmentPoint
}

// VerifyDerivation re-derives the keys from the passed basepoints and the
// wrapped commitment point, and only returns them if they match.
func (p *PreCalculatedTxCreationKeys) VerifyDerivation(owner,
	counterparty *ChannelPublicKeys) (*TxCreationKeys, error) {

	derived, err := DeriveTxCreationKeysFromChannel(
		p.keys.PerCommitmentPoint, owner, counterparty,
	)
	if err != nil {
		return nil, err
	}

	if !derived.Equal(&p.keys) {
		return nil, fmt.Errorf("tx creation keys don't match " +
			"channel basepoints")
	}

	return derived, nil
}
