package chansigner

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/lnwallet"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrCommitmentNumberViolation is the panic value of an EnforcingSigner asked
// to sign a remote commitment that neither repeats nor directly follows the
// last one it signed. Signing such a commitment could let the counterparty
// broadcast a state we already revoked, so the process must stop.
var ErrCommitmentNumberViolation = errors.New("remote commitment number " +
	"violation")

// EnforcingSigner wraps a ChannelSigner and refuses, by panicking, to sign a
// remote commitment whose number is not the last one signed or the one after
// it. The obscuring factor is learned from the first commitment signed.
type EnforcingSigner struct {
	inner ChannelSigner

	mu                   sync.Mutex
	obscureFactor        fn.Option[uint64]
	lastCommitmentNumber uint64
}

// A compile time check to ensure EnforcingSigner implements ChannelSigner.
var _ ChannelSigner = (*EnforcingSigner)(nil)

// NewEnforcingSigner wraps the passed signer.
func NewEnforcingSigner(inner ChannelSigner) *EnforcingSigner {
	return &EnforcingSigner{
		inner:         inner,
		obscureFactor: fn.None[uint64](),
	}
}

// LastCommitmentNumber returns the highest remote commitment number signed.
func (e *EnforcingSigner) LastCommitmentNumber() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastCommitmentNumber
}

// PubKeys returns the public basepoints of the wrapped signer.
func (e *EnforcingSigner) PubKeys() *lnwallet.ChannelPublicKeys {
	return e.inner.PubKeys()
}

// SignRemoteCommitment checks the commitment number of commitTx before
// delegating.
//
// NOTE: This panics with ErrCommitmentNumberViolation if the number is
// neither the last one nor the one after it.
func (e *EnforcingSigner) SignRemoteCommitment(commitTx *wire.MsgTx,
	fundingScript []byte, value btcutil.Amount,
	keys *lnwallet.TxCreationKeys, feePerKw chainfee.SatPerKWeight,
	htlcs []lnwallet.HTLCOutputInCommitment) (input.Signature,
	[]fn.Option[input.Signature], error) {

	if len(commitTx.TxIn) != 1 {
		return nil, nil, fmt.Errorf("commitment tx must have exactly "+
			"1 input, instead has %d", len(commitTx.TxIn))
	}

	obscured := lnwallet.ObscuredCommitmentNumber(commitTx)

	// Checking, advancing and signing all happen under the same lock so
	// two concurrent requests can't both pass the check.
	e.mu.Lock()
	defer e.mu.Unlock()

	factor := e.obscureFactor.UnwrapOrFunc(func() uint64 {
		f := obscured ^ e.lastCommitmentNumber
		e.obscureFactor = fn.Some(f)

		return f
	})

	commitNum := obscured ^ factor
	last := e.lastCommitmentNumber
	if commitNum != last && commitNum != last+1 {
		log.Criticalf("Refusing to sign remote commitment %d, last "+
			"signed %d", commitNum, last)

		panic(fmt.Errorf("%w: last=%d, requested=%d",
			ErrCommitmentNumberViolation, last, commitNum))
	}

	e.lastCommitmentNumber = max(last, commitNum)

	log.Tracef("Signing remote commitment %d", commitNum)

	return e.inner.SignRemoteCommitment(
		commitTx, fundingScript, value, keys, feePerKw, htlcs,
	)
}

// SignClosingTransaction delegates to the wrapped signer.
func (e *EnforcingSigner) SignClosingTransaction(closingTx *wire.MsgTx,
	fundingScript []byte, value btcutil.Amount) (input.Signature, error) {

	return e.inner.SignClosingTransaction(closingTx, fundingScript, value)
}

// SignChannelAnnouncement delegates to the wrapped signer.
func (e *EnforcingSigner) SignChannelAnnouncement(
	msg *lnwire.UnsignedChannelAnnouncement) (input.Signature, error) {

	return e.inner.SignChannelAnnouncement(msg)
}
