package contractcourt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lnutils"
	"github.com/lightningnetwork/chancore/lnwallet"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
)

const (
	// justiceTxConfTarget is the number of blocks we'll use as a
	// confirmation target when crafting the justice transaction. We'll
	// choose an aggressive target so we can ensure a speedy confirmation.
	justiceTxConfTarget = 2
)

var (
	// ErrNoBreachedOutputs is returned when a revoked commitment has no
	// output we can claim, for instance because all of them are dust.
	ErrNoBreachedOutputs = errors.New("no spendable outputs on revoked " +
		"commitment")

	// ErrJusticeTxBelowFee is returned when the breached outputs can't
	// pay for their own sweep.
	ErrJusticeTxBelowFee = errors.New("breached outputs don't cover " +
		"justice tx fee")
)

// breachedOutput is an output of a revoked commitment together with what is
// needed to sweep it through the revocation path.
type breachedOutput struct {
	outpoint wire.OutPoint
	txOut    *wire.TxOut

	witnessScript []byte
	witnessSize   int

	// witnessFunc builds the witness for the revocation path.
	witnessFunc func(signer input.Signer, desc *input.SignDescriptor,
		tx *wire.MsgTx) (wire.TxWitness, error)
}

// keyRingSigner signs with keys derived from a SecretKeyRing.
type keyRingSigner struct {
	keyRing keychain.SecretKeyRing
}

// SignOutputRaw derives the key described by the sign descriptor and signs
// with it, applying any tweak.
//
// NOTE: This is part of the input.Signer interface.
func (k *keyRingSigner) SignOutputRaw(tx *wire.MsgTx,
	signDesc *input.SignDescriptor) (input.Signature, error) {

	priv, err := k.keyRing.DerivePrivKey(signDesc.KeyDesc)
	if err != nil {
		return nil, err
	}

	return input.SignWithPrivKey(priv, tx, signDesc)
}

// A compile time check to ensure keyRingSigner implements input.Signer.
var _ input.Signer = (*keyRingSigner)(nil)

// breachedOutputs locates every output of the revoked commitment that we can
// claim with the revocation key. The caller must hold the lock.
func (m *ChannelMonitor) breachedOutputs(commitTx *wire.MsgTx,
	commitHeight uint64,
	commitPoint *btcec.PublicKey) ([]breachedOutput, error) {

	// The commitment is the counterparty's, so they are the owner of the
	// derived keys.
	keys, err := lnwallet.DeriveTxCreationKeysFromChannel(
		commitPoint, &m.cfg.RemoteKeys, &m.cfg.LocalKeys,
	)
	if err != nil {
		return nil, err
	}

	commitHash := commitTx.TxHash()
	var outputs []breachedOutput

	// First, the counterparty's to_local output, which may have been
	// trimmed.
	toLocalScript, err := input.CommitScriptToSelf(
		m.cfg.RemoteToSelfDelay, keys.LocalDelayedPaymentKey,
		keys.RevocationKey,
	)
	if err != nil {
		return nil, err
	}
	toLocalPkScript, err := input.WitnessScriptHash(toLocalScript)
	if err != nil {
		return nil, err
	}
	if found, idx := input.FindScriptOutputIndex(
		commitTx, toLocalPkScript,
	); found {

		outputs = append(outputs, breachedOutput{
			outpoint:      wire.OutPoint{Hash: commitHash, Index: idx},
			txOut:         commitTx.TxOut[idx],
			witnessScript: toLocalScript,
			witnessSize:   input.ToLocalPenaltyWitnessSize,
			witnessFunc:   input.CommitSpendRevoke,
		})
	}

	// Then every HTLC output, if we know the HTLC set of this height.
	commit, ok := m.remoteCommits[commitHeight]
	if !ok || commit.Txid != commitHash {
		brarLog.Warnf("ChannelMonitor(%v): no htlc set for revoked "+
			"height %d, only sweeping to_local",
			m.cfg.FundingOutpoint, commitHeight)

		return outputs, nil
	}

	for i := range commit.HTLCs {
		htlc := &commit.HTLCs[i]
		if htlc.IsDust() {
			continue
		}

		idx := htlc.OutputIndex.UnsafeFromSome()
		if int(idx) >= len(commitTx.TxOut) {
			return nil, fmt.Errorf("htlc output %d out of range", idx)
		}

		witnessScript, err := lnwallet.HtlcRedeemScript(htlc, keys)
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(witnessScript)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(commitTx.TxOut[idx].PkScript, pkScript) {
			return nil, fmt.Errorf("htlc %d doesn't match output "+
				"%d of revoked commitment", i, idx)
		}

		// An HTLC the counterparty offered sits in a sender script on
		// their commitment.
		bo := breachedOutput{
			outpoint:      wire.OutPoint{Hash: commitHash, Index: idx},
			txOut:         commitTx.TxOut[idx],
			witnessScript: witnessScript,
		}
		if htlc.Offered {
			bo.witnessSize = input.OfferedHtlcPenaltyWitnessSize
			bo.witnessFunc = input.SenderHtlcSpendRevoke
		} else {
			bo.witnessSize = input.AcceptedHtlcPenaltyWitnessSize
			bo.witnessFunc = input.ReceiverHtlcSpendRevoke
		}
		outputs = append(outputs, bo)
	}

	return outputs, nil
}

// createJusticeTx builds and signs a transaction sweeping every claimable
// output of the revoked commitment into our sweep script. The caller must
// hold the lock.
func (m *ChannelMonitor) createJusticeTx(commitTx *wire.MsgTx,
	commitHeight uint64, secret *chainhash.Hash,
	estimator chainfee.Estimator) (*wire.MsgTx, error) {

	commitSecret, commitPoint := btcec.PrivKeyFromBytes(secret[:])

	outputs, err := m.breachedOutputs(commitTx, commitHeight, commitPoint)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, ErrNoBreachedOutputs
	}

	// We'll actually attempt to target inclusion within the next two
	// blocks as we'd like to sweep these funds back into our wallet ASAP.
	feePerKw, err := estimator.EstimateFeePerKW(justiceTxConfTarget)
	if err != nil {
		return nil, err
	}

	var (
		weightEstimate input.TxWeightEstimator
		totalAmt       btcutil.Amount
	)
	weightEstimate.AddOutput(m.cfg.SweepScript)
	for _, bo := range outputs {
		weightEstimate.AddWitnessInput(bo.witnessSize)
		totalAmt += btcutil.Amount(bo.txOut.Value)
	}

	txFee := feePerKw.FeeForWeight(weightEstimate.Weight())
	if totalAmt <= txFee {
		return nil, fmt.Errorf("%w: total=%v, fee=%v",
			ErrJusticeTxBelowFee, totalAmt, txFee)
	}

	// With the fee calculated, we can now create the transaction using
	// the information gathered above.
	justiceTx := wire.NewMsgTx(2)
	justiceTx.AddTxOut(&wire.TxOut{
		PkScript: m.cfg.SweepScript,
		Value:    int64(totalAmt - txFee),
	})

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(outputs))
	for _, bo := range outputs {
		justiceTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: bo.outpoint,
		})
		prevOuts[bo.outpoint] = bo.txOut
	}

	// Before signing the transaction, check to ensure that it meets some
	// basic validity requirements.
	btx := btcutil.NewTx(justiceTx)
	if err := blockchain.CheckTransactionSanity(btx); err != nil {
		return nil, err
	}

	// Create a sighash cache to improve the performance of hashing and
	// signing SigHashAll inputs.
	prevOutputFetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	hashCache := txscript.NewTxSigHashes(justiceTx, prevOutputFetcher)

	signer := &keyRingSigner{keyRing: m.cfg.KeyRing}
	for i, bo := range outputs {
		signDesc := &input.SignDescriptor{
			KeyDesc:           m.cfg.RevocationBase,
			DoubleTweak:       commitSecret,
			WitnessScript:     bo.witnessScript,
			Output:            bo.txOut,
			HashType:          txscript.SigHashAll,
			SigHashes:         hashCache,
			PrevOutputFetcher: prevOutputFetcher,
			InputIndex:        i,
		}

		witness, err := bo.witnessFunc(signer, signDesc, justiceTx)
		if err != nil {
			return nil, fmt.Errorf("unable to sign breached "+
				"output %v: %w", bo.outpoint, err)
		}
		justiceTx.TxIn[i].Witness = witness
	}

	brarLog.Debugf("ChannelMonitor(%v): created justice tx %v sweeping "+
		"%v with fee %v: %v", m.cfg.FundingOutpoint,
		justiceTx.TxHash(), totalAmt, txFee,
		lnutils.SpewLogClosure(justiceTx))

	return justiceTx, nil
}
