package lnwallet

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/lntypes"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrBelowChanReserve is returned when the commitment fee cannot be paid out
// of the initiator's balance.
var ErrBelowChanReserve = errors.New("initiator balance can't cover " +
	"commitment fee")

// HTLCOutputInCommitment describes an HTLC as it appears in one particular
// commitment transaction.
type HTLCOutputInCommitment struct {
	// Offered is true if the owner of the commitment transaction offered
	// this HTLC, and false if it was received.
	Offered bool

	// Amount is the value of the HTLC.
	Amount lnwire.MilliSatoshi

	// CltvExpiry is the absolute block height after which the offerer can
	// time the HTLC out.
	CltvExpiry uint32

	// PaymentHash is the hash the receiver must reveal the preimage of.
	PaymentHash lntypes.Hash

	// OutputIndex is the index of the HTLC output within the commitment
	// transaction. It is None if the HTLC was trimmed as dust.
	OutputIndex fn.Option[uint32]
}

// IsDust returns true if the HTLC has no output of its own.
func (h *HTLCOutputInCommitment) IsDust() bool {
	return h.OutputIndex.IsNone()
}

// Equal returns true if both HTLCs describe the same output.
func (h *HTLCOutputInCommitment) Equal(o *HTLCOutputInCommitment) bool {
	return h.Offered == o.Offered && h.Amount == o.Amount &&
		h.CltvExpiry == o.CltvExpiry &&
		h.PaymentHash == o.PaymentHash &&
		h.OutputIndex == o.OutputIndex
}

// HtlcRedeemScript returns the witness script of the HTLC output on the
// commitment transaction the keys were derived for. Offered HTLCs use the
// sender script with the owner's key as sender, received HTLCs use the
// receiver script with the counterparty as sender.
func HtlcRedeemScript(htlc *HTLCOutputInCommitment,
	keys *TxCreationKeys) ([]byte, error) {

	if htlc.Offered {
		return input.SenderHTLCScript(
			keys.LocalHtlcKey, keys.RemoteHtlcKey,
			keys.RevocationKey, htlc.PaymentHash[:],
		)
	}

	return input.ReceiverHTLCScript(
		htlc.CltvExpiry, keys.RemoteHtlcKey, keys.LocalHtlcKey,
		keys.RevocationKey, htlc.PaymentHash[:],
	)
}

// CommitmentBuilder creates commitment transactions for one side of a
// channel. The same builder is used for every height; only the keys,
// balances and HTLCs change.
type CommitmentBuilder struct {
	// FundingOutpoint is the 2-of-2 output every commitment spends.
	FundingOutpoint wire.OutPoint

	// Obfuscator hides the commitment height in the locktime and
	// sequence.
	Obfuscator [StateHintSize]byte

	// DustLimit is the dust limit of the commitment owner. Outputs below
	// it are trimmed to fees.
	DustLimit btcutil.Amount

	// ToSelfDelay is the CSV delay the counterparty imposed on the
	// owner's to_local output.
	ToSelfDelay uint32

	// OwnerIsInitiator is true if the owner of the commitment funded the
	// channel, and therefore pays the commitment fee.
	OwnerIsInitiator bool
}

// CommitmentTx is the result of building a commitment transaction.
type CommitmentTx struct {
	// Tx is the unsigned commitment transaction.
	Tx *wire.MsgTx

	// HTLCs mirrors the HTLCs passed in, in the same order, with their
	// output index filled in. Dust HTLCs are kept with a None index.
	HTLCs []HTLCOutputInCommitment

	// Fee is the commitment fee, not counting trimmed dust.
	Fee btcutil.Amount

	// ToLocalIndex is the index of the to_local output, if present.
	ToLocalIndex fn.Option[uint32]

	// ToRemoteIndex is the index of the to_remote output, if present.
	ToRemoteIndex fn.Option[uint32]
}

// Build creates the commitment transaction at the given height. The balances
// exclude in-flight HTLCs. The counterparty's to_remote output pays
// remotePaymentKey directly.
func (b *CommitmentBuilder) Build(height uint64, keys *TxCreationKeys,
	remotePaymentKey *btcec.PublicKey, localBalance,
	remoteBalance lnwire.MilliSatoshi, feePerKw chainfee.SatPerKWeight,
	htlcs []HTLCOutputInCommitment) (*CommitmentTx, error) {

	// First we'll figure out which HTLCs get an output of their own, the
	// rest are burned to fees.
	var numHTLCs int64
	isDust := make([]bool, len(htlcs))
	for i := range htlcs {
		isDust[i] = HtlcIsDust(
			htlcs[i].Offered, feePerKw,
			htlcs[i].Amount.ToSatoshis(), b.DustLimit,
		)
		if !isDust[i] {
			numHTLCs++
		}
	}

	// Next, we'll calculate the fee for the commitment transaction based
	// on its total weight. Once we have the total weight, we'll multiply
	// by the current fee-per-kw, then divide by 1000 to get the proper
	// fee.
	totalCommitWeight := input.CommitWeight + input.HTLCWeight*numHTLCs
	commitFee := feePerKw.FeeForWeight(totalCommitWeight)
	commitFeeMSat := lnwire.NewMSatFromSatoshis(commitFee)

	// The fee is always paid by the initiator and subtracted from its
	// output.
	switch {
	case b.OwnerIsInitiator && commitFeeMSat > localBalance:
		return nil, fmt.Errorf("%w: balance=%v, fee=%v",
			ErrBelowChanReserve, localBalance, commitFee)

	case b.OwnerIsInitiator:
		localBalance -= commitFeeMSat

	case commitFeeMSat > remoteBalance:
		return nil, fmt.Errorf("%w: balance=%v, fee=%v",
			ErrBelowChanReserve, remoteBalance, commitFee)

	default:
		remoteBalance -= commitFeeMSat
	}

	// First, we create the script for the delayed "pay-to-self" output.
	// This output has 2 main redemption clauses: either we can redeem the
	// output after a relative block delay, or the remote node can claim
	// the funds with the revocation key if we broadcast a revoked
	// commitment transaction.
	toLocalScript, err := input.CommitScriptToSelf(
		b.ToSelfDelay, keys.LocalDelayedPaymentKey, keys.RevocationKey,
	)
	if err != nil {
		return nil, err
	}
	toLocalPkScript, err := input.WitnessScriptHash(toLocalScript)
	if err != nil {
		return nil, err
	}

	// Next, we create the script paying to the remote.
	toRemotePkScript, err := input.CommitScriptUnencumbered(
		remotePaymentKey,
	)
	if err != nil {
		return nil, err
	}

	// We use a transaction version of 2 since CSV will fail unless the tx
	// version is >= 2.
	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxIn(wire.NewTxIn(&b.FundingOutpoint, nil, nil))

	// Avoid creating dust outputs within the commitment transaction.
	if localBalance.ToSatoshis() >= b.DustLimit {
		commitTx.AddTxOut(&wire.TxOut{
			PkScript: toLocalPkScript,
			Value:    int64(localBalance.ToSatoshis()),
		})
	}
	if remoteBalance.ToSatoshis() >= b.DustLimit {
		commitTx.AddTxOut(&wire.TxOut{
			PkScript: toRemotePkScript,
			Value:    int64(remoteBalance.ToSatoshis()),
		})
	}

	// We'll now add all the HTLC outputs to the commitment transaction.
	// For any non-dust HTLCs we'll also record its CLTV which is required
	// to sort the commitment transaction below. The slice is initially
	// sized to the number of existing outputs, since any outputs already
	// added are commitment outputs and should correspond to zero values
	// for the purposes of sorting.
	cltvs := make([]uint32, len(commitTx.TxOut))
	htlcScripts := make([][]byte, len(htlcs))
	for i := range htlcs {
		if isDust[i] {
			continue
		}

		witnessScript, err := HtlcRedeemScript(&htlcs[i], keys)
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(witnessScript)
		if err != nil {
			return nil, err
		}
		htlcScripts[i] = pkScript

		commitTx.AddTxOut(wire.NewTxOut(
			int64(htlcs[i].Amount.ToSatoshis()), pkScript,
		))
		cltvs = append(cltvs, htlcs[i].CltvExpiry)
	}

	// Set the state hint of the commitment transaction to facilitate
	// quickly recovering the necessary penalty state in the case of an
	// uncooperative broadcast.
	if err := SetStateNumHint(commitTx, height, b.Obfuscator); err != nil {
		return nil, err
	}

	// Sort the transactions according to the agreed upon canonical
	// ordering. This lets us skip sending the entire transaction over,
	// instead we'll just send signatures.
	InPlaceCommitSort(commitTx, cltvs)

	// Next, we'll ensure that we don't accidentally create a commitment
	// transaction which would be invalid by consensus.
	uTx := btcutil.NewTx(commitTx)
	if err := blockchain.CheckTransactionSanity(uTx); err != nil {
		return nil, err
	}

	// Now that the order is final, locate every output. HTLCs sharing a
	// script, value and CLTV are interchangeable, so each one takes the
	// first unclaimed match.
	result := &CommitmentTx{
		Tx:    commitTx,
		HTLCs: make([]HTLCOutputInCommitment, len(htlcs)),
		Fee:   commitFee,
	}
	taken := make([]bool, len(commitTx.TxOut))
	for i, txOut := range commitTx.TxOut {
		switch {
		case bytes.Equal(txOut.PkScript, toLocalPkScript):
			result.ToLocalIndex = fn.Some(uint32(i))
			taken[i] = true

		case bytes.Equal(txOut.PkScript, toRemotePkScript):
			result.ToRemoteIndex = fn.Some(uint32(i))
			taken[i] = true
		}
	}
	for i := range htlcs {
		htlc := htlcs[i]
		htlc.OutputIndex = fn.None[uint32]()

		if !isDust[i] {
			idx, err := findHtlcOutput(
				commitTx, cltvs, taken, htlcScripts[i],
				htlc.Amount.ToSatoshis(), htlc.CltvExpiry,
			)
			if err != nil {
				return nil, err
			}
			htlc.OutputIndex = fn.Some(idx)
		}

		result.HTLCs[i] = htlc
	}

	walletLog.Debugf("Built commitment at height=%v with %v outputs, "+
		"%v trimmed htlcs, fee=%v", height, len(commitTx.TxOut),
		int64(len(htlcs))-numHTLCs, commitFee)

	return result, nil
}

// findHtlcOutput returns the first output not yet claimed that matches the
// script, value and CLTV. Offered HTLCs sharing a payment hash and amount
// have identical scripts, so only the CLTV that the sorted cltvs slice
// carries for each output tells them apart.
func findHtlcOutput(tx *wire.MsgTx, cltvs []uint32, taken []bool,
	pkScript []byte, amt btcutil.Amount, cltv uint32) (uint32, error) {

	for i, txOut := range tx.TxOut {
		if taken[i] || txOut.Value != int64(amt) || cltvs[i] != cltv ||
			!bytes.Equal(txOut.PkScript, pkScript) {

			continue
		}

		taken[i] = true

		return uint32(i), nil
	}

	return 0, fmt.Errorf("unable to find htlc output with script %x "+
		"and cltv %d", pkScript, cltv)
}

// InPlaceCommitSort performs an in-place sort of a commitment transaction,
// given an unsorted transaction and a list of CLTV values for the HTLCs.
//
// The lexicographical ordering of the outputs is by value, then by
// pkScript and finally by CLTV. Since the commitment has a single input
// only the outputs are reordered.
func InPlaceCommitSort(tx *wire.MsgTx, cltvs []uint32) {
	if len(tx.TxOut) != len(cltvs) {
		panic("output and cltv list size mismatch")
	}

	sort.Sort(&commitSort{
		outs:  tx.TxOut,
		cltvs: cltvs,
	})
}

// commitSort sorts the outputs of a commitment transaction while keeping the
// parallel CLTV slice aligned.
type commitSort struct {
	outs  []*wire.TxOut
	cltvs []uint32
}

// Len returns the number of outputs.
func (s *commitSort) Len() int {
	return len(s.outs)
}

// Swap swaps two outputs along with their CLTVs.
func (s *commitSort) Swap(i, j int) {
	s.outs[i], s.outs[j] = s.outs[j], s.outs[i]
	s.cltvs[i], s.cltvs[j] = s.cltvs[j], s.cltvs[i]
}

// Less compares outputs by value, then script, then CLTV.
func (s *commitSort) Less(i, j int) bool {
	if s.outs[i].Value != s.outs[j].Value {
		return s.outs[i].Value < s.outs[j].Value
	}

	cmp := bytes.Compare(s.outs[i].PkScript, s.outs[j].PkScript)
	if cmp != 0 {
		return cmp < 0
	}

	return s.cltvs[i] < s.cltvs[j]
}
