package lnwallet

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
)

const (
	// StateHintSize is the total number of bytes used between the sequence
	// number and locktime of the commitment transaction use to encode a hint
	// to the state number of a particular commitment transaction.
	StateHintSize = 6

	// MaxStateHint is the maximum state number we're able to encode using
	// StateHintSize bytes amongst the sequence number and locktime fields
	// of the commitment transaction.
	maxStateHint uint64 = (1 << 48) - 1

	// stateHintMask covers the 24 bits of each field that carry the hint.
	stateHintMask = 0xFFFFFF
)

var (
	// TimelockShift is used to make sure the commitment transaction is
	// spendable by setting the locktime with it so that it is larger than
	// 500,000,000, thus interpreting it as Unix epoch timestamp and not
	// a block height. It is also smaller than the current timestamp which
	// has bit (1 << 30) set, so there is no risk of having the commitment
	// transaction be rejected. This way we can safely use the lower 24 bits
	// of the locktime field for part of the obscured commitment transaction
	// number.
	TimelockShift = uint32(1 << 29)
)

// DeriveStateHintObfuscator derives the bytes to be used for obfuscating the
// state hints from the payment basepoints of both parties. The first key
// passed must be the payment basepoint of the channel initiator.
//
//	obfuscator := sha256(initiatorKey || otherKey)[26:]
func DeriveStateHintObfuscator(key1,
	key2 *btcec.PublicKey) [StateHintSize]byte {

	h := sha256.New()
	h.Write(key1.SerializeCompressed())
	h.Write(key2.SerializeCompressed())

	sha := h.Sum(nil)

	var obfuscator [StateHintSize]byte
	copy(obfuscator[:], sha[26:])

	return obfuscator
}

// obfuscatorInt widens the obfuscator into the integer it is XOR'd with.
func obfuscatorInt(obfuscator [StateHintSize]byte) uint64 {
	var obfs [8]byte
	copy(obfs[2:], obfuscator[:])

	return binary.BigEndian.Uint64(obfs[:])
}

// SetStateNumHint encodes the current state number within the passed
// commitment transaction by re-purposing the locktime and sequence fields in
// the commitment transaction to encode the obfuscated state number.  The state
// number is encoded using 48 bits. The lower 24 bits of the lock time are the
// lower 24 bits of the obfuscated state number and the lower 24 bits of the
// sequence field are the higher 24 bits. Finally before encoding, the
// obfuscator is XOR'd against the state number in order to hide the exact
// state number from the PoV of outside parties.
func SetStateNumHint(commitTx *wire.MsgTx, stateNum uint64,
	obfuscator [StateHintSize]byte) error {

	// With the current schema we are only able to encode state num
	// hints up to 2^48. Therefore if the passed height is greater than our
	// state hint ceiling, then exit early.
	if stateNum > maxStateHint {
		return fmt.Errorf("unable to encode state, %v is greater "+
			"state num that max of %v", stateNum, maxStateHint)
	}

	if len(commitTx.TxIn) != 1 {
		return fmt.Errorf("commitment tx must have exactly 1 input, "+
			"instead has %v", len(commitTx.TxIn))
	}

	stateNum ^= obfuscatorInt(obfuscator)

	// Set the height bit of the sequence number in order to disable any
	// sequence locks semantics.
	commitTx.TxIn[0].Sequence = uint32(stateNum>>24) |
		wire.SequenceLockTimeDisabled
	commitTx.LockTime = uint32(stateNum&stateHintMask) | TimelockShift

	return nil
}

// ObscuredCommitmentNumber returns the 48-bit obscured state number carried
// by the locktime and sequence of a commitment transaction, without removing
// the obfuscator.
func ObscuredCommitmentNumber(commitTx *wire.MsgTx) uint64 {
	stateNumXor := uint64(commitTx.TxIn[0].Sequence&stateHintMask) << 24
	stateNumXor |= uint64(commitTx.LockTime & stateHintMask)

	return stateNumXor
}

// GetStateNumHint recovers the current state number given a commitment
// transaction which has previously had the state number encoded within it via
// setStateNumHint and a shared obfuscator.
//
// See setStateNumHint for further details w.r.t exactly how the state-hints
// are encoded.
func GetStateNumHint(commitTx *wire.MsgTx,
	obfuscator [StateHintSize]byte) uint64 {

	return ObscuredCommitmentNumber(commitTx) ^ obfuscatorInt(obfuscator)
}

// HtlcTimeoutFee returns the fee in satoshis required for an HTLC timeout
// transaction based on the current fee rate.
func HtlcTimeoutFee(feePerKw chainfee.SatPerKWeight) btcutil.Amount {
	return feePerKw.FeeForWeight(input.HtlcTimeoutWeight)
}

// HtlcSuccessFee returns the fee in satoshis required for an HTLC success
// transaction based on the current fee rate.
func HtlcSuccessFee(feePerKw chainfee.SatPerKWeight) btcutil.Amount {
	return feePerKw.FeeForWeight(input.HtlcSuccessWeight)
}

// HtlcIsDust determines if an HTLC output is dust or not. Offered HTLCs are
// resolved with a timeout transaction and received HTLCs with a success
// transaction, and the HTLC must be able to pay for its second-level
// transaction and still be above the dust limit.
func HtlcIsDust(offered bool, feePerKw chainfee.SatPerKWeight,
	htlcAmt, dustLimit btcutil.Amount) bool {

	htlcFee := HtlcSuccessFee(feePerKw)
	if offered {
		htlcFee = HtlcTimeoutFee(feePerKw)
	}

	return (htlcAmt - htlcFee) < dustLimit
}

// BuildHtlcTransaction creates the second-level transaction that spends a
// non-dust HTLC output of the commitment transaction identified by prevTxid.
// For offered HTLCs this is the timeout transaction, locked until the HTLC's
// CLTV expiry. For received HTLCs it is the success transaction. Either way
// the single output pays to the revokeable script:
//
//	OP_IF <revocationKey> OP_ELSE <toSelfDelay> OP_CSV OP_DROP
//	<delayedKey> OP_ENDIF OP_CHECKSIG
//
// In order to spend the HTLC output, the witness for the returned transaction
// should be:
//   - timeout: <0> <sender sig> <receiver sig> <0>
//   - success: <0> <sender sig> <receiver sig> <preimage>
//
// NOTE: The HTLC must already have been assigned an output index. Calling
// this for a dust HTLC is a programming error and panics.
func BuildHtlcTransaction(prevTxid chainhash.Hash,
	feePerKw chainfee.SatPerKWeight, toSelfDelay uint32,
	htlc *HTLCOutputInCommitment,
	delayedKey, revocationKey *btcec.PublicKey) (*wire.MsgTx, error) {

	outputIndex := htlc.OutputIndex.UnwrapOrFunc(func() uint32 {
		panic("cannot build htlc transaction for dust htlc")
	})

	// Create a version two transaction as the output spends with a CSV
	// timeout.
	htlcTx := wire.NewMsgTx(2)
	if htlc.Offered {
		htlcTx.LockTime = htlc.CltvExpiry
	}

	// The input to the transaction is the outpoint that creates the
	// original HTLC on the commitment transaction.
	htlcTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  prevTxid,
			Index: outputIndex,
		},
		Sequence: 0,
	})

	// Next, we'll generate the script used as the output for all second
	// level HTLC which forces a covenant w.r.t what can be done with all
	// HTLC outputs.
	witnessScript, err := input.SecondLevelHtlcScript(
		revocationKey, delayedKey, toSelfDelay,
	)
	if err != nil {
		return nil, err
	}
	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	// Finally, the output is simply the amount of the HTLC minus the
	// fee for the second level transaction.
	fee := HtlcSuccessFee(feePerKw)
	if htlc.Offered {
		fee = HtlcTimeoutFee(feePerKw)
	}
	htlcTx.AddTxOut(&wire.TxOut{
		Value:    int64(htlc.Amount.ToSatoshis() - fee),
		PkScript: pkScript,
	})

	return htlcTx, nil
}
