package input

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

const (
	// The weight(cost), which is different from the !size! (see BIP-141),
	// is calculated as:
	// Weight = 4 * BaseSize + WitnessSize (weight).
	// BaseSize - size of the transaction without witness data (bytes).
	// WitnessSize - witness size (bytes).
	// Weight - the metric for determining the cost of the transaction.

	// P2WSHSize 34 bytes
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (WitnessScriptSHA256 length)
	//	- WitnessScriptSHA256: 32 bytes
	P2WSHSize = 1 + 1 + 32

	// P2WPKHSize 22 bytes
	//	- OP_0: 1 byte
	//	- OP_DATA: 1 byte (PublicKeyHASH160 length)
	//	- PublicKeyHASH160: 20 bytes
	P2WPKHSize = 1 + 1 + 20

	// MultiSigSize 71 bytes
	//	- OP_2: 1 byte
	//	- OP_DATA: 1 byte (pubKeyAlice length)
	//	- pubKeyAlice: 33 bytes
	//	- OP_DATA: 1 byte (pubKeyBob length)
	//	- pubKeyBob: 33 bytes
	//	- OP_2: 1 byte
	//	- OP_CHECKMULTISIG: 1 byte
	MultiSigSize = 1 + 1 + 33 + 1 + 33 + 1 + 1

	// MultiSigWitnessSize 222 bytes
	//	- NumberOfWitnessElements: 1 byte
	//	- NilLength: 1 byte
	//	- sigAliceLength: 1 byte
	//	- sigAlice: 73 bytes
	//	- sigBobLength: 1 byte
	//	- sigBob: 73 bytes
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript (MultiSig)
	MultiSigWitnessSize = 1 + 1 + 1 + 73 + 1 + 73 + 1 + MultiSigSize

	// InputSize 41 bytes
	//	- PreviousOutPoint:
	//		- Hash: 32 bytes
	//		- Index: 4 bytes
	//	- OP_DATA: 1 byte (ScriptSigLength)
	//	- ScriptSig: 0 bytes
	//	- Sequence: 4 bytes
	InputSize = 32 + 4 + 1 + 4

	// P2WSHOutputSize 43 bytes
	//	- Value: 8 bytes
	//	- VarInt: 1 byte (PkScript length)
	//	- PkScript (P2WSH)
	P2WSHOutputSize = 8 + 1 + P2WSHSize

	// P2WPKHOutputSize 31 bytes
	//	- Value: 8 bytes
	//	- VarInt: 1 byte (PkScript length)
	//	- PkScript (P2WPKH)
	P2WPKHOutputSize = 8 + 1 + P2WPKHSize

	// HTLCOutputSize 43 bytes, an HTLC output is a P2WSH output.
	HTLCOutputSize = P2WSHOutputSize

	// WitnessHeaderSize 2 bytes
	//	- Flag: 1 byte
	//	- Marker: 1 byte
	WitnessHeaderSize = 1 + 1

	// BaseCommitmentTxSize 125 bytes
	//	- Version: 4 bytes
	//	- CountTxIn: 1 byte
	//	- TxIn: 41 bytes
	//	- CountTxOut: 1 byte
	//	- TxOut: 74 bytes
	//		OutputPayingToThem,
	//		OutputPayingToUs
	//	- LockTime: 4 bytes
	BaseCommitmentTxSize = 4 + 1 + InputSize + 1 +
		P2WSHOutputSize + P2WPKHOutputSize + 4

	// BaseCommitmentTxWeight 500 weight
	BaseCommitmentTxWeight = blockchain.WitnessScaleFactor *
		BaseCommitmentTxSize

	// WitnessCommitmentTxWeight 224 weight
	WitnessCommitmentTxWeight = WitnessHeaderSize + MultiSigWitnessSize

	// CommitWeight 724 weight, the commitment transaction without HTLCs.
	CommitWeight = BaseCommitmentTxWeight + WitnessCommitmentTxWeight

	// HTLCWeight 172 weight, added per non-dust HTLC output.
	HTLCWeight = blockchain.WitnessScaleFactor * HTLCOutputSize

	// HtlcTimeoutWeight 663 weight, the weight of the second-level HTLC
	// timeout transaction.
	HtlcTimeoutWeight = 663

	// HtlcSuccessWeight 703 weight, the weight of the second-level HTLC
	// success transaction.
	HtlcSuccessWeight = 703

	// ToLocalPenaltyWitnessSize 157 bytes
	//	- NumberOfWitnessElements: 1 byte
	//	- SignatureLength: 1 byte
	//	- Signature: 73 bytes
	//	- OP_TRUE length: 1 byte
	//	- OP_TRUE: 1 byte
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript (ToLocal): 79 bytes
	ToLocalPenaltyWitnessSize = 1 + 1 + 73 + 1 + 1 + 1 + 79

	// AcceptedHtlcPenaltyWitnessSize 249 bytes
	//	- NumberOfWitnessElements: 1 byte
	//	- RevocationSigLength: 1 byte
	//	- RevocationSig: 73 bytes
	//	- RevocationKeyLength: 1 byte
	//	- RevocationKey: 33 bytes
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript (AcceptedHtlc): 139 bytes
	AcceptedHtlcPenaltyWitnessSize = 1 + 1 + 73 + 1 + 33 + 1 + 139

	// OfferedHtlcPenaltyWitnessSize 243 bytes
	//	- NumberOfWitnessElements: 1 byte
	//	- RevocationSigLength: 1 byte
	//	- RevocationSig: 73 bytes
	//	- RevocationKeyLength: 1 byte
	//	- RevocationKey: 33 bytes
	//	- WitnessScriptLength: 1 byte
	//	- WitnessScript (OfferedHtlc): 133 bytes
	OfferedHtlcPenaltyWitnessSize = 1 + 1 + 73 + 1 + 33 + 1 + 133

	// MaxHTLCNumber is the maximum number HTLCs which can be included in a
	// commitment transaction, bounded by the need to sweep all of them
	// within one penalty transaction.
	MaxHTLCNumber = 966
)

// TxWeightEstimator is able to calculate weight estimates for transactions
// based on the input and output types. For purposes of estimation, all
// signatures are assumed to be of the maximum possible size, 73 bytes.
type TxWeightEstimator struct {
	hasWitness       bool
	inputCount       uint32
	outputCount      uint32
	inputSize        int
	inputWitnessSize int
	outputSize       int
}

// AddWitnessInput updates the weight estimate to account for an additional
// input spending a native segwit output with a witness of the given size.
func (twe *TxWeightEstimator) AddWitnessInput(
	witnessSize int) *TxWeightEstimator {

	twe.inputSize += InputSize
	twe.inputWitnessSize += witnessSize
	twe.inputCount++
	twe.hasWitness = true

	return twe
}

// AddP2WKHOutput updates the weight estimate to account for an additional
// native P2WKH output.
func (twe *TxWeightEstimator) AddP2WKHOutput() *TxWeightEstimator {
	twe.outputSize += P2WPKHOutputSize
	twe.outputCount++

	return twe
}

// AddP2WSHOutput updates the weight estimate to account for an additional
// native P2WSH output.
func (twe *TxWeightEstimator) AddP2WSHOutput() *TxWeightEstimator {
	twe.outputSize += P2WSHOutputSize
	twe.outputCount++

	return twe
}

// AddOutput estimates the weight of an output based on the pkScript.
func (twe *TxWeightEstimator) AddOutput(pkScript []byte) *TxWeightEstimator {
	twe.outputSize += 8 + wire.VarIntSerializeSize(uint64(len(pkScript))) +
		len(pkScript)
	twe.outputCount++

	return twe
}

// Weight gets the estimated weight of the transaction.
func (twe *TxWeightEstimator) Weight() int64 {
	txSizeStripped := 4 + 4 +
		wire.VarIntSerializeSize(uint64(twe.inputCount)) +
		twe.inputSize +
		wire.VarIntSerializeSize(uint64(twe.outputCount)) +
		twe.outputSize

	weight := txSizeStripped * blockchain.WitnessScaleFactor
	if twe.hasWitness {
		weight += WitnessHeaderSize + twe.inputWitnessSize
	}

	return int64(weight)
}
