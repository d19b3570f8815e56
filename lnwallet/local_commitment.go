package lnwallet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// ErrHTLCSigMismatch is returned when the remote HTLC signatures
	// don't line up with the non-dust HTLCs of a commitment.
	ErrHTLCSigMismatch = errors.New("remote htlc signatures don't match " +
		"non-dust htlcs")

	// ErrInvalidHTLCOutput is returned when an HTLC's output index doesn't
	// point at a matching output of the commitment transaction.
	ErrInvalidHTLCOutput = errors.New("htlc output index doesn't match " +
		"commitment transaction")

	// ErrFundingKeyMismatch is returned when asked to sign with a funding
	// key other than the one the commitment was built for.
	ErrFundingKeyMismatch = errors.New("funding key doesn't match " +
		"commitment")
)

// HTLCWithSig pairs an HTLC of our commitment with the counterparty's
// signature for its second-level transaction. The signature is None for dust
// HTLCs.
type HTLCWithSig struct {
	HTLC HTLCOutputInCommitment

	RemoteSig fn.Option[*ecdsa.Signature]
}

// LocalCommitmentTransaction is our latest commitment transaction along with
// everything the counterparty sent us for it. Our own signature is only
// produced when the transaction is about to be broadcast, so a fully signed
// copy is never held in memory while the state could still be revoked.
type LocalCommitmentTransaction struct {
	unsignedTx *wire.MsgTx

	theirSig *ecdsa.Signature

	ourFundingKey   *btcec.PublicKey
	theirFundingKey *btcec.PublicKey

	localKeys TxCreationKeys

	feePerKw chainfee.SatPerKWeight

	htlcs []HTLCWithSig
}

// NewMissingLocalSig creates a LocalCommitmentTransaction lacking our own
// signature. The HTLC list must mirror the transaction: every non-dust HTLC
// points at a matching output and carries a remote signature, every dust HTLC
// carries none.
func NewMissingLocalSig(unsignedTx *wire.MsgTx, theirSig *ecdsa.Signature,
	ourFundingKey, theirFundingKey *btcec.PublicKey,
	localKeys *TxCreationKeys, feePerKw chainfee.SatPerKWeight,
	htlcs []HTLCWithSig) (*LocalCommitmentTransaction, error) {

	if len(unsignedTx.TxIn) != 1 {
		return nil, fmt.Errorf("commitment tx must have exactly 1 "+
			"input, instead has %v", len(unsignedTx.TxIn))
	}
	if theirSig == nil {
		return nil, errors.New("missing remote commitment signature")
	}

	for i := range htlcs {
		htlc := &htlcs[i].HTLC

		if htlc.IsDust() {
			if htlcs[i].RemoteSig.IsSome() {
				return nil, fmt.Errorf("%w: dust htlc %d "+
					"carries a signature",
					ErrHTLCSigMismatch, i)
			}

			continue
		}

		if htlcs[i].RemoteSig.IsNone() {
			return nil, fmt.Errorf("%w: htlc %d has no signature",
				ErrHTLCSigMismatch, i)
		}

		if err := checkHTLCOutput(unsignedTx, htlc, localKeys); err != nil {
			return nil, fmt.Errorf("htlc %d: %w", i, err)
		}
	}

	htlcCopy := make([]HTLCWithSig, len(htlcs))
	copy(htlcCopy, htlcs)

	return &LocalCommitmentTransaction{
		unsignedTx:      unsignedTx.Copy(),
		theirSig:        theirSig,
		ourFundingKey:   ourFundingKey,
		theirFundingKey: theirFundingKey,
		localKeys:       *localKeys,
		feePerKw:        feePerKw,
		htlcs:           htlcCopy,
	}, nil
}

// checkHTLCOutput asserts that the HTLC's output exists and pays the HTLC's
// amount to the HTLC's script.
func checkHTLCOutput(tx *wire.MsgTx, htlc *HTLCOutputInCommitment,
	keys *TxCreationKeys) error {

	idx := htlc.OutputIndex.UnsafeFromSome()
	if int(idx) >= len(tx.TxOut) {
		return fmt.Errorf("%w: index %d out of range",
			ErrInvalidHTLCOutput, idx)
	}

	witnessScript, err := HtlcRedeemScript(htlc, keys)
	if err != nil {
		return err
	}
	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return err
	}

	txOut := tx.TxOut[idx]
	if txOut.Value != int64(htlc.Amount.ToSatoshis()) ||
		!bytes.Equal(txOut.PkScript, pkScript) {

		return fmt.Errorf("%w: output %d", ErrInvalidHTLCOutput, idx)
	}

	return nil
}

// UnsignedTx returns a copy of the unsigned commitment transaction.
func (l *LocalCommitmentTransaction) UnsignedTx() *wire.MsgTx {
	return l.unsignedTx.Copy()
}

// Txid returns the txid of the commitment transaction. Witnesses don't
// affect it, so it is known before we sign.
func (l *LocalCommitmentTransaction) Txid() chainhash.Hash {
	return l.unsignedTx.TxHash()
}

// TheirSig returns the counterparty's signature for the commitment.
func (l *LocalCommitmentTransaction) TheirSig() *ecdsa.Signature {
	return l.theirSig
}

// FeePerKw returns the fee rate the commitment was built with.
func (l *LocalCommitmentTransaction) FeePerKw() chainfee.SatPerKWeight {
	return l.feePerKw
}

// HTLCs returns the HTLCs of the commitment in stored order.
func (l *LocalCommitmentTransaction) HTLCs() []HTLCWithSig {
	htlcs := make([]HTLCWithSig, len(l.htlcs))
	copy(htlcs, l.htlcs)

	return htlcs
}

// TrustKeyDerivation returns the keys the commitment was built with, on the
// assumption they were correctly derived from the channel basepoints. A
// verifying signer should re-derive them instead.
func (l *LocalCommitmentTransaction) TrustKeyDerivation() *TxCreationKeys {
	keys := l.localKeys
	return &keys
}

// witnessSigHash computes the BIP-143 SIGHASH_ALL digest of input 0 of tx.
func witnessSigHash(tx *wire.MsgTx, witnessScript []byte,
	value btcutil.Amount) ([]byte, error) {

	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		pkScript, int64(value),
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	return txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, txscript.SigHashAll, tx, 0,
		int64(value),
	)
}

// LocalSig returns our signature for the commitment transaction. Signing is
// deterministic, so repeated calls return the same signature and the entity
// is never modified.
func (l *LocalCommitmentTransaction) LocalSig(fundingKey *btcec.PrivateKey,
	fundingRedeemScript []byte,
	channelValue btcutil.Amount) (*ecdsa.Signature, error) {

	sigHash, err := witnessSigHash(
		l.unsignedTx, fundingRedeemScript, channelValue,
	)
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(fundingKey, sigHash), nil
}

// HtlcSigs returns our signatures for the second-level transactions of every
// HTLC, in stored order. Dust HTLCs have no second-level transaction and get
// None. The signing key is the HTLC base key tweaked with the commitment
// point, and localCsv is the delay on our second-level outputs.
func (l *LocalCommitmentTransaction) HtlcSigs(htlcBaseKey *btcec.PrivateKey,
	localCsv uint32) ([]fn.Option[*ecdsa.Signature], error) {

	htlcKey, err := input.DerivePrivateKey(
		htlcBaseKey, l.localKeys.PerCommitmentPoint,
	)
	if err != nil {
		return nil, err
	}

	txid := l.Txid()
	sigs := make([]fn.Option[*ecdsa.Signature], len(l.htlcs))
	for i := range l.htlcs {
		htlc := &l.htlcs[i].HTLC
		if htlc.IsDust() {
			sigs[i] = fn.None[*ecdsa.Signature]()
			continue
		}

		htlcTx, err := BuildHtlcTransaction(
			txid, l.feePerKw, localCsv, htlc,
			l.localKeys.LocalDelayedPaymentKey,
			l.localKeys.RevocationKey,
		)
		if err != nil {
			return nil, err
		}

		witnessScript, err := HtlcRedeemScript(htlc, &l.localKeys)
		if err != nil {
			return nil, err
		}

		sigHash, err := witnessSigHash(
			htlcTx, witnessScript, htlc.Amount.ToSatoshis(),
		)
		if err != nil {
			return nil, err
		}

		sigs[i] = fn.Some(ecdsa.Sign(htlcKey, sigHash))
	}

	return sigs, nil
}

// AddLocalSig returns a fully witnessed copy of the commitment transaction
// ready for broadcast. The entity itself is not modified.
func (l *LocalCommitmentTransaction) AddLocalSig(fundingKey *btcec.PrivateKey,
	fundingRedeemScript []byte,
	channelValue btcutil.Amount) (*wire.MsgTx, error) {

	if !fundingKey.PubKey().IsEqual(l.ourFundingKey) {
		return nil, ErrFundingKeyMismatch
	}

	ourSig, err := l.LocalSig(fundingKey, fundingRedeemScript, channelValue)
	if err != nil {
		return nil, err
	}

	signedTx := l.unsignedTx.Copy()
	signedTx.TxIn[0].Witness = input.SpendMultiSig(
		fundingRedeemScript,
		l.ourFundingKey.SerializeCompressed(),
		append(ourSig.Serialize(), byte(txscript.SigHashAll)),
		l.theirFundingKey.SerializeCompressed(),
		append(l.theirSig.Serialize(), byte(txscript.SigHashAll)),
	)

	return signedTx, nil
}

const (
	localCommitTxType         tlv.Type = 0
	localCommitTheirSigType   tlv.Type = 1
	localCommitOurFundType    tlv.Type = 2
	localCommitTheirFundType  tlv.Type = 3
	localCommitCommitPtType   tlv.Type = 4
	localCommitRevKeyType     tlv.Type = 5
	localCommitLocalHtlcType  tlv.Type = 6
	localCommitRemoteHtlcType tlv.Type = 7
	localCommitDelayKeyType   tlv.Type = 8
	localCommitFeeType        tlv.Type = 9
	localCommitHtlcsType      tlv.Type = 10
)

// Encode serializes the commitment as a tlv stream.
func (l *LocalCommitmentTransaction) Encode(w io.Writer) error {
	var txBuf bytes.Buffer
	if err := l.unsignedTx.Serialize(&txBuf); err != nil {
		return err
	}
	txBytes := txBuf.Bytes()
	theirSig := l.theirSig.Serialize()

	var htlcBuf bytes.Buffer
	if err := encodeHTLCs(&htlcBuf, l.htlcs); err != nil {
		return err
	}
	htlcBytes := htlcBuf.Bytes()

	keys := l.localKeys
	feePerKw := uint64(l.feePerKw)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(localCommitTxType, &txBytes),
		tlv.MakePrimitiveRecord(localCommitTheirSigType, &theirSig),
		tlv.MakePrimitiveRecord(
			localCommitOurFundType, &l.ourFundingKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitTheirFundType, &l.theirFundingKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitCommitPtType, &keys.PerCommitmentPoint,
		),
		tlv.MakePrimitiveRecord(
			localCommitRevKeyType, &keys.RevocationKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitLocalHtlcType, &keys.LocalHtlcKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitRemoteHtlcType, &keys.RemoteHtlcKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitDelayKeyType, &keys.LocalDelayedPaymentKey,
		),
		tlv.MakePrimitiveRecord(localCommitFeeType, &feePerKw),
		tlv.MakePrimitiveRecord(localCommitHtlcsType, &htlcBytes),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeLocalCommitmentTransaction reads back a commitment written by Encode.
func DecodeLocalCommitmentTransaction(
	r io.Reader) (*LocalCommitmentTransaction, error) {

	var (
		l         LocalCommitmentTransaction
		txBytes   []byte
		theirSig  []byte
		htlcBytes []byte
		feePerKw  uint64
		keys      = &l.localKeys
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(localCommitTxType, &txBytes),
		tlv.MakePrimitiveRecord(localCommitTheirSigType, &theirSig),
		tlv.MakePrimitiveRecord(
			localCommitOurFundType, &l.ourFundingKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitTheirFundType, &l.theirFundingKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitCommitPtType, &keys.PerCommitmentPoint,
		),
		tlv.MakePrimitiveRecord(
			localCommitRevKeyType, &keys.RevocationKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitLocalHtlcType, &keys.LocalHtlcKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitRemoteHtlcType, &keys.RemoteHtlcKey,
		),
		tlv.MakePrimitiveRecord(
			localCommitDelayKeyType, &keys.LocalDelayedPaymentKey,
		),
		tlv.MakePrimitiveRecord(localCommitFeeType, &feePerKw),
		tlv.MakePrimitiveRecord(localCommitHtlcsType, &htlcBytes),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	l.unsignedTx = &wire.MsgTx{}
	if err := l.unsignedTx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, err
	}

	l.theirSig, err = ecdsa.ParseDERSignature(theirSig)
	if err != nil {
		return nil, err
	}

	l.feePerKw = chainfee.SatPerKWeight(feePerKw)

	l.htlcs, err = decodeHTLCs(bytes.NewReader(htlcBytes))
	if err != nil {
		return nil, err
	}

	return &l, nil
}

// Equal returns true if both commitments serialize to the same bytes.
func (l *LocalCommitmentTransaction) Equal(o *LocalCommitmentTransaction) bool {
	if l == nil || o == nil {
		return l == o
	}

	var a, b bytes.Buffer
	if err := l.Encode(&a); err != nil {
		return false
	}
	if err := o.Encode(&b); err != nil {
		return false
	}

	return bytes.Equal(a.Bytes(), b.Bytes())
}

// encodeHTLCs writes the HTLC list as a count followed by fixed fields and
// optional DER signatures.
func encodeHTLCs(w io.Writer, htlcs []HTLCWithSig) error {
	if err := wire.WriteVarInt(w, 0, uint64(len(htlcs))); err != nil {
		return err
	}

	for _, h := range htlcs {
		if err := WriteHTLC(w, &h.HTLC); err != nil {
			return err
		}

		var sig []byte
		h.RemoteSig.WhenSome(func(s *ecdsa.Signature) {
			sig = s.Serialize()
		})
		if err := wire.WriteVarBytes(w, 0, sig); err != nil {
			return err
		}
	}

	return nil
}

// decodeHTLCs reads an HTLC list written by encodeHTLCs.
func decodeHTLCs(r io.Reader) ([]HTLCWithSig, error) {
	numHTLCs, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if numHTLCs > input.MaxHTLCNumber {
		return nil, fmt.Errorf("too many htlcs: %v", numHTLCs)
	}

	htlcs := make([]HTLCWithSig, numHTLCs)
	for i := range htlcs {
		htlc, err := ReadHTLC(r)
		if err != nil {
			return nil, err
		}
		htlcs[i].HTLC = *htlc

		sig, err := wire.ReadVarBytes(r, 0, 80, "htlc sig")
		if err != nil {
			return nil, err
		}
		if len(sig) == 0 {
			htlcs[i].RemoteSig = fn.None[*ecdsa.Signature]()
			continue
		}

		parsed, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return nil, err
		}
		htlcs[i].RemoteSig = fn.Some(parsed)
	}

	return htlcs, nil
}

// WriteHTLC serializes a single HTLC:
//
//	offered(1) || amount(8) || cltv(4) || hash(32) || has_index(1) || index(4)
func WriteHTLC(w io.Writer, htlc *HTLCOutputInCommitment) error {
	var buf [50]byte
	if htlc.Offered {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], uint64(htlc.Amount))
	binary.BigEndian.PutUint32(buf[9:13], htlc.CltvExpiry)
	copy(buf[13:45], htlc.PaymentHash[:])
	htlc.OutputIndex.WhenSome(func(idx uint32) {
		buf[45] = 1
		binary.BigEndian.PutUint32(buf[46:50], idx)
	})

	_, err := w.Write(buf[:])

	return err
}

// ReadHTLC reads an HTLC written by WriteHTLC.
func ReadHTLC(r io.Reader) (*HTLCOutputInCommitment, error) {
	var buf [50]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	htlc := &HTLCOutputInCommitment{
		Offered:     buf[0] == 1,
		Amount:      lnwire.MilliSatoshi(binary.BigEndian.Uint64(buf[1:9])),
		CltvExpiry:  binary.BigEndian.Uint32(buf[9:13]),
		OutputIndex: fn.None[uint32](),
	}
	copy(htlc.PaymentHash[:], buf[13:45])
	if buf[45] == 1 {
		htlc.OutputIndex = fn.Some(binary.BigEndian.Uint32(buf[46:50]))
	}

	return htlc, nil
}
