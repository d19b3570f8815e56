package lnwallet

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// localCommitHarness is Alice's commitment at testHeight, countersigned by
// Bob.
type localCommitHarness struct {
	channel *TestChannel
	commit  *CommitmentTx
	keys    *TxCreationKeys

	bobCommitSig *ecdsa.Signature
	bobHtlcSigs  []fn.Option[*ecdsa.Signature]

	htlcs []HTLCWithSig
	local *LocalCommitmentTransaction
}

func newLocalCommitHarness(t *testing.T) *localCommitHarness {
	t.Helper()

	channel, err := CreateTestChannel()
	require.NoError(t, err)

	commit, keys, err := channel.BuildCommitment(
		channel.Alice, testHeight,
		lnwire.NewMSatFromSatoshis(testAliceBalance),
		lnwire.NewMSatFromSatoshis(testBobBalance), testHTLCs(),
	)
	require.NoError(t, err)

	// Bob signs the commitment with his funding key and every non-dust
	// HTLC with his HTLC key for this commitment point.
	sigHash, err := witnessSigHash(
		commit.Tx, channel.FundingScript, channel.Capacity,
	)
	require.NoError(t, err)
	bobCommitSig := ecdsa.Sign(channel.Bob.FundingPriv, sigHash)

	bobHtlcKey, err := input.DerivePrivateKey(
		channel.Bob.HtlcBasePriv, keys.PerCommitmentPoint,
	)
	require.NoError(t, err)
	require.True(t, bobHtlcKey.PubKey().IsEqual(keys.RemoteHtlcKey))

	txid := commit.Tx.TxHash()
	htlcs := make([]HTLCWithSig, len(commit.HTLCs))
	bobHtlcSigs := make([]fn.Option[*ecdsa.Signature], len(commit.HTLCs))
	for i := range commit.HTLCs {
		htlc := commit.HTLCs[i]
		htlcs[i] = HTLCWithSig{
			HTLC:      htlc,
			RemoteSig: fn.None[*ecdsa.Signature](),
		}
		bobHtlcSigs[i] = fn.None[*ecdsa.Signature]()
		if htlc.IsDust() {
			continue
		}

		htlcTx, err := BuildHtlcTransaction(
			txid, channel.FeePerKw, channel.Alice.CsvDelay, &htlc,
			keys.LocalDelayedPaymentKey, keys.RevocationKey,
		)
		require.NoError(t, err)

		script, err := HtlcRedeemScript(&htlc, keys)
		require.NoError(t, err)

		sigHash, err := witnessSigHash(
			htlcTx, script, htlc.Amount.ToSatoshis(),
		)
		require.NoError(t, err)

		sig := ecdsa.Sign(bobHtlcKey, sigHash)
		htlcs[i].RemoteSig = fn.Some(sig)
		bobHtlcSigs[i] = fn.Some(sig)
	}

	local, err := NewMissingLocalSig(
		commit.Tx, bobCommitSig, channel.Alice.Keys.FundingKey,
		channel.Bob.Keys.FundingKey, keys, channel.FeePerKw, htlcs,
	)
	require.NoError(t, err)

	return &localCommitHarness{
		channel:      channel,
		commit:       commit,
		keys:         keys,
		bobCommitSig: bobCommitSig,
		bobHtlcSigs:  bobHtlcSigs,
		htlcs:        htlcs,
		local:        local,
	}
}

// assertSpendValid executes the scripts of input 0 of tx against prevOut.
func assertSpendValid(t *testing.T, tx *wire.MsgTx, prevOut *wire.TxOut) {
	t.Helper()

	fetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)
	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), prevOut.Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// sigWithHashType serializes a signature with SIGHASH_ALL appended.
func sigWithHashType(sig *ecdsa.Signature) []byte {
	return append(sig.Serialize(), byte(txscript.SigHashAll))
}

// TestHtlcSigs checks that we sign exactly the non-dust HTLCs, and that our
// signatures together with the counterparty's spend each HTLC output through
// its second-level transaction.
func TestHtlcSigs(t *testing.T) {
	t.Parallel()

	h := newLocalCommitHarness(t)
	alice := h.channel.Alice

	sigs, err := h.local.HtlcSigs(alice.HtlcBasePriv, alice.CsvDelay)
	require.NoError(t, err)
	require.Len(t, sigs, len(h.htlcs))

	preimages := map[int][]byte{}
	for i := range h.htlcs {
		p := testPreimage(byte(i + 1))
		preimages[i] = p[:]
	}

	txid := h.local.Txid()
	for i, sig := range sigs {
		htlc := h.htlcs[i].HTLC
		require.Equal(t, htlc.IsDust(), sig.IsNone(), "htlc %d", i)
		if htlc.IsDust() {
			continue
		}

		htlcTx, err := BuildHtlcTransaction(
			txid, h.channel.FeePerKw, alice.CsvDelay, &htlc,
			h.keys.LocalDelayedPaymentKey, h.keys.RevocationKey,
		)
		require.NoError(t, err)

		script, err := HtlcRedeemScript(&htlc, h.keys)
		require.NoError(t, err)

		// The offered path takes an empty element in place of the
		// preimage.
		var preimage []byte
		if !htlc.Offered {
			preimage = preimages[i]
		}

		htlcTx.TxIn[0].Witness = wire.TxWitness{
			nil,
			sigWithHashType(h.bobHtlcSigs[i].UnsafeFromSome()),
			sigWithHashType(sig.UnsafeFromSome()),
			preimage,
			script,
		}

		idx := htlc.OutputIndex.UnsafeFromSome()
		assertSpendValid(t, htlcTx, h.commit.Tx.TxOut[idx])
	}
}

// TestLocalSig checks that signing is deterministic and that the signed
// commitment spends the funding output.
func TestLocalSig(t *testing.T) {
	t.Parallel()

	h := newLocalCommitHarness(t)
	c := h.channel

	before := h.local.UnsignedTx()

	sig1, err := h.local.LocalSig(
		c.Alice.FundingPriv, c.FundingScript, c.Capacity,
	)
	require.NoError(t, err)
	sig2, err := h.local.LocalSig(
		c.Alice.FundingPriv, c.FundingScript, c.Capacity,
	)
	require.NoError(t, err)
	require.Equal(t, sig1.Serialize(), sig2.Serialize())

	signedTx, err := h.local.AddLocalSig(
		c.Alice.FundingPriv, c.FundingScript, c.Capacity,
	)
	require.NoError(t, err)
	assertSpendValid(t, signedTx, c.FundingOutput)

	// The entity itself stays unsigned.
	require.Equal(t, before, h.local.UnsignedTx())
	require.Empty(t, h.local.UnsignedTx().TxIn[0].Witness)
	require.Equal(t, h.local.Txid(), signedTx.TxHash())

	_, err = h.local.AddLocalSig(
		c.Bob.FundingPriv, c.FundingScript, c.Capacity,
	)
	require.ErrorIs(t, err, ErrFundingKeyMismatch)
}

// TestLocalCommitmentEncoding checks that a decoded commitment equals the
// encoded one.
func TestLocalCommitmentEncoding(t *testing.T) {
	t.Parallel()

	h := newLocalCommitHarness(t)

	var b bytes.Buffer
	require.NoError(t, h.local.Encode(&b))

	decoded, err := DecodeLocalCommitmentTransaction(&b)
	require.NoError(t, err)
	require.True(t, h.local.Equal(decoded))

	require.Equal(t, h.local.Txid(), decoded.Txid())
	require.Equal(t, h.channel.FeePerKw, decoded.FeePerKw())
	require.True(t, decoded.TrustKeyDerivation().Equal(h.keys))
	require.Equal(t, h.bobCommitSig.Serialize(),
		decoded.TheirSig().Serialize())

	decodedHTLCs := decoded.HTLCs()
	require.Len(t, decodedHTLCs, len(h.htlcs))
	for i := range decodedHTLCs {
		require.True(t, decodedHTLCs[i].HTLC.Equal(&h.htlcs[i].HTLC))
		require.Equal(t, h.htlcs[i].RemoteSig.IsSome(),
			decodedHTLCs[i].RemoteSig.IsSome())
	}

	// Decoded commitments sign identically.
	alice := h.channel.Alice
	sigs, err := h.local.HtlcSigs(alice.HtlcBasePriv, alice.CsvDelay)
	require.NoError(t, err)
	decodedSigs, err := decoded.HtlcSigs(alice.HtlcBasePriv, alice.CsvDelay)
	require.NoError(t, err)
	require.Equal(t, sigs, decodedSigs)

	require.False(t, h.local.Equal(nil))
}

// TestNewMissingLocalSigValidation checks that inconsistent HTLC lists are
// rejected.
func TestNewMissingLocalSigValidation(t *testing.T) {
	t.Parallel()

	h := newLocalCommitHarness(t)
	c := h.channel

	newLocal := func(tx *wire.MsgTx, sig *ecdsa.Signature,
		htlcs []HTLCWithSig) error {

		_, err := NewMissingLocalSig(
			tx, sig, c.Alice.Keys.FundingKey, c.Bob.Keys.FundingKey,
			h.keys, c.FeePerKw, htlcs,
		)

		return err
	}

	cloneHTLCs := func() []HTLCWithSig {
		htlcs := make([]HTLCWithSig, len(h.htlcs))
		copy(htlcs, h.htlcs)

		return htlcs
	}

	// Dust HTLC with a signature.
	htlcs := cloneHTLCs()
	htlcs[0].RemoteSig = fn.Some(h.bobCommitSig)
	require.ErrorIs(t, newLocal(h.commit.Tx, h.bobCommitSig, htlcs),
		ErrHTLCSigMismatch)

	// Non-dust HTLC without one.
	htlcs = cloneHTLCs()
	htlcs[1].RemoteSig = fn.None[*ecdsa.Signature]()
	require.ErrorIs(t, newLocal(h.commit.Tx, h.bobCommitSig, htlcs),
		ErrHTLCSigMismatch)

	// Index pointing at the wrong output.
	htlcs = cloneHTLCs()
	htlcs[1].HTLC.OutputIndex = fn.Some(uint32(2))
	require.ErrorIs(t, newLocal(h.commit.Tx, h.bobCommitSig, htlcs),
		ErrInvalidHTLCOutput)

	// Index out of range.
	htlcs = cloneHTLCs()
	htlcs[1].HTLC.OutputIndex = fn.Some(uint32(99))
	require.ErrorIs(t, newLocal(h.commit.Tx, h.bobCommitSig, htlcs),
		ErrInvalidHTLCOutput)

	// Missing counterparty signature.
	require.Error(t, newLocal(h.commit.Tx, nil, h.htlcs))

	// More than one input.
	tx := h.commit.Tx.Copy()
	tx.AddTxIn(&wire.TxIn{})
	require.Error(t, newLocal(tx, h.bobCommitSig, h.htlcs))
}

// TestWriteReadHTLC checks the fixed HTLC layout.
func TestWriteReadHTLC(t *testing.T) {
	t.Parallel()

	for _, htlc := range testHTLCs() {
		htlc := htlc
		htlc.OutputIndex = fn.Some(uint32(htlc.CltvExpiry))

		var b bytes.Buffer
		require.NoError(t, WriteHTLC(&b, &htlc))
		require.Equal(t, 50, b.Len())

		decoded, err := ReadHTLC(&b)
		require.NoError(t, err)
		require.True(t, decoded.Equal(&htlc))
	}
}
