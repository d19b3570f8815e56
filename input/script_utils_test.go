package input

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/stretchr/testify/require"
)

var (
	// For simplicity a single priv key controls all of our test outputs.
	testWalletPrivKey = []byte{
		0x2b, 0xd8, 0x06, 0xc9, 0x7f, 0x0e, 0x00, 0xaf,
		0x1a, 0x1f, 0xc3, 0x32, 0x8f, 0xa7, 0x63, 0xa9,
		0x26, 0x97, 0x23, 0xc8, 0xdb, 0x8f, 0xac, 0x4f,
		0x93, 0xaf, 0x71, 0xdb, 0x18, 0x6d, 0x6e, 0x90,
	}

	// We're alice :)
	bobsPrivKey = []byte{
		0x81, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x63, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0xd, 0xe7, 0x95, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0xb, 0x4c, 0xfd, 0x9e, 0xc5, 0x8c, 0xe9,
	}

	// Use a hard-coded HD seed.
	testHdSeed = chainhash.Hash{
		0xb7, 0x94, 0x38, 0x5f, 0x2d, 0x1e, 0xf7, 0xab,
		0x4d, 0x92, 0x73, 0xd1, 0x90, 0x63, 0x81, 0xb4,
		0x4f, 0x2f, 0x6f, 0x25, 0x88, 0xa3, 0xef, 0xb9,
		0x6a, 0x49, 0x18, 0x83, 0x31, 0x98, 0x47, 0x53,
	}
)

// assertEngineExecution executes the VM returned by the newEngine closure,
// asserting the result matches the validity expectation. In the case where it
// doesn't match the expectation, it executes the script step-by-step and
// prints debug information to stdout.
func assertEngineExecution(t *testing.T, testNum int, valid bool,
	newEngine func() (*txscript.Engine, error)) {

	t.Helper()

	vm, err := newEngine()
	require.NoError(t, err, "unable to create engine")

	vmErr := vm.Execute()
	if valid == (vmErr == nil) {
		return
	}

	// Now that the execution didn't match what we expected, fetch a new VM
	// to step through.
	vm, err = newEngine()
	require.NoError(t, err, "unable to create engine")

	var debugBuf bytes.Buffer
	done := false
	for !done {
		dis, err := vm.DisasmPC()
		if err != nil {
			break
		}
		debugBuf.WriteString(fmt.Sprintf("stepping %v\n", dis))

		done, err = vm.Step()
		if err != nil {
			break
		}

		debugBuf.WriteString(fmt.Sprintf("Stack: %v", vm.GetStack()))
	}

	t.Log(debugBuf.String())
	t.Fatalf("spend test case #%v: expected valid=%v, execution "+
		"ended with: %v", testNum, valid, vmErr)
}

// spendHarness holds a single P2WSH output and a transaction sweeping it.
type spendHarness struct {
	witnessScript []byte
	pkScript      []byte
	output        *wire.TxOut
	sweepTx       *wire.MsgTx
	fetcher       txscript.PrevOutputFetcher
	sigHashes     *txscript.TxSigHashes
}

func newSpendHarness(t *testing.T, witnessScript []byte,
	sequence, lockTime uint32) *spendHarness {

	t.Helper()

	pkScript, err := WitnessScriptHash(witnessScript)
	require.NoError(t, err)

	amt := int64(btcutil.SatoshiPerBitcoin)
	output := wire.NewTxOut(amt, pkScript)

	sweepTx := wire.NewMsgTx(2)
	sweepTx.LockTime = lockTime
	sweepTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: testHdSeed, Index: 1},
		Sequence:         sequence,
	})
	sweepTx.AddTxOut(&wire.TxOut{
		Value: amt - 1000,
		PkScript: []byte{
			txscript.OP_0, txscript.OP_DATA_20,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		},
	})

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, amt)

	return &spendHarness{
		witnessScript: witnessScript,
		pkScript:      pkScript,
		output:        output,
		sweepTx:       sweepTx,
		fetcher:       fetcher,
		sigHashes:     txscript.NewTxSigHashes(sweepTx, fetcher),
	}
}

func (h *spendHarness) signDesc(pub *btcec.PublicKey) *SignDescriptor {
	return &SignDescriptor{
		KeyDesc:           keychain.KeyDescriptor{PubKey: pub},
		WitnessScript:     h.witnessScript,
		Output:            h.output,
		HashType:          txscript.SigHashAll,
		SigHashes:         h.sigHashes,
		PrevOutputFetcher: h.fetcher,
		InputIndex:        0,
	}
}

func (h *spendHarness) engine(witness wire.TxWitness) func() (
	*txscript.Engine, error) {

	return func() (*txscript.Engine, error) {
		tx := h.sweepTx.Copy()
		tx.TxIn[0].Witness = witness

		return txscript.NewEngine(
			h.pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
			h.sigHashes, h.output.Value, h.fetcher,
		)
	}
}

// TestBolt3KeyDerivation checks the derivation functions against the
// BOLT #3 Appendix E test vectors.
func TestBolt3KeyDerivation(t *testing.T) {
	t.Parallel()

	const (
		baseSecretHex          = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
		perCommitmentSecretHex = "1f1e1d1c1b1a191817161514131211100f0e0d0c0b0a09080706050403020100"
		basePointHex           = "036d6caac248af96f6afa7f904f550253a0f3ef3f5aa2fe6838a95b216691468e2"
		perCommitmentPointHex  = "025f7117a78150fe2ef97db7cfc83bd57b2e2c0d0dd25eaf467a4a1c2a45ce1486"

		expectedLocalKeyHex          = "0235f2dbfaa89b57ec7b055afe29849ef7ddfeb1cefdb9ebdc43f5494984db29e5"
		expectedLocalPrivKeyHex      = "cbced912d3b21bf196a766651e436aff192362621ce317704ea2f75d87e7be0f"
		expectedRevocationKeyHex     = "02916e326636d19c33f13e8c0c3a03dd157f332f3e99c317c141dd865eb01f8ff0"
		expectedRevocationPrivKeyHex = "d09ffff62ddb2297ab000cc85bcb4283fdeb6aa052affbc9dddcf33b61078110"
	)

	baseSecret := privkeyFromHex(t, baseSecretHex)
	perCommitmentSecret := privkeyFromHex(t, perCommitmentSecretHex)
	basePoint := pubkeyFromHex(t, basePointHex)
	perCommitmentPoint := pubkeyFromHex(t, perCommitmentPointHex)

	// The base point and commitment point must follow from the secrets.
	require.True(t, baseSecret.PubKey().IsEqual(basePoint))
	secretBytes, err := hex.DecodeString(perCommitmentSecretHex)
	require.NoError(t, err)
	require.True(t, ComputeCommitmentPoint(secretBytes).IsEqual(
		perCommitmentPoint,
	))

	// name: derivation of key from basepoint and per_commitment_point
	localKey, err := DerivePublicKey(basePoint, perCommitmentPoint)
	require.NoError(t, err)
	require.Equal(t, expectedLocalKeyHex, pubkeyToHex(localKey))
	require.Equal(t, expectedLocalKeyHex, pubkeyToHex(
		TweakPubKey(basePoint, perCommitmentPoint),
	))

	// name: derivation of secret key from basepoint secret and
	// per_commitment_secret
	localPriv, err := DerivePrivateKey(baseSecret, perCommitmentPoint)
	require.NoError(t, err)
	require.Equal(t, expectedLocalPrivKeyHex, privkeyToHex(localPriv))

	// name: derivation of revocation key from basepoint and
	// per_commitment_point
	revocationKey := DeriveRevocationPubkey(basePoint, perCommitmentPoint)
	require.Equal(t, expectedRevocationKeyHex, pubkeyToHex(revocationKey))

	// name: derivation of revocation secret from basepoint_secret and
	// per_commitment_secret
	revocationPriv := DeriveRevocationPrivKey(
		baseSecret, perCommitmentSecret,
	)
	require.Equal(
		t, expectedRevocationPrivKeyHex, privkeyToHex(revocationPriv),
	)
}

// TestGenMultiSigScriptOrdering asserts the funding script is independent of
// the order the keys are passed in.
func TestGenMultiSigScriptOrdering(t *testing.T) {
	t.Parallel()

	_, alicePub := btcec.PrivKeyFromBytes(testWalletPrivKey)
	_, bobPub := btcec.PrivKeyFromBytes(bobsPrivKey)

	a := alicePub.SerializeCompressed()
	b := bobPub.SerializeCompressed()

	ab, err := GenMultiSigScript(a, b)
	require.NoError(t, err)
	ba, err := GenMultiSigScript(b, a)
	require.NoError(t, err)
	require.Equal(t, ab, ba)

	_, err = GenMultiSigScript(a[:32], b)
	require.Error(t, err)

	_, out, err := GenFundingPkScript(a, b, 1000)
	require.NoError(t, err)
	require.Len(t, out.PkScript, P2WSHSize)

	_, _, err = GenFundingPkScript(a, b, 0)
	require.Error(t, err)
}

// TestCommitSpendToSelf exercises both paths of the revokeable to_local
// script: the owner sweeping after the CSV delay and the counterparty
// sweeping with the revocation key.
func TestCommitSpendToSelf(t *testing.T) {
	t.Parallel()

	const csvDelay = 144

	commitSecret, commitPoint := btcec.PrivKeyFromBytes(
		testHdSeed.CloneBytes(),
	)
	ownerPriv, ownerPub := btcec.PrivKeyFromBytes(testWalletPrivKey)
	revokeBasePriv, revokeBasePub := btcec.PrivKeyFromBytes(bobsPrivKey)

	delayKey := TweakPubKey(ownerPub, commitPoint)
	revokeKey := DeriveRevocationPubkey(revokeBasePub, commitPoint)

	script, err := CommitScriptToSelf(csvDelay, delayKey, revokeKey)
	require.NoError(t, err)

	ownerSigner := NewMockSigner(ownerPriv)
	revokeSigner := NewMockSigner(revokeBasePriv)

	testCases := []struct {
		sequence uint32
		witness  func(h *spendHarness) (wire.TxWitness, error)
		valid    bool
	}{
		{
			// The revocation path ignores the delay.
			sequence: wire.MaxTxInSequenceNum,
			witness: func(h *spendHarness) (wire.TxWitness, error) {
				desc := h.signDesc(revokeBasePub)
				desc.DoubleTweak = commitSecret

				return CommitSpendRevoke(
					revokeSigner, desc, h.sweepTx,
				)
			},
			valid: true,
		},
		{
			// A revocation spend with the wrong commitment secret
			// must fail.
			sequence: wire.MaxTxInSequenceNum,
			witness: func(h *spendHarness) (wire.TxWitness, error) {
				desc := h.signDesc(revokeBasePub)
				desc.DoubleTweak = ownerPriv

				return CommitSpendRevoke(
					revokeSigner, desc, h.sweepTx,
				)
			},
			valid: false,
		},
		{
			// The owner can sweep once the delay has passed.
			sequence: LockTimeToSequence(false, csvDelay),
			witness: func(h *spendHarness) (wire.TxWitness, error) {
				desc := h.signDesc(ownerPub)
				desc.SingleTweak = SingleTweakBytes(
					commitPoint, ownerPub,
				)

				return CommitSpendTimeout(
					ownerSigner, desc, h.sweepTx,
				)
			},
			valid: true,
		},
		{
			// But not before.
			sequence: LockTimeToSequence(false, csvDelay-1),
			witness: func(h *spendHarness) (wire.TxWitness, error) {
				desc := h.signDesc(ownerPub)
				desc.SingleTweak = SingleTweakBytes(
					commitPoint, ownerPub,
				)

				return CommitSpendTimeout(
					ownerSigner, desc, h.sweepTx,
				)
			},
			valid: false,
		},
	}

	for i, tc := range testCases {
		h := newSpendHarness(t, script, tc.sequence, 0)

		witness, err := tc.witness(h)
		require.NoError(t, err)

		assertEngineExecution(t, i, tc.valid, h.engine(witness))
	}
}

// TestHtlcSpendRevoke checks that both HTLC scripts can be swept through
// their revocation clause, and only with the right revocation key.
func TestHtlcSpendRevoke(t *testing.T) {
	t.Parallel()

	commitSecret, commitPoint := btcec.PrivKeyFromBytes(
		testHdSeed.CloneBytes(),
	)
	_, alicePub := btcec.PrivKeyFromBytes(testWalletPrivKey)
	bobPriv, bobPub := btcec.PrivKeyFromBytes(bobsPrivKey)

	paymentPreimage := testHdSeed.CloneBytes()
	paymentPreimage[0] ^= 1
	paymentHash := sha256.Sum256(paymentPreimage)

	aliceLocalKey := TweakPubKey(alicePub, commitPoint)
	bobLocalKey := TweakPubKey(bobPub, commitPoint)

	// We model spends from Alice's commitment, so Bob holds the
	// revocation base point.
	revocationKey := DeriveRevocationPubkey(bobPub, commitPoint)

	offered, err := SenderHTLCScript(
		aliceLocalKey, bobLocalKey, revocationKey, paymentHash[:],
	)
	require.NoError(t, err)

	received, err := ReceiverHTLCScript(
		500_000, bobLocalKey, aliceLocalKey, revocationKey,
		paymentHash[:],
	)
	require.NoError(t, err)

	signer := NewMockSigner(bobPriv)

	testCases := []struct {
		name   string
		script []byte
		spend  func(Signer, *SignDescriptor,
			*wire.MsgTx) (wire.TxWitness, error)
		secret *btcec.PrivateKey
		valid  bool
	}{
		{
			name:   "offered revoke",
			script: offered,
			spend:  SenderHtlcSpendRevoke,
			secret: commitSecret,
			valid:  true,
		},
		{
			name:   "received revoke",
			script: received,
			spend:  ReceiverHtlcSpendRevoke,
			secret: commitSecret,
			valid:  true,
		},
		{
			name:   "offered revoke wrong secret",
			script: offered,
			spend:  SenderHtlcSpendRevoke,
			secret: bobPriv,
			valid:  false,
		},
		{
			name:   "received revoke wrong secret",
			script: received,
			spend:  ReceiverHtlcSpendRevoke,
			secret: bobPriv,
			valid:  false,
		},
	}

	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newSpendHarness(
				t, tc.script, wire.MaxTxInSequenceNum, 0,
			)

			desc := h.signDesc(bobPub)
			desc.DoubleTweak = tc.secret

			witness, err := tc.spend(signer, desc, h.sweepTx)
			require.NoError(t, err)

			assertEngineExecution(t, i, tc.valid, h.engine(witness))
		})
	}
}

// TestRevocationWitnessNeedsTweak makes sure the HTLC revocation witness
// refuses to guess a missing commitment secret.
func TestRevocationWitnessNeedsTweak(t *testing.T) {
	t.Parallel()

	_, pub := btcec.PrivKeyFromBytes(bobsPrivKey)

	_, err := SenderHtlcSpendRevoke(
		NewMockSigner(), &SignDescriptor{
			KeyDesc: keychain.KeyDescriptor{PubKey: pub},
		}, wire.NewMsgTx(2),
	)
	require.Error(t, err)

	desc := &SignDescriptor{
		SingleTweak: []byte{1},
		DoubleTweak: &btcec.PrivateKey{},
	}
	require.ErrorIs(t, desc.Validate(), ErrTweakOverdose)
}

// TestCommitmentWeights pins the BOLT #3 weight constants the fee
// calculations depend on.
func TestCommitmentWeights(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 724, CommitWeight)
	require.EqualValues(t, 172, HTLCWeight)

	var twe TxWeightEstimator
	twe.AddWitnessInput(ToLocalPenaltyWitnessSize)
	twe.AddP2WKHOutput()

	// 4 * (4 + 4 + 1 + 41 + 1 + 31) + 2 + 157
	require.EqualValues(t, 487, twe.Weight())
}

func pubkeyFromHex(t *testing.T, keyHex string) *btcec.PublicKey {
	t.Helper()

	b, err := hex.DecodeString(keyHex)
	require.NoError(t, err)

	key, err := btcec.ParsePubKey(b)
	require.NoError(t, err)

	return key
}

func privkeyFromHex(t *testing.T, keyHex string) *btcec.PrivateKey {
	t.Helper()

	b, err := hex.DecodeString(keyHex)
	require.NoError(t, err)

	key, _ := btcec.PrivKeyFromBytes(b)

	return key
}

func pubkeyToHex(key *btcec.PublicKey) string {
	return hex.EncodeToString(key.SerializeCompressed())
}

func privkeyToHex(key *btcec.PrivateKey) string {
	return hex.EncodeToString(key.Serialize())
}
