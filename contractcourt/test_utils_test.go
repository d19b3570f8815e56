package contractcourt

import (
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lnwallet"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/stretchr/testify/require"
)

var (
	// aliceBalance and bobBalance are the balances of every test
	// commitment, before fees and HTLCs.
	aliceBalance = lnwire.NewMSatFromSatoshis(6 * btcutil.SatoshiPerBitcoin)
	bobBalance   = lnwire.NewMSatFromSatoshis(4 * btcutil.SatoshiPerBitcoin)

	testEstimator = chainfee.NewStaticEstimator(2500, 253)

	errKeyNotFound = errors.New("key not found")
)

// mockKeyRing is a SecretKeyRing holding a fixed set of private keys.
type mockKeyRing struct {
	keys []*btcec.PrivateKey
}

func (m *mockKeyRing) DeriveNextKey(
	keychain.KeyFamily) (keychain.KeyDescriptor, error) {

	return keychain.KeyDescriptor{}, errors.New("not implemented")
}

func (m *mockKeyRing) DeriveKey(
	keychain.KeyLocator) (keychain.KeyDescriptor, error) {

	return keychain.KeyDescriptor{}, errors.New("not implemented")
}

func (m *mockKeyRing) DerivePrivKey(
	desc keychain.KeyDescriptor) (*btcec.PrivateKey, error) {

	for _, key := range m.keys {
		if desc.PubKey != nil && key.PubKey().IsEqual(desc.PubKey) {
			return key, nil
		}
	}

	return nil, errKeyNotFound
}

var _ keychain.SecretKeyRing = (*mockKeyRing)(nil)

// mockBroadcaster records published transactions. If failures is set, that
// many calls fail before publishing succeeds.
type mockBroadcaster struct {
	mu       sync.Mutex
	txs      []*wire.MsgTx
	labels   []string
	failures int
}

func (m *mockBroadcaster) PublishTransaction(tx *wire.MsgTx,
	label string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return errors.New("broadcast failed")
	}

	m.txs = append(m.txs, tx)
	m.labels = append(m.labels, label)

	return nil
}

// mockEstimator fails every fee estimate while err is set.
type mockEstimator struct {
	err error
}

func (m *mockEstimator) EstimateFeePerKW(
	numBlocks uint32) (chainfee.SatPerKWeight, error) {

	if m.err != nil {
		return 0, m.err
	}

	return testEstimator.EstimateFeePerKW(numBlocks)
}

func (m *mockEstimator) RelayFeePerKW() chainfee.SatPerKWeight {
	return testEstimator.RelayFeePerKW()
}

func (m *mockBroadcaster) published() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*wire.MsgTx(nil), m.txs...)
}

// mockPersister stores monitors in memory. Writes fail while fail is set.
type mockPersister struct {
	mu       sync.Mutex
	monitors map[wire.OutPoint]*ChannelMonitor
	updates  []*ChannelMonitorUpdate
	fail     bool
}

func newMockPersister() *mockPersister {
	return &mockPersister{
		monitors: make(map[wire.OutPoint]*ChannelMonitor),
	}
}

func (m *mockPersister) PersistNewChannel(chanPoint wire.OutPoint,
	mon *ChannelMonitor) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return errors.New("disk full")
	}
	m.monitors[chanPoint] = mon

	return nil
}

func (m *mockPersister) UpdatePersistedChannel(chanPoint wire.OutPoint,
	update *ChannelMonitorUpdate, mon *ChannelMonitor) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return errors.New("disk full")
	}
	m.monitors[chanPoint] = mon
	if update != nil {
		m.updates = append(m.updates, update)
	}

	return nil
}

func (m *mockPersister) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

// monitorHarness drives a monitor run by Bob against Alice's commitments.
type monitorHarness struct {
	t *testing.T

	channel *lnwallet.TestChannel
	keyRing *mockKeyRing
	mon     *ChannelMonitor

	// htlcs are added to every commitment of Alice.
	htlcs []lnwallet.HTLCOutputInCommitment

	// aliceCommits are Alice's commitments indexed by height.
	aliceCommits []*lnwallet.CommitmentTx

	nextUpdateID uint64
}

func newMonitorHarness(t *testing.T,
	htlcs []lnwallet.HTLCOutputInCommitment) *monitorHarness {

	t.Helper()

	channel, err := lnwallet.CreateTestChannel()
	require.NoError(t, err)

	keyRing := &mockKeyRing{
		keys: []*btcec.PrivateKey{channel.Bob.RevocationBasePriv},
	}

	sweepScript, err := input.CommitScriptUnencumbered(
		channel.Bob.Keys.PaymentPoint,
	)
	require.NoError(t, err)

	mon, err := NewChannelMonitor(MonitorConfig{
		FundingOutpoint:   channel.FundingOutpoint,
		FundingScript:     channel.FundingScript,
		ChannelValue:      channel.Capacity,
		LocalKeys:         channel.Bob.Keys,
		RemoteKeys:        channel.Alice.Keys,
		Obfuscator:        channel.Obfuscator,
		RemoteToSelfDelay: channel.Alice.CsvDelay,
		SweepScript:       sweepScript,
		RevocationBase: keychain.KeyDescriptor{
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyRevocationBase,
			},
		},
		KeyRing: keyRing,
	})
	require.NoError(t, err)

	return &monitorHarness{
		t:            t,
		channel:      channel,
		keyRing:      keyRing,
		mon:          mon,
		htlcs:        htlcs,
		nextUpdateID: 1,
	}
}

// buildAliceCommit builds Alice's commitment at height.
func (h *monitorHarness) buildAliceCommit(
	height uint64) *lnwallet.CommitmentTx {

	h.t.Helper()

	aliceBal := aliceBalance
	for _, htlc := range h.htlcs {
		aliceBal -= htlc.Amount
	}

	commit, _, err := h.channel.BuildCommitment(
		h.channel.Alice, height, aliceBal, bobBalance, h.htlcs,
	)
	require.NoError(h.t, err)

	return commit
}

// nextUpdate returns the ID of the next update.
func (h *monitorHarness) nextUpdate() uint64 {
	id := h.nextUpdateID
	h.nextUpdateID++

	return id
}

// remoteCommitStep returns the update step recording Alice's commitment at
// height.
func (h *monitorHarness) remoteCommitStep(height uint64) UpdateStep {
	h.t.Helper()

	for uint64(len(h.aliceCommits)) <= height {
		h.aliceCommits = append(
			h.aliceCommits,
			h.buildAliceCommit(uint64(len(h.aliceCommits))),
		)
	}
	commit := h.aliceCommits[height]

	point, err := h.channel.Alice.CommitPoint(height)
	require.NoError(h.t, err)

	return &LatestRemoteCommitment{
		Txid:        commit.Tx.TxHash(),
		Height:      height,
		CommitPoint: point,
		HTLCs:       commit.HTLCs,
	}
}

// secretStep returns the update step revealing Alice's secret at height.
func (h *monitorHarness) secretStep(height uint64) UpdateStep {
	h.t.Helper()

	secret, err := h.channel.Alice.Producer.AtIndex(height)
	require.NoError(h.t, err)

	return &CommitmentSecret{Height: height, Secret: *secret}
}

// advanceTo signs Alice's commitments up to and including height, revoking
// each previous one.
func (h *monitorHarness) advanceTo(height uint64) {
	h.t.Helper()

	start := uint64(len(h.aliceCommits))
	for i := start; i <= height; i++ {
		steps := []UpdateStep{h.remoteCommitStep(i)}
		if i > 0 {
			steps = append(steps, h.secretStep(i-1))
		}

		err := h.mon.UpdateMonitor(&ChannelMonitorUpdate{
			UpdateID: h.nextUpdate(),
			Steps:    steps,
		})
		require.NoError(h.t, err)
	}
}

// newBlock returns a block with the passed transactions.
func newBlock(prev chainhash.Hash, txs ...*wire.MsgTx) *wire.MsgBlock {
	return &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
		},
		Transactions: txs,
	}
}

// assertJusticeTxValid executes the script of every input of the justice tx
// against the spent commitment outputs.
func assertJusticeTxValid(t *testing.T, justiceTx, commitTx *wire.MsgTx) {
	t.Helper()

	commitHash := commitTx.TxHash()
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for _, txIn := range justiceTx.TxIn {
		require.Equal(t, commitHash, txIn.PreviousOutPoint.Hash)

		prevOuts.AddPrevOut(
			txIn.PreviousOutPoint,
			commitTx.TxOut[txIn.PreviousOutPoint.Index],
		)
	}
	hashCache := txscript.NewTxSigHashes(justiceTx, prevOuts)

	for i, txIn := range justiceTx.TxIn {
		prevOut := prevOuts.FetchPrevOutput(txIn.PreviousOutPoint)

		vm, err := txscript.NewEngine(
			prevOut.PkScript, justiceTx, i,
			txscript.StandardVerifyFlags, nil, hashCache,
			prevOut.Value, prevOuts,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}
