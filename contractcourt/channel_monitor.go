package contractcourt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lnwallet"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
	"github.com/lightningnetwork/chancore/shachain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrMonitorNotActive is returned when an update is applied to a
	// monitor that already saw the channel close.
	ErrMonitorNotActive = errors.New("channel monitor is not active")

	// ErrUpdateOutOfOrder is returned when an update doesn't carry an ID
	// greater than the last applied one.
	ErrUpdateOutOfOrder = errors.New("monitor update out of order")

	// ErrInvalidCommitmentSecret is returned when a revealed secret doesn't
	// match the commitment point the counterparty used at that height.
	ErrInvalidCommitmentSecret = errors.New("commitment secret doesn't " +
		"match commitment point")

	// ErrRemoteCommitRegression is returned when a remote commitment is
	// older than one already known.
	ErrRemoteCommitRegression = errors.New("remote commitment height " +
		"regressed")

	errNoBreach = errors.New("no breach detected")
)

// MonitorState is the breach-handling state of a channel monitor.
type MonitorState uint8

const (
	// StateActive is the state of an open channel. Only active monitors
	// accept updates.
	StateActive MonitorState = iota

	// StateBreachDetected means a revoked commitment confirmed and the
	// justice transaction has not been published yet. It is built and
	// published on every block until that succeeds.
	StateBreachDetected

	// StatePenaltyBroadcast means the justice transaction was handed to
	// the broadcaster.
	StatePenaltyBroadcast

	// StateResolved means there is nothing left to watch for.
	StateResolved
)

// String returns a human readable name of the state.
func (s MonitorState) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateBreachDetected:
		return "BreachDetected"
	case StatePenaltyBroadcast:
		return "PenaltyBroadcast"
	case StateResolved:
		return "Resolved"
	default:
		return fmt.Sprintf("MonitorState(%d)", uint8(s))
	}
}

// MonitorConfig is the static description of the channel a monitor watches.
// "Local" is the side running the monitor, "remote" the counterparty whose
// revoked commitments we punish.
type MonitorConfig struct {
	// FundingOutpoint is the 2-of-2 output every commitment spends.
	FundingOutpoint wire.OutPoint

	// FundingScript is the witness script of the funding output.
	FundingScript []byte

	// ChannelValue is the value of the funding output.
	ChannelValue btcutil.Amount

	// LocalKeys and RemoteKeys are the basepoints of both sides.
	LocalKeys  lnwallet.ChannelPublicKeys
	RemoteKeys lnwallet.ChannelPublicKeys

	// Obfuscator hides the commitment height in every commitment
	// transaction of the channel.
	Obfuscator [lnwallet.StateHintSize]byte

	// RemoteToSelfDelay is the CSV delay on the counterparty's to_local
	// output. A justice transaction must confirm within this many blocks
	// of the breach.
	RemoteToSelfDelay uint32

	// SweepScript is the output script the justice transaction pays to.
	SweepScript []byte

	// RevocationBase locates our revocation basepoint secret in KeyRing.
	RevocationBase keychain.KeyDescriptor

	// KeyRing is used to derive the revocation basepoint secret. It is
	// not serialized and must be passed again on restore.
	KeyRing keychain.SecretKeyRing
}

// RemoteCommitment is what the monitor remembers about one of the
// counterparty's commitment transactions.
type RemoteCommitment struct {
	// Txid is the hash of the commitment transaction.
	Txid chainhash.Hash

	// Height is the commitment number.
	Height uint64

	// CommitPoint is the counterparty's commitment point at Height.
	CommitPoint *btcec.PublicKey

	// HTLCs are the HTLCs of the commitment, from the counterparty's point
	// of view, with their output indexes.
	HTLCs []lnwallet.HTLCOutputInCommitment
}

// breachInfo records a detected breach and our response to it.
type breachInfo struct {
	// commitTx is the revoked commitment that confirmed.
	commitTx *wire.MsgTx

	// commitHeight is the commitment number of the revoked state.
	commitHeight uint64

	// confHeight is the block height the revoked commitment confirmed
	// at.
	confHeight uint32

	// secret is the commitment secret the counterparty revealed for
	// commitHeight.
	secret chainhash.Hash

	// justiceTx sweeps every output we could claim. It is nil until it
	// could be built.
	justiceTx *wire.MsgTx
}

// resolvingTxid is the txid reported when the breach resolves on its own.
func (b *breachInfo) resolvingTxid() chainhash.Hash {
	if b.justiceTx != nil {
		return b.justiceTx.TxHash()
	}

	return b.commitTx.TxHash()
}

// ChannelMonitor watches the chain for a revoked commitment of one channel
// and punishes it. All methods are safe for concurrent use.
type ChannelMonitor struct {
	mu sync.Mutex

	cfg MonitorConfig

	state MonitorState

	// latestUpdateID is the ID of the last update applied.
	latestUpdateID uint64

	// revocations holds every commitment secret the counterparty
	// revealed.
	revocations *shachain.RevocationStore

	// remoteCommits are the counterparty commitments we signed, keyed by
	// height.
	remoteCommits map[uint64]*RemoteCommitment

	// latestRemote is the height of the newest counterparty commitment.
	latestRemote fn.Option[uint64]

	// localCommit is our newest commitment.
	localCommit fn.Option[*lnwallet.LocalCommitmentTransaction]

	bestHeight uint32
	bestBlock  chainhash.Hash

	breach fn.Option[*breachInfo]
}

// NewChannelMonitor creates an active monitor for a newly funded channel.
func NewChannelMonitor(cfg MonitorConfig) (*ChannelMonitor, error) {
	if err := cfg.LocalKeys.Validate(); err != nil {
		return nil, fmt.Errorf("local keys: %w", err)
	}
	if err := cfg.RemoteKeys.Validate(); err != nil {
		return nil, fmt.Errorf("remote keys: %w", err)
	}
	if cfg.KeyRing == nil {
		return nil, errors.New("monitor requires a key ring")
	}
	if len(cfg.SweepScript) == 0 {
		return nil, errors.New("monitor requires a sweep script")
	}

	// The public half of the revocation base is needed to rebuild the
	// revocation key when spending.
	if cfg.RevocationBase.PubKey == nil {
		cfg.RevocationBase.PubKey = cfg.LocalKeys.RevocationBasePoint
	}
	if !cfg.RevocationBase.PubKey.IsEqual(
		cfg.LocalKeys.RevocationBasePoint,
	) {

		return nil, errors.New("revocation base descriptor doesn't " +
			"match local revocation basepoint")
	}

	return &ChannelMonitor{
		cfg:           cfg,
		state:         StateActive,
		revocations:   shachain.NewRevocationStore(),
		remoteCommits: make(map[uint64]*RemoteCommitment),
	}, nil
}

// FundingOutpoint returns the outpoint of the watched channel.
func (m *ChannelMonitor) FundingOutpoint() wire.OutPoint {
	return m.cfg.FundingOutpoint
}

// State returns the current state of the monitor.
func (m *ChannelMonitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// LatestUpdateID returns the ID of the last applied update.
func (m *ChannelMonitor) LatestUpdateID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latestUpdateID
}

// BestBlock returns the last block the monitor processed.
func (m *ChannelMonitor) BestBlock() (chainhash.Hash, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.bestBlock, m.bestHeight
}

// JusticeTx returns the justice transaction if a breach was detected.
func (m *ChannelMonitor) JusticeTx() fn.Option[*wire.MsgTx] {
	m.mu.Lock()
	defer m.mu.Unlock()

	var justiceTx fn.Option[*wire.MsgTx]
	m.breach.WhenSome(func(b *breachInfo) {
		if b.justiceTx != nil {
			justiceTx = fn.Some(b.justiceTx.Copy())
		}
	})

	return justiceTx
}

// LocalCommitment returns our latest commitment, if any.
func (m *ChannelMonitor) LocalCommitment() fn.Option[
	*lnwallet.LocalCommitmentTransaction] {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.localCommit
}

// UpdateMonitor applies an update from the channel. Updates must arrive
// with strictly increasing IDs and are only accepted while the channel is
// active. A failed update may leave the monitor partially updated, callers
// must stop using the channel.
func (m *ChannelMonitor) UpdateMonitor(update *ChannelMonitorUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return fmt.Errorf("%w: state=%v", ErrMonitorNotActive, m.state)
	}
	if update.UpdateID <= m.latestUpdateID {
		return fmt.Errorf("%w: last=%d, got=%d", ErrUpdateOutOfOrder,
			m.latestUpdateID, update.UpdateID)
	}

	for _, step := range update.Steps {
		if err := m.applyStep(step); err != nil {
			return fmt.Errorf("update %d: %w", update.UpdateID, err)
		}
	}

	m.latestUpdateID = update.UpdateID

	log.Debugf("ChannelMonitor(%v): applied update %d with %d steps",
		m.cfg.FundingOutpoint, update.UpdateID, len(update.Steps))

	return nil
}

// applyStep applies a single update step. The caller must hold the lock.
func (m *ChannelMonitor) applyStep(step UpdateStep) error {
	switch s := step.(type) {
	case *LatestRemoteCommitment:
		return m.addRemoteCommitment(s)

	case *CommitmentSecret:
		return m.addCommitmentSecret(s)

	case *LatestLocalCommitment:
		if s.Commitment == nil {
			return errors.New("missing local commitment")
		}
		m.localCommit = fn.Some(s.Commitment)

		return nil

	default:
		return fmt.Errorf("unknown update step %T", step)
	}
}

func (m *ChannelMonitor) addRemoteCommitment(s *LatestRemoteCommitment) error {
	if s.CommitPoint == nil {
		return errors.New("remote commitment without commitment point")
	}

	var latest uint64
	m.latestRemote.WhenSome(func(h uint64) {
		latest = h
	})
	if m.latestRemote.IsSome() && s.Height <= latest {
		return fmt.Errorf("%w: latest=%d, got=%d",
			ErrRemoteCommitRegression, latest, s.Height)
	}

	htlcs := make([]lnwallet.HTLCOutputInCommitment, len(s.HTLCs))
	copy(htlcs, s.HTLCs)

	m.remoteCommits[s.Height] = &RemoteCommitment{
		Txid:        s.Txid,
		Height:      s.Height,
		CommitPoint: s.CommitPoint,
		HTLCs:       htlcs,
	}
	m.latestRemote = fn.Some(s.Height)

	return nil
}

func (m *ChannelMonitor) addCommitmentSecret(s *CommitmentSecret) error {
	// If we signed the commitment at this height, the secret must open
	// the point it was built with.
	if commit, ok := m.remoteCommits[s.Height]; ok {
		point := input.ComputeCommitmentPoint(s.Secret[:])
		if !point.IsEqual(commit.CommitPoint) {
			return fmt.Errorf("%w: height=%d",
				ErrInvalidCommitmentSecret, s.Height)
		}
	}

	secret := s.Secret
	if err := m.revocations.AddEntryAt(s.Height, &secret); err != nil {
		return fmt.Errorf("unable to store commitment secret: %w", err)
	}

	return nil
}

// BlockConnected scans a newly connected block for transactions spending
// the funding output or the outputs of a breached commitment. A revoked
// commitment is answered with a justice transaction that is handed to the
// broadcaster right away. If that fails, the breach is kept and the justice
// transaction built or published again on the next block. The returned
// events describe every state change, and are valid along with an error.
func (m *ChannelMonitor) BlockConnected(block *wire.MsgBlock, height uint32,
	broadcaster Broadcaster,
	estimator chainfee.Estimator) ([]MonitorEvent, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.bestBlock = block.BlockHash()
	m.bestHeight = height

	var events []MonitorEvent
	for _, tx := range block.Transactions {
		switch m.state {
		case StateActive:
			if !spendsOutpoint(tx, m.cfg.FundingOutpoint) {
				continue
			}

			events = append(events, m.handleFundingSpend(tx, height))

		case StateBreachDetected, StatePenaltyBroadcast:
			evt, ok := m.checkBreachSpend(tx, height)
			if ok {
				events = append(events, evt)
			}
		}
	}

	// Build and publish, or retry after a failed attempt, the justice
	// transaction.
	var respondErr error
	if m.state == StateBreachDetected {
		evt, err := m.respondToBreach(broadcaster, estimator)
		if err != nil {
			brarLog.Errorf("ChannelMonitor(%v): unable to punish "+
				"breach, retrying next block: %v",
				m.cfg.FundingOutpoint, err)

			respondErr = err
		} else {
			events = append(events, evt)
		}
	}

	// Once the counterparty's delay has passed they can sweep whatever
	// we didn't, so there's nothing left to dispute.
	if m.state == StateBreachDetected ||
		m.state == StatePenaltyBroadcast {

		b, _ := m.breach.UnwrapOrErr(errNoBreach)
		if b != nil &&
			height >= b.confHeight+m.cfg.RemoteToSelfDelay {

			brarLog.Warnf("ChannelMonitor(%v): dispute window "+
				"of revoked commitment %v elapsed at height %d "+
				"in state %v", m.cfg.FundingOutpoint,
				b.commitTx.TxHash(), height, m.state)

			m.state = StateResolved
			events = append(events, m.newEvent(
				EventResolved, b.resolvingTxid(), height,
			))
		}
	}

	return events, respondErr
}

// handleFundingSpend reacts to a confirmed spend of the funding output. A
// revoked commitment is recorded before anything else, so the breach is
// never lost even if we can't punish it right away. The caller must hold
// the lock.
func (m *ChannelMonitor) handleFundingSpend(tx *wire.MsgTx,
	height uint32) MonitorEvent {

	txid := tx.TxHash()

	// Spends by a non-revoked commitment, or a cooperative close, leave
	// nothing to punish.
	if m.isCurrentCommitment(txid) {
		log.Infof("ChannelMonitor(%v): current commitment %v "+
			"confirmed at height %d", m.cfg.FundingOutpoint, txid,
			height)

		m.state = StateResolved

		return m.newEvent(EventResolved, txid, height)
	}

	commitHeight := lnwallet.GetStateNumHint(tx, m.cfg.Obfuscator)
	secret, err := m.revocations.LookUp(commitHeight)
	if err != nil {
		log.Infof("ChannelMonitor(%v): funding output spent by %v "+
			"which isn't a revoked commitment", m.cfg.FundingOutpoint,
			txid)

		m.state = StateResolved

		return m.newEvent(EventResolved, txid, height)
	}

	brarLog.Warnf("ChannelMonitor(%v): revoked commitment %v of height "+
		"%d confirmed at block %d!", m.cfg.FundingOutpoint, txid,
		commitHeight, height)

	m.breach = fn.Some(&breachInfo{
		commitTx:     tx.Copy(),
		commitHeight: commitHeight,
		confHeight:   height,
		secret:       *secret,
	})
	m.state = StateBreachDetected

	return m.newEvent(EventBreachDetected, txid, height)
}

// isCurrentCommitment returns true if txid is the newest commitment of
// either side. The caller must hold the lock.
func (m *ChannelMonitor) isCurrentCommitment(txid chainhash.Hash) bool {
	var current bool
	m.latestRemote.WhenSome(func(h uint64) {
		current = m.remoteCommits[h].Txid == txid
	})
	m.localCommit.WhenSome(func(c *lnwallet.LocalCommitmentTransaction) {
		current = current || c.Txid() == txid
	})

	return current
}

// respondToBreach builds the justice transaction if that didn't succeed
// yet and hands it to the broadcaster. The caller must hold the lock.
func (m *ChannelMonitor) respondToBreach(broadcaster Broadcaster,
	estimator chainfee.Estimator) (MonitorEvent, error) {

	b, err := m.breach.UnwrapOrErr(errNoBreach)
	if err != nil {
		return MonitorEvent{}, err
	}

	if b.justiceTx == nil {
		justiceTx, err := m.createJusticeTx(
			b.commitTx, b.commitHeight, &b.secret, estimator,
		)

		// With every output dust there's nothing to punish.
		if errors.Is(err, ErrNoBreachedOutputs) {
			brarLog.Warnf("ChannelMonitor(%v): revoked commitment "+
				"%v has no spendable outputs",
				m.cfg.FundingOutpoint, b.commitTx.TxHash())

			m.state = StateResolved

			return m.newEvent(
				EventResolved, b.commitTx.TxHash(),
				m.bestHeight,
			), nil
		}
		if err != nil {
			return MonitorEvent{}, fmt.Errorf("unable to create "+
				"justice tx for breach %v: %w",
				b.commitTx.TxHash(), err)
		}
		b.justiceTx = justiceTx
	}

	label := fmt.Sprintf("justice:%v", m.cfg.FundingOutpoint)
	if err := broadcaster.PublishTransaction(b.justiceTx, label); err != nil {
		return MonitorEvent{}, fmt.Errorf("unable to broadcast "+
			"justice tx: %w", err)
	}

	brarLog.Infof("ChannelMonitor(%v): broadcast justice tx %v",
		m.cfg.FundingOutpoint, b.justiceTx.TxHash())

	m.state = StatePenaltyBroadcast

	return m.newEvent(
		EventPenaltyBroadcast, b.justiceTx.TxHash(), m.bestHeight,
	), nil
}

// checkBreachSpend resolves the monitor once a transaction spending the
// breached outputs confirms, be it ours or not. The caller must hold the
// lock.
func (m *ChannelMonitor) checkBreachSpend(tx *wire.MsgTx,
	height uint32) (MonitorEvent, bool) {

	b, err := m.breach.UnwrapOrErr(errNoBreach)
	if err != nil || b.justiceTx == nil {
		return MonitorEvent{}, false
	}

	for _, txIn := range b.justiceTx.TxIn {
		if !spendsOutpoint(tx, txIn.PreviousOutPoint) {
			continue
		}

		txid := tx.TxHash()
		if txid == b.justiceTx.TxHash() {
			brarLog.Infof("ChannelMonitor(%v): justice tx %v "+
				"confirmed at height %d", m.cfg.FundingOutpoint,
				txid, height)
		} else {
			brarLog.Warnf("ChannelMonitor(%v): breached output "+
				"%v swept by %v", m.cfg.FundingOutpoint,
				txIn.PreviousOutPoint, txid)
		}

		m.state = StateResolved

		return m.newEvent(EventResolved, txid, height), true
	}

	return MonitorEvent{}, false
}

func (m *ChannelMonitor) newEvent(t MonitorEventType, txid chainhash.Hash,
	height uint32) MonitorEvent {

	return MonitorEvent{
		ChanPoint: m.cfg.FundingOutpoint,
		Type:      t,
		Txid:      txid,
		Height:    height,
	}
}

// spendsOutpoint returns true if one of the inputs of tx spends op.
func spendsOutpoint(tx *wire.MsgTx, op wire.OutPoint) bool {
	for _, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint == op {
			return true
		}
	}

	return false
}
