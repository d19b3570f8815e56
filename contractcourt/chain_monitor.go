package contractcourt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
	"github.com/lightningnetwork/chancore/subscribe"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrPermanentMonitorFailure is returned when a monitor update could
	// not be applied or made durable. The channel must be closed: we can
	// no longer guarantee a breach would be punished.
	ErrPermanentMonitorFailure = errors.New("permanent channel monitor " +
		"failure")

	// ErrMonitorExists is returned when adding a second monitor for the
	// same channel.
	ErrMonitorExists = errors.New("channel monitor already exists")

	// ErrUnknownMonitor is returned when no monitor exists for a channel.
	ErrUnknownMonitor = errors.New("unknown channel monitor")
)

// MonitorEventType describes what happened to a monitored channel.
type MonitorEventType uint8

const (
	// EventBreachDetected is sent when a revoked commitment confirms.
	EventBreachDetected MonitorEventType = iota

	// EventPenaltyBroadcast is sent once the justice transaction was
	// published.
	EventPenaltyBroadcast

	// EventResolved is sent when a monitor has nothing left to watch.
	EventResolved
)

// String returns a human readable name of the event type.
func (t MonitorEventType) String() string {
	switch t {
	case EventBreachDetected:
		return "BreachDetected"
	case EventPenaltyBroadcast:
		return "PenaltyBroadcast"
	case EventResolved:
		return "Resolved"
	default:
		return fmt.Sprintf("MonitorEventType(%d)", uint8(t))
	}
}

// MonitorEvent is a state change of a channel monitor.
type MonitorEvent struct {
	// ChanPoint is the funding outpoint of the channel.
	ChanPoint wire.OutPoint

	Type MonitorEventType

	// Txid is the transaction that caused the event: the revoked
	// commitment, the justice transaction, or the spend that resolved
	// the channel.
	Txid chainhash.Hash

	// Height is the block height the event happened at.
	Height uint32

	// Timestamp is the time the ChainMonitor processed the event.
	Timestamp time.Time
}

// ChainMonitorConfig houses the collaborators of a ChainMonitor.
type ChainMonitorConfig struct {
	// Persister makes monitor state durable.
	Persister Persister

	// Broadcaster publishes justice transactions.
	Broadcaster Broadcaster

	// Estimator is used to price justice transactions.
	Estimator chainfee.Estimator

	// Clock timestamps events.
	Clock clock.Clock

	// Registerer, if set, receives the prometheus collectors of the
	// monitor.
	Registerer prometheus.Registerer
}

// monitorEntry is a monitor along with whether its channel was stopped.
type monitorEntry struct {
	mon *ChannelMonitor

	// failed is set once an update or write failed. Failed channels keep
	// being watched but refuse further updates.
	failed bool
}

// ChainMonitor watches the chain on behalf of the monitors of every channel,
// persisting each monitor before an update is acknowledged.
type ChainMonitor struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg ChainMonitorConfig

	// mu guards the monitors map only. Each monitor has its own lock.
	mu       sync.RWMutex
	monitors map[wire.OutPoint]*monitorEntry

	events  *subscribe.Server[MonitorEvent]
	metrics *monitorMetrics
}

// NewChainMonitor creates a ChainMonitor with no channels.
func NewChainMonitor(cfg ChainMonitorConfig) (*ChainMonitor, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	c := &ChainMonitor{
		cfg:      cfg,
		monitors: make(map[wire.OutPoint]*monitorEntry),
		events:   subscribe.NewServer[MonitorEvent](),
		metrics:  newMonitorMetrics(),
	}

	if cfg.Registerer != nil {
		if err := c.metrics.register(cfg.Registerer); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Start launches the event server.
func (c *ChainMonitor) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	log.Info("ChainMonitor starting")

	return c.events.Start()
}

// Stop shuts down the event server.
func (c *ChainMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	log.Info("ChainMonitor shutting down...")
	defer log.Debug("ChainMonitor shutdown complete")

	return c.events.Stop()
}

// SubscribeEvents returns a client receiving every monitor event.
func (c *ChainMonitor) SubscribeEvents() (*subscribe.Client[MonitorEvent],
	error) {

	return c.events.Subscribe()
}

// AddMonitor starts watching a new channel. The monitor is persisted before
// this returns; a persistence failure is permanent and the channel must not
// be used.
func (c *ChainMonitor) AddMonitor(chanPoint wire.OutPoint,
	mon *ChannelMonitor) error {

	c.mu.Lock()
	if _, ok := c.monitors[chanPoint]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMonitorExists, chanPoint)
	}

	entry := &monitorEntry{mon: mon}
	c.monitors[chanPoint] = entry
	c.mu.Unlock()

	err := c.cfg.Persister.PersistNewChannel(chanPoint, mon)
	if err != nil {
		c.failChannel(chanPoint, entry, err)

		return fmt.Errorf("%w: unable to persist new monitor for "+
			"%v: %v", ErrPermanentMonitorFailure, chanPoint, err)
	}

	log.Infof("Watching channel %v for breaches", chanPoint)
	c.updateStateMetrics()

	return nil
}

// UpdateMonitor applies an update to the monitor of a channel and persists
// it. Any failure stops the channel permanently.
func (c *ChainMonitor) UpdateMonitor(chanPoint wire.OutPoint,
	update *ChannelMonitorUpdate) error {

	c.mu.RLock()
	entry, ok := c.monitors[chanPoint]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownMonitor, chanPoint)
	}

	c.mu.Lock()
	failed := entry.failed
	c.mu.Unlock()
	if failed {
		return fmt.Errorf("%w: channel %v was stopped",
			ErrPermanentMonitorFailure, chanPoint)
	}

	if err := entry.mon.UpdateMonitor(update); err != nil {
		c.failChannel(chanPoint, entry, err)

		return fmt.Errorf("%w: %w", ErrPermanentMonitorFailure, err)
	}

	err := c.cfg.Persister.UpdatePersistedChannel(
		chanPoint, update, entry.mon,
	)
	if err != nil {
		c.failChannel(chanPoint, entry, err)

		return fmt.Errorf("%w: unable to persist update %d of %v: %w",
			ErrPermanentMonitorFailure, update.UpdateID, chanPoint,
			err)
	}

	return nil
}

// failChannel marks a channel as stopped.
func (c *ChainMonitor) failChannel(chanPoint wire.OutPoint,
	entry *monitorEntry, err error) {

	log.Criticalf("Channel %v stopped, monitor failure: %v", chanPoint,
		err)

	c.mu.Lock()
	entry.failed = true
	c.mu.Unlock()

	c.metrics.persistFailures.Inc()
}

// IsFailed returns true if the channel was stopped after a monitor failure.
func (c *ChainMonitor) IsFailed(chanPoint wire.OutPoint) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.monitors[chanPoint]
	if !ok {
		return false, fmt.Errorf("%w: %v", ErrUnknownMonitor, chanPoint)
	}

	return entry.failed, nil
}

// Monitor returns the monitor of a channel.
func (c *ChainMonitor) Monitor(chanPoint wire.OutPoint) (*ChannelMonitor,
	error) {

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.monitors[chanPoint]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMonitor, chanPoint)
	}

	return entry.mon, nil
}

// BlockConnected hands a new block to every monitor. Monitors that changed
// state are persisted and their events sent to subscribers. Failed channels
// are still watched, a breach must be punished regardless.
func (c *ChainMonitor) BlockConnected(block *wire.MsgBlock,
	height uint32) error {

	c.mu.RLock()
	entries := make(map[wire.OutPoint]*monitorEntry, len(c.monitors))
	for op, e := range c.monitors {
		entries[op] = e
	}
	c.mu.RUnlock()

	var errs []error
	for chanPoint, entry := range entries {
		events, err := entry.mon.BlockConnected(
			block, height, c.cfg.Broadcaster, c.cfg.Estimator,
		)
		if err != nil {
			log.Errorf("Monitor of %v failed at height %d: %v",
				chanPoint, height, err)
			errs = append(errs, fmt.Errorf("%v: %w", chanPoint, err))
		}

		if len(events) == 0 {
			continue
		}

		err = c.cfg.Persister.UpdatePersistedChannel(
			chanPoint, nil, entry.mon,
		)
		if err != nil {
			c.failChannel(chanPoint, entry, err)
			errs = append(errs, fmt.Errorf("%w: %v: %w",
				ErrPermanentMonitorFailure, chanPoint, err))
		}

		for _, event := range events {
			event.Timestamp = c.cfg.Clock.Now()
			c.metrics.observeEvent(event)

			log.Infof("Channel %v: %v at height %d (txid=%v)",
				chanPoint, event.Type, event.Height, event.Txid)

			c.notify(event)
		}
	}

	c.updateStateMetrics()

	return errors.Join(errs...)
}

// notify sends an event to subscribers if the event server is running.
func (c *ChainMonitor) notify(event MonitorEvent) {
	if atomic.LoadInt32(&c.started) == 0 ||
		atomic.LoadInt32(&c.stopped) == 1 {

		return
	}

	if err := c.events.SendUpdate(event); err != nil {
		log.Warnf("Unable to send monitor event: %v", err)
	}
}

// updateStateMetrics recounts the monitors per state.
func (c *ChainMonitor) updateStateMetrics() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[MonitorState]int)
	for _, e := range c.monitors {
		counts[e.mon.State()]++
	}
	c.metrics.setStates(counts)
}
