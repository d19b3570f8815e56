package contractcourt

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// monitorBucket stores the serialized monitor of every channel, keyed
	// by funding outpoint.
	monitorBucket = []byte("channel-monitors")

	// ErrMonitorNotFound is returned when a channel has no stored monitor.
	ErrMonitorNotFound = errors.New("channel monitor not found")
)

// MonitorStore persists channel monitors in a kvdb backend. It implements
// the Persister interface.
type MonitorStore struct {
	db kvdb.Backend
}

// NewMonitorStore creates a store backed by db.
func NewMonitorStore(db kvdb.Backend) *MonitorStore {
	return &MonitorStore{db: db}
}

// A compile time check to ensure MonitorStore implements Persister.
var _ Persister = (*MonitorStore)(nil)

// PersistNewChannel stores the monitor of a new channel.
//
// NOTE: This is part of the Persister interface.
func (s *MonitorStore) PersistNewChannel(chanPoint wire.OutPoint,
	mon *ChannelMonitor) error {

	return s.put(chanPoint, mon)
}

// UpdatePersistedChannel rewrites the monitor of a channel. The full monitor
// is written, so the update itself isn't needed.
//
// NOTE: This is part of the Persister interface.
func (s *MonitorStore) UpdatePersistedChannel(chanPoint wire.OutPoint,
	_ *ChannelMonitorUpdate, mon *ChannelMonitor) error {

	return s.put(chanPoint, mon)
}

// put writes the monitor under its outpoint within a single db transaction,
// so a failed write leaves the previous state in place.
func (s *MonitorStore) put(chanPoint wire.OutPoint, mon *ChannelMonitor) error {
	var monBuf bytes.Buffer
	if err := mon.WriteForDisk(&monBuf); err != nil {
		return err
	}

	var keyBuf bytes.Buffer
	if err := writeOutpoint(&keyBuf, &chanPoint); err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(monitorBucket)
		if err != nil {
			return err
		}

		return bucket.Put(keyBuf.Bytes(), monBuf.Bytes())
	}, func() {})
}

// Remove deletes the monitor of a channel, once it is resolved.
func (s *MonitorStore) Remove(chanPoint wire.OutPoint) error {
	var keyBuf bytes.Buffer
	if err := writeOutpoint(&keyBuf, &chanPoint); err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(monitorBucket)
		if bucket == nil {
			return ErrMonitorNotFound
		}

		if bucket.Get(keyBuf.Bytes()) == nil {
			return ErrMonitorNotFound
		}

		return bucket.Delete(keyBuf.Bytes())
	}, func() {})
}

// FetchAll restores every stored monitor. The key ring is handed to each
// restored monitor.
func (s *MonitorStore) FetchAll(
	keyRing keychain.SecretKeyRing) (map[wire.OutPoint]*ChannelMonitor,
	error) {

	var monitors map[wire.OutPoint]*ChannelMonitor
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(monitorBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var chanPoint wire.OutPoint
			err := readOutpoint(bytes.NewReader(k), &chanPoint)
			if err != nil {
				return err
			}

			_, mon, err := ReadChannelMonitor(
				bytes.NewReader(v), keyRing,
			)
			if err != nil {
				return err
			}

			monitors[chanPoint] = mon

			return nil
		})
	}, func() {
		monitors = make(map[wire.OutPoint]*ChannelMonitor)
	})
	if err != nil {
		return nil, err
	}

	return monitors, nil
}
