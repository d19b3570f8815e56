package contractcourt

import (
	"github.com/btcsuite/btcd/wire"
)

// Broadcaster publishes transactions to the network.
type Broadcaster interface {
	// PublishTransaction broadcasts the passed transaction. The label is
	// only used for bookkeeping by the wallet.
	PublishTransaction(tx *wire.MsgTx, label string) error
}

// Persister durably records channel monitors. A call only returns nil once
// the monitor state is on stable storage; a partial write must be reported
// as an error.
type Persister interface {
	// PersistNewChannel stores the monitor of a newly added channel.
	PersistNewChannel(chanPoint wire.OutPoint, mon *ChannelMonitor) error

	// UpdatePersistedChannel stores the monitor after the passed update
	// was applied to it. The update is nil when the change came from the
	// chain rather than from the channel.
	UpdatePersistedChannel(chanPoint wire.OutPoint,
		update *ChannelMonitorUpdate, mon *ChannelMonitor) error
}
