package invoices

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lntypes"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// InboundPaymentConfig houses the dependencies of an InboundPaymentManager.
type InboundPaymentConfig struct {
	// KeyMaterial is the node's inbound payment secret, expanded into the
	// authenticator keys.
	KeyMaterial [32]byte

	// Entropy provides the IVs of new payments.
	Entropy keychain.EntropySource

	// Clock provides the initial highest seen timestamp, used until the
	// first block is connected.
	Clock clock.Clock
}

// InboundPaymentManager creates and verifies stateless inbound payments
// against the highest block timestamp it has seen.
type InboundPaymentManager struct {
	cfg  InboundPaymentConfig
	keys *ExpandedKey

	mu          sync.Mutex
	highestSeen uint64
}

// NewInboundPaymentManager creates a manager from the config.
func NewInboundPaymentManager(
	cfg *InboundPaymentConfig) *InboundPaymentManager {

	return &InboundPaymentManager{
		cfg:         *cfg,
		keys:        NewExpandedKey(cfg.KeyMaterial),
		highestSeen: uint64(cfg.Clock.Now().Unix()),
	}
}

// BlockConnected records the timestamp of a new block. The highest seen
// timestamp never moves backwards.
func (m *InboundPaymentManager) BlockConnected(timestamp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := uint64(timestamp.Unix())
	if ts <= m.highestSeen {
		return
	}

	log.Tracef("Highest seen timestamp advanced from %d to %d",
		m.highestSeen, ts)

	m.highestSeen = ts
}

// HighestSeen returns the highest block timestamp seen.
func (m *InboundPaymentManager) HighestSeen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.highestSeen
}

// expirySeconds converts a payment expiry to whole seconds, rejecting any
// that doesn't fit in a uint32.
func expirySeconds(expiry time.Duration) (uint32, error) {
	secs := expiry / time.Second
	if expiry < 0 || secs > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidExpiry, expiry)
	}

	return uint32(secs), nil
}

// Create returns the hash and secret of a new payment whose preimage we can
// recompute.
func (m *InboundPaymentManager) Create(minAmt fn.Option[lnwire.MilliSatoshi],
	expiry time.Duration) (lntypes.Hash, lntypes.PaymentSecret, error) {

	expirySecs, err := expirySeconds(expiry)
	if err != nil {
		return lntypes.Hash{}, lntypes.PaymentSecret{}, err
	}

	hash, secret, err := CreatePayment(
		m.keys, minAmt, expirySecs, m.cfg.Entropy, m.HighestSeen(),
	)
	if err != nil {
		return lntypes.Hash{}, lntypes.PaymentSecret{}, err
	}

	log.Debugf("Created inbound payment %v, min_amt=%v, expiry=%v", hash,
		minAmt.UnwrapOr(0), expiry)

	return hash, secret, nil
}

// CreateForHash returns the secret of a new payment for a user supplied
// hash.
func (m *InboundPaymentManager) CreateForHash(
	minAmt fn.Option[lnwire.MilliSatoshi], hash lntypes.Hash,
	expiry time.Duration) (lntypes.PaymentSecret, error) {

	expirySecs, err := expirySeconds(expiry)
	if err != nil {
		return lntypes.PaymentSecret{}, err
	}

	secret, err := CreatePaymentFromHash(
		m.keys, minAmt, hash, expirySecs, m.HighestSeen(),
	)
	if err != nil {
		return lntypes.PaymentSecret{}, err
	}

	log.Debugf("Created inbound payment for user hash %v, min_amt=%v, "+
		"expiry=%v", hash, minAmt.UnwrapOr(0), expiry)

	return secret, nil
}

// Verify authenticates an incoming payment. See VerifyPayment.
func (m *InboundPaymentManager) Verify(hash lntypes.Hash,
	secret lntypes.PaymentSecret,
	totalMsat lnwire.MilliSatoshi) (fn.Option[lntypes.Preimage], error) {

	return VerifyPayment(hash, secret, totalMsat, m.HighestSeen(), m.keys)
}

// Preimage recomputes the preimage of a payment made by Create.
func (m *InboundPaymentManager) Preimage(hash lntypes.Hash,
	secret lntypes.PaymentSecret) (lntypes.Preimage, error) {

	return PaymentPreimage(hash, secret, m.keys)
}
