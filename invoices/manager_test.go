package invoices

import (
	"math"
	"testing"
	"time"

	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lntypes"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(testHighestSeen, 0)

func newTestManager() (*InboundPaymentManager, *clock.TestClock) {
	testClock := clock.NewTestClock(testTime)

	return NewInboundPaymentManager(&InboundPaymentConfig{
		KeyMaterial: testKeyMaterial(),
		Entropy:     keychain.NewDeterministicEntropy(fill32(0x11)),
		Clock:       testClock,
	}), testClock
}

// TestManagerHighestSeen checks that the highest seen timestamp starts at the
// clock and never moves backwards.
func TestManagerHighestSeen(t *testing.T) {
	t.Parallel()

	mgr, _ := newTestManager()
	require.EqualValues(t, testHighestSeen, mgr.HighestSeen())

	mgr.BlockConnected(testTime.Add(-time.Hour))
	require.EqualValues(t, testHighestSeen, mgr.HighestSeen())

	mgr.BlockConnected(testTime.Add(time.Minute))
	require.EqualValues(t, testHighestSeen+60, mgr.HighestSeen())

	mgr.BlockConnected(testTime)
	require.EqualValues(t, testHighestSeen+60, mgr.HighestSeen())
}

// TestManagerLifecycle creates payments and follows them until they expire.
func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	mgr, _ := newTestManager()
	minAmt := lnwire.MilliSatoshi(50_000)

	hash, secret, err := mgr.Create(fn.Some(minAmt), time.Hour)
	require.NoError(t, err)

	preimage, err := mgr.Verify(hash, secret, minAmt)
	require.NoError(t, err)
	require.True(t, preimage.IsSome())

	p, err := mgr.Preimage(hash, secret)
	require.NoError(t, err)
	require.Equal(t, preimage.UnsafeFromSome(), p)

	_, err = mgr.Verify(hash, secret, minAmt-1)
	require.ErrorIs(t, err, ErrPaymentRejected)

	// Two payments never share a hash.
	hash2, _, err := mgr.Create(fn.Some(minAmt), time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, hash, hash2)

	userHash := p.Hash()
	userHash[31] ^= 0xff
	userSecret, err := mgr.CreateForHash(
		fn.None[lnwire.MilliSatoshi](), userHash, time.Hour,
	)
	require.NoError(t, err)

	userPreimage, err := mgr.Verify(userHash, userSecret, 1)
	require.NoError(t, err)
	require.True(t, userPreimage.IsNone())

	_, err = mgr.Preimage(userHash, userSecret)
	require.ErrorIs(t, err, ErrAPIMisuse)

	// One hour plus the two hour grace period later, both are still
	// accepted. One second more and they have expired.
	mgr.BlockConnected(testTime.Add(3 * time.Hour))
	_, err = mgr.Verify(hash, secret, minAmt)
	require.NoError(t, err)
	_, err = mgr.Verify(userHash, userSecret, 1)
	require.NoError(t, err)

	mgr.BlockConnected(testTime.Add(3*time.Hour + time.Second))
	_, err = mgr.Verify(hash, secret, minAmt)
	require.ErrorIs(t, err, ErrPaymentRejected)
	_, err = mgr.Verify(userHash, userSecret, 1)
	require.ErrorIs(t, err, ErrPaymentRejected)
}

// TestManagerInvalidExpiry checks that expiries which don't fit in 32 bits
// of seconds are rejected instead of wrapping around.
func TestManagerInvalidExpiry(t *testing.T) {
	t.Parallel()

	mgr, _ := newTestManager()
	hash := lntypes.Hash{0x42}

	tests := []struct {
		name   string
		expiry time.Duration
		valid  bool
	}{
		{name: "zero", expiry: 0, valid: true},
		{
			name:   "max",
			expiry: math.MaxUint32 * time.Second,
			valid:  true,
		},
		{
			name:   "max plus a fraction",
			expiry: math.MaxUint32*time.Second + time.Millisecond,
			valid:  true,
		},
		{name: "negative", expiry: -time.Second},
		{
			name:   "overflow",
			expiry: (math.MaxUint32 + 1) * time.Second,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := mgr.Create(
				fn.None[lnwire.MilliSatoshi](), test.expiry,
			)
			_, errHash := mgr.CreateForHash(
				fn.None[lnwire.MilliSatoshi](), hash,
				test.expiry,
			)

			if test.valid {
				require.NoError(t, err)
				require.NoError(t, errHash)

				return
			}

			require.ErrorIs(t, err, ErrInvalidExpiry)
			require.ErrorIs(t, errHash, ErrInvalidExpiry)
		})
	}
}
