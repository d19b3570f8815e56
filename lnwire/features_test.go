package lnwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// setRequireUnknownBits sets bit 14, an even bit no context understands.
func setRequireUnknownBits[C Context](f *FeatureVector[C]) {
	f.Set(14)
}

// TestSupportedFeaturesSanity checks that our own vectors never flag
// themselves as unknown and expose the expected accessors.
func TestSupportedFeaturesSanity(t *testing.T) {
	t.Parallel()

	require.False(t, SupportedChannelFeatures().RequiresUnknownBits())
	require.False(t, SupportedChannelFeatures().SupportsUnknownBits())
	require.False(t, SupportedInitFeatures().RequiresUnknownBits())
	require.False(t, SupportedInitFeatures().SupportsUnknownBits())
	require.False(t, SupportedNodeFeatures().RequiresUnknownBits())
	require.False(t, SupportedNodeFeatures().SupportsUnknownBits())

	require.True(t, SupportsUpfrontShutdownScript(SupportedInitFeatures()))
	require.True(t, SupportsUpfrontShutdownScript(SupportedNodeFeatures()))
	require.True(t, SupportsDataLossProtect(SupportedInitFeatures()))
	require.True(t, SupportsDataLossProtect(SupportedNodeFeatures()))
	require.True(t, SupportsVariableLengthOnion(SupportedInitFeatures()))
	require.True(t, SupportsVariableLengthOnion(SupportedNodeFeatures()))

	initFeatures := SupportedInitFeatures()
	SetInitialRoutingSync(initFeatures)
	require.True(t, HasInitialRoutingSync(initFeatures))
	require.False(t, initFeatures.RequiresUnknownBits())
	require.False(t, initFeatures.SupportsUnknownBits())

	// initial_routing_sync has no meaning in a node announcement.
	node := FeaturesFromLEBytes[NodeContext](initFeatures.LEFlags())
	require.True(t, node.SupportsUnknownBits())
	require.False(t, node.RequiresUnknownBits())
}

// TestUnknownBits toggles an unknown even bit on and off.
func TestUnknownBits(t *testing.T) {
	t.Parallel()

	features := SupportedChannelFeatures()
	setRequireUnknownBits(features)
	require.True(t, features.RequiresUnknownBits())
	require.True(t, features.SupportsUnknownBits())

	features.Unset(14)
	require.False(t, features.RequiresUnknownBits())
	require.Zero(t, features.ByteCount())

	// An unknown odd bit is supported but not required.
	initFeatures := SupportedInitFeatures()
	initFeatures.Set(MPPOptional)
	require.False(t, initFeatures.RequiresUnknownBits())
	require.True(t, initFeatures.SupportsUnknownBits())

	// Every bit is unknown in a channel context.
	channel := EmptyFeatures[ChannelContext]()
	channel.Set(DataLossProtectRequired)
	require.True(t, channel.RequiresUnknownBits())
}

// TestNodeFeaturesFromInit checks the projection of initFeatures flags onto the node
// context.
func TestNodeFeaturesFromInit(t *testing.T) {
	t.Parallel()

	initFeatures := SupportedInitFeatures()
	SetInitialRoutingSync(initFeatures)
	initFeatures.Set(GossipQueriesOptional)
	initFeatures.Set(StaticRemoteKeyOptional)
	initFeatures.Set(PaymentAddrOptional)
	initFeatures.Set(MPPOptional)

	res := NodeFeaturesFromInit(initFeatures)
	require.Equal(t, []byte{0b00100010, 0b00000010}, res.LEFlags())

	back := FeaturesFromLEBytes[InitContext](res.LEFlags())
	require.False(t, HasInitialRoutingSync(back))

	require.Zero(t, ChannelFeaturesFromInit(initFeatures).ByteCount())
}

// TestFeaturesWireForm checks the big-endian wire layout and the legacy
// global features encoding.
func TestFeaturesWireForm(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	require.NoError(t, SupportedInitFeatures().Encode(&b))
	require.Equal(t, []byte{0x00, 0x02, 0b00000010, 0b00100010}, b.Bytes())

	f := SupportedInitFeatures()
	f.Set(PaymentAddrRequired) // bit 14, past the legacy cut off.
	f.Set(MPPOptional)

	b.Reset()
	require.NoError(t, EncodeUpTo13(&b, f))
	require.Equal(t, []byte{0x00, 0x02, 0b00000010, 0b00100010}, b.Bytes())

	b.Reset()
	require.NoError(t, EncodeUpTo13(&b, EmptyFeatures[InitContext]()))
	require.Equal(t, []byte{0x00, 0x00}, b.Bytes())
}

// TestFeaturesRoundTrip encodes and decodes the empty set, our supported set
// and a set with a high unknown bit.
func TestFeaturesRoundTrip(t *testing.T) {
	t.Parallel()

	high := SupportedInitFeatures()
	high.Set(1000)

	for _, f := range []*InitFeatures{
		EmptyFeatures[InitContext](), SupportedInitFeatures(), high,
	} {
		var b bytes.Buffer
		require.NoError(t, f.Encode(&b))
		require.Equal(t, 2+f.ByteCount(), b.Len())

		var decoded InitFeatures
		require.NoError(t, decoded.Decode(&b))
		require.True(t, f.Equal(&decoded))
	}

	rapid.Check(t, func(t *rapid.T) {
		flags := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "flags")
		f := FeaturesFromLEBytes[NodeContext](flags)

		var b bytes.Buffer
		require.NoError(t, f.Encode(&b))

		var decoded NodeFeatures
		require.NoError(t, decoded.Decode(&b))
		require.True(t, f.Equal(&decoded))
		require.Equal(t, f.RequiresUnknownBits(),
			decoded.RequiresUnknownBits())
	})
}

// TestFeaturesOr checks the union of vectors of different lengths.
func TestFeaturesOr(t *testing.T) {
	t.Parallel()

	a := FeaturesFromLEBytes[InitContext]([]byte{0b00000010})
	b := FeaturesFromLEBytes[InitContext]([]byte{0b00100000, 0b00000010})

	require.True(t, a.Or(b).Equal(SupportedInitFeatures()))
	require.True(t, b.Or(a).Equal(SupportedInitFeatures()))
	require.Equal(t, []byte{0b00000010}, a.LEFlags())
}
