package contractcourt

import (
	"bytes"
	"testing"

	"github.com/lightningnetwork/chancore/lntypes"
	"github.com/lightningnetwork/chancore/lnwallet"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestChannelMonitorUpdateEncoding checks that every step kind survives
// encoding.
func TestChannelMonitorUpdateEncoding(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t, []lnwallet.HTLCOutputInCommitment{
		dustHTLC,
		{
			Offered:     false,
			Amount:      50_000_000,
			CltvExpiry:  700,
			PaymentHash: lntypes.Hash{0x09},
		},
	})

	remote := h.remoteCommitStep(4).(*LatestRemoteCommitment)
	secret := h.secretStep(3).(*CommitmentSecret)
	local := newBobLocalCommit(t, h.channel)

	update := &ChannelMonitorUpdate{
		UpdateID: 42,
		Steps: []UpdateStep{
			remote, secret, &LatestLocalCommitment{Commitment: local},
		},
	}

	var b bytes.Buffer
	require.NoError(t, update.Encode(&b))

	decoded, err := DecodeChannelMonitorUpdate(&b)
	require.NoError(t, err)
	require.EqualValues(t, 42, decoded.UpdateID)
	require.Len(t, decoded.Steps, 3)

	gotRemote, ok := decoded.Steps[0].(*LatestRemoteCommitment)
	require.True(t, ok)
	require.Equal(t, remote.Txid, gotRemote.Txid)
	require.Equal(t, remote.Height, gotRemote.Height)
	require.True(t, remote.CommitPoint.IsEqual(gotRemote.CommitPoint))
	require.Len(t, gotRemote.HTLCs, len(remote.HTLCs))
	for i := range remote.HTLCs {
		require.True(t, remote.HTLCs[i].Equal(&gotRemote.HTLCs[i]))
	}

	require.Equal(t, secret, decoded.Steps[1])

	gotLocal, ok := decoded.Steps[2].(*LatestLocalCommitment)
	require.True(t, ok)
	require.True(t, local.Equal(gotLocal.Commitment))
}

// TestRemoteCommitmentEncoding checks arbitrary HTLC sets survive the remote
// commitment encoding.
func TestRemoteCommitmentEncoding(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t, nil)
	point, err := h.channel.Alice.CommitPoint(0)
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		numHTLCs := rapid.IntRange(0, 20).Draw(t, "numHTLCs")

		commit := &RemoteCommitment{
			Height:      rapid.Uint64Max(1<<48).Draw(t, "height"),
			CommitPoint: point,
			HTLCs: make(
				[]lnwallet.HTLCOutputInCommitment, numHTLCs,
			),
		}
		copy(commit.Txid[:], rapid.SliceOfN(
			rapid.Byte(), 32, 32,
		).Draw(t, "txid"))

		for i := range commit.HTLCs {
			htlc := &commit.HTLCs[i]
			htlc.Offered = rapid.Bool().Draw(t, "offered")
			htlc.Amount = lnwire.MilliSatoshi(
				rapid.Uint64Max(1<<40).Draw(t, "amt"),
			)
			htlc.CltvExpiry = rapid.Uint32().Draw(t, "cltv")
			htlc.PaymentHash[0] = rapid.Byte().Draw(t, "hash")
			if rapid.Bool().Draw(t, "dust") {
				htlc.OutputIndex = fn.None[uint32]()
			} else {
				htlc.OutputIndex = fn.Some(
					rapid.Uint32Max(1000).Draw(t, "index"),
				)
			}
		}

		var b bytes.Buffer
		require.NoError(t, writeRemoteCommitment(&b, commit))

		decoded, err := readRemoteCommitment(&b)
		require.NoError(t, err)
		require.Equal(t, commit.Txid, decoded.Txid)
		require.Equal(t, commit.Height, decoded.Height)
		require.True(t, point.IsEqual(decoded.CommitPoint))
		require.Len(t, decoded.HTLCs, numHTLCs)
		for i := range commit.HTLCs {
			require.True(t, commit.HTLCs[i].Equal(&decoded.HTLCs[i]))
		}
	})
}

// TestDecodeUpdateUnknownStep checks that an unknown step tag is rejected.
func TestDecodeUpdateUnknownStep(t *testing.T) {
	t.Parallel()

	// One step with tag 7 and an empty payload.
	var (
		updateID uint64 = 1
		steps           = []byte{0x01, 0x07, 0x00}
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(updateIDType, &updateID),
		tlv.MakePrimitiveRecord(updateStepsType, &steps),
	)
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, stream.Encode(&b))

	_, err = DecodeChannelMonitorUpdate(&b)
	require.ErrorContains(t, err, "unknown update step")
}
