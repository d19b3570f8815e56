package shachain

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testInsert struct {
	index      index
	secret     string
	successful bool
}

// tests encodes the test vectors specified in BOLT-03, Appendix D,
// Storage Tests.
var tests = []struct {
	name    string
	inserts []testInsert
}{
	{
		name: "insert_secret correct sequence",
		inserts: []testInsert{
			{
				index: 281474976710655,
				secret: "7cc854b54e3e0dcdb010d7a3fee464a9687b" +
					"e6e8db3be6854c475621e007a5dc",
				successful: true,
			},
			{
				index: 281474976710654,
				secret: "c7518c8ae4660ed02894df8976fa1a3659c1" +
					"a8b4b5bec0c4b872abeba4cb8964",
				successful: true,
			},
			{
				index: 281474976710653,
				secret: "2273e227a5b7449b6e70f1fb4652864038b1" +
					"cbf9cd7c043a7d6456b7fc275ad8",
				successful: true,
			},
			{
				index: 281474976710652,
				secret: "27cddaa5624534cb6cb9d7da077cf2b22ab2" +
					"1e9b506fd4998a51d54502e99116",
				successful: true,
			},
			{
				index: 281474976710651,
				secret: "c65716add7aa98ba7acb236352d665cab173" +
					"45fe45b55fb879ff80e6bd0c41dd",
				successful: true,
			},
			{
				index: 281474976710650,
				secret: "969660042a28f32d9be17344e09374b37996" +
					"2d03db1574df5a8a5a47e19ce3f2",
				successful: true,
			},
			{
				index: 281474976710649,
				secret: "a5a64476122ca0925fb344bdc1854c1c0a59" +
					"fc614298e50a33e331980a220f32",
				successful: true,
			},
			{
				index: 281474976710648,
				secret: "05cde6323d949933f7f7b78776bcc1ea6d9b" +
					"31447732e3802e1f7ac44b650e17",
				successful: true,
			},
		},
	},
	{
		name: "insert_secret #1 incorrect",
		inserts: []testInsert{
			{
				index: 281474976710655,
				secret: "02a40c85b6f28da08dfdbe0926c53fab2d" +
					"e6d28c10301f8f7c4073d5e42e3148",
				successful: true,
			},
			{
				index: 281474976710654,
				secret: "c7518c8ae4660ed02894df8976fa1a3659" +
					"c1a8b4b5bec0c4b872abeba4cb8964",
				successful: false,
			},
		},
	},
	{
		name: "insert_secret #2 incorrect (#1 derived from incorrect)",
		inserts: []testInsert{
			{
				index: 281474976710655,
				secret: "02a40c85b6f28da08dfdbe0926c53fab2de6" +
					"d28c10301f8f7c4073d5e42e3148",
				successful: true,
			},
			{
				index: 281474976710654,
				secret: "dddc3a8d14fddf2b68fa8c7fbad274827493" +
					"7479dd0f8930d5ebb4ab6bd866a3",
				successful: true,
			},
			{
				index: 281474976710653,
				secret: "2273e227a5b7449b6e70f1fb4652864038b1" +
					"cbf9cd7c043a7d6456b7fc275ad8",
				successful: true,
			},
			{
				index: 281474976710652,
				secret: "27cddaa5624534cb6cb9d7da077cf2b22a" +
					"b21e9b506fd4998a51d54502e99116",
				successful: false,
			},
		},
	},
	{
		name: "insert_secret #3 incorrect",
		inserts: []testInsert{
			{
				index: 281474976710655,
				secret: "7cc854b54e3e0dcdb010d7a3fee464a9687b" +
					"e6e8db3be6854c475621e007a5dc",
				successful: true,
			},
			{
				index: 281474976710654,
				secret: "c7518c8ae4660ed02894df8976fa1a3659c1" +
					"a8b4b5bec0c4b872abeba4cb8964",
				successful: true,
			},
			{
				index: 281474976710653,
				secret: "c51a18b13e8527e579ec56365482c62f180b" +
					"7d5760b46e9477dae59e87ed423a",
				successful: true,
			},
			{
				index: 281474976710652,
				secret: "27cddaa5624534cb6cb9d7da077cf2b22ab2" +
					"1e9b506fd4998a51d54502e99116",
				successful: false,
			},
		},
	},
	{
		name: "insert_secret #4 incorrect (1,2,3 derived from incorrect)",
		inserts: []testInsert{
			{
				index: 281474976710655,
				secret: "02a40c85b6f28da08dfdbe0926c53fab2de6" +
					"d28c10301f8f7c4073d5e42e3148",
				successful: true,
			},
			{
				index: 281474976710654,
				secret: "dddc3a8d14fddf2b68fa8c7fbad274827493" +
					"7479dd0f8930d5ebb4ab6bd866a3",
				successful: true,
			},
			{
				index: 281474976710653,
				secret: "c51a18b13e8527e579ec56365482c62f18" +
					"0b7d5760b46e9477dae59e87ed423a",
				successful: true,
			},
			{
				index: 281474976710652,
				secret: "ba65d7b0ef55a3ba300d4e87af29868f39" +
					"4f8f138d78a7011669c79b37b936f4",
				successful: true,
			},
			{
				index: 281474976710651,
				secret: "c65716add7aa98ba7acb236352d665cab1" +
					"7345fe45b55fb879ff80e6bd0c41dd",
				successful: true,
			},
			{
				index: 281474976710650,
				secret: "969660042a28f32d9be17344e09374b379" +
					"962d03db1574df5a8a5a47e19ce3f2",
				successful: true,
			},
			{
				index: 281474976710649,
				secret: "a5a64476122ca0925fb344bdc1854c1c0a" +
					"59fc614298e50a33e331980a220f32",
				successful: true,
			},
			{
				index: 281474976710649,
				secret: "05cde6323d949933f7f7b78776bcc1ea6d9b" +
					"31447732e3802e1f7ac44b650e17",
				successful: false,
			},
		},
	},
	{
		name: "insert_secret #5 incorrect",
		inserts: []testInsert{
			{
				index: 281474976710655,
				secret: "7cc854b54e3e0dcdb010d7a3fee464a9687b" +
					"e6e8db3be6854c475621e007a5dc",
				successful: true,
			},
			{
				index: 281474976710654,
				secret: "c7518c8ae4660ed02894df8976fa1a3659c1a" +
					"8b4b5bec0c4b872abeba4cb8964",
				successful: true,
			},
			{
				index: 281474976710653,
				secret: "2273e227a5b7449b6e70f1fb4652864038b1" +
					"cbf9cd7c043a7d6456b7fc275ad8",
				successful: true,
			},
			{
				index: 281474976710652,
				secret: "27cddaa5624534cb6cb9d7da077cf2b22ab21" +
					"e9b506fd4998a51d54502e99116",
				successful: true,
			},
			{
				index: 281474976710651,
				secret: "631373ad5f9ef654bb3dade742d09504c567" +
					"edd24320d2fcd68e3cc47e2ff6a6",
				successful: true,
			},
			{
				index: 281474976710650,
				secret: "969660042a28f32d9be17344e09374b37996" +
					"2d03db1574df5a8a5a47e19ce3f2",
				successful: false,
			},
		},
	},
	{
		name: "insert_secret #6 incorrect (5 derived from incorrect)",
		inserts: []testInsert{
			{
				index: 281474976710655,
				secret: "7cc854b54e3e0dcdb010d7a3fee464a9687b" +
					"e6e8db3be6854c475621e007a5dc",
				successful: true,
			},
			{
				index: 281474976710654,
				secret: "c7518c8ae4660ed02894df8976fa1a3659c1a" +
					"8b4b5bec0c4b872abeba4cb8964",
				successful: true,
			},
			{
				index: 281474976710653,
				secret: "2273e227a5b7449b6e70f1fb4652864038b1" +
					"cbf9cd7c043a7d6456b7fc275ad8",
				successful: true,
			},
			{
				index: 281474976710652,
				secret: "27cddaa5624534cb6cb9d7da077cf2b22ab21" +
					"e9b506fd4998a51d54502e99116",
				successful: true,
			},
			{
				index: 281474976710651,
				secret: "631373ad5f9ef654bb3dade742d09504c567" +
					"edd24320d2fcd68e3cc47e2ff6a6",
				successful: true,
			},
			{
				index: 281474976710650,
				secret: "b7e76a83668bde38b373970155c868a65330" +
					"4308f9896692f904a23731224bb1",
				successful: true,
			},
			{
				index: 281474976710649,
				secret: "a5a64476122ca0925fb344bdc1854c1c0a59f" +
					"c614298e50a33e331980a220f32",
				successful: true,
			},
			{
				index: 281474976710648,
				secret: "05cde6323d949933f7f7b78776bcc1ea6d9b" +
					"31447732e3802e1f7ac44b650e17",
				successful: false,
			},
		},
	},
	{
		name: "insert_secret #7 incorrect",
		inserts: []testInsert{
			{
				index: 281474976710655,
				secret: "7cc854b54e3e0dcdb010d7a3fee464a9687b" +
					"e6e8db3be6854c475621e007a5dc",
				successful: true,
			},
			{
				index: 281474976710654,
				secret: "c7518c8ae4660ed02894df8976fa1a3659c1a" +
					"8b4b5bec0c4b872abeba4cb8964",
				successful: true,
			},
			{
				index: 281474976710653,
				secret: "2273e227a5b7449b6e70f1fb4652864038b1" +
					"cbf9cd7c043a7d6456b7fc275ad8",
				successful: true,
			},
			{
				index: 281474976710652,
				secret: "27cddaa5624534cb6cb9d7da077cf2b22ab21" +
					"e9b506fd4998a51d54502e99116",
				successful: true,
			},
			{
				index: 281474976710651,
				secret: "c65716add7aa98ba7acb236352d665cab173" +
					"45fe45b55fb879ff80e6bd0c41dd",
				successful: true,
			},
			{
				index: 281474976710650,
				secret: "969660042a28f32d9be17344e09374b37996" +
					"2d03db1574df5a8a5a47e19ce3f2",
				successful: true,
			},
			{
				index: 281474976710649,
				secret: "e7971de736e01da8ed58b94c2fc216cb1d" +
					"ca9e326f3a96e7194fe8ea8af6c0a3",
				successful: true,
			},
			{
				index: 281474976710648,
				secret: "05cde6323d949933f7f7b78776bcc1ea6d" +
					"9b31447732e3802e1f7ac44b650e17",
				successful: false,
			},
		},
	},
	{
		name: "insert_secret #8 incorrect",
		inserts: []testInsert{
			{
				index: 281474976710655,
				secret: "7cc854b54e3e0dcdb010d7a3fee464a9687b" +
					"e6e8db3be6854c475621e007a5dc",
				successful: true,
			},
			{
				index: 281474976710654,
				secret: "c7518c8ae4660ed02894df8976fa1a3659c1a" +
					"8b4b5bec0c4b872abeba4cb8964",
				successful: true,
			},
			{
				index: 281474976710653,
				secret: "2273e227a5b7449b6e70f1fb4652864038b1" +
					"cbf9cd7c043a7d6456b7fc275ad8",
				successful: true,
			},
			{
				index: 281474976710652,
				secret: "27cddaa5624534cb6cb9d7da077cf2b22ab21" +
					"e9b506fd4998a51d54502e99116",
				successful: true,
			},
			{
				index: 281474976710651,
				secret: "c65716add7aa98ba7acb236352d665cab173" +
					"45fe45b55fb879ff80e6bd0c41dd",
				successful: true,
			},
			{
				index: 281474976710650,
				secret: "969660042a28f32d9be17344e09374b37996" +
					"2d03db1574df5a8a5a47e19ce3f2",
				successful: true,
			},
			{
				index: 281474976710649,
				secret: "a5a64476122ca0925fb344bdc1854c1c0a" +
					"59fc614298e50a33e331980a220f32",
				successful: true,
			},
			{
				index: 281474976710648,
				secret: "a7efbc61aac46d34f77778bac22c8a20c6" +
					"a46ca460addc49009bda875ec88fa4",
				successful: false,
			},
		},
	},
}

// TestBolt3ShaChainInsert checks the store against the BOLT #3 storage
// vectors.
func TestBolt3ShaChainInsert(t *testing.T) {
	t.Parallel()

	for _, test := range tests {
		receiver := NewRevocationStore()

		for _, insert := range test.inserts {
			secret, err := hashFromString(insert.secret)
			require.NoError(t, err)

			err = receiver.AddNextEntry(secret)
			if insert.successful {
				require.NoError(t, err, test.name)
			} else {
				require.ErrorIs(t, err, ErrNotDerivable, test.name)
			}
		}
	}
}

// TestShaChainStore checks the ability of shachain store to hold the produced
// secrets after recovering from bytes data.
func TestShaChainStore(t *testing.T) {
	t.Parallel()

	seed := chainhash.DoubleHashH([]byte("shachaintest"))

	sender := NewRevocationProducer(seed)
	receiver := NewRevocationStore()

	for n := uint64(0); n < 10000; n++ {
		sha, err := sender.AtIndex(n)
		require.NoError(t, err)

		require.NoError(t, receiver.AddEntryAt(n, sha))
	}
	require.EqualValues(t, 10000, receiver.NextHeight())

	var b bytes.Buffer
	require.NoError(t, receiver.Encode(&b))

	newReceiver, err := NewRevocationStoreFromBytes(&b)
	require.NoError(t, err)

	for n := uint64(0); n < 10000; n++ {
		want, err := sender.AtIndex(n)
		require.NoError(t, err)

		got, err := newReceiver.LookUp(n)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// Secrets that were never handed over must stay unknown.
	_, err = newReceiver.LookUp(10000)
	require.ErrorIs(t, err, ErrUnknownSecret)
}

// TestAddEntryAtOrdering asserts secrets must arrive at consecutive heights.
func TestAddEntryAtOrdering(t *testing.T) {
	t.Parallel()

	sender := NewRevocationProducer(chainhash.Hash{1})
	receiver := NewRevocationStore()

	sha, err := sender.AtIndex(1)
	require.NoError(t, err)
	require.ErrorIs(t, receiver.AddEntryAt(1, sha), ErrOutOfOrder)

	sha, err = sender.AtIndex(0)
	require.NoError(t, err)
	require.NoError(t, receiver.AddEntryAt(0, sha))

	// A secret from a different chain fails the consistency check once a
	// bucket must be reproduced.
	other, err := NewRevocationProducer(chainhash.Hash{2}).AtIndex(1)
	require.NoError(t, err)
	require.ErrorIs(t, receiver.AddEntryAt(1, other), ErrNotDerivable)
}

// TestBolt3GenerateFromSeed checks the producer against the BOLT #3
// Appendix D generation vectors.
func TestBolt3GenerateFromSeed(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		seed   string
		height uint64
		output string
	}{
		{
			name: "generate_from_seed 0 final node",
			seed: "0000000000000000000000000000000000000000000" +
				"000000000000000000000",
			height: 0,
			output: "02a40c85b6f28da08dfdbe0926c53fab2de6d28c1030" +
				"1f8f7c4073d5e42e3148",
		},
		{
			name: "generate_from_seed FF final node",
			seed: "fffffffffffffffffffffffffffffffffffffffffff" +
				"fffffffffffffffffffff",
			height: 0,
			output: "7cc854b54e3e0dcdb010d7a3fee464a9687be6e8db3b" +
				"e6854c475621e007a5dc",
		},
		{
			name: "generate_from_seed FF alternate bits 1",
			seed: "fffffffffffffffffffffffffffffffffffffffffff" +
				"fffffffffffffffffffff",
			// 2^48-1 - 0xaaaaaaaaaaa
			height: 269746852681045,
			output: "56f4008fb007ca9acf0e15b054d5c9fd12ee06cea347" +
				"914ddbaed70d1c13a528",
		},
		{
			name: "generate_from_seed 01 last nontrivial node",
			seed: "0101010101010101010101010101010101010101010" +
				"101010101010101010101",
			height: 281474976710654,
			output: "915c75942a26bb3a433a8ce2cb0427c29ec6c1775cfc" +
				"78328b57f6ba7bfeaa9c",
		},
	}

	for _, tc := range testCases {
		seed, err := hashFromString(tc.seed)
		require.NoError(t, err)

		secret, err := NewRevocationProducer(*seed).AtIndex(tc.height)
		require.NoError(t, err, tc.name)

		want, err := hashFromString(tc.output)
		require.NoError(t, err)
		require.Equal(t, want, secret, tc.name)
	}

	_, err := NewRevocationProducer(chainhash.Hash{}).AtIndex(1 << 48)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

// TestStoreProducerProperty checks that any prefix of produced secrets can be
// stored, survives encoding, and yields every stored secret back.
func TestStoreProducerProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		var root chainhash.Hash
		copy(root[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(
			t, "root",
		))
		n := rapid.Uint64Range(1, 300).Draw(t, "n")

		var encoded bytes.Buffer
		producer := NewRevocationProducer(root)
		require.NoError(t, producer.Encode(&encoded))

		restored, err := NewRevocationProducerFromBytes(
			encoded.Bytes(),
		)
		require.NoError(t, err)

		store := NewRevocationStore()
		for i := uint64(0); i < n; i++ {
			sha, err := restored.AtIndex(i)
			require.NoError(t, err)
			require.NoError(t, store.AddNextEntry(sha))
		}

		probe := rapid.Uint64Range(0, n-1).Draw(t, "probe")
		want, err := producer.AtIndex(probe)
		require.NoError(t, err)

		got, err := store.LookUp(probe)
		require.NoError(t, err)
		require.Equal(t, want, got)
	})
}

// hashFromString parses a hex secret without the byte reversal of
// chainhash.NewHashFromStr.
func hashFromString(s string) (*chainhash.Hash, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}

	return chainhash.NewHash(buf)
}

// TestIndexFlips checks derivability within a small tree.
func TestIndexFlips(t *testing.T) {
	t.Parallel()

	flips, err := index(4).flips(7)
	require.NoError(t, err)
	require.Equal(t, []uint8{1, 0}, flips)

	flips, err = index(6).flips(6)
	require.NoError(t, err)
	require.Empty(t, flips)

	_, err = index(5).flips(6)
	require.ErrorIs(t, err, errIndexNotDerivable)

	require.Equal(t, maxHeight, rootIndex.bucket())
	require.Equal(t, uint8(2), index(4).bucket())
}
