package lntypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPreimageHash checks a preimage hashes to the payment hash it claims.
func TestPreimageHash(t *testing.T) {
	t.Parallel()

	preimage, err := MakePreimageFromStr(strings.Repeat("01", 32))
	require.NoError(t, err)

	// sha256 of 32 bytes of 0x01.
	hash, err := MakeHashFromStr("72cd6e8422c407fb6d098690f1130b7ded7ec2f" +
		"7f5e1d30bd9d521f015363793")
	require.NoError(t, err)

	require.Equal(t, hash, preimage.Hash())
	require.True(t, preimage.Matches(hash))
	require.False(t, preimage.Matches(Hash{}))
}

// TestMakeInvalidLength asserts the constructors reject input of the wrong
// size.
func TestMakeInvalidLength(t *testing.T) {
	t.Parallel()

	_, err := MakeHash(make([]byte, 31))
	require.ErrorContains(t, err, "invalid hash length")

	_, err = MakePaymentSecretFromStr("00")
	require.ErrorContains(t, err, "invalid payment secret string length")

	_, err = MakePreimageFromStr(strings.Repeat("zz", 32))
	require.Error(t, err)

	secret, err := MakePaymentSecret(make([]byte, 32))
	require.NoError(t, err)
	require.Equal(t, PaymentSecret{}, secret)
}
