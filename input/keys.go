package input

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	// ErrZeroScalar is returned when a private key derivation sums to the
	// zero scalar, which is not a valid private key.
	ErrZeroScalar = errors.New("derived private key is zero")

	// ErrPointAtInfinity is returned when a public key derivation lands on
	// the point at infinity.
	ErrPointAtInfinity = errors.New("derived public key is the point at " +
		"infinity")
)

// SingleTweakBytes computes the tweak value applied to a basepoint to arrive
// at the key for a given commitment height:
//
//	tweak := sha256(commitPoint || basePoint)
func SingleTweakBytes(commitPoint, basePoint *btcec.PublicKey) []byte {
	h := sha256.New()
	h.Write(commitPoint.SerializeCompressed())
	h.Write(basePoint.SerializeCompressed())
	return h.Sum(nil)
}

// TweakPubKey tweaks a public base point given a per commitment point. The
// per commitment point is a unique point on our target curve for each
// commitment transaction. When tweaking a local base point for use in a
// remote commitment transaction, the remote party's current per commitment
// point is to be used.
//
//	tweakPub := basePoint + sha256(commitPoint || basePoint) * G
func TweakPubKey(basePoint, commitPoint *btcec.PublicKey) *btcec.PublicKey {
	tweakBytes := SingleTweakBytes(commitPoint, basePoint)
	return TweakPubKeyWithTweak(basePoint, tweakBytes)
}

// TweakPubKeyWithTweak is the exact same as the TweakPubKey function, however
// it accepts the raw tweak bytes directly rather than the commitment point.
func TweakPubKeyWithTweak(pubKey *btcec.PublicKey,
	tweakBytes []byte) *btcec.PublicKey {

	result, _ := tweakPoint(pubKey, tweakBytes)
	return result
}

// DerivePublicKey is TweakPubKey for callers that want the degenerate case
// reported rather than returned as a bogus key.
func DerivePublicKey(basePoint,
	commitPoint *btcec.PublicKey) (*btcec.PublicKey, error) {

	return tweakPoint(basePoint, SingleTweakBytes(commitPoint, basePoint))
}

func tweakPoint(pubKey *btcec.PublicKey,
	tweakBytes []byte) (*btcec.PublicKey, error) {

	var (
		tweakScalar    btcec.ModNScalar
		pubKeyJacobian btcec.JacobianPoint
		tweakJacobian  btcec.JacobianPoint
		resultJacobian btcec.JacobianPoint
	)
	tweakScalar.SetByteSlice(tweakBytes)
	btcec.ScalarBaseMultNonConst(&tweakScalar, &tweakJacobian)

	pubKey.AsJacobian(&pubKeyJacobian)
	btcec.AddNonConst(&pubKeyJacobian, &tweakJacobian, &resultJacobian)

	return jacobianToPubKey(&resultJacobian)
}

// TweakPrivKey tweaks the private key of a public base point given a per
// commitment point. The per commitment secret is the revealed revocation
// secret for the commitment state in question. This private key will only
// need to be generated in the case that a channel counter party broadcasts a
// revoked state. Precisely, the following operation is used to derive a
// tweaked private key:
//
//   - tweakPriv := basePriv + sha256(commitment || basePub) mod N
//
// Where N is the order of the sub-group.
func TweakPrivKey(basePriv *btcec.PrivateKey,
	commitTweak []byte) *btcec.PrivateKey {

	var tweakScalar btcec.ModNScalar
	tweakScalar.SetByteSlice(commitTweak)

	tweakScalar.Add(&basePriv.Key)

	return &btcec.PrivateKey{Key: tweakScalar}
}

// DerivePrivateKey returns baseSecret + sha256(commitPoint || basePoint)
// mod N, failing only if the result is zero.
func DerivePrivateKey(baseSecret *btcec.PrivateKey,
	commitPoint *btcec.PublicKey) (*btcec.PrivateKey, error) {

	tweak := SingleTweakBytes(commitPoint, baseSecret.PubKey())

	priv := TweakPrivKey(baseSecret, tweak)
	if priv.Key.IsZero() {
		return nil, ErrZeroScalar
	}

	return priv, nil
}

// DeriveRevocationPubkey derives the revocation public key given the
// counterparty's commitment key, and revocation preimage derived via a
// pseudo-random-function. In the event that we (for some reason) broadcast a
// revoked commitment transaction, then if the other party knows the revocation
// preimage, then they'll be able to derive the corresponding private key to
// this private key by exploiting the homomorphism in the elliptic curve group:
//
// The derivation is performed as follows:
//
//	revokeKey := revokeBase * sha256(revocationBase || commitPoint) +
//	             commitPoint * sha256(commitPoint || revocationBase)
//
//	          := G*(revokeBasePriv * sha256(revocationBase || commitPoint)) +
//	             G*(commitSecret * sha256(commitPoint || revocationBase))
//
//	          := G*(revokeBasePriv * sha256(revocationBase || commitPoint) +
//	                commitSecret * sha256(commitPoint || revocationBase))
//
// Therefore, once we divulge the revocation secret, the remote peer is able to
// compute the proper private key for the revokeKey by computing:
//
//	revokePriv := (revokeBasePriv * sha256(revocationBase || commitPoint)) +
//	              (commitSecret * sha256(commitPoint || revocationBase)) mod N
//
// Where N is the order of the sub-group.
func DeriveRevocationPubkey(revokeBase,
	commitPoint *btcec.PublicKey) *btcec.PublicKey {

	var (
		revokeTweak btcec.ModNScalar
		commitTweak btcec.ModNScalar
		revokeBaseJ btcec.JacobianPoint
		commitJ     btcec.JacobianPoint
		result      btcec.JacobianPoint
	)

	// R = revokeBase * sha256(revocationBase || commitPoint)
	revokeTweak.SetByteSlice(SingleTweakBytes(revokeBase, commitPoint))
	revokeBase.AsJacobian(&revokeBaseJ)
	btcec.ScalarMultNonConst(&revokeTweak, &revokeBaseJ, &revokeBaseJ)

	// C = commitPoint * sha256(commitPoint || revocationBase)
	commitTweak.SetByteSlice(SingleTweakBytes(commitPoint, revokeBase))
	commitPoint.AsJacobian(&commitJ)
	btcec.ScalarMultNonConst(&commitTweak, &commitJ, &commitJ)

	btcec.AddNonConst(&revokeBaseJ, &commitJ, &result)

	key, _ := jacobianToPubKey(&result)
	return key
}

// DeriveRevocationPrivKey derives the revocation private key given a node's
// commitment private key, and the preimage to a previously seen revocation
// hash. Using this derived private key, a node is able to claim the output
// within the commitment transaction of a node in the case that they broadcast
// a previously revoked commitment transaction.
//
// The private key is derived as follows:
//
//	revokePriv := (revokeBasePriv * sha256(revocationBase || commitPoint)) +
//	              (commitSecret * sha256(commitPoint || revocationBase)) mod N
//
// Where N is the order of the sub-group.
func DeriveRevocationPrivKey(revokeBasePriv *btcec.PrivateKey,
	commitSecret *btcec.PrivateKey) *btcec.PrivateKey {

	revokeBase := revokeBasePriv.PubKey()
	commitPoint := commitSecret.PubKey()

	var revokeTweak, commitTweak btcec.ModNScalar
	revokeTweak.SetByteSlice(SingleTweakBytes(revokeBase, commitPoint))
	commitTweak.SetByteSlice(SingleTweakBytes(commitPoint, revokeBase))

	revokeTweak.Mul(&revokeBasePriv.Key)
	commitTweak.Mul(&commitSecret.Key)
	revokeTweak.Add(&commitTweak)

	return &btcec.PrivateKey{Key: revokeTweak}
}

// ComputeCommitmentPoint generates a commitment point given a commitment
// secret. The commitment point for each state is used to randomize each key in
// the key-ring and also to used as a tweak to derive new public+private keys
// for the state.
func ComputeCommitmentPoint(commitSecret []byte) *btcec.PublicKey {
	_, pubKey := btcec.PrivKeyFromBytes(commitSecret)
	return pubKey
}

// jacobianToPubKey converts the point to affine coordinates, reporting the
// point at infinity as an error.
func jacobianToPubKey(p *btcec.JacobianPoint) (*btcec.PublicKey, error) {
	p.ToAffine()
	if p.X.IsZero() && p.Y.IsZero() {
		return nil, ErrPointAtInfinity
	}

	return btcec.NewPublicKey(&p.X, &p.Y), nil
}
