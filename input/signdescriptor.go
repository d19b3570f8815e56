package input

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/keychain"
)

var (
	// ErrTweakOverdose signals a SignDescriptor is invalid because both of its
	// SingleTweak and DoubleTweak are non-nil.
	ErrTweakOverdose = errors.New("sign descriptor should only have one tweak")
)

// SignDescriptor houses the necessary information required to successfully
// sign a given segwit output. This struct is used by the Signer interface in
// order to gain access to critical data needed to generate a valid signature.
type SignDescriptor struct {
	// KeyDesc is a descriptor that precisely describes *which* key to use
	// for signing. This may provide the raw public key directly, or
	// require the Signer to re-derive the key according to the populated
	// derivation path.
	KeyDesc keychain.KeyDescriptor

	// SingleTweak is a scalar value that will be added to the private key
	// corresponding to the above public key to obtain the private key to
	// be used to sign this input:
	//
	//  * derivedKey = privkey + sha256(perCommitmentPoint || pubKey) mod N
	//
	// NOTE: Either a SingleTweak should be set or a DoubleTweak, not both.
	SingleTweak []byte

	// DoubleTweak is the commitment secret of a revoked commitment. It is
	// combined with the revocation base private key to produce the
	// revocation private key:
	//
	//  * k = (privKey*sha256(pubKey || tweakPub) +
	//        tweakPriv*sha256(tweakPub || pubKey)) mod N
	//
	// NOTE: Either a SingleTweak should be set or a DoubleTweak, not both.
	DoubleTweak *btcec.PrivateKey

	// WitnessScript is the full script required to properly redeem the
	// output. This field should be set to the full script if a p2wsh
	// output is being signed. For p2wkh it should be set to the hashed
	// script (PkScript).
	WitnessScript []byte

	// Output is the target output which should be signed. The PkScript and
	// Value fields within the output should be properly populated,
	// otherwise an invalid signature may be generated.
	Output *wire.TxOut

	// HashType is the target sighash type that should be used when
	// generating the final sighash, and signature.
	HashType txscript.SigHashType

	// SigHashes is the pre-computed sighash midstate to be used when
	// generating the final sighash for signing.
	SigHashes *txscript.TxSigHashes

	// PrevOutputFetcher is an interface that can return the output
	// information on all UTXOs that are being spent in this transaction.
	PrevOutputFetcher txscript.PrevOutputFetcher

	// InputIndex is the target input within the transaction that should be
	// signed.
	InputIndex int
}

// Validate checks the descriptor carries at most one tweak.
func (s *SignDescriptor) Validate() error {
	if s.SingleTweak != nil && s.DoubleTweak != nil {
		return ErrTweakOverdose
	}

	return nil
}

// SignWithPrivKey produces the signature described by the descriptor using
// the passed key, after applying any tweak.
func SignWithPrivKey(priv *btcec.PrivateKey, tx *wire.MsgTx,
	signDesc *SignDescriptor) (Signature, error) {

	if err := signDesc.Validate(); err != nil {
		return nil, err
	}

	switch {
	case signDesc.SingleTweak != nil:
		priv = TweakPrivKey(priv, signDesc.SingleTweak)
	case signDesc.DoubleTweak != nil:
		priv = DeriveRevocationPrivKey(priv, signDesc.DoubleTweak)
	}

	sigHashes := signDesc.SigHashes
	if sigHashes == nil {
		fetcher := signDesc.PrevOutputFetcher
		if fetcher == nil {
			fetcher = txscript.NewCannedPrevOutputFetcher(
				signDesc.Output.PkScript, signDesc.Output.Value,
			)
		}
		sigHashes = txscript.NewTxSigHashes(tx, fetcher)
	}

	sig, err := txscript.RawTxInWitnessSignature(
		tx, sigHashes, signDesc.InputIndex, signDesc.Output.Value,
		signDesc.WitnessScript, signDesc.HashType, priv,
	)
	if err != nil {
		return nil, err
	}

	// Chop off the sighash flag at the end of the signature.
	return ecdsa.ParseDERSignature(sig[:len(sig)-1])
}
