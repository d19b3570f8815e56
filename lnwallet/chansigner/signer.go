package chansigner

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lnwallet"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrMissingSecret is returned when an InMemorySigner is created without one
// of the channel's secret keys.
var ErrMissingSecret = errors.New("missing channel secret")

// ChannelSigner produces every signature one side of a channel hands to the
// other. Implementations may hold the keys in memory, or forward requests to
// a remote device.
type ChannelSigner interface {
	// PubKeys returns the public basepoints of the channel secrets.
	PubKeys() *lnwallet.ChannelPublicKeys

	// SignRemoteCommitment signs the counterparty's commitment
	// transaction, which spends the funding output of the given value
	// locked to fundingScript, along with the second-level transaction
	// of each HTLC. The HTLC signatures are returned in the order of
	// htlcs, with None for dust HTLCs.
	SignRemoteCommitment(commitTx *wire.MsgTx, fundingScript []byte,
		value btcutil.Amount, keys *lnwallet.TxCreationKeys,
		feePerKw chainfee.SatPerKWeight,
		htlcs []lnwallet.HTLCOutputInCommitment) (input.Signature,
		[]fn.Option[input.Signature], error)

	// SignClosingTransaction signs a cooperative close of the channel.
	SignClosingTransaction(closingTx *wire.MsgTx, fundingScript []byte,
		value btcutil.Amount) (input.Signature, error)

	// SignChannelAnnouncement returns the funding key signature of a
	// channel_announcement.
	SignChannelAnnouncement(
		msg *lnwire.UnsignedChannelAnnouncement) (input.Signature, error)
}

// ChannelSecrets are the five private keys backing a channel's basepoints.
type ChannelSecrets struct {
	FundingKey        *btcec.PrivateKey
	RevocationBaseKey *btcec.PrivateKey
	PaymentBaseKey    *btcec.PrivateKey
	DelayBaseKey      *btcec.PrivateKey
	HtlcBaseKey       *btcec.PrivateKey
}

// SecretsFromKeyRing derives the channel secrets for the basepoints through
// the key ring.
func SecretsFromKeyRing(keyRing keychain.SecretKeyRing,
	bp *keychain.ChannelBasepoints) (*ChannelSecrets, error) {

	derive := func(desc keychain.KeyDescriptor) (*btcec.PrivateKey,
		error) {

		priv, err := keyRing.DerivePrivKey(desc)
		if err != nil {
			return nil, fmt.Errorf("unable to derive %v key: %w",
				desc.Family, err)
		}

		return priv, nil
	}

	var (
		secrets ChannelSecrets
		err     error
	)
	if secrets.FundingKey, err = derive(bp.MultiSigKey); err != nil {
		return nil, err
	}
	secrets.RevocationBaseKey, err = derive(bp.RevocationBasePoint)
	if err != nil {
		return nil, err
	}
	if secrets.PaymentBaseKey, err = derive(bp.PaymentBasePoint); err != nil {
		return nil, err
	}
	if secrets.DelayBaseKey, err = derive(bp.DelayBasePoint); err != nil {
		return nil, err
	}
	if secrets.HtlcBaseKey, err = derive(bp.HtlcBasePoint); err != nil {
		return nil, err
	}

	return &secrets, nil
}

// InMemorySigner is a ChannelSigner holding the channel secrets in process
// memory.
type InMemorySigner struct {
	secrets ChannelSecrets
	pubKeys lnwallet.ChannelPublicKeys

	// counterpartyDelay is the to_self_delay we impose on the
	// counterparty's outputs, which their second-level HTLC outputs are
	// locked with.
	counterpartyDelay uint32
}

// A compile time check to ensure InMemorySigner implements ChannelSigner.
var _ ChannelSigner = (*InMemorySigner)(nil)

// NewInMemorySigner creates a signer from the channel secrets.
func NewInMemorySigner(secrets *ChannelSecrets,
	counterpartyDelay uint32) (*InMemorySigner, error) {

	keys := []*btcec.PrivateKey{
		secrets.FundingKey, secrets.RevocationBaseKey,
		secrets.PaymentBaseKey, secrets.DelayBaseKey,
		secrets.HtlcBaseKey,
	}
	for _, key := range keys {
		if key == nil {
			return nil, ErrMissingSecret
		}
	}

	return &InMemorySigner{
		secrets: *secrets,
		pubKeys: lnwallet.ChannelPublicKeys{
			FundingKey:              secrets.FundingKey.PubKey(),
			RevocationBasePoint:     secrets.RevocationBaseKey.PubKey(),
			PaymentPoint:            secrets.PaymentBaseKey.PubKey(),
			DelayedPaymentBasePoint: secrets.DelayBaseKey.PubKey(),
			HtlcBasePoint:           secrets.HtlcBaseKey.PubKey(),
		},
		counterpartyDelay: counterpartyDelay,
	}, nil
}

// PubKeys returns the public basepoints of the channel secrets.
func (s *InMemorySigner) PubKeys() *lnwallet.ChannelPublicKeys {
	keys := s.pubKeys
	return &keys
}

// fundingSignDesc returns the sign descriptor for the funding input.
func (s *InMemorySigner) fundingSignDesc(tx *wire.MsgTx, fundingScript []byte,
	value btcutil.Amount) (*input.SignDescriptor, error) {

	if len(tx.TxIn) != 1 {
		return nil, fmt.Errorf("expected a single funding input, got %d",
			len(tx.TxIn))
	}

	pkScript, err := input.WitnessScriptHash(fundingScript)
	if err != nil {
		return nil, err
	}

	return &input.SignDescriptor{
		KeyDesc: keychain.KeyDescriptor{
			PubKey: s.pubKeys.FundingKey,
		},
		WitnessScript: fundingScript,
		Output:        wire.NewTxOut(int64(value), pkScript),
		HashType:      txscript.SigHashAll,
		InputIndex:    0,
	}, nil
}

// SignRemoteCommitment signs the counterparty's commitment and its HTLC
// transactions.
func (s *InMemorySigner) SignRemoteCommitment(commitTx *wire.MsgTx,
	fundingScript []byte, value btcutil.Amount,
	keys *lnwallet.TxCreationKeys, feePerKw chainfee.SatPerKWeight,
	htlcs []lnwallet.HTLCOutputInCommitment) (input.Signature,
	[]fn.Option[input.Signature], error) {

	signDesc, err := s.fundingSignDesc(commitTx, fundingScript, value)
	if err != nil {
		return nil, nil, err
	}
	commitSig, err := input.SignWithPrivKey(
		s.secrets.FundingKey, commitTx, signDesc,
	)
	if err != nil {
		return nil, nil, err
	}

	// On the counterparty's commitment our HTLC key is the remote one,
	// tweaked with their commitment point.
	htlcTweak := input.SingleTweakBytes(
		keys.PerCommitmentPoint, s.pubKeys.HtlcBasePoint,
	)

	txid := commitTx.TxHash()
	htlcSigs := make([]fn.Option[input.Signature], len(htlcs))
	for i := range htlcs {
		htlc := &htlcs[i]
		if htlc.IsDust() {
			htlcSigs[i] = fn.None[input.Signature]()
			continue
		}

		idx := htlc.OutputIndex.UnsafeFromSome()
		if int(idx) >= len(commitTx.TxOut) {
			return nil, nil, fmt.Errorf("%w: htlc %d index %d",
				lnwallet.ErrInvalidHTLCOutput, i, idx)
		}

		htlcTx, err := lnwallet.BuildHtlcTransaction(
			txid, feePerKw, s.counterpartyDelay, htlc,
			keys.LocalDelayedPaymentKey, keys.RevocationKey,
		)
		if err != nil {
			return nil, nil, err
		}

		witnessScript, err := lnwallet.HtlcRedeemScript(htlc, keys)
		if err != nil {
			return nil, nil, err
		}

		sig, err := input.SignWithPrivKey(
			s.secrets.HtlcBaseKey, htlcTx, &input.SignDescriptor{
				KeyDesc: keychain.KeyDescriptor{
					PubKey: s.pubKeys.HtlcBasePoint,
				},
				SingleTweak:   htlcTweak,
				WitnessScript: witnessScript,
				Output:        commitTx.TxOut[idx],
				HashType:      txscript.SigHashAll,
				InputIndex:    0,
			},
		)
		if err != nil {
			return nil, nil, err
		}

		htlcSigs[i] = fn.Some(sig)
	}

	return commitSig, htlcSigs, nil
}

// SignClosingTransaction signs a cooperative close of the channel.
func (s *InMemorySigner) SignClosingTransaction(closingTx *wire.MsgTx,
	fundingScript []byte, value btcutil.Amount) (input.Signature, error) {

	signDesc, err := s.fundingSignDesc(closingTx, fundingScript, value)
	if err != nil {
		return nil, err
	}

	return input.SignWithPrivKey(s.secrets.FundingKey, closingTx, signDesc)
}

// SignChannelAnnouncement signs the double-sha256 of the announcement with
// the funding key.
func (s *InMemorySigner) SignChannelAnnouncement(
	msg *lnwire.UnsignedChannelAnnouncement) (input.Signature, error) {

	digest, err := msg.DataToSign()
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(s.secrets.FundingKey, digest[:]), nil
}
