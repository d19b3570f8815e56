package lnwallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/lnwallet/chainfee"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/chancore/shachain"
)

var (
	// For simplicity a single priv key controls all of our test outputs.
	testWalletPrivKey = []byte{
		0x2b, 0xd8, 0x06, 0xc9, 0x7f, 0x0e, 0x00, 0xaf,
		0x1a, 0x1f, 0xc3, 0x32, 0x8f, 0xa7, 0x63, 0xa9,
		0x26, 0x97, 0x23, 0xc8, 0xdb, 0x8f, 0xac, 0x4f,
		0x93, 0xaf, 0x71, 0xdb, 0x18, 0x6d, 0x6e, 0x90,
	}

	// We're alice :)
	bobsPrivKey = []byte{
		0x81, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x63, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0xd, 0xe7, 0x95, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0xb, 0x4c, 0xfd, 0x9e, 0xc5, 0x8c, 0xe9,
	}

	// Use a hard-coded HD seed.
	testHdSeed = chainhash.Hash{
		0xb7, 0x94, 0x38, 0x5f, 0x2d, 0x1e, 0xf7, 0xab,
		0x4d, 0x92, 0x73, 0xd1, 0x90, 0x63, 0x81, 0xb4,
		0x4f, 0x2f, 0x6f, 0x25, 0x88, 0xa3, 0xef, 0xb9,
		0x6a, 0x49, 0x18, 0x83, 0x31, 0x98, 0x47, 0x53,
	}
)

// TestChannelParty holds the secrets and public keys of one side of a test
// channel.
type TestChannelParty struct {
	FundingPriv        *btcec.PrivateKey
	RevocationBasePriv *btcec.PrivateKey
	PaymentBasePriv    *btcec.PrivateKey
	DelayBasePriv      *btcec.PrivateKey
	HtlcBasePriv       *btcec.PrivateKey

	// Keys are the public halves of the secrets above.
	Keys ChannelPublicKeys

	// Producer yields this party's per-commitment secrets.
	Producer shachain.Producer

	// DustLimit is the dust limit of this party's commitment.
	DustLimit btcutil.Amount

	// CsvDelay is the delay on this party's to_local output.
	CsvDelay uint32
}

// CommitPoint returns the party's commitment point at the given height.
func (p *TestChannelParty) CommitPoint(height uint64) (*btcec.PublicKey,
	error) {

	secret, err := p.Producer.AtIndex(height)
	if err != nil {
		return nil, err
	}

	return input.ComputeCommitmentPoint(secret[:]), nil
}

// PrivKeys returns all of the party's secret keys, for use with a mock
// signer.
func (p *TestChannelParty) PrivKeys() []*btcec.PrivateKey {
	return []*btcec.PrivateKey{
		p.FundingPriv, p.RevocationBasePriv, p.PaymentBasePriv,
		p.DelayBasePriv, p.HtlcBasePriv,
	}
}

// TestChannel is a fully specified channel between Alice, the initiator, and
// Bob that tests can build commitments for without any channel state machine.
type TestChannel struct {
	Alice *TestChannelParty
	Bob   *TestChannelParty

	FundingOutpoint wire.OutPoint
	Capacity        btcutil.Amount

	// FundingScript is the 2-of-2 witness script and FundingOutput the
	// output it hashes into.
	FundingScript []byte
	FundingOutput *wire.TxOut

	Obfuscator [StateHintSize]byte
	FeePerKw   chainfee.SatPerKWeight
}

// newTestParty derives five keys from the passed secret by flipping its
// first byte.
func newTestParty(secret []byte, dustLimit btcutil.Amount,
	csvDelay uint32) *TestChannelParty {

	keys := make([]*btcec.PrivateKey, 5)
	for i := range keys {
		key := make([]byte, len(secret))
		copy(key, secret)
		key[0] ^= byte(i + 1)

		keys[i], _ = btcec.PrivKeyFromBytes(key)
	}

	root := chainhash.HashH(keys[0].Serialize())

	return &TestChannelParty{
		FundingPriv:        keys[0],
		RevocationBasePriv: keys[1],
		PaymentBasePriv:    keys[2],
		DelayBasePriv:      keys[3],
		HtlcBasePriv:       keys[4],
		Keys: ChannelPublicKeys{
			FundingKey:              keys[0].PubKey(),
			RevocationBasePoint:     keys[1].PubKey(),
			PaymentPoint:            keys[2].PubKey(),
			DelayedPaymentBasePoint: keys[3].PubKey(),
			HtlcBasePoint:           keys[4].PubKey(),
		},
		Producer:  shachain.NewRevocationProducer(root),
		DustLimit: dustLimit,
		CsvDelay:  csvDelay,
	}
}

// CreateTestChannel creates a channel funded with 10 BTC by Alice. Alice's
// dust limit is 200 sat and Bob's is 1300 sat, and the fee rate is
// 6000 sat/kw.
func CreateTestChannel() (*TestChannel, error) {
	capacity, err := btcutil.NewAmount(10)
	if err != nil {
		return nil, err
	}

	alice := newTestParty(testWalletPrivKey, 200, 5)
	bob := newTestParty(bobsPrivKey, 1300, 4)

	fundingScript, fundingOutput, err := input.GenFundingPkScript(
		alice.Keys.FundingKey.SerializeCompressed(),
		bob.Keys.FundingKey.SerializeCompressed(), int64(capacity),
	)
	if err != nil {
		return nil, err
	}

	return &TestChannel{
		Alice: alice,
		Bob:   bob,
		FundingOutpoint: wire.OutPoint{
			Hash:  testHdSeed,
			Index: 1,
		},
		Capacity:      capacity,
		FundingScript: fundingScript,
		FundingOutput: fundingOutput,
		Obfuscator: DeriveStateHintObfuscator(
			alice.Keys.PaymentPoint, bob.Keys.PaymentPoint,
		),
		FeePerKw: 6000,
	}, nil
}

// Counterparty returns the other side of the channel.
func (c *TestChannel) Counterparty(p *TestChannelParty) *TestChannelParty {
	if p == c.Alice {
		return c.Bob
	}

	return c.Alice
}

// Builder returns the commitment builder for the owner's commitments.
func (c *TestChannel) Builder(owner *TestChannelParty) *CommitmentBuilder {
	return &CommitmentBuilder{
		FundingOutpoint:  c.FundingOutpoint,
		Obfuscator:       c.Obfuscator,
		DustLimit:        owner.DustLimit,
		ToSelfDelay:      owner.CsvDelay,
		OwnerIsInitiator: owner == c.Alice,
	}
}

// BuildCommitment derives the keys of the owner's commitment at height and
// builds it. Balances are from the owner's point of view.
func (c *TestChannel) BuildCommitment(owner *TestChannelParty,
	height uint64, ownerBalance, otherBalance lnwire.MilliSatoshi,
	htlcs []HTLCOutputInCommitment) (*CommitmentTx, *TxCreationKeys,
	error) {

	other := c.Counterparty(owner)

	commitPoint, err := owner.CommitPoint(height)
	if err != nil {
		return nil, nil, err
	}

	keys, err := DeriveTxCreationKeysFromChannel(
		commitPoint, &owner.Keys, &other.Keys,
	)
	if err != nil {
		return nil, nil, err
	}

	commitTx, err := c.Builder(owner).Build(
		height, keys, other.Keys.PaymentPoint, ownerBalance,
		otherBalance, c.FeePerKw, htlcs,
	)
	if err != nil {
		return nil, nil, err
	}

	return commitTx, keys, nil
}
