package lnwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// UnsignedChannelAnnouncement is the part of a channel_announcement covered
// by the four signatures. The two nodes each sign it with their node key and
// with their funding key, proving that both control the channel.
type UnsignedChannelAnnouncement struct {
	// Features encodes the features of the channel.
	Features *ChannelFeatures

	// ChainHash denotes the target chain that this channel was opened
	// within. This value should be the genesis hash of the target chain.
	ChainHash chainhash.Hash

	// ShortChannelID is the unique description of the funding transaction,
	// or where exactly it's located within the target blockchain.
	ShortChannelID ShortChannelID

	// The public keys of the two nodes who are operating the channel, such
	// that is NodeID1 the numerically-lesser than NodeID2 (ascending
	// numerical order).
	NodeID1 [33]byte
	NodeID2 [33]byte

	// Public keys which corresponds to the keys which was declared in
	// multisig funding transaction output.
	BitcoinKey1 [33]byte
	BitcoinKey2 [33]byte

	// ExtraOpaqueData is the set of data that was appended to this
	// message, some of which we may not actually know how to iterate or
	// parse. It is covered by the signatures as well.
	ExtraOpaqueData []byte
}

// Encode writes the announcement in its wire order.
func (a *UnsignedChannelAnnouncement) Encode(w io.Writer) error {
	features := a.Features
	if features == nil {
		features = EmptyFeatures[ChannelContext]()
	}
	if err := features.Encode(w); err != nil {
		return err
	}

	if _, err := w.Write(a.ChainHash[:]); err != nil {
		return err
	}

	var scid [8]byte
	if err := EShortChannelID(w, &a.ShortChannelID, &scid); err != nil {
		return err
	}

	for _, b := range [][]byte{
		a.NodeID1[:], a.NodeID2[:],
		a.BitcoinKey1[:], a.BitcoinKey2[:], a.ExtraOpaqueData,
	} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}

	return nil
}

// DataToSign returns the double-sha256 digest the announcement signatures
// commit to.
func (a *UnsignedChannelAnnouncement) DataToSign() (chainhash.Hash, error) {
	var b bytes.Buffer
	if err := a.Encode(&b); err != nil {
		return chainhash.Hash{}, err
	}

	return chainhash.DoubleHashH(b.Bytes()), nil
}
