package contractcourt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lnwallet"
	"github.com/lightningnetwork/chancore/shachain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	monFundingOutpointType tlv.Type = 0
	monFundingScriptType   tlv.Type = 1
	monChanValueType       tlv.Type = 2
	monLocalKeysType       tlv.Type = 3
	monRemoteKeysType      tlv.Type = 4
	monObfuscatorType      tlv.Type = 5
	monRemoteDelayType     tlv.Type = 6
	monSweepScriptType     tlv.Type = 7
	monRevocationBaseType  tlv.Type = 8
	monStateType           tlv.Type = 9
	monUpdateIDType        tlv.Type = 10
	monRevocationsType     tlv.Type = 11
	monRemoteCommitsType   tlv.Type = 12
	monBestHeightType      tlv.Type = 13
	monBestBlockType       tlv.Type = 14
	monBreachType          tlv.Type = 15
	monLocalCommitType     tlv.Type = 16
)

// monitorSnapshot is the flattened form of a monitor the tlv stream reads
// from and writes to.
type monitorSnapshot struct {
	outpoint       []byte
	fundingScript  []byte
	chanValue      uint64
	localKeys      []byte
	remoteKeys     []byte
	obfuscator     []byte
	remoteDelay    uint32
	sweepScript    []byte
	revocationBase []byte
	state          uint8
	updateID       uint64
	revocations    []byte
	remoteCommits  []byte
	bestHeight     uint32
	bestBlock      [32]byte
	breach         []byte
	localCommit    []byte
}

// records returns the tlv records of the snapshot. The breach and local
// commitment records are only included when asked for, which is always the
// case when decoding.
func (s *monitorSnapshot) records(withBreach, withLocal bool) []tlv.Record {
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(monFundingOutpointType, &s.outpoint),
		tlv.MakePrimitiveRecord(monFundingScriptType, &s.fundingScript),
		tlv.MakePrimitiveRecord(monChanValueType, &s.chanValue),
		tlv.MakePrimitiveRecord(monLocalKeysType, &s.localKeys),
		tlv.MakePrimitiveRecord(monRemoteKeysType, &s.remoteKeys),
		tlv.MakePrimitiveRecord(monObfuscatorType, &s.obfuscator),
		tlv.MakePrimitiveRecord(monRemoteDelayType, &s.remoteDelay),
		tlv.MakePrimitiveRecord(monSweepScriptType, &s.sweepScript),
		tlv.MakePrimitiveRecord(
			monRevocationBaseType, &s.revocationBase,
		),
		tlv.MakePrimitiveRecord(monStateType, &s.state),
		tlv.MakePrimitiveRecord(monUpdateIDType, &s.updateID),
		tlv.MakePrimitiveRecord(monRevocationsType, &s.revocations),
		tlv.MakePrimitiveRecord(monRemoteCommitsType, &s.remoteCommits),
		tlv.MakePrimitiveRecord(monBestHeightType, &s.bestHeight),
		tlv.MakePrimitiveRecord(monBestBlockType, &s.bestBlock),
	}
	if withBreach {
		records = append(records, tlv.MakePrimitiveRecord(
			monBreachType, &s.breach,
		))
	}
	if withLocal {
		records = append(records, tlv.MakePrimitiveRecord(
			monLocalCommitType, &s.localCommit,
		))
	}

	return records
}

// WriteForDisk writes the full state of the monitor. ReadChannelMonitor
// restores an equal monitor from it.
func (m *ChannelMonitor) WriteForDisk(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.write(w, true)
}

// WriteForWatchtower writes the state needed to detect and punish a breach.
// Our own commitment and the counterparty's signature on it are left out.
func (m *ChannelMonitor) WriteForWatchtower(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.write(w, false)
}

// write serializes the monitor. The caller must hold the lock.
func (m *ChannelMonitor) write(w io.Writer, forDisk bool) error {
	s, err := m.snapshot(forDisk)
	if err != nil {
		return err
	}

	stream, err := tlv.NewStream(
		s.records(len(s.breach) > 0, len(s.localCommit) > 0)...,
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// snapshot flattens the monitor. The caller must hold the lock.
func (m *ChannelMonitor) snapshot(withLocal bool) (*monitorSnapshot, error) {
	cfg := &m.cfg
	s := &monitorSnapshot{
		fundingScript: cfg.FundingScript,
		chanValue:     uint64(cfg.ChannelValue),
		localKeys:     encodeChannelKeys(&cfg.LocalKeys),
		remoteKeys:    encodeChannelKeys(&cfg.RemoteKeys),
		obfuscator:    cfg.Obfuscator[:],
		remoteDelay:   cfg.RemoteToSelfDelay,
		sweepScript:   cfg.SweepScript,
		state:         uint8(m.state),
		updateID:      m.latestUpdateID,
		bestHeight:    m.bestHeight,
		bestBlock:     m.bestBlock,
	}

	var b bytes.Buffer
	if err := writeOutpoint(&b, &cfg.FundingOutpoint); err != nil {
		return nil, err
	}
	s.outpoint = b.Bytes()

	var locator [8]byte
	binary.BigEndian.PutUint32(locator[:4], uint32(cfg.RevocationBase.Family))
	binary.BigEndian.PutUint32(locator[4:], cfg.RevocationBase.Index)
	s.revocationBase = locator[:]

	var revBuf bytes.Buffer
	if err := m.revocations.Encode(&revBuf); err != nil {
		return nil, err
	}
	s.revocations = revBuf.Bytes()

	var commitBuf bytes.Buffer
	if err := m.writeRemoteCommits(&commitBuf); err != nil {
		return nil, err
	}
	s.remoteCommits = commitBuf.Bytes()

	var err error
	m.breach.WhenSome(func(b *breachInfo) {
		var buf bytes.Buffer
		err = writeBreach(&buf, b)
		s.breach = buf.Bytes()
	})
	if err != nil {
		return nil, err
	}

	if withLocal {
		m.localCommit.WhenSome(
			func(c *lnwallet.LocalCommitmentTransaction) {
				var buf bytes.Buffer
				err = c.Encode(&buf)
				s.localCommit = buf.Bytes()
			},
		)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// writeRemoteCommits writes the remote commitment records in height order
// followed by the latest height. The caller must hold the lock.
func (m *ChannelMonitor) writeRemoteCommits(w io.Writer) error {
	heights := make([]uint64, 0, len(m.remoteCommits))
	for h := range m.remoteCommits {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool {
		return heights[i] < heights[j]
	})

	if err := wire.WriteVarInt(w, 0, uint64(len(heights))); err != nil {
		return err
	}
	for _, h := range heights {
		if err := writeRemoteCommitment(w, m.remoteCommits[h]); err != nil {
			return err
		}
	}

	return nil
}

// ReadChannelMonitor restores a monitor written by WriteForDisk or
// WriteForWatchtower. The key ring isn't part of the serialized state and
// must be provided again. The hash of the last block the monitor processed
// is returned along with it.
func ReadChannelMonitor(r io.Reader,
	keyRing keychain.SecretKeyRing) (chainhash.Hash, *ChannelMonitor,
	error) {

	var s monitorSnapshot
	stream, err := tlv.NewStream(s.records(true, true)...)
	if err != nil {
		return chainhash.Hash{}, nil, err
	}
	if err := stream.Decode(r); err != nil {
		return chainhash.Hash{}, nil, err
	}

	m, err := s.restore(keyRing)
	if err != nil {
		return chainhash.Hash{}, nil, err
	}

	return m.bestBlock, m, nil
}

// restore rebuilds a monitor from its flattened form.
func (s *monitorSnapshot) restore(
	keyRing keychain.SecretKeyRing) (*ChannelMonitor, error) {

	cfg := MonitorConfig{
		FundingScript:     s.fundingScript,
		ChannelValue:      btcutil.Amount(s.chanValue),
		RemoteToSelfDelay: s.remoteDelay,
		SweepScript:       s.sweepScript,
		KeyRing:           keyRing,
	}

	err := readOutpoint(bytes.NewReader(s.outpoint), &cfg.FundingOutpoint)
	if err != nil {
		return nil, err
	}

	localKeys, err := decodeChannelKeys(s.localKeys)
	if err != nil {
		return nil, fmt.Errorf("local keys: %w", err)
	}
	cfg.LocalKeys = *localKeys

	remoteKeys, err := decodeChannelKeys(s.remoteKeys)
	if err != nil {
		return nil, fmt.Errorf("remote keys: %w", err)
	}
	cfg.RemoteKeys = *remoteKeys

	if len(s.obfuscator) != lnwallet.StateHintSize {
		return nil, fmt.Errorf("invalid obfuscator length %d",
			len(s.obfuscator))
	}
	copy(cfg.Obfuscator[:], s.obfuscator)

	if len(s.revocationBase) != 8 {
		return nil, errors.New("invalid revocation base locator")
	}
	cfg.RevocationBase = keychain.KeyDescriptor{
		KeyLocator: keychain.KeyLocator{
			Family: keychain.KeyFamily(
				binary.BigEndian.Uint32(s.revocationBase[:4]),
			),
			Index: binary.BigEndian.Uint32(s.revocationBase[4:]),
		},
		PubKey: cfg.LocalKeys.RevocationBasePoint,
	}

	m, err := NewChannelMonitor(cfg)
	if err != nil {
		return nil, err
	}

	if s.state > uint8(StateResolved) {
		return nil, fmt.Errorf("unknown monitor state %d", s.state)
	}
	m.state = MonitorState(s.state)
	m.latestUpdateID = s.updateID
	m.bestHeight = s.bestHeight
	m.bestBlock = s.bestBlock

	m.revocations, err = shachain.NewRevocationStoreFromBytes(
		bytes.NewReader(s.revocations),
	)
	if err != nil {
		return nil, err
	}

	if err := m.readRemoteCommits(bytes.NewReader(s.remoteCommits)); err != nil {
		return nil, err
	}

	if len(s.breach) > 0 {
		b, err := readBreach(bytes.NewReader(s.breach))
		if err != nil {
			return nil, err
		}
		m.breach = fn.Some(b)
	}

	if len(s.localCommit) > 0 {
		c, err := lnwallet.DecodeLocalCommitmentTransaction(
			bytes.NewReader(s.localCommit),
		)
		if err != nil {
			return nil, err
		}
		m.localCommit = fn.Some(c)
	}

	return m, nil
}

// readRemoteCommits reads records written by writeRemoteCommits.
func (m *ChannelMonitor) readRemoteCommits(r io.Reader) error {
	num, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}

	for i := uint64(0); i < num; i++ {
		c, err := readRemoteCommitment(r)
		if err != nil {
			return err
		}
		m.remoteCommits[c.Height] = c
		m.latestRemote = fn.Some(c.Height)
	}

	return nil
}

// Equal returns true if both monitors serialize to the same bytes.
func (m *ChannelMonitor) Equal(o *ChannelMonitor) bool {
	if m == nil || o == nil {
		return m == o
	}

	var a, b bytes.Buffer
	if err := m.WriteForDisk(&a); err != nil {
		return false
	}
	if err := o.WriteForDisk(&b); err != nil {
		return false
	}

	return bytes.Equal(a.Bytes(), b.Bytes())
}

// encodeChannelKeys concatenates the five compressed basepoints.
func encodeChannelKeys(k *lnwallet.ChannelPublicKeys) []byte {
	b := make([]byte, 0, 5*btcec.PubKeyBytesLenCompressed)
	for _, key := range []*btcec.PublicKey{
		k.FundingKey, k.RevocationBasePoint, k.PaymentPoint,
		k.DelayedPaymentBasePoint, k.HtlcBasePoint,
	} {
		b = append(b, key.SerializeCompressed()...)
	}

	return b
}

// decodeChannelKeys parses keys written by encodeChannelKeys.
func decodeChannelKeys(b []byte) (*lnwallet.ChannelPublicKeys, error) {
	const keyLen = btcec.PubKeyBytesLenCompressed
	if len(b) != 5*keyLen {
		return nil, fmt.Errorf("invalid channel keys length %d", len(b))
	}

	keys := make([]*btcec.PublicKey, 5)
	for i := range keys {
		key, err := btcec.ParsePubKey(b[i*keyLen : (i+1)*keyLen])
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}

	return &lnwallet.ChannelPublicKeys{
		FundingKey:              keys[0],
		RevocationBasePoint:     keys[1],
		PaymentPoint:            keys[2],
		DelayedPaymentBasePoint: keys[3],
		HtlcBasePoint:           keys[4],
	}, nil
}

// writeOutpoint writes an outpoint as txid(32) || index(4).
func writeOutpoint(w io.Writer, o *wire.OutPoint) error {
	if _, err := w.Write(o.Hash[:]); err != nil {
		return err
	}

	return binary.Write(w, binary.BigEndian, o.Index)
}

// readOutpoint reads an outpoint written by writeOutpoint.
func readOutpoint(r io.Reader, o *wire.OutPoint) error {
	if _, err := io.ReadFull(r, o.Hash[:]); err != nil {
		return err
	}

	return binary.Read(r, binary.BigEndian, &o.Index)
}

// writeBreach serializes a breach record:
//
//	commit_height(8) || conf_height(4) || secret(32) || commit_tx ||
//	has_justice(1) || [justice_tx]
func writeBreach(w io.Writer, b *breachInfo) error {
	if err := binary.Write(w, binary.BigEndian, b.commitHeight); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, b.confHeight); err != nil {
		return err
	}
	if _, err := w.Write(b.secret[:]); err != nil {
		return err
	}
	if err := b.commitTx.Serialize(w); err != nil {
		return err
	}

	// The justice transaction is missing while we're still retrying
	// to build it.
	if b.justiceTx == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}

	return b.justiceTx.Serialize(w)
}

// readBreach reads a record written by writeBreach.
func readBreach(r io.Reader) (*breachInfo, error) {
	var b breachInfo
	if err := binary.Read(r, binary.BigEndian, &b.commitHeight); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &b.confHeight); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, b.secret[:]); err != nil {
		return nil, err
	}

	b.commitTx = &wire.MsgTx{}
	if err := b.commitTx.Deserialize(r); err != nil {
		return nil, err
	}

	var hasJustice [1]byte
	if _, err := io.ReadFull(r, hasJustice[:]); err != nil {
		return nil, err
	}

	switch hasJustice[0] {
	case 0:
		return &b, nil

	case 1:
		b.justiceTx = &wire.MsgTx{}
		if err := b.justiceTx.Deserialize(r); err != nil {
			return nil, err
		}

		return &b, nil

	default:
		return nil, fmt.Errorf("invalid justice tx flag %d",
			hasJustice[0])
	}
}
