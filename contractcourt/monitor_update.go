package contractcourt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/lnwallet"
	"github.com/lightningnetwork/lnd/tlv"
)

// UpdateStep is a single change carried by a ChannelMonitorUpdate.
type UpdateStep interface {
	// stepType returns the serialization tag of the step.
	stepType() updateStepType
}

type updateStepType uint8

const (
	stepLatestRemoteCommitment updateStepType = 0
	stepCommitmentSecret       updateStepType = 1
	stepLatestLocalCommitment  updateStepType = 2
)

// LatestRemoteCommitment records a new commitment transaction of the
// counterparty that we signed.
type LatestRemoteCommitment struct {
	Txid        chainhash.Hash
	Height      uint64
	CommitPoint *btcec.PublicKey

	// HTLCs are the HTLCs of the commitment from the counterparty's point
	// of view, with their output indexes set.
	HTLCs []lnwallet.HTLCOutputInCommitment
}

func (*LatestRemoteCommitment) stepType() updateStepType {
	return stepLatestRemoteCommitment
}

// CommitmentSecret records the commitment secret the counterparty revealed
// to revoke the commitment at Height.
type CommitmentSecret struct {
	Height uint64
	Secret chainhash.Hash
}

func (*CommitmentSecret) stepType() updateStepType {
	return stepCommitmentSecret
}

// LatestLocalCommitment records our newest commitment transaction.
type LatestLocalCommitment struct {
	Commitment *lnwallet.LocalCommitmentTransaction
}

func (*LatestLocalCommitment) stepType() updateStepType {
	return stepLatestLocalCommitment
}

// ChannelMonitorUpdate is one entry of the append-only log of changes made
// to a channel monitor. UpdateIDs start at 1 and increase by at least one
// per update.
type ChannelMonitorUpdate struct {
	UpdateID uint64
	Steps    []UpdateStep
}

const (
	updateIDType    tlv.Type = 0
	updateStepsType tlv.Type = 1
)

// Encode serializes the update so it can be handed to a watchtower or a
// remote monitor.
func (u *ChannelMonitorUpdate) Encode(w io.Writer) error {
	var stepBuf bytes.Buffer
	if err := encodeSteps(&stepBuf, u.Steps); err != nil {
		return err
	}
	steps := stepBuf.Bytes()

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(updateIDType, &u.UpdateID),
		tlv.MakePrimitiveRecord(updateStepsType, &steps),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeChannelMonitorUpdate reads an update written by Encode.
func DecodeChannelMonitorUpdate(r io.Reader) (*ChannelMonitorUpdate, error) {
	var (
		u     ChannelMonitorUpdate
		steps []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(updateIDType, &u.UpdateID),
		tlv.MakePrimitiveRecord(updateStepsType, &steps),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	u.Steps, err = decodeSteps(bytes.NewReader(steps))
	if err != nil {
		return nil, err
	}

	return &u, nil
}

func encodeSteps(w io.Writer, steps []UpdateStep) error {
	if err := wire.WriteVarInt(w, 0, uint64(len(steps))); err != nil {
		return err
	}

	for _, step := range steps {
		var b bytes.Buffer
		switch s := step.(type) {
		case *LatestRemoteCommitment:
			err := writeRemoteCommitment(&b, &RemoteCommitment{
				Txid:        s.Txid,
				Height:      s.Height,
				CommitPoint: s.CommitPoint,
				HTLCs:       s.HTLCs,
			})
			if err != nil {
				return err
			}

		case *CommitmentSecret:
			err := binary.Write(&b, binary.BigEndian, s.Height)
			if err != nil {
				return err
			}
			if _, err := b.Write(s.Secret[:]); err != nil {
				return err
			}

		case *LatestLocalCommitment:
			if err := s.Commitment.Encode(&b); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown update step %T", step)
		}

		if _, err := w.Write([]byte{byte(step.stepType())}); err != nil {
			return err
		}
		if err := wire.WriteVarBytes(w, 0, b.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// maxStepSize bounds a single serialized step, which is dominated by the
// HTLC set of a commitment.
const maxStepSize = 1 << 20

func decodeSteps(r io.Reader) ([]UpdateStep, error) {
	numSteps, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if numSteps > 3*input.MaxHTLCNumber {
		return nil, fmt.Errorf("too many update steps: %d", numSteps)
	}

	steps := make([]UpdateStep, 0, numSteps)
	for i := uint64(0); i < numSteps; i++ {
		var tag [1]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			return nil, err
		}
		payload, err := wire.ReadVarBytes(r, 0, maxStepSize, "step")
		if err != nil {
			return nil, err
		}
		pr := bytes.NewReader(payload)

		switch updateStepType(tag[0]) {
		case stepLatestRemoteCommitment:
			c, err := readRemoteCommitment(pr)
			if err != nil {
				return nil, err
			}
			steps = append(steps, &LatestRemoteCommitment{
				Txid:        c.Txid,
				Height:      c.Height,
				CommitPoint: c.CommitPoint,
				HTLCs:       c.HTLCs,
			})

		case stepCommitmentSecret:
			var s CommitmentSecret
			err := binary.Read(pr, binary.BigEndian, &s.Height)
			if err != nil {
				return nil, err
			}
			if _, err := io.ReadFull(pr, s.Secret[:]); err != nil {
				return nil, err
			}
			steps = append(steps, &s)

		case stepLatestLocalCommitment:
			c, err := lnwallet.DecodeLocalCommitmentTransaction(pr)
			if err != nil {
				return nil, err
			}
			steps = append(steps, &LatestLocalCommitment{
				Commitment: c,
			})

		default:
			return nil, errors.New("unknown update step type")
		}
	}

	return steps, nil
}

// writeRemoteCommitment serializes a remote commitment record:
//
//	txid(32) || height(8) || point(33) || num_htlcs(varint) || htlcs
func writeRemoteCommitment(w io.Writer, c *RemoteCommitment) error {
	if _, err := w.Write(c.Txid[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.Height); err != nil {
		return err
	}
	if _, err := w.Write(c.CommitPoint.SerializeCompressed()); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, 0, uint64(len(c.HTLCs))); err != nil {
		return err
	}
	for i := range c.HTLCs {
		if err := lnwallet.WriteHTLC(w, &c.HTLCs[i]); err != nil {
			return err
		}
	}

	return nil
}

// readRemoteCommitment reads a record written by writeRemoteCommitment.
func readRemoteCommitment(r io.Reader) (*RemoteCommitment, error) {
	var c RemoteCommitment
	if _, err := io.ReadFull(r, c.Txid[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &c.Height); err != nil {
		return nil, err
	}

	var point [btcec.PubKeyBytesLenCompressed]byte
	if _, err := io.ReadFull(r, point[:]); err != nil {
		return nil, err
	}
	var err error
	c.CommitPoint, err = btcec.ParsePubKey(point[:])
	if err != nil {
		return nil, err
	}

	numHTLCs, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if numHTLCs > input.MaxHTLCNumber {
		return nil, fmt.Errorf("too many htlcs: %d", numHTLCs)
	}

	c.HTLCs = make([]lnwallet.HTLCOutputInCommitment, numHTLCs)
	for i := range c.HTLCs {
		htlc, err := lnwallet.ReadHTLC(r)
		if err != nil {
			return nil, err
		}
		c.HTLCs[i] = *htlc
	}

	return &c, nil
}
