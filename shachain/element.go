package shachain

import (
	"crypto/sha256"
	"errors"
	"math/bits"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// maxHeight is the number of bits of an index, and so the number of
	// buckets a RevocationStore needs to derive every secret it was given.
	maxHeight uint8 = 48

	// rootIndex is the index of the seed every other secret derives from.
	rootIndex index = 0
)

// startIndex is the index of the secret of the first commitment.
var startIndex index = (1 << maxHeight) - 1

// errIndexNotDerivable is returned when the target index doesn't lie below
// the source index in the shachain tree.
var errIndexNotDerivable = errors.New("shachain index is not derivable")

// index is a BOLT #3 commitment number. Commitment numbers count down from
// startIndex, while the exported API works with heights counting up from
// zero.
type index uint64

// newIndex maps a commitment height onto its commitment number.
func newIndex(height uint64) index {
	return startIndex - index(height)
}

// bucket returns the number of trailing zero bits of the index, capped at
// maxHeight. An element in bucket b can derive the 2^b indexes sharing its
// prefix.
func (i index) bucket() uint8 {
	zeros := bits.TrailingZeros64(uint64(i))
	if zeros > int(maxHeight) {
		return maxHeight
	}

	return uint8(zeros)
}

// flips returns the bit positions, highest first, that must be set in from
// to reach to. The target is derivable only if from is a prefix of it.
//
// For a three bit tree, 4 (0b100) derives 4, 5, 6 and 7, while 5 (0b101)
// only derives itself:
//
//	  ^ bucket
//	2 |               x
//	1 |       x       |       x
//	0 |   x   |   x   |   x   |   x
//	  +---|---|---|---|---|---|---|---> index
//	      1   2   3   4   5   6   7
func (from index) flips(to index) ([]uint8, error) {
	if from == to {
		return nil, nil
	}

	b := from.bucket()
	if uint64(to)&(^uint64(0)<<b) != uint64(from) {
		return nil, errIndexNotDerivable
	}

	var positions []uint8
	for pos := int(b) - 1; pos >= 0; pos-- {
		if uint64(to)&(1<<uint(pos)) != 0 {
			positions = append(positions, uint8(pos))
		}
	}

	return positions, nil
}

// element is a shachain secret along with its index.
type element struct {
	index index
	hash  chainhash.Hash
}

// derive computes the element at toIndex. Each flipped bit is followed by a
// sha256 of the whole buffer. Bit 0 is the low bit of the first byte.
func (e *element) derive(toIndex index) (*element, error) {
	positions, err := e.index.flips(toIndex)
	if err != nil {
		return nil, err
	}

	buf := e.hash
	for _, pos := range positions {
		buf[pos/8] ^= 1 << (pos % 8)
		buf = sha256.Sum256(buf[:])
	}

	return &element{
		index: toIndex,
		hash:  buf,
	}, nil
}

// isEqual returns true if both elements have the same index and secret.
func (e *element) isEqual(e2 *element) bool {
	return e.index == e2.index && e.hash.IsEqual(&e2.hash)
}
