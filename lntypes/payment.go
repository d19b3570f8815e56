package lntypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// HashSize of array used to store hashes.
	HashSize = 32

	// PreimageSize of array used to store preimages.
	PreimageSize = 32

	// PaymentSecretSize is the size of a payment secret.
	PaymentSecretSize = 32
)

// Hash typically represents a payment hash.
type Hash [HashSize]byte

// Preimage is the sha256 pre-image of a payment Hash.
type Preimage [PreimageSize]byte

// PaymentSecret is the 32-byte value a payer echoes back in the final hop
// payload. Secrets produced by the inbound payment authenticator carry an
// initialization vector in the first half and encrypted metadata in the
// second.
type PaymentSecret [PaymentSecretSize]byte

// String returns the Hash as a hexadecimal string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// String returns the Preimage as a hexadecimal string.
func (p Preimage) String() string {
	return hex.EncodeToString(p[:])
}

// String returns the PaymentSecret as a hexadecimal string.
func (s PaymentSecret) String() string {
	return hex.EncodeToString(s[:])
}

// Hash returns the sha256 hash of the preimage.
func (p Preimage) Hash() Hash {
	return Hash(sha256.Sum256(p[:]))
}

// Matches returns whether this preimage is the preimage of the given hash.
func (p Preimage) Matches(h Hash) bool {
	return h == p.Hash()
}

// MakeHash returns a new Hash from a byte slice.
func MakeHash(b []byte) (Hash, error) {
	return fromBytes[Hash](b, "hash")
}

// MakeHashFromStr creates a Hash from a hex string.
func MakeHashFromStr(s string) (Hash, error) {
	return fromHex[Hash](s, "hash")
}

// MakePreimage returns a new Preimage from a byte slice.
func MakePreimage(b []byte) (Preimage, error) {
	return fromBytes[Preimage](b, "preimage")
}

// MakePreimageFromStr creates a Preimage from a hex string.
func MakePreimageFromStr(s string) (Preimage, error) {
	return fromHex[Preimage](s, "preimage")
}

// MakePaymentSecret returns a new PaymentSecret from a byte slice.
func MakePaymentSecret(b []byte) (PaymentSecret, error) {
	return fromBytes[PaymentSecret](b, "payment secret")
}

// MakePaymentSecretFromStr creates a PaymentSecret from a hex string.
func MakePaymentSecretFromStr(s string) (PaymentSecret, error) {
	return fromHex[PaymentSecret](s, "payment secret")
}

// fixed32 is the set of 32-byte value types in this package.
type fixed32 interface {
	~[32]byte
}

func fromBytes[T fixed32](b []byte, name string) (T, error) {
	var v T
	if len(b) != len(v) {
		return v, fmt.Errorf("invalid %s length of %v, want %v", name,
			len(b), len(v))
	}
	copy(v[:], b)

	return v, nil
}

func fromHex[T fixed32](s, name string) (T, error) {
	var v T
	if len(s) != len(v)*2 {
		return v, fmt.Errorf("invalid %s string length of %v, want %v",
			name, len(s), len(v)*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return v, err
	}

	return fromBytes[T](b, name)
}
