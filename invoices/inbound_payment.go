package invoices

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lntypes"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	// ivLen is the size of the initialization vector in the first half of
	// a payment secret.
	ivLen = 16

	// metadataLen is the size of the encrypted metadata in the second
	// half of a payment secret.
	metadataLen = 16

	// amtLen is the size of the amount field of the metadata.
	amtLen = 8

	// methodOffset is the bit offset of the payment method within the
	// first metadata byte.
	methodOffset = 5

	// methodMask selects the method bits of the first metadata byte.
	methodMask = 0b1110_0000

	// expiryGracePeriod is added to every expiry to allow for block
	// timestamps lagging behind wall clock time.
	expiryGracePeriod = 7200
)

// keyExpansionSalt is the HKDF salt used to expand the inbound payment key
// material.
var keyExpansionSalt = []byte("Lightning Inbound Payment Key Expansion")

// paymentMethod records how the payment hash of an inbound payment was
// created.
type paymentMethod uint8

const (
	// methodDerivedHash marks payments whose preimage we derive
	// ourselves, so it never needs to be stored.
	methodDerivedHash paymentMethod = 0

	// methodUserHash marks payments created for a hash supplied by the
	// user, whose preimage we never learn.
	methodUserHash paymentMethod = 1
)

// String returns a human readable name of the method.
func (m paymentMethod) String() string {
	switch m {
	case methodDerivedHash:
		return "derived"
	case methodUserHash:
		return "user"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ExpandedKey holds the three keys derived from the node's inbound payment
// key material.
type ExpandedKey struct {
	// metadataKey encrypts the metadata in payment secrets.
	metadataKey [32]byte

	// derivedHashKey authenticates payments whose preimage we derive.
	derivedHashKey [32]byte

	// userHashKey authenticates payments for user supplied hashes.
	userHashKey [32]byte
}

// NewExpandedKey expands the key material with HKDF-SHA256.
func NewExpandedKey(keyMaterial [32]byte) *ExpandedKey {
	reader := hkdf.New(sha256.New, keyMaterial[:], keyExpansionSalt, nil)

	// It's safe to ignore the error here as 96 bytes is far below the
	// output limit of HKDF-SHA256.
	var k ExpandedKey
	_, _ = io.ReadFull(reader, k.metadataKey[:])
	_, _ = io.ReadFull(reader, k.derivedHashKey[:])
	_, _ = io.ReadFull(reader, k.userHashKey[:])

	return &k
}

// metadata is the plaintext hidden in the second half of a payment secret:
// the minimum amount with the method in its top three bits, followed by the
// expiry timestamp, both big endian.
type metadata [metadataLen]byte

// newMetadata encodes the metadata of a new payment.
func newMetadata(minAmt fn.Option[lnwire.MilliSatoshi], method paymentMethod,
	expiryDeltaSecs uint32, highestSeen uint64) (metadata, error) {

	amt := minAmt.UnwrapOr(0)
	if amt > lnwire.MaxValueMsat {
		return metadata{}, fmt.Errorf("%w: %v", ErrAmountTooLarge, amt)
	}

	var m metadata
	binary.BigEndian.PutUint64(m[:amtLen], uint64(amt))
	m[0] |= byte(method) << methodOffset

	expiry := highestSeen + uint64(expiryDeltaSecs) + expiryGracePeriod
	binary.BigEndian.PutUint64(m[amtLen:], expiry)

	return m, nil
}

// method returns the payment method encoded in the metadata.
func (m *metadata) method() paymentMethod {
	return paymentMethod((m[0] & methodMask) >> methodOffset)
}

// minAmt returns the minimum amount encoded in the metadata.
func (m *metadata) minAmt() lnwire.MilliSatoshi {
	var amt [amtLen]byte
	copy(amt[:], m[:amtLen])
	amt[0] &^= methodMask

	return lnwire.MilliSatoshi(binary.BigEndian.Uint64(amt[:]))
}

// expiry returns the expiry timestamp encoded in the metadata.
func (m *metadata) expiry() uint64 {
	return binary.BigEndian.Uint64(m[amtLen:])
}

// metadataKeystream returns the first metadataLen bytes of the ChaCha20
// block selected by the IV: the first four bytes are the little endian block
// counter and the remaining twelve the nonce.
func metadataKeystream(key *[32]byte, iv *[ivLen]byte) [metadataLen]byte {
	var stream [metadataLen]byte

	// The key and nonce sizes are fixed, so creating the cipher can't
	// fail.
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], iv[4:])
	if err != nil {
		panic(err)
	}
	cipher.SetCounter(binary.LittleEndian.Uint32(iv[:4]))
	cipher.XORKeyStream(stream[:], stream[:])

	return stream
}

// encodeSecret builds a payment secret from the IV and encrypted metadata.
func encodeSecret(iv *[ivLen]byte, m *metadata,
	keys *ExpandedKey) lntypes.PaymentSecret {

	var secret lntypes.PaymentSecret
	copy(secret[:ivLen], iv[:])

	stream := metadataKeystream(&keys.metadataKey, iv)
	for i := range m {
		secret[ivLen+i] = m[i] ^ stream[i]
	}

	return secret
}

// decodeSecret splits a payment secret into its IV and decrypted metadata.
func decodeSecret(secret *lntypes.PaymentSecret,
	keys *ExpandedKey) ([ivLen]byte, metadata) {

	var (
		iv [ivLen]byte
		m  metadata
	)
	copy(iv[:], secret[:ivLen])

	stream := metadataKeystream(&keys.metadataKey, &iv)
	for i := range m {
		m[i] = secret[ivLen+i] ^ stream[i]
	}

	return iv, m
}

// hmacSHA256 returns HMAC-SHA256 over the concatenation of the messages.
func hmacSHA256(key *[32]byte, msgs ...[]byte) [32]byte {
	mac := hmac.New(sha256.New, key[:])
	for _, msg := range msgs {
		mac.Write(msg)
	}

	var sum [32]byte
	copy(sum[:], mac.Sum(nil))

	return sum
}

// derivedPreimage recomputes the preimage of a derived-hash payment.
func derivedPreimage(iv *[ivLen]byte, m *metadata,
	keys *ExpandedKey) lntypes.Preimage {

	return lntypes.Preimage(hmacSHA256(&keys.derivedHashKey, iv[:], m[:]))
}

// userHashIV returns the IV authenticating a user-hash payment.
func userHashIV(m *metadata, hash *lntypes.Hash,
	keys *ExpandedKey) [ivLen]byte {

	var iv [ivLen]byte
	sum := hmacSHA256(&keys.userHashKey, m[:], hash[:])
	copy(iv[:], sum[:ivLen])

	return iv
}

// CreatePayment creates a payment hash and secret for a payment whose
// preimage we can recompute from the secret alone, so nothing needs to be
// stored. The payment expires expiryDeltaSecs after highestSeen, the highest
// block timestamp seen so far, plus a two hour grace period.
func CreatePayment(keys *ExpandedKey, minAmt fn.Option[lnwire.MilliSatoshi],
	expiryDeltaSecs uint32, entropy keychain.EntropySource,
	highestSeen uint64) (lntypes.Hash, lntypes.PaymentSecret, error) {

	m, err := newMetadata(
		minAmt, methodDerivedHash, expiryDeltaSecs, highestSeen,
	)
	if err != nil {
		return lntypes.Hash{}, lntypes.PaymentSecret{}, err
	}

	var iv [ivLen]byte
	randBytes := entropy.GetSecureRandomBytes()
	copy(iv[:], randBytes[:ivLen])

	preimage := derivedPreimage(&iv, &m, keys)

	return preimage.Hash(), encodeSecret(&iv, &m, keys), nil
}

// CreatePaymentFromHash creates a payment secret for a hash supplied by the
// user. We never learn the preimage, so PaymentPreimage refuses such
// payments.
func CreatePaymentFromHash(keys *ExpandedKey,
	minAmt fn.Option[lnwire.MilliSatoshi], hash lntypes.Hash,
	expiryDeltaSecs uint32, highestSeen uint64) (lntypes.PaymentSecret,
	error) {

	m, err := newMetadata(minAmt, methodUserHash, expiryDeltaSecs, highestSeen)
	if err != nil {
		return lntypes.PaymentSecret{}, err
	}

	iv := userHashIV(&m, &hash, keys)

	return encodeSecret(&iv, &m, keys), nil
}

// VerifyPayment checks that an incoming payment was created by us for this
// hash, pays at least the minimum amount in total and hasn't expired. For
// payments with a derived hash the preimage is returned. The secret is
// authenticated before any metadata is trusted.
func VerifyPayment(hash lntypes.Hash, secret lntypes.PaymentSecret,
	totalMsat lnwire.MilliSatoshi, highestSeen uint64,
	keys *ExpandedKey) (fn.Option[lntypes.Preimage], error) {

	iv, m := decodeSecret(&secret, keys)

	preimage := fn.None[lntypes.Preimage]()
	switch method := m.method(); method {
	case methodUserHash:
		expected := userHashIV(&m, &hash, keys)
		if !hmac.Equal(expected[:], iv[:]) {
			log.Tracef("Failing payment with user hash %v: "+
				"unexpected payment secret", hash)

			return preimage, ErrPaymentRejected
		}

	case methodDerivedHash:
		p := derivedPreimage(&iv, &m, keys)
		derivedHash := p.Hash()
		if !hmac.Equal(derivedHash[:], hash[:]) {
			log.Tracef("Failing payment with hash %v: mismatching "+
				"preimage", hash)

			return preimage, ErrPaymentRejected
		}
		preimage = fn.Some(p)

	default:
		log.Tracef("Failing payment with hash %v: unknown payment "+
			"method %v", hash, method)

		return fn.None[lntypes.Preimage](), ErrPaymentRejected
	}

	if minAmt := m.minAmt(); totalMsat < minAmt {
		log.Tracef("Failing payment with hash %v: total %v below "+
			"minimum %v", hash, totalMsat, minAmt)

		return fn.None[lntypes.Preimage](), ErrPaymentRejected
	}

	if expiry := m.expiry(); expiry < highestSeen {
		log.Tracef("Failing payment with hash %v: expired at %d, "+
			"highest seen %d", hash, expiry, highestSeen)

		return fn.None[lntypes.Preimage](), ErrPaymentRejected
	}

	return preimage, nil
}

// PaymentPreimage recomputes the preimage of a payment created by
// CreatePayment. Amount and expiry are not checked.
func PaymentPreimage(hash lntypes.Hash, secret lntypes.PaymentSecret,
	keys *ExpandedKey) (lntypes.Preimage, error) {

	iv, m := decodeSecret(&secret, keys)

	switch method := m.method(); method {
	case methodDerivedHash:
		p := derivedPreimage(&iv, &m, keys)
		if !p.Matches(hash) {
			return lntypes.Preimage{}, fmt.Errorf("%w: payment hash "+
				"%v did not match decoded preimage %v",
				ErrAPIMisuse, hash, p)
		}

		return p, nil

	case methodUserHash:
		return lntypes.Preimage{}, fmt.Errorf("%w: expected a derived "+
			"payment hash, got a user supplied one", ErrAPIMisuse)

	default:
		return lntypes.Preimage{}, fmt.Errorf("%w: unknown payment "+
			"method %v", ErrAPIMisuse, method)
	}
}
