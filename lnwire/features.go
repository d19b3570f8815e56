package lnwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FeatureBit represents a feature that can be enabled in a feature vector at
// a specific bit position. Feature bits follow the "it's OK to be odd" rule,
// where features at even bit positions must be known to a node receiving them
// from a peer while odd bits do not.
type FeatureBit uint16

const (
	// DataLossProtectRequired is a feature bit that indicates that a peer
	// *requires* the other party know about the data-loss-protect optional
	// feature. The data-loss-protect feature allows a peer that's lost
	// partial data to recover their settled funds of the latest commitment
	// state.
	DataLossProtectRequired FeatureBit = 0

	// DataLossProtectOptional is an optional feature bit that indicates
	// that the sending peer knows of the data-loss-protect feature.
	DataLossProtectOptional FeatureBit = 1

	// InitialRoutingSync is a local feature bit meaning that the receiving
	// node should send a complete dump of routing information when a new
	// connection is established. It only exists as an optional bit.
	InitialRoutingSync FeatureBit = 3

	// UpfrontShutdownScriptRequired is a feature bit which indicates that
	// a peer *requires* that the remote peer accept an upfront shutdown
	// script to which payout is enforced on cooperative closes.
	UpfrontShutdownScriptRequired FeatureBit = 4

	// UpfrontShutdownScriptOptional is an optional feature bit which
	// indicates that the peer will accept an upfront shutdown script to
	// which payout is enforced on cooperative closes.
	UpfrontShutdownScriptOptional FeatureBit = 5

	// GossipQueriesRequired is a feature bit that indicates that the
	// receiving peer MUST know of the set of features that allows nodes to
	// more efficiently query the network view of peers on the network for
	// reconciliation purposes.
	GossipQueriesRequired FeatureBit = 6

	// GossipQueriesOptional is an optional feature bit that signals that
	// the setting peer knows of the set of features that allows more
	// efficient network view reconciliation.
	GossipQueriesOptional FeatureBit = 7

	// VarOnionRequired is a feature bit that indicates a node is able to
	// decode the variable length onion payload.
	VarOnionRequired FeatureBit = 8

	// VarOnionOptional is an optional feature bit that indicates a node is
	// able to decode the variable length onion payload.
	VarOnionOptional FeatureBit = 9

	// StaticRemoteKeyRequired is a required feature bit that signals that
	// within one's commitment transaction, the key used for the remote
	// party's non-delay output should not be tweaked.
	StaticRemoteKeyRequired FeatureBit = 12

	// StaticRemoteKeyOptional is an optional feature bit that signals that
	// within one's commitment transaction, the key used for the remote
	// party's non-delay output should not be tweaked.
	StaticRemoteKeyOptional FeatureBit = 13

	// PaymentAddrRequired is a required feature bit that signals that a
	// node requires payment addresses, which are used to mitigate probing
	// attacks on the receiver of a payment.
	PaymentAddrRequired FeatureBit = 14

	// PaymentAddrOptional is an optional feature bit that signals that a
	// node supports payment addresses.
	PaymentAddrOptional FeatureBit = 15

	// MPPRequired is a required feature bit that signals that the receiver
	// of a payment requires settlement of an invoice with more than one
	// HTLC.
	MPPRequired FeatureBit = 16

	// MPPOptional is an optional feature bit that signals that the
	// receiver of a payment supports settlement of an invoice with more
	// than one HTLC.
	MPPOptional FeatureBit = 17

	// maxAllowedSize is the largest feature vector a u16 length prefix
	// can describe.
	maxAllowedSize = 65535
)

// Features is a map from feature bits to a human-readable name.
var Features = map[FeatureBit]string{
	DataLossProtectRequired:       "data-loss-protect",
	DataLossProtectOptional:       "data-loss-protect",
	InitialRoutingSync:            "initial-routing-sync",
	UpfrontShutdownScriptRequired: "upfront-shutdown-script",
	UpfrontShutdownScriptOptional: "upfront-shutdown-script",
	GossipQueriesRequired:         "gossip-queries",
	GossipQueriesOptional:         "gossip-queries",
	VarOnionRequired:              "var-onion-optin",
	VarOnionOptional:              "var-onion-optin",
	StaticRemoteKeyRequired:       "static-remote-key",
	StaticRemoteKeyOptional:       "static-remote-key",
	PaymentAddrRequired:           "payment-addr",
	PaymentAddrOptional:           "payment-addr",
	MPPRequired:                   "multi-path-payments",
	MPPOptional:                   "multi-path-payments",
}

// IsRequired returns true if the feature bit is even, and false otherwise.
func (b FeatureBit) IsRequired() bool {
	return b&0x01 == 0x00
}

// String returns the name of the bit, or "unknown" with its position.
func (b FeatureBit) String() string {
	if name, ok := Features[b]; ok {
		return fmt.Sprintf("%s(%d)", name, uint16(b))
	}

	return fmt.Sprintf("unknown(%d)", uint16(b))
}

// Context is the sealed set of places a feature vector can appear in. Each
// context knows a different subset of bits.
type Context interface {
	// knownBits returns the bits that are understood in this context.
	knownBits() []FeatureBit
}

// InitContext tags the features of an init message.
type InitContext struct{}

// NodeContext tags the features of a node_announcement.
type NodeContext struct{}

// ChannelContext tags the features of a channel_announcement.
type ChannelContext struct{}

func (InitContext) knownBits() []FeatureBit {
	return []FeatureBit{
		DataLossProtectRequired, DataLossProtectOptional,
		InitialRoutingSync,
		UpfrontShutdownScriptRequired, UpfrontShutdownScriptOptional,
		VarOnionRequired, VarOnionOptional,
	}
}

func (NodeContext) knownBits() []FeatureBit {
	return []FeatureBit{
		DataLossProtectRequired, DataLossProtectOptional,
		UpfrontShutdownScriptRequired, UpfrontShutdownScriptOptional,
		VarOnionRequired, VarOnionOptional,
	}
}

// ChannelContext has no defined features yet.
func (ChannelContext) knownBits() []FeatureBit {
	return nil
}

// DataLossProtectContext are the contexts data_loss_protect is defined in.
type DataLossProtectContext interface {
	Context
	InitContext | NodeContext
}

// UpfrontShutdownScriptContext are the contexts upfront_shutdown_script is
// defined in.
type UpfrontShutdownScriptContext interface {
	Context
	InitContext | NodeContext
}

// VariableLengthOnionContext are the contexts var_onion_optin is defined in.
type VariableLengthOnionContext interface {
	Context
	InitContext | NodeContext
}

// InitialRoutingSyncContext is the only context initial_routing_sync is
// defined in.
type InitialRoutingSyncContext interface {
	Context
	InitContext
}

// FeatureVector is a set of feature flags tagged by the context it appears
// in. The flags are stored little-endian, byte 0 holds bits 0-7, while the
// wire form is big-endian.
type FeatureVector[C Context] struct {
	flags []byte
}

// InitFeatures is a feature vector as it appears in an init message.
type InitFeatures = FeatureVector[InitContext]

// NodeFeatures is a feature vector as it appears in a node_announcement.
type NodeFeatures = FeatureVector[NodeContext]

// ChannelFeatures is a feature vector as it appears in a
// channel_announcement.
type ChannelFeatures = FeatureVector[ChannelContext]

// EmptyFeatures returns a vector with no bits set.
func EmptyFeatures[C Context]() *FeatureVector[C] {
	return &FeatureVector[C]{}
}

// FeaturesFromLEBytes creates a vector from little-endian flags. The slice is
// copied.
func FeaturesFromLEBytes[C Context](flags []byte) *FeatureVector[C] {
	return &FeatureVector[C]{flags: append([]byte(nil), flags...)}
}

// SupportedInitFeatures returns the init features we implement:
// data_loss_protect, upfront_shutdown_script and var_onion_optin, all
// optional.
func SupportedInitFeatures() *InitFeatures {
	return &InitFeatures{flags: []byte{0b00100010, 0b00000010}}
}

// SupportedNodeFeatures returns the node features we advertise, identical to
// the init features.
func SupportedNodeFeatures() *NodeFeatures {
	return &NodeFeatures{flags: []byte{0b00100010, 0b00000010}}
}

// SupportedChannelFeatures returns the channel features we support, of which
// there are none.
func SupportedChannelFeatures() *ChannelFeatures {
	return &ChannelFeatures{}
}

// NodeFeaturesFromInit keeps the init flags we know that are also relevant
// in a node announcement. initial_routing_sync, gossip_queries,
// gossip_queries_ex, option_static_remotekey and payment_secret are blanked
// out, as is everything past bit 15.
func NodeFeaturesFromInit(initFeatures *InitFeatures) *NodeFeatures {
	var flags []byte
	for i, b := range initFeatures.flags {
		switch i {
		case 0:
			flags = append(flags, b&0b00110011)
		case 1:
			flags = append(flags, b&0b00000011)
		}
	}

	return &NodeFeatures{flags: flags}
}

// ChannelFeaturesFromInit keeps the init flags relevant in a channel
// announcement. There are currently none we understand.
func ChannelFeaturesFromInit(_ *InitFeatures) *ChannelFeatures {
	return &ChannelFeatures{}
}

// knownMask returns, for byte i, the mask of bits known in context C.
func knownMask[C Context](i int) byte {
	var (
		c    C
		mask byte
	)
	for _, bit := range c.knownBits() {
		if int(bit/8) == i {
			mask |= 1 << (bit % 8)
		}
	}

	return mask
}

// RequiresUnknownBits returns true if any even bit is set that this context
// does not understand. A peer setting such a bit must be disconnected.
func (f *FeatureVector[C]) RequiresUnknownBits() bool {
	for i, b := range f.flags {
		if b&^knownMask[C](i)&0b01010101 != 0 {
			return true
		}
	}

	return false
}

// SupportsUnknownBits returns true if any bit, even or odd, is set that this
// context does not understand.
func (f *FeatureVector[C]) SupportsUnknownBits() bool {
	for i, b := range f.flags {
		if b&^knownMask[C](i) != 0 {
			return true
		}
	}

	return false
}

// IsSet returns whether a particular feature bit is enabled in the vector.
func (f *FeatureVector[C]) IsSet(bit FeatureBit) bool {
	i := int(bit / 8)
	if i >= len(f.flags) {
		return false
	}

	return f.flags[i]&(1<<(bit%8)) != 0
}

// Set marks a feature bit as enabled in the vector, growing it as needed.
func (f *FeatureVector[C]) Set(bit FeatureBit) {
	i := int(bit / 8)
	if i >= len(f.flags) {
		f.flags = append(f.flags, make([]byte, i+1-len(f.flags))...)
	}
	f.flags[i] |= 1 << (bit % 8)
}

// Unset marks a feature bit as disabled in the vector. Trailing zero bytes
// are trimmed.
func (f *FeatureVector[C]) Unset(bit FeatureBit) {
	i := int(bit / 8)
	if i >= len(f.flags) {
		return
	}
	f.flags[i] &^= 1 << (bit % 8)

	for len(f.flags) > 0 && f.flags[len(f.flags)-1] == 0 {
		f.flags = f.flags[:len(f.flags)-1]
	}
}

// SetBits returns every bit set in the vector, ascending.
func (f *FeatureVector[C]) SetBits() []FeatureBit {
	var bits []FeatureBit
	for i, b := range f.flags {
		for j := 0; j < 8; j++ {
			if b&(1<<j) != 0 {
				bits = append(bits, FeatureBit(i*8+j))
			}
		}
	}

	return bits
}

// Or returns a new vector with the bits of both vectors set.
func (f *FeatureVector[C]) Or(o *FeatureVector[C]) *FeatureVector[C] {
	n := max(len(f.flags), len(o.flags))

	flags := make([]byte, n)
	copy(flags, f.flags)
	for i, b := range o.flags {
		flags[i] |= b
	}

	return &FeatureVector[C]{flags: flags}
}

// Equal returns true if both vectors carry identical flags.
func (f *FeatureVector[C]) Equal(o *FeatureVector[C]) bool {
	return bytes.Equal(f.flags, o.flags)
}

// Clone returns a deep copy of the vector.
func (f *FeatureVector[C]) Clone() *FeatureVector[C] {
	return FeaturesFromLEBytes[C](f.flags)
}

// ByteCount is the number of flag bytes, excluding the length prefix.
func (f *FeatureVector[C]) ByteCount() int {
	return len(f.flags)
}

// LEFlags returns a copy of the little-endian flags.
func (f *FeatureVector[C]) LEFlags() []byte {
	return append([]byte(nil), f.flags...)
}

// String lists the set bits by name.
func (f *FeatureVector[C]) String() string {
	return fmt.Sprintf("%v", f.SetBits())
}

// Encode writes the vector as a big-endian u16 length followed by the flags
// in big-endian order.
func (f *FeatureVector[C]) Encode(w io.Writer) error {
	if len(f.flags) > maxAllowedSize {
		return fmt.Errorf("feature vector too large: %d bytes",
			len(f.flags))
	}

	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(f.flags)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}

	_, err := w.Write(reverse(f.flags))
	return err
}

// Decode reads a vector written by Encode.
func (f *FeatureVector[C]) Decode(r io.Reader) error {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return err
	}

	flags := make([]byte, binary.BigEndian.Uint16(l[:]))
	if _, err := io.ReadFull(r, flags); err != nil {
		return err
	}

	f.flags = reverse(flags)

	return nil
}

// EncodeUpTo13 writes the init features up to and including bit 13, the
// legacy "global features" field.
func EncodeUpTo13(w io.Writer, f *InitFeatures) error {
	n := min(2, len(f.flags))

	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(n))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}

	for i := n - 1; i >= 0; i-- {
		b := f.flags[i]
		if i == 1 {
			// Bits 8-13 are bits 0-5 of byte 1.
			b &= 0b00111111
		}
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
	}

	return nil
}

// SupportsDataLossProtect returns whether either data_loss_protect bit is
// set.
func SupportsDataLossProtect[C DataLossProtectContext](
	f *FeatureVector[C]) bool {

	return f.IsSet(DataLossProtectRequired) ||
		f.IsSet(DataLossProtectOptional)
}

// SupportsUpfrontShutdownScript returns whether either
// upfront_shutdown_script bit is set.
func SupportsUpfrontShutdownScript[C UpfrontShutdownScriptContext](
	f *FeatureVector[C]) bool {

	return f.IsSet(UpfrontShutdownScriptRequired) ||
		f.IsSet(UpfrontShutdownScriptOptional)
}

// SupportsVariableLengthOnion returns whether either var_onion_optin bit is
// set.
func SupportsVariableLengthOnion[C VariableLengthOnionContext](
	f *FeatureVector[C]) bool {

	return f.IsSet(VarOnionRequired) || f.IsSet(VarOnionOptional)
}

// HasInitialRoutingSync returns whether the peer asked for a full routing
// dump.
func HasInitialRoutingSync[C InitialRoutingSyncContext](
	f *FeatureVector[C]) bool {

	return f.IsSet(InitialRoutingSync)
}

// SetInitialRoutingSync requests a full routing dump from the peer.
func SetInitialRoutingSync[C InitialRoutingSyncContext](f *FeatureVector[C]) {
	f.Set(InitialRoutingSync)
}

func reverse(b []byte) []byte {
	r := make([]byte, len(b))
	for i := range b {
		r[len(b)-1-i] = b[i]
	}

	return r
}
