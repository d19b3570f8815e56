package feature

import (
	"errors"
	"fmt"

	"github.com/lightningnetwork/chancore/lnwire"
)

// ErrUnknownRequiredFeature is returned when the remote party sets a
// required bit that we don't understand. The connection must be dropped.
var ErrUnknownRequiredFeature = errors.New("remote requires unknown feature")

// NegotiatedFeatures is the set of optional behaviours both sides of a
// connection have agreed on.
type NegotiatedFeatures struct {
	// DataLossProtect signals that both sides will send their last
	// per-commitment secret on reestablish.
	DataLossProtect bool

	// UpfrontShutdown signals that both sides commit to a shutdown script
	// at channel open.
	UpfrontShutdown bool

	// VarOnion signals that both sides accept tlv hop payloads.
	VarOnion bool
}

// Negotiate combines our init features with those sent by the remote peer.
// A feature is only considered active if both sides advertise it in either
// its optional or required form.
func Negotiate(local, remote *lnwire.InitFeatures) (NegotiatedFeatures,
	error) {

	var negotiated NegotiatedFeatures

	if remote.RequiresUnknownBits() {
		return negotiated, fmt.Errorf("%w: %v",
			ErrUnknownRequiredFeature, remote)
	}

	if err := ValidateDeps(remote); err != nil {
		return negotiated, fmt.Errorf("invalid remote features: %w",
			err)
	}

	negotiated.DataLossProtect = lnwire.SupportsDataLossProtect(local) &&
		lnwire.SupportsDataLossProtect(remote)
	negotiated.UpfrontShutdown =
		lnwire.SupportsUpfrontShutdownScript(local) &&
			lnwire.SupportsUpfrontShutdownScript(remote)
	negotiated.VarOnion = lnwire.SupportsVariableLengthOnion(local) &&
		lnwire.SupportsVariableLengthOnion(remote)

	log.Debugf("Negotiated features: data_loss_protect=%v, "+
		"upfront_shutdown=%v, var_onion=%v",
		negotiated.DataLossProtect, negotiated.UpfrontShutdown,
		negotiated.VarOnion)

	return negotiated, nil
}
