package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/chancore/invoices"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lntypes"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/urfave/cli"
)

const defaultPaymentExpiry = 24 * time.Hour

var newPaymentCommand = cli.Command{
	Name:     "newpayment",
	Category: "Payments",
	Usage:    "Create the hash and secret of a stateless payment.",
	Description: `
	Create a payment hash and payment secret that can later be verified
	with nothing but the wallet seed. If --hash is set, the preimage is
	unknown to us and the payment is bound to the given hash instead.
	`,
	Flags: []cli.Flag{
		seedFlag,
		cli.Uint64Flag{
			Name:  "amt_msat",
			Usage: "The minimum amount accepted, 0 for any amount.",
		},
		cli.DurationFlag{
			Name:  "expiry",
			Value: defaultPaymentExpiry,
			Usage: "How long the payment can be made.",
		},
		cli.StringFlag{
			Name:  "hash",
			Usage: "The hex encoded payment hash, if the preimage " +
				"is known to the user only.",
		},
	},
	Action: newPayment,
}

var verifyPaymentCommand = cli.Command{
	Name:      "verifypayment",
	Category:  "Payments",
	Usage:     "Check an incoming payment against its secret.",
	ArgsUsage: "hash secret",
	Flags: []cli.Flag{
		seedFlag,
		cli.Uint64Flag{
			Name:  "amt_msat",
			Usage: "The total amount of the incoming payment.",
		},
		cli.Int64Flag{
			Name: "blocktime",
			Usage: "The unix timestamp of the best block, the " +
				"current time is used if unset.",
		},
	},
	Action: verifyPayment,
}

// getPaymentManager creates the payment manager of the seed passed with
// --seed.
func getPaymentManager(
	ctx *cli.Context) (*invoices.InboundPaymentManager, error) {

	keyRing, err := getKeysManager(ctx)
	if err != nil {
		return nil, err
	}

	keyMaterial, err := keyRing.InboundPaymentKeyMaterial()
	if err != nil {
		return nil, err
	}

	return invoices.NewInboundPaymentManager(
		&invoices.InboundPaymentConfig{
			KeyMaterial: keyMaterial,
			Entropy:     keychain.CryptoEntropy{},
			Clock:       clock.NewDefaultClock(),
		},
	), nil
}

func newPayment(ctx *cli.Context) error {
	manager, err := getPaymentManager(ctx)
	if err != nil {
		return err
	}

	minAmt := fn.None[lnwire.MilliSatoshi]()
	if amt := ctx.Uint64("amt_msat"); amt > 0 {
		minAmt = fn.Some(lnwire.MilliSatoshi(amt))
	}
	expiry := ctx.Duration("expiry")

	var (
		hash     lntypes.Hash
		secret   lntypes.PaymentSecret
		preimage string
	)
	if ctx.IsSet("hash") {
		hash, err = lntypes.MakeHashFromStr(ctx.String("hash"))
		if err != nil {
			return err
		}

		secret, err = manager.CreateForHash(minAmt, hash, expiry)
		if err != nil {
			return err
		}
	} else {
		hash, secret, err = manager.Create(minAmt, expiry)
		if err != nil {
			return err
		}

		p, err := manager.Preimage(hash, secret)
		if err != nil {
			return err
		}
		preimage = p.String()
	}

	printTable(table.Row{"field", "value"}, []table.Row{
		{"payment_hash", hash},
		{"payment_secret", secret},
		{"preimage", preimage},
		{"min_amt_msat", minAmt.UnwrapOr(0)},
		{"expiry", expiry},
	})

	return nil
}

func verifyPayment(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "verifypayment")
	}

	hash, err := lntypes.MakeHashFromStr(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	secret, err := lntypes.MakePaymentSecretFromStr(ctx.Args().Get(1))
	if err != nil {
		return err
	}

	manager, err := getPaymentManager(ctx)
	if err != nil {
		return err
	}
	if ctx.IsSet("blocktime") {
		manager.BlockConnected(time.Unix(ctx.Int64("blocktime"), 0))
	}

	preimage, err := manager.Verify(
		hash, secret, lnwire.MilliSatoshi(ctx.Uint64("amt_msat")),
	)
	switch {
	case errors.Is(err, invoices.ErrPaymentRejected):
		fmt.Println("payment rejected")
		return nil

	case err != nil:
		return err
	}

	printTable(table.Row{"field", "value"}, []table.Row{
		{"payment_hash", hash},
		{"accepted", true},
		{"preimage", fn.MapOption(func(p lntypes.Preimage) string {
			return p.String()
		})(preimage).UnwrapOr("held by user")},
	})

	return nil
}
