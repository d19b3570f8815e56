package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/chancore/feature"
	"github.com/lightningnetwork/chancore/lnwire"
	"github.com/urfave/cli"
)

var decodeFeaturesCommand = cli.Command{
	Name:      "decodefeatures",
	Category:  "Features",
	Usage:     "List the bits of an init feature vector.",
	ArgsUsage: "features",
	Description: `
	Decode the big-endian hex encoded flags of an init message, without
	the length prefix, and list every set bit.
	`,
	Action: decodeFeatures,
}

var negotiateFeaturesCommand = cli.Command{
	Name:      "negotiatefeatures",
	Category:  "Features",
	Usage:     "Negotiate our init features with those of a peer.",
	ArgsUsage: "remote_features",
	Action:    negotiateFeatures,
}

// parseInitFeatures decodes big-endian hex flags.
func parseInitFeatures(s string) (*lnwire.InitFeatures, error) {
	flags, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("unable to decode features: %w", err)
	}
	if len(flags) > 0xffff {
		return nil, fmt.Errorf("feature vector too large: %d bytes",
			len(flags))
	}

	var b bytes.Buffer
	_ = binary.Write(&b, binary.BigEndian, uint16(len(flags)))
	b.Write(flags)

	features := lnwire.EmptyFeatures[lnwire.InitContext]()
	if err := features.Decode(&b); err != nil {
		return nil, err
	}

	return features, nil
}

func decodeFeatures(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "decodefeatures")
	}

	features, err := parseInitFeatures(ctx.Args().First())
	if err != nil {
		return err
	}

	rows := make([]table.Row, 0, len(features.SetBits()))
	for _, bit := range features.SetBits() {
		rows = append(rows, table.Row{
			uint16(bit), bit, bit.IsRequired(),
		})
	}
	printTable(table.Row{"bit", "name", "required"}, rows)

	if err := feature.ValidateDeps(features); err != nil {
		fmt.Printf("invalid dependencies: %v\n", err)
	}
	if features.RequiresUnknownBits() {
		fmt.Println("requires unknown features")
	}

	return nil
}

func negotiateFeatures(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "negotiatefeatures")
	}

	remote, err := parseInitFeatures(ctx.Args().First())
	if err != nil {
		return err
	}

	negotiated, err := feature.Negotiate(
		lnwire.SupportedInitFeatures(), remote,
	)
	if err != nil {
		return err
	}

	printTable(table.Row{"feature", "active"}, []table.Row{
		{"data_loss_protect", negotiated.DataLossProtect},
		{"upfront_shutdown_script", negotiated.UpfrontShutdown},
		{"var_onion_optin", negotiated.VarOnion},
	})

	return nil
}
