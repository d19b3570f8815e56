package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/chancore/input"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/shachain"
	"github.com/urfave/cli"
	"golang.org/x/term"
)

var seedFlag = cli.StringFlag{
	Name: "seed",
	Usage: "The hex encoded wallet seed, 16 to 64 bytes. If unset, the " +
		"seed is read from the terminal.",
}

var deriveKeysCommand = cli.Command{
	Name:     "derivekeys",
	Category: "Keys",
	Usage:    "Derive the basepoints of a channel.",
	Description: `
	Derive the static basepoints and the first commitment point of the
	channel with the given key index from the wallet seed.
	`,
	Flags: []cli.Flag{
		seedFlag,
		cli.Uint64Flag{
			Name:  "index",
			Usage: "The key index of the channel.",
		},
	},
	Action: deriveKeys,
}

// readSeed reads the hex seed from the terminal without echoing it. This
// requires a TTY.
func readSeed() (string, error) {
	fmt.Print("Enter wallet seed (hex): ")

	// syscall.Stdin has a different type on Windows.
	seed, err := term.ReadPassword(int(syscall.Stdin)) // nolint:unconvert
	fmt.Println()
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(seed)), nil
}

// getKeysManager creates the key ring of the seed passed with --seed, or
// typed at the prompt.
func getKeysManager(ctx *cli.Context) (*keychain.KeysManager, error) {
	seedHex := ctx.String(seedFlag.Name)
	if !ctx.IsSet(seedFlag.Name) {
		var err error
		seedHex, err = readSeed()
		if err != nil {
			return nil, fmt.Errorf("unable to read seed: %w", err)
		}
	}
	if seedHex == "" {
		return nil, errors.New("seed must be set")
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("unable to decode seed: %w", err)
	}
	if len(seed) < hdkeychain.MinSeedBytes ||
		len(seed) > hdkeychain.MaxSeedBytes {

		return nil, fmt.Errorf("seed must be between %d and %d bytes",
			hdkeychain.MinSeedBytes, hdkeychain.MaxSeedBytes)
	}

	params, err := getConfig(ctx).NetParams()
	if err != nil {
		return nil, err
	}

	return keychain.NewKeysManager(seed, params)
}

func deriveKeys(ctx *cli.Context) error {
	keyRing, err := getKeysManager(ctx)
	if err != nil {
		return err
	}

	index := uint32(ctx.Uint64("index"))
	bp, err := keyRing.DeriveChannelBasepoints(index)
	if err != nil {
		return err
	}

	rows := make([]table.Row, 0, 5)
	for _, k := range []struct {
		name string
		desc keychain.KeyDescriptor
	}{
		{"funding", bp.MultiSigKey},
		{"revocation_base", bp.RevocationBasePoint},
		{"htlc_base", bp.HtlcBasePoint},
		{"payment", bp.PaymentBasePoint},
		{"delayed_payment_base", bp.DelayBasePoint},
	} {
		rows = append(rows, table.Row{
			k.name, k.desc.Family, k.desc.Index,
			hex.EncodeToString(k.desc.PubKey.SerializeCompressed()),
		})
	}

	// The first commitment point is sent in open_channel.
	root, err := keyRing.RevocationRoot(index)
	if err != nil {
		return err
	}
	secret, err := shachain.NewRevocationProducer(root).AtIndex(0)
	if err != nil {
		return err
	}
	point := input.ComputeCommitmentPoint(secret[:])
	rows = append(rows, table.Row{
		"first_commitment_point", keychain.KeyFamilyRevocationRoot,
		index, hex.EncodeToString(point.SerializeCompressed()),
	})

	printTable(table.Row{"key", "family", "index", "pubkey"}, rows)

	log.Debugf("Derived basepoints of channel index %d", index)

	return nil
}
