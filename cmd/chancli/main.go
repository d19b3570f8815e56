package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/chancore/build"
	"github.com/urfave/cli"
)

// configKey is the key of the loaded Config in the app metadata.
const configKey = "config"

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[chancli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "chancli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "offline tooling for lightning channel keys, payments " +
		"and breach monitors"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "configfile",
			Value: defaultConfigFile,
			Usage: "The path to the config file.",
		},
		cli.StringFlag{
			Name:  "network, n",
			Value: defaultNetwork,
			Usage: "The network keys are derived for, options: " +
				"mainnet, testnet, regtest, signet, simnet.",
		},
		cli.StringFlag{
			Name:  "dbpath",
			Value: defaultDBPath,
			Usage: "The path of the channel monitor database.",
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Value: defaultLogLevel,
			Usage: "The log level for all subsystems, or a list of " +
				"<subsystem>=<level> pairs.",
		},
		cli.StringFlag{
			Name:  "logdir",
			Value: defaultLogDir,
			Usage: "The directory to write the log file to.",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if _, err := setupLoggers(cfg); err != nil {
			return err
		}

		app.Metadata = map[string]interface{}{configKey: cfg}

		return nil
	}
	app.After = func(*cli.Context) error {
		return logWriter.Close()
	}
	app.Commands = []cli.Command{
		deriveKeysCommand,
		newPaymentCommand,
		verifyPaymentCommand,
		decodeFeaturesCommand,
		negotiateFeaturesCommand,
		listMonitorsCommand,
		removeMonitorCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// getConfig returns the config loaded before the command ran.
func getConfig(ctx *cli.Context) *Config {
	return ctx.App.Metadata[configKey].(*Config)
}

// printTable renders rows below the header to stdout.
func printTable(header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
}
