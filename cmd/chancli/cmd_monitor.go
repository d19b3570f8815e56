package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btcd/wire"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/chancore/contractcourt"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/urfave/cli"
)

var listMonitorsCommand = cli.Command{
	Name:     "listmonitors",
	Category: "Monitors",
	Usage:    "List the channel monitors in the database.",
	Flags:    []cli.Flag{seedFlag},
	Action:   listMonitors,
}

var removeMonitorCommand = cli.Command{
	Name:      "removemonitor",
	Category:  "Monitors",
	Usage:     "Remove the monitor of a resolved channel.",
	ArgsUsage: "funding_txid:output_index",
	Flags: []cli.Flag{
		seedFlag,
		cli.BoolFlag{
			Name:  "force",
			Usage: "Remove the monitor even if it isn't resolved.",
		},
	},
	Action: removeMonitor,
}

// openMonitorStore opens the monitor database. The caller must close the
// returned backend.
func openMonitorStore(ctx *cli.Context) (*contractcourt.MonitorStore,
	kvdb.Backend, error) {

	dbPath := getConfig(ctx).DBPath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, nil, err
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, dbPath, true, kvdb.DefaultDBTimeout,
		false,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open %v: %w", dbPath,
			err)
	}

	return contractcourt.NewMonitorStore(db), db, nil
}

func listMonitors(ctx *cli.Context) error {
	keyRing, err := getKeysManager(ctx)
	if err != nil {
		return err
	}

	store, db, err := openMonitorStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	monitors, err := store.FetchAll(keyRing)
	if err != nil {
		return err
	}

	chanPoints := make([]wire.OutPoint, 0, len(monitors))
	for op := range monitors {
		chanPoints = append(chanPoints, op)
	}
	sort.Slice(chanPoints, func(i, j int) bool {
		return chanPoints[i].String() < chanPoints[j].String()
	})

	rows := make([]table.Row, 0, len(monitors))
	for _, op := range chanPoints {
		mon := monitors[op]
		_, height := mon.BestBlock()

		justice := "-"
		mon.JusticeTx().WhenSome(func(tx *wire.MsgTx) {
			justice = tx.TxHash().String()
		})

		rows = append(rows, table.Row{
			op, mon.State(), mon.LatestUpdateID(), height, justice,
		})
	}

	printTable(table.Row{
		"channel_point", "state", "update_id", "best_height",
		"justice_tx",
	}, rows)

	return nil
}

func removeMonitor(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "removemonitor")
	}

	chanPoint, err := wire.NewOutPointFromString(ctx.Args().First())
	if err != nil {
		return err
	}

	keyRing, err := getKeysManager(ctx)
	if err != nil {
		return err
	}

	store, db, err := openMonitorStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	monitors, err := store.FetchAll(keyRing)
	if err != nil {
		return err
	}
	mon, ok := monitors[*chanPoint]
	if !ok {
		return fmt.Errorf("%w: %v", contractcourt.ErrMonitorNotFound,
			chanPoint)
	}

	if mon.State() != contractcourt.StateResolved && !ctx.Bool("force") {
		return fmt.Errorf("monitor of %v is %v, use --force to remove "+
			"it anyway", chanPoint, mon.State())
	}

	if err := store.Remove(*chanPoint); err != nil {
		return err
	}

	log.Infof("Removed monitor of %v", chanPoint)

	return nil
}
