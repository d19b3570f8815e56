package main

import (
	"path/filepath"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/chancore/build"
	"github.com/lightningnetwork/chancore/contractcourt"
	"github.com/lightningnetwork/chancore/feature"
	"github.com/lightningnetwork/chancore/invoices"
	"github.com/lightningnetwork/chancore/keychain"
	"github.com/lightningnetwork/chancore/lnwallet"
	"github.com/lightningnetwork/chancore/lnwallet/chansigner"
)

// Subsystem is the logging code of chancli itself.
const Subsystem = "CCLI"

// log is the logger of the main package, replaced once the log handler is
// set up.
var log = build.NewSubLogger(Subsystem, nil)

// logWriter is the rotating log file, closed on exit.
var logWriter = build.NewRotatingLogWriter()

// setupLoggers creates the log handler described by cfg and points the
// loggers of every subsystem at it.
func setupLoggers(cfg *Config) (*build.SubLoggerManager, error) {
	if !cfg.Log.File.Disable {
		err := logWriter.InitLogRotator(
			cfg.Log.File, filepath.Join(cfg.LogDir, defaultLogFilename),
		)
		if err != nil {
			return nil, err
		}
	}

	handler := build.NewDefaultLogHandler(cfg.Log, logWriter)
	root := build.NewSubLoggerManager(handler)

	log = root.GenSubLogger(Subsystem)
	AddSubLogger(root, contractcourt.Subsystem, contractcourt.UseLogger)
	AddSubLogger(root, "BRAR", contractcourt.UseBreachLogger)
	AddSubLogger(root, lnwallet.Subsystem, lnwallet.UseLogger)
	AddSubLogger(root, chansigner.Subsystem, chansigner.UseLogger)
	AddSubLogger(root, invoices.Subsystem, invoices.UseLogger)
	AddSubLogger(root, feature.Subsystem, feature.UseLogger)
	AddSubLogger(root, keychain.Subsystem, keychain.UseLogger)

	if err := build.ParseAndSetDebugLevels(cfg.DebugLevel, root); err != nil {
		return nil, err
	}

	return root, nil
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	logger := root.GenSubLogger(subsystem)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
