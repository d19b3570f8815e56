package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/chancore/build"
	"github.com/urfave/cli"
)

const (
	defaultConfigFilename = "chancli.conf"
	defaultLogFilename    = "chancli.log"
	defaultDBFilename     = "monitors.db"
	defaultLogLevel       = "info"
	defaultNetwork        = "mainnet"
)

var (
	defaultHomeDir    = btcutil.AppDataDir("chancli", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, "logs")
	defaultDBPath     = filepath.Join(defaultHomeDir, defaultDBFilename)

	// networks maps the supported network names to their parameters.
	networks = map[string]*chaincfg.Params{
		"mainnet": &chaincfg.MainNetParams,
		"testnet": &chaincfg.TestNet3Params,
		"regtest": &chaincfg.RegressionNetParams,
		"signet":  &chaincfg.SigNetParams,
		"simnet":  &chaincfg.SimNetParams,
	}
)

// Config is the configuration of chancli. Values are read from the config
// file first, command line flags take precedence.
//
//nolint:lll
type Config struct {
	Network    string `long:"network" description:"The bitcoin network keys are derived for." choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet" choice:"simnet"`
	DBPath     string `long:"dbpath" description:"The path of the channel monitor database."`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems."`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	Log *build.LogConfig `group:"logging" namespace:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Network:    defaultNetwork,
		DBPath:     defaultDBPath,
		DebugLevel: defaultLogLevel,
		LogDir:     defaultLogDir,
		Log:        build.DefaultLogConfig(),
	}
}

// NetParams returns the parameters of the configured network.
func (c *Config) NetParams() (*chaincfg.Params, error) {
	params, ok := networks[c.Network]
	if !ok {
		return nil, fmt.Errorf("unknown network: %v", c.Network)
	}

	return params, nil
}

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	if _, err := c.NetParams(); err != nil {
		return err
	}
	if c.DBPath == "" {
		return errors.New("dbpath must be set")
	}

	return c.Log.Validate()
}

// loadConfig reads the config file, if present, and applies the global flags
// of the command line on top of it.
func loadConfig(ctx *cli.Context) (*Config, error) {
	cfg := DefaultConfig()

	configFile := cleanAndExpandPath(ctx.GlobalString("configfile"))
	err := flags.IniParse(configFile, &cfg)
	switch {
	// A missing file is only an error if the user pointed us at it.
	case errors.Is(err, os.ErrNotExist) && !ctx.GlobalIsSet("configfile"):

	case err != nil:
		return nil, fmt.Errorf("unable to parse config file %v: %w",
			configFile, err)
	}

	if ctx.GlobalIsSet("network") {
		cfg.Network = ctx.GlobalString("network")
	}
	if ctx.GlobalIsSet("dbpath") {
		cfg.DBPath = ctx.GlobalString("dbpath")
	}
	if ctx.GlobalIsSet("debuglevel") {
		cfg.DebugLevel = ctx.GlobalString("debuglevel")
	}
	if ctx.GlobalIsSet("logdir") {
		cfg.LogDir = ctx.GlobalString("logdir")
	}

	cfg.DBPath = cleanAndExpandPath(cfg.DBPath)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// cleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
