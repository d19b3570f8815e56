package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

// newTestContext returns a cli context with the global flags of chancli
// parsed from args.
func newTestContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()

	set := flag.NewFlagSet("chancli", flag.ContinueOnError)
	set.String("configfile", defaultConfigFile, "")
	set.String("network", defaultNetwork, "")
	set.String("dbpath", defaultDBPath, "")
	set.String("debuglevel", defaultLogLevel, "")
	set.String("logdir", defaultLogDir, "")
	require.NoError(t, set.Parse(args))

	return cli.NewContext(cli.NewApp(), set, nil)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), defaultConfigFilename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	return path
}

// TestLoadConfigFile checks that flags take precedence over the config
// file.
func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configFile := writeConfigFile(t, "network=regtest\n"+
		"dbpath="+filepath.Join(dir, "file.db")+"\n"+
		"debuglevel=CMON=trace\n")

	ctx := newTestContext(
		t, "--configfile="+configFile,
		"--dbpath="+filepath.Join(dir, "flag.db"),
	)
	cfg, err := loadConfig(ctx)
	require.NoError(t, err)

	require.Equal(t, "regtest", cfg.Network)
	require.Equal(t, filepath.Join(dir, "flag.db"), cfg.DBPath)
	require.Equal(t, "CMON=trace", cfg.DebugLevel)

	params, err := cfg.NetParams()
	require.NoError(t, err)
	require.Equal(t, "regtest", params.Name)
}

// TestLoadConfigMissingFile checks that only an explicitly requested config
// file must exist.
func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing.conf")

	ctx := newTestContext(t, "--configfile="+missing)
	_, err := loadConfig(ctx)
	require.Error(t, err)
}

// TestLoadConfigInvalidNetwork checks the network is validated.
func TestLoadConfigInvalidNetwork(t *testing.T) {
	t.Parallel()

	configFile := writeConfigFile(t, "dbpath=/tmp/monitors.db\n")

	ctx := newTestContext(
		t, "--configfile="+configFile, "--network=moonnet",
	)
	_, err := loadConfig(ctx)
	require.Error(t, err)
}

// TestCleanAndExpandPath checks environment variables are expanded.
func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("CHANCLI_TEST_DIR", "/tmp/chancli")

	require.Equal(
		t, "/tmp/chancli/monitors.db",
		cleanAndExpandPath("$CHANCLI_TEST_DIR/./monitors.db"),
	)
	require.Empty(t, cleanAndExpandPath(""))
}

// TestParseInitFeatures checks big-endian flags are decoded.
func TestParseInitFeatures(t *testing.T) {
	t.Parallel()

	// Bits 1 and 9: data_loss_protect and var_onion_optin, optional.
	features, err := parseInitFeatures("0202")
	require.NoError(t, err)
	require.True(t, features.IsSet(1))
	require.True(t, features.IsSet(9))
	require.Len(t, features.SetBits(), 2)

	_, err = parseInitFeatures("zz")
	require.Error(t, err)
}
