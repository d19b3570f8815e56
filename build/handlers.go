package build

import (
	"io"
	"os"

	"github.com/btcsuite/btclog/v2"
)

// NewDefaultLogHandler returns the root log handler that sub-loggers are
// generated from. Depending on cfg it writes to stdout, to the rotating log
// file, to both or to neither.
func NewDefaultLogHandler(cfg *LogConfig,
	rotator *RotatingLogWriter) btclog.Handler {

	var writers []io.Writer
	if !cfg.Console.Disable {
		writers = append(writers, os.Stdout)
	}
	if rotator != nil && !cfg.File.Disable {
		writers = append(writers, rotator)
	}

	// The console settings drive the line format since both writers share
	// the handler.
	opts := cfg.Console.HandlerOptions()

	return btclog.NewDefaultHandler(io.MultiWriter(writers...), opts...)
}
