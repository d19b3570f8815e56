package build

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// RotatingLogWriter writes log lines to a file that is rolled over and
// compressed once it grows past the configured size. Until InitLogRotator is
// called all writes are discarded.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator

	// done is closed once the rotator goroutine returned.
	done chan struct{}
}

// NewRotatingLogWriter creates a writer with no file behind it yet.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// newCompressor returns the compressor used for rolled files.
func newCompressor(name string) (rotator.Compressor, error) {
	switch name {
	case Gzip:
		return gzip.NewWriter(nil), nil

	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd compressor: %w", err)
		}

		return enc, nil

	default:
		return nil, fmt.Errorf("unknown log compressor: %v", name)
	}
}

// InitLogRotator opens logFile, creating its directory if needed, and starts
// rolling it according to cfg. Close must be called on shutdown.
func (r *RotatingLogWriter) InitLogRotator(cfg *FileLoggerConfig,
	logFile string) error {

	compressor, err := newCompressor(cfg.Compressor)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// The rotator takes the threshold in KB.
	r.rotator, err = rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	r.rotator.SetCompressor(compressor, logCompressors[cfg.Compressor])

	pr, pw := io.Pipe()
	r.pipe = pw
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		err := r.rotator.Run(pr)
		if err != nil && !errors.Is(err, io.EOF) {
			_, _ = fmt.Fprintf(os.Stderr, "log rotator stopped: %v\n",
				err)
		}
	}()

	return nil
}

// Write hands b to the rotator, or drops it if no file was configured.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.rotator == nil {
		return len(b), nil
	}

	return r.rotator.Write(b)
}

// Close flushes and closes the log file.
func (r *RotatingLogWriter) Close() error {
	if r.rotator == nil {
		return nil
	}

	err := r.rotator.Close()
	_ = r.pipe.Close()
	<-r.done

	return err
}
