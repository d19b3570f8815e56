//go:build stdlog
// +build stdlog

package build

// LoggingType is a log type that only writes to stdout.
const LoggingType = LogTypeStdOut

// LogLevel is the level stand-alone development loggers are created with.
const LogLevel = "debug"
