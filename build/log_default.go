//go:build !stdlog
// +build !stdlog

package build

// LoggingType is a log type that writes to both stdout and the log rotator, if
// present.
const LoggingType = LogTypeDefault

// LogLevel is the level stand-alone development loggers are created with.
const LogLevel = "info"
