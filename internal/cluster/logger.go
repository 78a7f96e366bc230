package cluster

import (
	"io"
	"log"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// newNoOpHCLogger creates a no-op hclog.Logger for Raft to avoid excessive logging.
func newNoOpHCLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

// newHCLogger creates an hclog.Logger from a standard log.Logger.
func newHCLogger(stdLogger *log.Logger, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: stdLogger.Writer(),
	})
}

// raftLogger returns the logger Raft writes through. Raft output is
// forwarded into logger at debug level unless level is "off" or unknown.
func raftLogger(logger *slog.Logger, level string) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel || lvl == hclog.Off {
		return newNoOpHCLogger()
	}
	return newHCLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug), lvl)
}
