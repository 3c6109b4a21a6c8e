package logging

import (
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/hydro-project/cluster/internal/clusterconfig"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	opLogger.Store(logger)
}

// Op returns the operational logger for daemon/infrastructure logs.
// This is separate from the DecisionLogger, which audits individual
// scale/pin/depart decisions to a plain-text log.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warn", "error".
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}

// InitFromConfig reconfigures the operational logger from the daemon's
// logging section (format: "text" or "json", level: debug/info/warn/error),
// so a config file or HYDRO_LOG_* env override takes effect without a
// separate format/level plumbing path.
func InitFromConfig(cfg clusterconfig.LoggingConfig) {
	SetLevelFromString(cfg.Level)

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	opLogger.Store(slog.New(handler))
}

// OpWithCorrelation returns the operational logger tagged with a
// correlation ID, used to tie a pin request's log lines to its ack (or
// timeout) across the 10-second wait in internal/scaler.
func OpWithCorrelation(id string) *slog.Logger {
	l := opLogger.Load()
	if id == "" {
		return l
	}
	return l.With("correlation_id", id)
}
