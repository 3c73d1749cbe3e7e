package logging

import (
	"log/slog"
	"os"
	"strings"
)

const serviceName = "capq"

// Init builds the process-wide JSON logger. Sensitive attributes are
// redacted before they reach the handler; LOG_LEVEL (debug|info|warn|error)
// adjusts verbosity.
func Init(workerID string) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(),
	})
	handler = newRedactingHandler(handler)
	logger := slog.New(handler).With("service", serviceName, "worker_id", workerID)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
