// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for distributed tracing and exposes
// Prometheus collectors for the engine's queue, pool and account metrics.
package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/fairyhunter13/upload-orchestrator/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
// LOG_LEVEL takes precedence; dev defaults to debug.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "info":
	default:
		if cfg.IsDev() {
			level = slog.LevelDebug
		}
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
