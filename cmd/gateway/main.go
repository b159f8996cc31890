// Command gateway is the nulpoint OpenAI-compatible LLM edge gateway.
//
// It fronts several chat upstreams behind one wire protocol: clients
// authenticate with an opaque API key, the gateway resolves the upstream from
// the provider/model prefix, and token usage is settled asynchronously
// against the authority service at BACKEND_URL.
//
// Quick-start (synthetic provider, local Redis):
//
//	REDIS_URL=redis://localhost:6379 TEST_PROVIDER=true ./gateway
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nulpointcorp/edge-gateway/internal/app"
	"github.com/nulpointcorp/edge-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — exits with a descriptive error if required vars are missing.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	// Initialise and run the application.
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO. When logFile is set the stream goes
// through a size-rotated file instead of stdout.
func buildLogger(level, logFile string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
