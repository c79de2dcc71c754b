// Command voxgate is a real-time speech-diarization session gateway: it
// proxies browser WebSocket clients to a cloud diarization engine, maps
// engine-assigned speakers to enrolled voice profiles, and guards session
// cost with configurable timeouts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/server"
	"github.com/MrWong99/voxgate/internal/timeout"
	"github.com/MrWong99/voxgate/pkg/profile"
	profilepg "github.com/MrWong99/voxgate/pkg/profile/postgres"
	"github.com/MrWong99/voxgate/pkg/recognizer"
	"github.com/MrWong99/voxgate/pkg/recognizer/azurespeech"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownObs, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownObs(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Voice-profile store (optional) ────────────────────────────────────────
	var store profile.Store
	var checkers []health.Checker
	if cfg.Profiles.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Profiles.PostgresDSN)
		if err != nil {
			slog.Error("failed to create postgres pool", "err", err)
			return 1
		}
		defer pool.Close()

		pg := profilepg.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate profile store", "err", err)
			return 1
		}
		store = pg
		checkers = append(checkers, health.Checker{Name: "profile-store", Check: pool.Ping})
		slog.Info("profile store ready")
	} else {
		slog.Info("no profile store configured — sessions run without enrollment")
	}

	// ── Gateway server ────────────────────────────────────────────────────────
	srv := server.New(server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		CertFile:   certFile(cfg.Server.TLS),
		KeyFile:    keyFile(cfg.Server.TLS),
		NewEngine:  engineFactory(cfg.Engine),
		Profiles:   store,
		Timeouts: timeout.Config{
			SessionTimeout: cfg.Timeouts.SessionTimeout(),
			SilenceTimeout: cfg.Timeouts.SilenceTimeout(),
			WarningWindow:  cfg.Timeouts.WarningWindow(),
		},
		Health:  health.New(checkers...),
		Metrics: observe.DefaultMetrics(),
	})

	slog.Info("server ready — press Ctrl+C to shut down",
		"session_minutes", cfg.Timeouts.SessionMinutes,
		"silence_minutes", cfg.Timeouts.SilenceMinutes,
		"warning_seconds", cfg.Timeouts.WarningSeconds,
	)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// engineFactory builds the per-session recognition engine constructor from
// the engine configuration.
func engineFactory(cfg config.EngineConfig) func() (recognizer.Engine, error) {
	var opts []azurespeech.Option
	if cfg.Language != "" {
		opts = append(opts, azurespeech.WithLanguage(cfg.Language))
	}
	if cfg.SampleRate > 0 {
		opts = append(opts, azurespeech.WithSampleRate(cfg.SampleRate))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, azurespeech.WithEndpoint(cfg.Endpoint))
	}
	return func() (recognizer.Engine, error) {
		return azurespeech.New(cfg.Region, cfg.Key, opts...)
	}
}

func certFile(tls *config.TLSConfig) string {
	if tls == nil {
		return ""
	}
	return tls.CertFile
}

func keyFile(tls *config.TLSConfig) string {
	if tls == nil {
		return ""
	}
	return tls.KeyFile
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
