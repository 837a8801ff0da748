// Command ingestd is the EchoStream ingest server: it accepts capture
// sessions on /v1/listen, transcribes their audio and streams transcript
// events back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/echolabs/echostream/internal/config"
	"github.com/echolabs/echostream/internal/health"
	"github.com/echolabs/echostream/internal/ingest"
	"github.com/echolabs/echostream/internal/ingest/store"
	"github.com/echolabs/echostream/internal/observe"
)

const shutdownGrace = 15 * time.Second

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
			fmt.Fprintf(os.Stderr, "ingestd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("ingestd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "ingestd"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transcript store ──────────────────────────────────────────────────────
	var st store.Store
	if dsn := cfg.Ingest.PostgresDSN; dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		st = pg
		slog.Info("transcript persistence enabled", "backend", "postgres")
	} else {
		st = store.NewMemStore()
		slog.Info("transcript persistence enabled", "backend", "memory")
	}
	defer st.Close()

	// ── Transcriber ───────────────────────────────────────────────────────────
	var dgOpts []ingest.DeepgramOption
	if cfg.Ingest.Deepgram.Model != "" {
		dgOpts = append(dgOpts, ingest.WithModel(cfg.Ingest.Deepgram.Model))
	}
	transcriber, err := ingest.NewDeepgramTranscriber(cfg.Ingest.Deepgram.APIKey, dgOpts...)
	if err != nil {
		slog.Error("failed to create transcriber", "err", err)
		return 1
	}

	// ── Ingest server ─────────────────────────────────────────────────────────
	srv, err := ingest.NewServer(ingest.Config{
		Token:        cfg.Ingest.AuthToken,
		PingInterval: cfg.Ingest.PingInterval.Std(),
		Transcriber:  transcriber,
		Store:        st,
	})
	if err != nil {
		slog.Error("failed to create ingest server", "err", err)
		return 1
	}

	// ── Routes ────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	srv.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Checker{Name: "store", Check: st.Ping}).
		WithSessionCounter(srv.ActiveSessions).
		Register(mux)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Compare(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "log_level", d.NewLogLevel)
		}
		if d.AuthTokenChanged {
			srv.SetAuthToken(d.NewAuthToken)
			slog.Info("auth token rotated")
		}
		if d.PingIntervalChanged {
			srv.SetPingInterval(d.NewPingInterval.Std())
			slog.Info("ping interval changed", "ping_interval", d.NewPingInterval.Std())
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", httpSrv.Addr)
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// slogLevel maps a config log level to its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
