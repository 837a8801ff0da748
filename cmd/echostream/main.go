// Command echostream is the capture client: it records audio from the host
// microphone or system output, streams it to the ingest backend and prints
// the transcript as it arrives.
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

	"github.com/echolabs/echostream/internal/capture"
	"github.com/echolabs/echostream/internal/config"
	"github.com/echolabs/echostream/internal/transport"
	"github.com/echolabs/echostream/pkg/device/host"
	"github.com/echolabs/echostream/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	source := flag.String("source", "mic", "audio source: mic or system")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echostream: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echostream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("echostream starting",
		"config", *configPath,
		"source", *source,
		"endpoint", cfg.Transport.Endpoint,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Audio backend ─────────────────────────────────────────────────────────
	audioCtx, err := host.NewContext()
	if err != nil {
		slog.Error("failed to initialise audio backend", "err", err)
		return 1
	}
	defer audioCtx.Close()

	var hostOpts []host.Option
	if cfg.Device.StallWindow > 0 {
		hostOpts = append(hostOpts, host.WithStallWindow(cfg.Device.StallWindow.Std()))
	}
	hostSource := host.NewSource(audioCtx, hostOpts...)

	// ── Transport socket ──────────────────────────────────────────────────────
	sock := transport.New(transport.Config{
		URL:           cfg.Transport.Endpoint,
		Token:         cfg.Transport.Token,
		QueueSize:     cfg.Transport.QueueSize,
		SilenceWindow: cfg.Transport.SilenceWindow.Std(),
		Backoff:       cfg.Transport.Backoff.Std(),
		MaxBackoff:    cfg.Transport.MaxBackoff.Std(),
		MaxRetries:    cfg.Transport.MaxRetries,
	})

	// ── Capture engine ────────────────────────────────────────────────────────
	eng, err := capture.New(capture.Config{
		Host:        hostSource,
		OpenSession: capture.SocketOpener(sock),
		Session: types.SessionParams{
			UID:                  cfg.Transport.UID,
			Language:             cfg.Transport.Language,
			IncludeSpeechProfile: cfg.Transport.IncludeSpeechProfile,
			ConversationTimeout:  cfg.Transport.ConversationTimeout.Std(),
		},
	})
	if err != nil {
		slog.Error("failed to create capture engine", "err", err)
		return 1
	}

	switch *source {
	case "mic":
		err = eng.StartHostMic(ctx)
	case "system":
		err = eng.StartSystemAudio(ctx)
	default:
		fmt.Fprintf(os.Stderr, "echostream: unknown source %q (want mic or system)\n", *source)
		return 2
	}
	if err != nil {
		slog.Error("failed to start capture", "source", *source, "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if d := config.Compare(old, new); d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "log_level", d.NewLogLevel)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	slog.Info("capturing — press Ctrl+C to stop")

	// ── Event loop ────────────────────────────────────────────────────────────
	for {
		select {
		case <-ctx.Done():
			eng.Stop()
			slog.Info("goodbye")
			return 0
		case ev := <-eng.Events():
			switch {
			case ev.Err != nil:
				slog.Error("capture ended", "err", ev.Err)
				return 1
			case ev.Transcript != nil:
				printTranscript(*ev.Transcript)
			case ev.Button != nil:
				slog.Info("button pressed", "action", ev.Button.String())
			case ev.Battery != nil:
				slog.Debug("battery level", "percent", uint8(*ev.Battery))
			case ev.Backlog != nil:
				slog.Info("on-device storage backlog", "bytes", *ev.Backlog)
			}
		}
	}
}

// printTranscript writes finalized segments to stdout. Partials and signals
// only show at debug level.
func printTranscript(ev types.TranscriptEvent) {
	switch {
	case ev.IsSignal():
		slog.Debug("backend signal", "signal", ev.Signal)
	case ev.IsFinal:
		fmt.Printf("%s: %s\n", ev.Speaker, ev.Text)
	default:
		slog.Debug("partial transcript", "speaker", ev.Speaker, "text", ev.Text)
	}
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
