package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/edgetel/internal/config"
	"codeberg.org/mutker/edgetel/internal/declaration"
	"codeberg.org/mutker/edgetel/internal/dispatch"
	"codeberg.org/mutker/edgetel/internal/httpapi"
	"codeberg.org/mutker/edgetel/internal/listener"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/namespace"
	"codeberg.org/mutker/edgetel/internal/pid"
	"codeberg.org/mutker/edgetel/internal/sink"
	"codeberg.org/mutker/edgetel/internal/source"
	"codeberg.org/mutker/edgetel/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.EffectiveLogLevel())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logger: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, logger.IsService())
	logger.Debug().Msg("Config loaded")

	if err := run(cfg); err != nil {
		logger.FatalWithCode(err).Msg("Agent stopped")
	}
}

func run(cfg *config.Config) error {
	if err := pid.Write(cfg.PidFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PidFile); err != nil {
			logger.ErrorWithCode(err).Msg("Failed to remove PID file")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.New(reg)
	if err != nil {
		return err
	}

	sources := source.NewRegistry()
	source.Defaults(sources)
	sinks := sink.NewRegistry()
	sink.Defaults(sinks)

	sockets := listener.NewSocketTable(
		listener.WithMaxMessageSize(cfg.MaxMessageSize),
		listener.WithRecorder(metrics),
	)
	defer sockets.Close()

	router := dispatch.NewRouter(
		dispatch.WithQueueSize(cfg.DispatchQueueSize),
		dispatch.WithSendTimeout(cfg.SendTimeout),
		dispatch.WithRecorder(metrics),
	)
	defer router.Close()

	registry := namespace.NewRegistry(sources, sinks, sockets, router,
		namespace.WithFetchTimeout(cfg.FetchTimeout),
		namespace.WithListenerQueueSize(cfg.ListenerQueueSize),
		namespace.WithRecorder(metrics),
	)
	defer registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Declaration == "" {
		logger.Warn().Msg("No declaration configured, running without namespaces")
	} else if err := apply(ctx, registry, cfg.Declaration); err != nil {
		return err
	}

	if cfg.HTTPAddress != "" {
		server := httpapi.NewServer(cfg.HTTPAddress, httpapi.NewHandler(registry, reg))
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.ErrorWithCode(err).Msg("Failed to stop HTTP server")
			}
		}()
	}

	reloads := make(chan struct{}, 1)
	if cfg.Watch && cfg.Declaration != "" {
		go func() {
			err := declaration.Watch(ctx, cfg.Declaration, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})
			if err != nil {
				logger.ErrorWithCode(err).Msg("Declaration watch stopped")
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	logger.Info().Int("namespaces", len(registry.Namespaces())).Msg("Agent started")

	for {
		select {
		case sig := <-sigs:
			if sig != syscall.SIGHUP {
				logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
				return nil
			}
			reload(ctx, registry, cfg.Declaration)
		case <-reloads:
			reload(ctx, registry, cfg.Declaration)
		}
	}
}

func apply(ctx context.Context, registry *namespace.Registry, path string) error {
	d, err := declaration.Load(path)
	if err != nil {
		return err
	}
	if err := registry.Apply(ctx, d); err != nil {
		return err
	}

	logger.Info().Str("path", path).Strs("namespaces", d.Names()).Msg("Declaration applied")

	return nil
}

// reload keeps the running configuration when the new declaration is
// rejected.
func reload(ctx context.Context, registry *namespace.Registry, path string) {
	if path == "" {
		logger.Warn().Msg("Reload requested but no declaration is configured")
		return
	}
	if err := apply(ctx, registry, path); err != nil {
		logger.ErrorWithCode(err).Str("path", path).Msg("Declaration rejected, keeping previous configuration")
	}
}
