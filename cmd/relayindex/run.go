package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relayindex/internal/config"
	"github.com/agentworkforce/relayindex/internal/httpapi"
	"github.com/agentworkforce/relayindex/internal/indexer"
	"github.com/agentworkforce/relayindex/internal/lexicon"
	"github.com/agentworkforce/relayindex/internal/logger"
	"github.com/agentworkforce/relayindex/internal/metrics"
	"github.com/agentworkforce/relayindex/internal/sink"
	"github.com/agentworkforce/relayindex/internal/storage"
	"github.com/agentworkforce/relayindex/internal/telemetry"
)

func newRunCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume the configured relays and serve the status API",
		Long: `Start the indexing service and the status server. The process stops on
SIGINT or SIGTERM, draining in-flight operations and flushing cursors before
it exits.

Example:
  INDEXER_RELAY=wss://bsky.network relayindex run
  relayindex run --config ./relayindex.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(serviceName)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runIndexer(ctx, cfg)
		},
	}
}

func runIndexer(ctx context.Context, cfg config.Config) error {
	if cfg.OTel.ServiceVersion == "" {
		cfg.OTel.ServiceVersion = version
	}
	tel, err := telemetry.Setup(ctx, cfg.Telemetry())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	logger.Setup(logger.Options{
		Environment: cfg.Env,
		Level:       cfg.LogLevel,
		ServiceName: serviceName,
		OTelEnabled: tel != nil,
	})
	log := slog.Default().With("component", "run")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	dsn, err := cfg.StorageDSN()
	if err != nil {
		return err
	}
	backend, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error("closing state backend", "error", err)
		}
	}()

	records, err := buildSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := records.Close(); err != nil {
			log.Error("closing sinks", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []indexer.Option{
		indexer.WithCursorStore(backend.Cursors),
		indexer.WithDeadLetterQueue(backend.DeadLetters),
		indexer.WithMetrics(m),
	}
	var registry *lexicon.Registry
	if dir := strings.TrimSpace(cfg.Lexicon.Dir); dir != "" {
		registry, err = lexicon.LoadDir(dir, lexicon.Options{RequireSchema: cfg.Lexicon.RequireSchema})
		if err != nil {
			return fmt.Errorf("load lexicons: %w", err)
		}
		opts = append(opts, indexer.WithValidator(registry))
		log.Info("lexicons loaded", "dir", dir, "collections", len(registry.Collections()))
	}

	svc, err := indexer.New(cfg.IndexerConfig(), records, opts...)
	if err != nil {
		return err
	}

	api := httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
		JWTSecret:           cfg.API.JWTSecret,
		RequireAuthForReads: cfg.API.RequireAuthForReads,
		RateLimitMax:        cfg.API.RateLimitMax,
		RateLimitWindow:     cfg.API.RateLimitWindow,
		Metrics:             metrics.Handler(reg),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := svc.Start(gctx); err != nil {
			_ = svc.Close(context.WithoutCancel(gctx))
			return fmt.Errorf("start indexer: %w", err)
		}
		log.Info("indexer started",
			"consumer", svc.ConsumerName(),
			"relays", len(svc.Relays()),
			"sinks", records.Len(),
			"state_backend", backend.Scheme,
		)
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			return fmt.Errorf("stop indexer: %w", err)
		}
		status := svc.Status()
		log.Info("indexer stopped",
			"processed", status.EventsProcessed,
			"errors", status.Errors,
			"dead_lettered", status.DeadLettered,
		)
		return nil
	})
	g.Go(func() error {
		log.Info("status server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if registry != nil && cfg.Lexicon.Watch {
		g.Go(func() error {
			return registry.Watch(gctx)
		})
	}
	return g.Wait()
}

// buildSinks assembles the configured record sinks in a fixed order: the
// relational store, then the graph store, then the log sink.
func buildSinks(ctx context.Context, cfg config.Config) (*sink.Multi, error) {
	var sinks []sink.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if strings.TrimSpace(cfg.Sinks.Postgres.DSN) != "" {
		pg, err := sink.NewPostgresSink(ctx, cfg.PostgresSink())
		if err != nil {
			return nil, fmt.Errorf("postgres sink: %w", err)
		}
		sinks = append(sinks, pg)
	}
	if strings.TrimSpace(cfg.Sinks.Graph.URL) != "" {
		graph, err := sink.NewGraphSink(ctx, cfg.GraphSink())
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("graph sink: %w", err)
		}
		sinks = append(sinks, graph)
	}
	if cfg.Sinks.Log {
		sinks = append(sinks, sink.NewLogSink(slog.Default()))
	}
	if len(sinks) == 0 {
		return nil, errors.New("no record sinks configured")
	}
	return sink.NewMulti(sinks...), nil
}
