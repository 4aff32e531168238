package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/queue"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/server"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/workers"
)

func newServeCommand(deps *Deps) *cobra.Command {
	var (
		httpAddr string
		grpcAddr string
		count    int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the resolution service",
		Long: `Run the worker pool and the HTTP and gRPC listeners until interrupted.

Workers take message ids from the Redis queue and run them through the
pipeline. The HTTP listener serves:

  GET  /healthz                       liveness
  GET  /readyz                        database and redis checks
  GET  /metrics                       Prometheus metrics
  GET  /version                       build and rulebook version
  POST /v1/messages/{id}/process      process now and return the outcome
  POST /v1/messages/{id}/enqueue      queue for the workers (?priority=low|normal|high)

The gRPC listener serves the standard health service.

Examples:
  freightdesk serve
  freightdesk serve --http-addr :8081 --workers 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if httpAddr != "" {
				cfg.Server.HTTPAddr = httpAddr
			}
			if grpcAddr != "" {
				cfg.Server.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("workers") {
				if count <= 0 {
					return fmt.Errorf("--workers must be positive")
				}
				cfg.Workers.Count = count
			}
			return runServe(cmd.Context(), deps)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (default from config)")
	cmd.Flags().IntVar(&count, "workers", 0, "Number of workers (default from config)")
	return cmd
}

func runServe(ctx context.Context, deps *Deps) error {
	rt, err := deps.runtime(ctx, OpenOptions{Redis: true, ConnectAttempts: 5})
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := deps.Config
	q := queue.NewRedisQueue(rt.Redis, cfg.Workers.QueueConfig(), queue.WithLogger(rt.Logger))
	defer q.Close()

	pool := workers.NewPool(cfg.Workers.Pool(), q, workers.PipelineHandler(rt.Engine),
		workers.WithMetrics(rt.Metrics),
		workers.WithLogger(rt.Logger))

	srv := server.New(cfg.Server.Server(),
		server.WithProcessor(rt.Engine),
		server.WithEnqueuer(q),
		server.WithGatherer(rt.Registry),
		server.WithRulesVersion(func() string { return rt.Rules.Current().Version }),
		server.WithCheck("database", rt.Ping),
		server.WithCheck("redis", func(ctx context.Context) error {
			return rt.Redis.Ping(ctx).Err()
		}),
		server.WithLogger(rt.Logger),
	)

	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()

	rt.Logger.Info("Resolution service starting",
		logging.F("http_addr", cfg.Server.HTTPAddr),
		logging.F("grpc_addr", cfg.Server.GRPCAddr),
		logging.F("workers", cfg.Workers.Count),
		logging.F("rules_version", rt.Rules.Current().Version))

	err = srv.Run(ctx)
	rt.Logger.Info("Resolution service stopped", logging.F("stats", pool.Stats()))
	return err
}
