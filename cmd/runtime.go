// Package cmd provides CLI commands for the freightdesk tool.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/freightdesk/config"
	"github.com/otherjamesbrown/freightdesk/pkg/credentials"
	"github.com/otherjamesbrown/freightdesk/pkg/db"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/ai"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/backfill"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/direction"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/locks"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/observability"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/pipeline"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/shipments"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/store"
)

// Store is everything the CLI reads and writes. Both the Postgres and the
// in-memory store implement it.
type Store interface {
	pipeline.Store
	pipeline.MessageSource
	backfill.Store
	shipments.DuplicateStore
	direction.AuditSource

	SaveMessage(ctx context.Context, msg *resolution.Message) error
}

var (
	_ Store = (*store.Postgres)(nil)
	_ Store = (*store.Memory)(nil)
)

// OpenOptions selects optional connections.
type OpenOptions struct {
	// Redis connects to Redis even when neither locks nor events need it.
	Redis bool
	// ConnectAttempts retries the initial database connection. Zero means
	// one attempt.
	ConnectAttempts int
}

const connectRetryDelay = 2 * time.Second

// Runtime is the wired resolution stack shared by store-backed commands.
type Runtime struct {
	Config   *config.Config
	Logger   logging.Logger
	Store    Store
	Rules    *rules.Watcher
	Engine   *pipeline.Engine
	Metrics  *observability.ResolutionMetrics
	Tracer   *observability.Tracer
	Registry *prometheus.Registry

	// Pool is nil for the in-memory runtime.
	Pool *pgxpool.Pool
	// Redis is nil unless requested or required by the config.
	Redis redis.UniversalClient

	closers []func()
}

// Close releases every connection in reverse order of opening.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Ping checks the database.
func (r *Runtime) Ping(ctx context.Context) error {
	if r.Pool == nil {
		return nil
	}
	return db.Ping(ctx, r.Pool)
}

// Deduper returns the duplicate detector over the runtime's store.
func (r *Runtime) Deduper() *shipments.Deduper {
	return shipments.NewDeduper(r.Store, r.Rules, shipments.WithLogger(r.Logger))
}

// Direction returns the direction resolver over the live rulebook.
func (r *Runtime) Direction() *direction.Resolver {
	return direction.NewResolver(r.Rules, direction.WithLogger(r.Logger))
}

// Backfill returns a backfill runner over the runtime's engine.
func (r *Runtime) Backfill(cfg backfill.Config, opts ...backfill.Option) *backfill.Runner {
	opts = append([]backfill.Option{backfill.WithLogger(r.Logger), backfill.WithTracer(r.Tracer)}, opts...)
	return backfill.New(r.Store, r.Engine, cfg, opts...)
}

// OpenRuntime connects to Postgres (and Redis when needed) and wires the
// pipeline engine.
func OpenRuntime(ctx context.Context, cfg *config.Config, logger logging.Logger, creds *credentials.Resolver, opts OpenOptions) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	dbCfg, err := databaseConfig(cfg, creds)
	if err != nil {
		return nil, err
	}
	pool, err := db.ConnectWithRetry(ctx, dbCfg, opts.ConnectAttempts, connectRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	rt.Pool = pool
	rt.closers = append(rt.closers, func() { db.Close(pool) })
	rt.Store = store.NewPostgres(pool, logger)

	if opts.Redis || cfg.Locks.Backend == config.LockBackendRedis || cfg.Redis.Events {
		client, err := connectRedis(ctx, cfg, creds)
		if err != nil {
			return nil, err
		}
		rt.Redis = client
		rt.closers = append(rt.closers, func() { client.Close() })
	}

	locker, err := buildLocker(cfg, dbCfg, rt)
	if err != nil {
		return nil, err
	}

	if err := rt.wire(creds, locker); err != nil {
		return nil, err
	}
	if _, err := db.RegisterPoolStatsCollector(pool, "resolution", rt.Registry); err != nil {
		logger.Warn("Pool stats collector not registered", logging.Err(err))
	}

	ok = true
	return rt, nil
}

// NewMemoryRuntime wires the engine over an in-memory store. No database
// or Redis is touched; AI is used only when enabled and a key is stored.
func NewMemoryRuntime(cfg *config.Config, logger logging.Logger, st *store.Memory, creds *credentials.Resolver) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger, Store: st}
	if err := rt.wire(creds, locks.NewLocalLocker()); err != nil {
		return nil, err
	}
	return rt, nil
}

// wire builds the rules watcher, observability and engine.
func (rt *Runtime) wire(creds *credentials.Resolver, locker locks.Locker) error {
	cfg, logger := rt.Config, rt.Logger

	watcher, err := rules.NewWatcher(cfg.Rules.Path, cfg.Rules.ReloadInterval, rules.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("loading rulebook: %w", err)
	}
	rt.Rules = watcher

	rt.Registry = prometheus.NewRegistry()
	rt.Metrics = observability.NewResolutionMetrics(rt.Registry)
	rt.Tracer = observability.NewTracer()

	engineOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(rt.Metrics),
		pipeline.WithTracer(rt.Tracer),
		pipeline.WithLocker(locker),
	}
	if cfg.Locks.Timeout > 0 {
		engineOpts = append(engineOpts, pipeline.WithLockTimeout(cfg.Locks.Timeout))
	}
	if cfg.AI.Threshold > 0 {
		engineOpts = append(engineOpts, pipeline.WithThreshold(cfg.AI.Threshold))
	}

	client, err := buildAI(cfg, logger, creds, rt.Metrics)
	if err != nil {
		return err
	}
	if client != nil {
		engineOpts = append(engineOpts, pipeline.WithAI(client))
	}

	if cfg.Redis.Events && rt.Redis != nil {
		emitter := observability.NewEventEmitter(observability.NewRedisEventPublisher(rt.Redis))
		engineOpts = append(engineOpts, pipeline.WithEvents(emitter))
	}

	rt.Engine = pipeline.New(rt.Store, rt.Store, watcher, engineOpts...)
	return nil
}

func databaseConfig(cfg *config.Config, creds *credentials.Resolver) (*db.Config, error) {
	dbCfg := cfg.Database.DB()
	if dbCfg.URL == "" && dbCfg.Password == "" && creds != nil {
		pw, err := creds.Lookup(credentials.SecretDatabasePassword)
		if err != nil {
			return nil, fmt.Errorf("reading database password: %w", err)
		}
		dbCfg.Password = pw
	}
	return dbCfg, nil
}

func connectRedis(ctx context.Context, cfg *config.Config, creds *credentials.Resolver) (redis.UniversalClient, error) {
	var password string
	if creds != nil {
		pw, err := creds.Lookup(credentials.SecretRedisPassword)
		if err != nil {
			return nil, fmt.Errorf("reading redis password: %w", err)
		}
		password = pw
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return client, nil
}

func buildLocker(cfg *config.Config, dbCfg *db.Config, rt *Runtime) (locks.Locker, error) {
	switch cfg.Locks.Backend {
	case config.LockBackendRedis:
		return locks.NewRedisLocker(rt.Redis, cfg.Locks.TTL), nil
	case config.LockBackendLocal:
		return locks.NewLocalLocker(), nil
	default:
		sqlDB, err := locks.OpenAdvisoryDB(dbCfg.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("opening advisory lock connection: %w", err)
		}
		rt.closers = append(rt.closers, func() { sqlDB.Close() })
		return locks.NewAdvisoryLocker(sqlDB), nil
	}
}

// buildAI returns nil when AI is disabled.
func buildAI(cfg *config.Config, logger logging.Logger, creds *credentials.Resolver, metrics *observability.ResolutionMetrics) (ai.Client, error) {
	if !cfg.AI.Enabled {
		return nil, nil
	}
	if creds == nil {
		return nil, errors.New("ai is enabled but no credential store is available")
	}
	key, _, err := creds.Get(credentials.SecretAIAPIKey)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return nil, fmt.Errorf("ai is enabled but no key is stored; run 'freightdesk auth set-ai-key' or set %s", credentials.SecretAIAPIKey.EnvVar())
		}
		return nil, fmt.Errorf("reading ai key: %w", err)
	}

	client, err := ai.NewOpenAIClient(ai.OpenAIConfig{
		Endpoint: cfg.AI.Endpoint,
		Model:    cfg.AI.Model,
		APIKey:   key,
	}, logger)
	if err != nil {
		return nil, err
	}
	return ai.NewGuard(client,
		ai.WithRate(cfg.AI.RatePerSecond, cfg.AI.Burst),
		ai.WithTimeout(cfg.AI.Timeout),
		ai.WithRetryPolicy(cfg.AI.RetryPolicy()),
		ai.WithObserver(metrics),
		ai.WithGuardLogger(logger),
	), nil
}
