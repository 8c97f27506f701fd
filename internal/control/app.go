package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vietddude/polywatch/internal/alert"
	"github.com/vietddude/polywatch/internal/analysis/anomaly"
	"github.com/vietddude/polywatch/internal/analysis/orchestrator"
	"github.com/vietddude/polywatch/internal/analysis/sentiment"
	"github.com/vietddude/polywatch/internal/analysis/whale"
	"github.com/vietddude/polywatch/internal/core/config"
	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/core/worker"
	"github.com/vietddude/polywatch/internal/health"
	"github.com/vietddude/polywatch/internal/infra/cache"
	redisclient "github.com/vietddude/polywatch/internal/infra/redis"
	"github.com/vietddude/polywatch/internal/infra/rpc/provider"
	"github.com/vietddude/polywatch/internal/infra/storage"
	"github.com/vietddude/polywatch/internal/infra/storage/memory"
	"github.com/vietddude/polywatch/internal/infra/storage/postgres"
	"github.com/vietddude/polywatch/internal/ingest/processor"
	"github.com/vietddude/polywatch/internal/ingest/subscriber"
	"github.com/vietddude/polywatch/internal/metrics"
)

// healthTTL bounds how often /health re-runs component checks.
const healthTTL = 2 * time.Second

// App owns every long-lived component and their lifecycle.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client
	cache       *cache.Cache
	pool        *provider.Pool
	sub         *subscriber.Subscriber
	proc        *processor.Processor
	whales      *whale.Detector
	sentiment   *sentiment.Analyzer
	anomalies   *anomaly.Detector
	delayer     *worker.Delayer
	alerts      *alert.Service
	orch        *orchestrator.Orchestrator
	pipeline    *Pipeline
	batch       *BatchWorker

	healthMon    *health.Monitor
	healthServer *health.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

type options struct {
	dial subscriber.Dialer
	sink alert.Sink
}

// Option customizes NewApp.
type Option func(*options)

// WithDialer replaces the ethclient dialer used by the subscriber.
func WithDialer(d subscriber.Dialer) Option {
	return func(o *options) { o.dial = d }
}

// WithSink replaces the configured alert sink.
func WithSink(s alert.Sink) Option {
	return func(o *options) { o.sink = s }
}

type repositories struct {
	txs       storage.TransactionRepository
	wallets   storage.WalletRepository
	alerts    storage.AlertRepository
	anomalies storage.AnomalyRepository
	tokens    storage.TokenRepository
}

// NewApp builds the application from cfg. An empty database URL selects
// in-memory storage and an empty Redis URL runs the cache in fallback-only
// mode.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := slog.Default().With("component", "app")
	a := &App{cfg: cfg, log: log}

	// 1. Storage
	repos, err := a.initStorage(ctx)
	if err != nil {
		return nil, err
	}

	// 2. Redis and cache
	var primary cache.Store
	var checkpoints subscriber.CheckpointStore
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Redis unavailable, using in-memory cache", "error", err)
		} else {
			a.redisClient = rc
			primary = rc
			checkpoints = rc
		}
	}
	a.cache = cache.New(primary, cache.Config{
		FallbackSize: cfg.Cache.FallbackSize,
		LockTTL:      cfg.Cache.LockTTL,
	})

	// 3. Provider pool and subscriber
	endpoints := cfg.RPC.Endpoints()
	providers := make([]provider.Provider, 0, len(endpoints))
	for _, ep := range endpoints {
		providers = append(providers, provider.NewHTTPProvider(ep.Name, ep.URL, ep.WSURL, cfg.RPC.Timeout))
	}
	a.pool, err = provider.NewPool(provider.PoolConfig{
		HealthCheckInterval: cfg.RPC.HealthCheckInterval,
		Timeout:             cfg.RPC.Timeout,
	}, providers...)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("failed to init provider pool: %w", err)
	}

	a.sub, err = subscriber.New(subscriber.Config{
		Contracts:            cfg.Subscriber.Contracts,
		ReconnectDelay:       cfg.Subscriber.ReconnectDelay,
		MaxReconnectAttempts: cfg.Subscriber.MaxReconnectAttempts,
		BackfillChunkSize:    cfg.Subscriber.BackfillChunkSize,
		MaxRetries:           cfg.RPC.MaxRetries,
	}, a.pool, o.dial, checkpoints)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("failed to init subscriber: %w", err)
	}

	// 4. Analyzers
	an := cfg.Analysis
	a.whales = whale.New(repos.txs, repos.wallets, a.cache, whale.Config{
		VolumeThreshold: an.WhaleVolumeThreshold,
		CriticalAmount:  an.CriticalAmount,
		ScoreThreshold:  an.WhaleScoreThreshold,
		BatchSize:       an.WhaleUpdateBatchSize,
		WalletTTL:       cfg.Cache.WalletTTL,
		TopWhalesTTL:    cfg.Cache.TopWhalesTTL,
	})
	a.sentiment = sentiment.New(repos.txs, a.cache, sentiment.Config{
		SpikeThreshold:  an.VolumeSpikeThreshold,
		ShiftThreshold:  an.SentimentShiftThreshold,
		MinTransactions: an.SentimentMinTransactions,
		SnapshotTTL:     cfg.Cache.SentimentTTL,
		BaselineTTL:     cfg.Cache.BaselineTTL,
	})
	a.delayer = worker.NewDelayer()
	a.anomalies = anomaly.New(repos.txs, repos.anomalies, a.delayer, anomaly.Config{
		CriticalAmount:         an.CriticalAmount,
		CoordinatedMinWallets:  an.CoordinatedMinWallets,
		ReversalShiftThreshold: an.ReversalShiftThreshold,
		FlashWhaleRatio:        an.FlashWhaleRatio,
		FlashWhaleDelay:        an.FlashWhaleDelay,
	})

	// 5. Alerts
	sink := o.sink
	if sink == nil {
		sink, err = alert.NewSink(cfg.Alerts.Sink)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("failed to init alert sink: %w", err)
		}
	}
	a.alerts = alert.NewService(alert.Config{
		RateLimit: cfg.Alerts.RateLimit,
		Cooldowns: cooldowns(cfg.Alerts.Cooldowns),
	}, sink, repos.alerts, a.cache)

	// 6. Pipeline
	a.orch = orchestrator.New(a.whales, a.sentiment, a.anomalies, a.alerts, repos.alerts, orchestrator.Config{
		CriticalAmount:   an.CriticalAmount,
		WhaleAlertAmount: an.WhaleAlertAmount,
	})
	a.proc = processor.New(repos.txs, repos.tokens, a.whales)
	a.pipeline = NewPipeline(a.proc, a.orch)
	for _, name := range domain.SubscribedEvents {
		a.sub.On(name, a.pipeline.HandleEvent)
	}

	a.batch = NewBatchWorker(BatchConfig{
		WhaleInterval:  an.WhaleUpdateInterval,
		WhaleBatchSize: an.WhaleUpdateBatchSize,
	}, a.whales, a.anomalies, a.orch)
	a.anomalies.OnDeferredFinding(a.batch.HandleFinding)

	// 7. Health
	a.healthMon = a.initHealth()
	a.healthServer = health.NewServer(a.healthMon, cfg.Server.Port)

	return a, nil
}

func (a *App) initStorage(ctx context.Context) (*repositories, error) {
	if a.cfg.Database.URL == "" {
		store := memory.NewMemoryStorage()
		a.log.Info("Using memory storage")
		return &repositories{
			txs:       memory.NewTxRepo(store),
			wallets:   memory.NewWalletRepo(store),
			alerts:    memory.NewAlertRepo(store),
			anomalies: memory.NewAnomalyRepo(store),
			tokens:    memory.NewTokenRepo(store),
		}, nil
	}

	db, err := postgres.NewDB(ctx, a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}
	a.db = db
	a.log.Info("Using PostgreSQL storage")
	return &repositories{
		txs:       postgres.NewTxRepo(db),
		wallets:   postgres.NewWalletRepo(db),
		alerts:    postgres.NewAlertRepo(db),
		anomalies: postgres.NewAnomalyRepo(db),
		tokens:    postgres.NewTokenRepo(db),
	}, nil
}

func (a *App) initHealth() *health.Monitor {
	mon := health.NewMonitor(healthTTL)
	mon.Register("provider_pool", health.PoolCheck(a.pool))
	mon.Register("subscriber", health.SubscriberCheck(a.sub))
	if a.db != nil {
		mon.Register("database", health.PingCheck(a.db.Health))
	}
	if a.redisClient != nil {
		mon.Register("redis", health.PingCheck(a.redisClient.Ping))
	}
	mon.Register("processor", health.StatsCheck(func() any { return a.proc.Stats() }))
	mon.Register("orchestrator", health.StatsCheck(func() any { return a.orch.Stats() }))
	mon.Register("whale", health.StatsCheck(func() any { return a.whales.Stats() }))
	mon.Register("anomaly", health.StatsCheck(func() any { return a.anomalies.Stats() }))
	mon.Register("alerts", health.StatsCheck(func() any { return a.alerts.Stats() }))
	mon.Register("cache", func(ctx context.Context) health.ComponentHealth {
		stats := a.cache.Stats()
		ch := health.ComponentHealth{Status: health.StatusHealthy, Details: stats}
		if a.redisClient != nil && !stats.Available {
			ch.Status = health.StatusDegraded
			ch.Message = "primary store unavailable, serving from fallback"
		}
		return ch
	})
	return mon
}

func cooldowns(c config.CooldownsConfig) map[domain.AlertType]time.Duration {
	out := alert.DefaultCooldowns()
	set := func(t domain.AlertType, d time.Duration) {
		if d > 0 {
			out[t] = d
		}
	}
	set(domain.AlertWhaleBet, c.WhaleBet)
	set(domain.AlertVolumeSpike, c.VolumeSpike)
	set(domain.AlertSentimentShift, c.SentimentShift)
	set(domain.AlertAnomaly, c.Anomaly)
	return out
}

// Start launches the health server, pool health checks, the event
// subscription and the batch worker. A failed initial subscription is
// returned to the caller.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true
	a.mu.Unlock()

	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(runCtx)
	}
	a.pool.Start(runCtx)

	if err := a.sub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start subscriber: %w", err)
	}

	a.batch.Start(runCtx)
	go a.runMetricsUpdater(runCtx)

	a.log.Info("Polywatch started",
		"port", a.cfg.Server.Port,
		"providers", len(a.pool.Endpoints()),
		"contracts", len(a.cfg.Subscriber.Contracts),
	)
	return nil
}

// Done is closed when the subscriber's run loop exits, including when it
// halts after exhausting reconnect attempts.
func (a *App) Done() <-chan struct{} {
	return a.sub.Done()
}

// Err returns the error that halted the subscriber, if any.
func (a *App) Err() error {
	return a.sub.Err()
}

// Stop shuts components down in dependency order: the stream first, then
// background work, then connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping Polywatch...")

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()

	var errs []error
	if err := a.sub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("subscriber: %w", err))
	}
	a.batch.Wait()
	a.delayer.Stop()
	a.proc.Wait()
	a.orch.Wait()

	if err := a.alerts.Close(); err != nil {
		errs = append(errs, fmt.Errorf("alert sink: %w", err))
	}
	a.closeResources()

	if err := a.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health server: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.Warn("Failed to close provider pool", "error", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}

// Backfill replays [from, to] through the pipeline without starting the
// live subscription, then waits for background wallet updates and alert
// delivery to finish.
func (a *App) Backfill(ctx context.Context, from, to uint64) (*BackfillResult, error) {
	res, err := a.pipeline.Backfill(ctx, a.sub, from, to, a.cfg.Subscriber.BackfillChunkSize)
	a.proc.Wait()
	a.orch.Wait()
	return res, err
}

// TestConnection runs a sanity call against the active endpoint.
func (a *App) TestConnection(ctx context.Context) (uint64, error) {
	return a.pool.TestConnection(ctx)
}

// TopWhales returns the ranked whale list.
func (a *App) TopWhales(ctx context.Context, limit int, sortBy domain.WhaleSort) ([]*domain.WalletProfile, error) {
	return a.whales.GetTopWhales(ctx, limit, sortBy)
}

// TrendingMarkets returns markets with a detected volume spike.
func (a *App) TrendingMarkets(ctx context.Context, limit int) ([]domain.TrendingMarket, error) {
	return a.sentiment.GetTrendingMarkets(ctx, limit)
}

// ResetCheckpoint moves the subscriber's block checkpoint. It needs Redis,
// since in-memory checkpoints do not outlive the process.
func (a *App) ResetCheckpoint(ctx context.Context, block uint64) error {
	if a.redisClient == nil {
		return errors.New("checkpoints are persisted only when redis is configured")
	}
	return a.redisClient.ResetCheckpoint(ctx, subscriber.DefaultStream, block)
}

// Close releases connections without running the shutdown sequence. It is
// meant for one-shot commands that never called Start.
func (a *App) Close() {
	a.delayer.Stop()
	a.proc.Wait()
	a.orch.Wait()
	if err := a.alerts.Close(); err != nil {
		a.log.Warn("Failed to close alert sink", "error", err)
	}
	a.closeResources()
}

// Health returns the current health report.
func (a *App) Health(ctx context.Context) health.HealthReport {
	return a.healthMon.CheckHealth(ctx)
}

// HealthHandler exposes the health routes without binding a port.
func (a *App) HealthHandler() http.Handler {
	return a.healthServer.Handler()
}

func (a *App) runMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.AnomalyQueueDepth.Set(float64(a.anomalies.Pending()))
		}
	}
}
