package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/offlinecore/internal/auth"
	"github.com/hitoshi/offlinecore/internal/backend"
	"github.com/hitoshi/offlinecore/internal/config"
	"github.com/hitoshi/offlinecore/internal/connectivity"
	"github.com/hitoshi/offlinecore/internal/database"
	"github.com/hitoshi/offlinecore/internal/events"
	"github.com/hitoshi/offlinecore/internal/metrics"
	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/platform"
	"github.com/hitoshi/offlinecore/internal/queue"
	"github.com/hitoshi/offlinecore/internal/repository"
	"github.com/hitoshi/offlinecore/internal/store"
	"github.com/hitoshi/offlinecore/internal/worker/syncer"
)

// components はserveとsyncが共有する依存関係。
type components struct {
	db       *sql.DB
	registry *prometheus.Registry
	metrics  *metrics.Collector
	host     platform.Host
	store    *store.Store
	queue    *queue.Queue
	backend  *backend.Client
	auth     *auth.Service
	monitor  *connectivity.Monitor
	engine   *syncer.Engine
	events   *events.Broadcaster
}

// build はマイグレーションを適用してDB接続を開き、全コンポーネントをワイヤリングする。
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	// 1. 永続層
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connection established")

	c := &components{
		db:       db,
		registry: prometheus.NewRegistry(),
		host:     platform.NewStaticHost(cfg.HostName, cfg.AppVersion),
		events:   events.NewBroadcaster(),
	}
	c.metrics = metrics.NewCollector(c.registry)

	// 2. ストアとキュー
	c.store = store.New(repository.NewSQLKeyValueRepo(db), logger)
	c.queue = queue.New(c.store, logger, cfg.QueueMaxAttempts)

	// 3. バックエンドと認証
	c.backend = backend.NewClient(
		backend.Config{
			BaseURL:    cfg.BackendURL,
			APIKey:     cfg.BackendAPIKey,
			RatePerSec: cfg.BackendRatePerSec,
		},
		&http.Client{Timeout: cfg.BackendTimeout},
		c.host, c.metrics, logger,
	)
	resolver := auth.NewResolver(c.store, logger)
	c.auth = auth.NewService(
		c.backend, c.store,
		auth.NewCredentialStore(c.store),
		auth.NewProfileStore(c.store),
		resolver, logger,
	)
	c.backend.SetTokenSource(c.auth)

	// 4. 接続モニターと同期エンジン
	c.monitor = connectivity.NewMonitor(c.backend, connectivity.Config{
		Grace:             cfg.ReconnectGrace,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ProbeInterval:     cfg.ProbeInterval,
		ProbeTimeout:      cfg.ProbeTimeout,
	}, c.metrics, logger)
	c.engine = syncer.NewEngine(c.queue, c.backend, c.metrics, logger)

	// 5. 状態変化の通知
	c.queue.OnChange(func(count int) {
		c.metrics.SetQueueDepth(count)
		c.events.Publish(events.TypeQueueChanged, map[string]int{"count": count})
	})
	c.monitor.Subscribe(func(online bool) {
		c.events.Publish(events.TypeConnectivityChanged, map[string]bool{"online": online})
	})
	c.engine.OnReport(func(report model.SyncReport) {
		c.events.Publish(events.TypeSyncCompleted, report)
	})

	return c, nil
}

// recoverQueue は前回の異常終了で送信中のまま残った操作を戻し、キュー件数のメトリクスを初期化する。
func (c *components) recoverQueue(ctx context.Context) error {
	if _, err := c.queue.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover queue: %w", err)
	}
	c.metrics.SetQueueDepth(c.queue.Count(ctx))
	return nil
}

func (c *components) close() {
	c.events.Close()
	c.db.Close()
}
