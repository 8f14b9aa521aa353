package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hitoshi/offlinecore/internal/assetcache"
	"github.com/hitoshi/offlinecore/internal/config"
	"github.com/hitoshi/offlinecore/internal/database"
	"github.com/hitoshi/offlinecore/internal/handler"
	"github.com/hitoshi/offlinecore/internal/logger"
	"github.com/hitoshi/offlinecore/internal/metrics"
	"github.com/hitoshi/offlinecore/internal/middleware"
	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/repository"
)

// ErrSyncIncomplete はsyncコマンド終了時にキューへ操作が残っていることを示す。
var ErrSyncIncomplete = errors.New("operations remain in the queue")

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, known := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8787"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if !known {
		slog.Warn("不明なサブコマンドのためserveで起動します", slog.String("command", args[0]))
	}
	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("backend_url", cfg.BackendURL),
	)

	switch cmd {
	case CommandSync:
		return runSync(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はローカルコントロールAPIとアセットキャッシュを起動する。
// 接続モニターと同期エンジンをバックグラウンドで動かし、
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.recoverQueue(ctx); err != nil {
		return err
	}

	// 1. アセットキャッシュ
	origin, err := url.Parse(cfg.AssetOriginURL)
	if err != nil {
		return fmt.Errorf("invalid ASSET_ORIGIN_URL: %w", err)
	}
	worker, err := assetcache.NewWorker(assetcache.Config{
		Origin:      origin,
		Bucket:      cfg.CacheBucketName(),
		EntryPath:   cfg.ShellEntryPath,
		OfflinePath: cfg.ShellOfflinePath,
		WaitForSkip: cfg.CacheWaitForSkip,
	}, repository.NewSQLCacheRepo(c.db), &http.Client{Timeout: cfg.BackendTimeout}, c.metrics, log)
	if err != nil {
		return fmt.Errorf("failed to create asset worker: %w", err)
	}
	defer worker.Wait()

	// 2. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitPerMin))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		DB:                c.db,
		Metrics:           metrics.Handler(c.registry),

		AuthService:  c.auth,
		Queue:        c.queue,
		SyncEngine:   c.engine,
		Connectivity: c.monitor,
		Events:       c.events,
		Host:         c.host,
		Assets:       worker,
	})

	// 3. バックグラウンド処理
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := c.monitor.Start(ctx); err != nil {
			log.Error("接続モニターの起動に失敗しました", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer wg.Done()
		c.engine.Run(ctx, c.monitor.Triggers())
	}()
	go func() {
		defer wg.Done()
		if err := worker.Install(ctx); err != nil {
			log.Error("アセットキャッシュのインストールに失敗しました", slog.String("error", err.Error()))
		}
	}()

	// 4. HTTPサーバーの起動
	// WebSocket接続はhijack後に書き込み期限を戻さないため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("control API starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	log.Info("shutting down control API...")

	// イベントストリームを先に閉じてWebSocketハンドラーを終了させる
	c.events.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	wg.Wait()
	log.Info("control API stopped gracefully")
	return nil
}

// runSync はキューを1回だけ同期して終了する。
// バックエンドに到達できない場合はキューに触れずにエラーを返す。
func runSync(cfg *config.Config) error {
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.recoverQueue(ctx); err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	err = c.backend.Probe(probeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("backend is unreachable: %w", err)
	}

	report := c.engine.Sync(ctx, model.TriggerManual)
	remaining := c.queue.Count(ctx)
	log.Info("syncコマンドが完了しました",
		slog.Int("attempted", report.Attempted),
		slog.Int("synced", report.Synced),
		slog.Int("remaining", remaining),
	)

	if remaining > 0 {
		return fmt.Errorf("%w: %d", ErrSyncIncomplete, remaining)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
