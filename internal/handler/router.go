package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/offlinecore/internal/middleware"
	"github.com/hitoshi/offlinecore/internal/platform"
)

// AssetProxy はアセットキャッシュワーカー。制御メッセージを受け付け、その他のリクエストを処理する。
type AssetProxy interface {
	AssetWorkerInterface
	http.Handler
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	DB      Pinger
	Metrics http.Handler

	// 認証
	AuthService AuthServiceInterface

	// キュー・同期
	Queue        QueueServiceInterface
	SyncEngine   SyncEngineInterface
	Connectivity ConnectivityReader
	Events       EventSource
	Host         platform.Host

	// アセットキャッシュ
	Assets AssetProxy
}

// NewRouter は制御APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → (/api) SecurityHeaders → CORS → RateLimit → OriginCheck → (保護ルート) Identity
//
// /api 以外でルートに一致しないリクエストはアセットキャッシュへ渡す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))

	healthHandler := NewHealthHandler(deps.DB)
	authHandler := NewAuthHandler(deps.AuthService)
	queueHandler := NewQueueHandler(deps.Queue)
	syncHandler := NewSyncHandler(deps.SyncEngine, deps.Queue, deps.Connectivity, deps.Assets, deps.Host)
	eventsHandler := NewEventsHandler(deps.Events, deps.CORSAllowedOrigin)
	offlineHandler := NewOfflineHandler(deps.Assets)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.With(middleware.NewOriginCheckMiddleware(deps.CORSAllowedOrigin)).
		Post("/__offline/message", offlineHandler.Message)

	// --- 制御API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(deps.RateLimiter.Middleware())
		r.Use(middleware.NewOriginCheckMiddleware(deps.CORSAllowedOrigin))

		// 認証不要のルート
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/status", syncHandler.Status)
		r.Get("/events", eventsHandler.Stream)

		// 認証が必要なルート
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewIdentityMiddleware(deps.AuthService))

			r.Get("/auth/me", authHandler.Me)

			r.Route("/queue", func(r chi.Router) {
				r.Post("/", queueHandler.Enqueue)
				r.Get("/", queueHandler.List)
				r.Get("/count", queueHandler.Count)
				r.Get("/failed", queueHandler.Failed)
				r.Post("/{id}/retry", queueHandler.Retry)
				r.Delete("/{id}", queueHandler.Discard)
			})

			r.Post("/sync", syncHandler.Sync)
		})

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		})
	})

	// --- アセットキャッシュ（アプリシェル・静的アセット・バックエンドへのパススルー） ---
	r.NotFound(deps.Assets.ServeHTTP)

	return r
}
