// Package assetcache はアプリケーションの静的オリジンの前段に置くキャッシュプロキシを提供する。
//
// 名前にバージョンを含む単一のキャッシュバケットを使用し、
// installing → installed → activating → active のライフサイクルで管理する。
// active になるまではリクエストをそのままネットワークへ転送する。
package assetcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/offlinecore/internal/metrics"
	"github.com/hitoshi/offlinecore/internal/repository"
)

// MessageSkipWaiting は待機中のワーカーを即座に有効化する制御メッセージの種別。
const MessageSkipWaiting = "SKIP_WAITING"

// ErrUnknownMessage は未知の制御メッセージを受け取った場合に返される。
var ErrUnknownMessage = errors.New("unknown control message")

// State はワーカーのライフサイクル状態。
type State int

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "new"
	}
}

// Message はワーカーへの制御メッセージ。
type Message struct {
	Type string `json:"type"`
}

// Config はワーカーの設定。
type Config struct {
	Origin      *url.URL
	Bucket      string
	EntryPath   string
	OfflinePath string
	// WaitForSkip がtrueの場合、インストール後はSKIP_WAITINGを受けるまで有効化しない。
	WaitForSkip bool
	// RevalidateTimeout はバックグラウンド再検証1件あたりのタイムアウト。
	RevalidateTimeout time.Duration
}

// Worker はアセットとナビゲーションのキャッシュを行うHTTPハンドラー。
type Worker struct {
	cfg     Config
	storage repository.CacheRepository
	client  *http.Client
	proxy   *httputil.ReverseProxy
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	mu          sync.RWMutex
	state       State
	skipWaiting bool

	revalidating sync.WaitGroup
}

// NewWorker はWorkerを生成する。
func NewWorker(
	cfg Config,
	storage repository.CacheRepository,
	client *http.Client,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) (*Worker, error) {
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, errors.New("asset origin is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("cache bucket name is required")
	}
	if cfg.EntryPath == "" {
		cfg.EntryPath = "/"
	}
	if cfg.RevalidateTimeout <= 0 {
		cfg.RevalidateTimeout = 30 * time.Second
	}

	w := &Worker{
		cfg:     cfg,
		storage: storage,
		client:  client,
		metrics: m,
		logger:  logger,
	}
	w.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(cfg.Origin)
			pr.SetXForwarded()
		},
		Transport: client.Transport,
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("オリジンへの転送に失敗しました",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			rw.WriteHeader(http.StatusBadGateway)
		},
	}
	return w, nil
}

// State は現在のライフサイクル状態を返す。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Bucket は現在のバージョンのバケット名を返す。
func (w *Worker) Bucket() string {
	return w.cfg.Bucket
}

// Install はシェル（エントリページ、オフラインページ）をバケットへ事前キャッシュする。
// 個々の取得失敗はログに残してインストールを継続する。
// WaitForSkipがfalse、またはインストール中にSKIP_WAITINGを受けていた場合は続けて有効化する。
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateNew {
		w.mu.Unlock()
		return fmt.Errorf("cannot install from state %s", w.state)
	}
	w.state = StateInstalling
	w.mu.Unlock()

	w.logger.Info("シェルを事前キャッシュします", slog.String("bucket", w.cfg.Bucket))

	for _, path := range w.shellPaths() {
		if err := w.precache(ctx, path); err != nil {
			w.logger.Warn("シェルの事前キャッシュに失敗しました",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}

	w.mu.Lock()
	w.state = StateInstalled
	activate := !w.cfg.WaitForSkip || w.skipWaiting
	w.mu.Unlock()

	if activate {
		return w.Activate(ctx)
	}
	w.logger.Info("インストールが完了しました。有効化を待機します")
	return nil
}

// Activate は現在のバージョン以外のバケットを全て削除し、リクエストの処理を開始する。
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateInstalled {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("cannot activate from state %s", state)
	}
	w.state = StateActivating
	w.mu.Unlock()

	buckets, err := w.storage.ListBuckets(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("failed to list cache buckets: %w", err)
	}
	for _, b := range buckets {
		if b == w.cfg.Bucket {
			continue
		}
		if err := w.storage.DeleteBucket(ctx, b); err != nil {
			w.setState(StateInstalled)
			return fmt.Errorf("failed to delete old cache bucket: %w", err)
		}
		w.logger.Info("古いキャッシュバケットを削除しました", slog.String("bucket", b))
	}

	w.setState(StateActive)
	w.logger.Info("アセットキャッシュを有効化しました", slog.String("bucket", w.cfg.Bucket))
	return nil
}

// HandleMessage は制御メッセージを処理する。
// SKIP_WAITINGは待機中のワーカーを即座に有効化し、インストール中であれば完了直後に有効化させる。
func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	if msg.Type != MessageSkipWaiting {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	w.mu.Lock()
	w.skipWaiting = true
	state := w.state
	w.mu.Unlock()

	if state == StateInstalled {
		return w.Activate(ctx)
	}
	return nil
}

// Wait は実行中のバックグラウンド再検証の完了を待つ。
func (w *Worker) Wait() {
	w.revalidating.Wait()
}

// ServeHTTP はリクエストを分類し、経路ごとの戦略で処理する。
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if w.State() != StateActive {
		w.metrics.RecordCacheRequest("passthrough", "network")
		w.proxy.ServeHTTP(rw, r)
		return
	}

	switch route := Classify(r); route {
	case RouteNavigate:
		w.serveNavigate(rw, r)
	case RouteAsset:
		w.serveAsset(rw, r)
	default:
		w.metrics.RecordCacheRequest(route.String(), "network")
		w.proxy.ServeHTTP(rw, r)
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) shellPaths() []string {
	paths := []string{w.cfg.EntryPath}
	if w.cfg.OfflinePath != "" && w.cfg.OfflinePath != w.cfg.EntryPath {
		paths = append(paths, w.cfg.OfflinePath)
	}
	return paths
}

// cacheKey はオリジン上の絶対URLをキャッシュキーとして返す。
func (w *Worker) cacheKey(path, rawQuery string) string {
	u := url.URL{
		Scheme:   w.cfg.Origin.Scheme,
		Host:     w.cfg.Origin.Host,
		Path:     singleJoin(w.cfg.Origin.Path, path),
		RawQuery: rawQuery,
	}
	return u.String()
}

func singleJoin(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
