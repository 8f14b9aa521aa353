package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/offlinecore/internal/assetcache"
	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/platform"
)

// SyncEngineInterface は同期・状態ハンドラーが必要とする同期エンジンのインターフェース。
type SyncEngineInterface interface {
	Sync(ctx context.Context, trigger model.SyncTrigger) model.SyncReport
	LastReport() (model.SyncReport, bool)
	Running() bool
}

// ConnectivityReader は現在のオンライン状態を返す。
type ConnectivityReader interface {
	Online() bool
}

// CacheStateReader はアセットキャッシュの状態を返す。
type CacheStateReader interface {
	State() assetcache.State
	Bucket() string
}

// SyncHandler は手動同期と状態取得のHTTPハンドラー。
type SyncHandler struct {
	engine       SyncEngineInterface
	queue        QueueServiceInterface
	connectivity ConnectivityReader
	cache        CacheStateReader
	host         platform.Host
}

// NewSyncHandler はSyncHandlerを生成する。cacheがnilの場合は状態にキャッシュ情報を含めない。
func NewSyncHandler(
	engine SyncEngineInterface,
	q QueueServiceInterface,
	connectivity ConnectivityReader,
	cache CacheStateReader,
	host platform.Host,
) *SyncHandler {
	return &SyncHandler{
		engine:       engine,
		queue:        q,
		connectivity: connectivity,
		cache:        cache,
		host:         host,
	}
}

// cacheStatus はアセットキャッシュの状態。
type cacheStatus struct {
	Bucket string `json:"bucket"`
	State  string `json:"state"`
}

// statusResponse は状態取得のレスポンス。
type statusResponse struct {
	Online      bool              `json:"online"`
	QueueCount  int               `json:"queue_count"`
	FailedCount int               `json:"failed_count"`
	Syncing     bool              `json:"syncing"`
	LastReport  *model.SyncReport `json:"last_report,omitempty"`
	Host        platform.HostInfo `json:"host"`
	Cache       *cacheStatus      `json:"cache,omitempty"`
}

// Sync は同期パスを1回実行し、その結果を返す。
// 別の同期が実行中の場合はskipped=trueのレポートを即座に返す（エラーではない）。
// クライアントが切断しても同期パスは最後まで実行する。
// POST /api/sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	report := h.engine.Sync(context.WithoutCancel(r.Context()), model.TriggerManual)
	writeJSON(w, http.StatusOK, report)
}

// Status はオンライン状態・キュー件数・直近の同期結果・ホスト情報を返す。
// GET /api/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := statusResponse{
		Online:      h.connectivity.Online(),
		QueueCount:  h.queue.Count(ctx),
		FailedCount: len(h.queue.Failed(ctx)),
		Syncing:     h.engine.Running(),
		Host:        h.host.Info(),
	}
	if report, ok := h.engine.LastReport(); ok {
		resp.LastReport = &report
	}
	if h.cache != nil {
		resp.Cache = &cacheStatus{Bucket: h.cache.Bucket(), State: h.cache.State().String()}
	}

	writeJSON(w, http.StatusOK, resp)
}
