package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/hitoshi/offlinecore/internal/assetcache"
	"github.com/hitoshi/offlinecore/internal/middleware"
	"github.com/hitoshi/offlinecore/internal/model"
)

// AssetWorkerInterface はアセットキャッシュ制御ハンドラーが必要とするインターフェース。
type AssetWorkerInterface interface {
	CacheStateReader
	HandleMessage(ctx context.Context, msg assetcache.Message) error
}

// OfflineHandler はアセットキャッシュへの制御メッセージを受け付けるHTTPハンドラー。
type OfflineHandler struct {
	worker AssetWorkerInterface
}

// NewOfflineHandler はOfflineHandlerを生成する。
func NewOfflineHandler(worker AssetWorkerInterface) *OfflineHandler {
	return &OfflineHandler{worker: worker}
}

// Message は{ "type": "SKIP_WAITING" }などの制御メッセージを処理し、処理後の状態を返す。
// POST /__offline/message
func (h *OfflineHandler) Message(w http.ResponseWriter, r *http.Request) {
	var msg assetcache.Message
	if !decodeJSON(w, r, &msg) {
		return
	}

	if err := h.worker.HandleMessage(r.Context(), msg); err != nil {
		if errors.Is(err, assetcache.ErrUnknownMessage) {
			middleware.WriteAPIError(w, model.NewInvalidRequestError(err.Error()))
			return
		}
		writeInternalError(w, "failed to handle cache message", err)
		return
	}

	writeJSON(w, http.StatusOK, cacheStatus{Bucket: h.worker.Bucket(), State: h.worker.State().String()})
}
