package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/offlinecore/internal/middleware"
	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/queue"
)

// QueueServiceInterface はキューハンドラーが必要とするインターフェース。*queue.Queueが満たす。
type QueueServiceInterface interface {
	Enqueue(ctx context.Context, kind model.OperationKind, resource string, payload json.RawMessage) (model.QueueOperation, error)
	List(ctx context.Context) []model.QueueOperation
	Failed(ctx context.Context) []model.QueueOperation
	Count(ctx context.Context) int
	Retry(ctx context.Context, id string) (model.QueueOperation, error)
	Discard(ctx context.Context, id string) error
}

// QueueHandler はオフライン操作キューのHTTPハンドラー。
type QueueHandler struct {
	queue QueueServiceInterface
}

// NewQueueHandler はQueueHandlerを生成する。
func NewQueueHandler(q QueueServiceInterface) *QueueHandler {
	return &QueueHandler{queue: q}
}

// enqueueRequest は操作追加リクエストのボディ。
type enqueueRequest struct {
	Kind     model.OperationKind `json:"kind"`
	Resource string              `json:"resource"`
	Payload  json.RawMessage     `json:"payload"`
}

// Enqueue は変更操作をキューに追加する。
// POST /api/queue
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	op, err := h.queue.Enqueue(r.Context(), req.Kind, req.Resource, req.Payload)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidOperation) {
			middleware.WriteAPIError(w, model.NewInvalidRequestError(err.Error()))
			return
		}
		writeInternalError(w, "failed to enqueue operation", err)
		return
	}

	writeJSON(w, http.StatusCreated, op)
}

// List はキュー内の全操作を到着順に返す。
// GET /api/queue
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.queue.List(r.Context())))
}

// Count は送信待ち（pending・in_flight）の操作数を返す。
// GET /api/queue/count
func (h *QueueHandler) Count(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": h.queue.Count(r.Context())})
}

// Failed は最大試行回数に達した操作を返す。
// GET /api/queue/failed
func (h *QueueHandler) Failed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.queue.Failed(r.Context())))
}

// Retry はfailed状態の操作を再送対象に戻す。
// POST /api/queue/{id}/retry
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := h.queue.Retry(r.Context(), id)
	if err != nil {
		h.writeQueueError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// Discard はfailed状態の操作をキューから削除する。
// DELETE /api/queue/{id}
func (h *QueueHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.queue.Discard(r.Context(), id); err != nil {
		h.writeQueueError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *QueueHandler) writeQueueError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		middleware.WriteAPIError(w, model.NewOperationNotFoundError(id))
	case errors.Is(err, queue.ErrNotFailed):
		middleware.WriteAPIError(w, model.NewOperationNotFailedError(id))
	default:
		writeInternalError(w, "queue operation failed", err)
	}
}

// nonNil は空のキューを null ではなく [] として返すためのヘルパー。
func nonNil(ops []model.QueueOperation) []model.QueueOperation {
	if ops == nil {
		return []model.QueueOperation{}
	}
	return ops
}
