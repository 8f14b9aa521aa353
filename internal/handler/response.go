// Package handler は制御APIのHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/offlinecore/internal/middleware"
	"github.com/hitoshi/offlinecore/internal/model"
)

// maxRequestBody はJSONリクエストボディの上限。
const maxRequestBody = 1 << 20

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。
// 失敗した場合は400の統一エラーを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteAPIError(w,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return false
	}
	return true
}

// writeInternalError はエラーをログに記録し、500の統一エラーを書き込む。
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
