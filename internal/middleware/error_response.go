package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/offlinecore/internal/model"
)

// ErrorResponseBody は制御APIが返すエラー本文。
// アプリシェルはcategoryで表示先を、actionで案内文を決める。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードごとのHTTPステータス。
var statusByCode = map[string]int{
	model.ErrCodeUnauthorized:       http.StatusUnauthorized,
	model.ErrCodeLoginFailed:        http.StatusUnauthorized,
	model.ErrCodeOfflineLoginFailed: http.StatusUnauthorized,
	model.ErrCodeInvalidRequest:     http.StatusBadRequest,
	model.ErrCodeOperationNotFound:  http.StatusNotFound,
	model.ErrCodeOperationNotFailed: http.StatusConflict,
	model.ErrCodeOriginNotAllowed:   http.StatusForbidden,
	model.ErrCodeRateLimitExceeded:  http.StatusTooManyRequests,
}

// StatusFor はエラーコードに対応するHTTPステータスを返す。未知のコードは500。
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteAPIError はエラーコードから決まるステータスでエラー本文を書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusFor(apiErr.Code), apiErr)
}

// WriteErrorResponse はステータスを明示してエラー本文を書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は500の本文を書き込む。原因はログにのみ残す。
// 送信待ちの操作はキューに残っているため、再試行を案内する。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteAPIError(w, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "制御APIで内部エラーが発生しました。",
		Category: "system",
		Action:   "時間をおいて再度お試しください。未送信の操作はキューに保持されています。",
	})
}
