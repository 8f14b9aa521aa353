package middleware

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/offlinecore/internal/model"
)

// NewOriginCheckMiddleware は状態変更リクエストの送信元オリジンを検証するミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証しない。
// Originヘッダーのないリクエスト（CLIなどブラウザ以外のクライアント）は通過させ、
// 許可オリジンでも自ホストでもないOriginからのリクエストは403を返す。
func NewOriginCheckMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin == "" || origin == allowedOrigin || sameHost(origin, r.Host) {
				next.ServeHTTP(w, r)
				return
			}

			slog.Warn("origin check failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("origin", origin),
			)
			WriteAPIError(w, &model.APIError{
				Code:     model.ErrCodeOriginNotAllowed,
				Message:  "許可されていないオリジンからのリクエストです。",
				Category: "auth",
				Action:   "アプリケーションの画面から操作してください。",
			})
		})
	}
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host != "" && u.Host == host
}
