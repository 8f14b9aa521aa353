package middleware

import "net/http"

// NewSecurityHeadersMiddleware は制御APIのレスポンスにセキュリティ関連ヘッダーを付与するミドルウェアを返す。
// レスポンスはキューの内容や識別情報を含むJSONのみで、埋め込みやキャッシュは許可しない。
// アセットキャッシュの配信には適用しないこと。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
