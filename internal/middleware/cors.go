package middleware

import "net/http"

// controlAPIMethods は制御APIが受け付けるメソッド。キュー操作は作成・取得・削除のみ。
const controlAPIMethods = "GET, POST, DELETE, OPTIONS"

// NewCORSMiddleware はアプリシェルのオリジンからの制御API呼び出しだけを許可するミドルウェアを返す。
// Cookieを伴う呼び出しがあるため、Allow-Originにはワイルドカードではなく許可オリジンを返す。
// 他オリジンからのプリフライトは403で拒否し、通常リクエストにはCORSヘッダーを付けない。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			allowed := origin == "" || origin == allowedOrigin
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", controlAPIMethods)
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
