package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/hitoshi/offlinecore/internal/auth"
	"github.com/hitoshi/offlinecore/internal/model"
)

// contextKey はコンテキストキーの型。
type contextKey string

const (
	userIDKey   contextKey = "user_id"
	identityKey contextKey = "identity"
	requestKey  contextKey = "request_info"
)

// ErrNoUserID はコンテキストにユーザーIDが存在しない場合のエラー。
var ErrNoUserID = errors.New("user ID not found in context")

// IdentitySource は現在の主体と解決済みのロール・支店を提供する。
type IdentitySource interface {
	Current() (*auth.Principal, bool)
	Identity(ctx context.Context) (model.ResolvedIdentity, bool)
}

// NewIdentityMiddleware は現在ログインしている主体を確認し、
// ユーザーIDとResolvedIdentityをリクエストコンテキストに注入するミドルウェアを返す。
// 未ログインの場合は401を返す。
func NewIdentityMiddleware(src IdentitySource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := src.Current()
			if !ok {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			identity, _ := src.Identity(r.Context())

			ctx := ContextWithUserID(r.Context(), principal.UserID)
			ctx = context.WithValue(ctx, identityKey, identity)
			if info, ok := ctx.Value(requestKey).(*requestInfo); ok {
				info.userID = principal.UserID
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok || userID == "" {
		return "", ErrNoUserID
	}
	return userID, nil
}

// ContextWithUserID はユーザーIDをコンテキストに設定する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// IdentityFromContext はリクエストコンテキストからResolvedIdentityを取得する。
func IdentityFromContext(ctx context.Context) (model.ResolvedIdentity, bool) {
	identity, ok := ctx.Value(identityKey).(model.ResolvedIdentity)
	return identity, ok
}
