package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/offlinecore/internal/auth"
	"github.com/hitoshi/offlinecore/internal/middleware"
	"github.com/hitoshi/offlinecore/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) (*auth.Principal, error)
	Logout(ctx context.Context) error
	Current() (*auth.Principal, bool)
	Identity(ctx context.Context) (model.ResolvedIdentity, bool)
	Profile(ctx context.Context) (model.OfflineUserProfile, bool)
}

// AuthHandler はログイン・ログアウト関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service, now: time.Now}
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse はログイン成功時のレスポンス。
type loginResponse struct {
	UserID    string     `json:"user_id"`
	Email     string     `json:"email"`
	Mode      auth.Mode  `json:"mode"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// meResponse は現在のユーザー情報のレスポンス。
type meResponse struct {
	UserID       string                    `json:"user_id"`
	Email        string                    `json:"email"`
	Mode         auth.Mode                 `json:"mode"`
	ExpiresAt    *time.Time                `json:"expires_at,omitempty"`
	TokenExpired bool                      `json:"token_expired"`
	Role         string                    `json:"role"`
	BranchID     string                    `json:"branch_id"`
	Profile      *model.OfflineUserProfile `json:"profile,omitempty"`
}

// Login はオンライン（到達不能時はオフライン）ログインを処理する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		middleware.WriteAPIError(w,
			model.NewInvalidRequestError("メールアドレスとパスワードは必須です"))
		return
	}

	principal, err := h.service.Login(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrOfflineLoginFailed):
		middleware.WriteAPIError(w, model.NewOfflineLoginFailedError())
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		slog.Warn("login rejected by backend", slog.String("error", err.Error()))
		middleware.WriteAPIError(w, model.NewLoginFailedError())
		return
	default:
		writeInternalError(w, "login failed", err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		UserID:    principal.UserID,
		Email:     principal.Email,
		Mode:      principal.Mode,
		ExpiresAt: principal.ExpiresAt,
	})
}

// Logout はオフライン資格情報とセッションを破棄する。未ログインでも204を返す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		writeInternalError(w, "logout failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在の主体と解決済みのロール・支店を返す。
// アクセストークンの期限切れはオフラインでの認可を無効にせず、token_expiredとして報告する。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.service.Current()
	if !ok {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		identity, _ = h.service.Identity(r.Context())
	}

	resp := meResponse{
		UserID:    principal.UserID,
		Email:     principal.Email,
		Mode:      principal.Mode,
		ExpiresAt: principal.ExpiresAt,
		Role:      identity.Role,
		BranchID:  identity.BranchID,
	}
	if principal.ExpiresAt != nil && !h.now().Before(*principal.ExpiresAt) {
		resp.TokenExpired = true
	}
	if profile, ok := h.service.Profile(r.Context()); ok && profile.ID == principal.UserID {
		resp.Profile = &profile
	}

	writeJSON(w, http.StatusOK, resp)
}
