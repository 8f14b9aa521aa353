// Package auth はオンライン・オフラインのログイン、オフライン資格情報の保存、
// 認証済みユーザーのロール・支店の解決を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/offlinecore/internal/backend"
	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/store"
)

var (
	// ErrInvalidCredentials はバックエンドがサインインを拒否した場合に返される。
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrOfflineLoginFailed はオフラインでの資格情報照合に失敗した場合に返される。
	ErrOfflineLoginFailed = errors.New("offline login failed")
)

// Mode はログイン方式。
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Principal は現在ログインしている主体。
type Principal struct {
	UserID    string     `json:"user_id"`
	Email     string     `json:"email"`
	Mode      Mode       `json:"mode"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Backend は認証に使用するバックエンドのインターフェース。
type Backend interface {
	SignIn(ctx context.Context, email, password string) (*backend.Session, error)
	FetchProfile(ctx context.Context, accessToken, userID string) (*model.OfflineUserProfile, error)
}

// Service はログイン・ログアウトと現在の主体を管理する。
type Service struct {
	backend     Backend
	storage     Storage
	credentials *CredentialStore
	profiles    *ProfileStore
	resolver    *Resolver
	logger      *slog.Logger

	mu      sync.RWMutex
	current *Principal
}

// NewService はServiceを生成する。
func NewService(
	b Backend,
	storage Storage,
	credentials *CredentialStore,
	profiles *ProfileStore,
	resolver *Resolver,
	logger *slog.Logger,
) *Service {
	return &Service{
		backend:     b,
		storage:     storage,
		credentials: credentials,
		profiles:    profiles,
		resolver:    resolver,
		logger:      logger,
	}
}

// Login はバックエンドへのサインインを試み、到達できない場合はオフライン資格情報で照合する。
// バックエンドが明示的に拒否した場合はオフライン照合を行わずErrInvalidCredentialsを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*Principal, error) {
	email = strings.TrimSpace(email)

	session, err := s.backend.SignIn(ctx, email, password)
	if err != nil {
		if backend.IsUnreachable(err) {
			s.logger.Info("バックエンドに到達できないため、オフラインログインを試みます",
				slog.String("error", err.Error()),
			)
			return s.loginOffline(ctx, email, password)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	return s.loginOnline(ctx, email, password, session)
}

func (s *Service) loginOnline(ctx context.Context, email, password string, session *backend.Session) (*Principal, error) {
	principal := &Principal{UserID: session.User.ID, Email: session.User.Email, Mode: ModeOnline}
	if principal.Email == "" {
		principal.Email = email
	}
	if claims, err := parseAccessToken(session.AccessToken); err == nil {
		principal.ExpiresAt = claims.ExpiresAt
	} else if session.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(session.ExpiresIn) * time.Second).UTC()
		principal.ExpiresAt = &exp
	}

	meta := session.User.UserMetadata
	profile, err := s.backend.FetchProfile(ctx, session.AccessToken, session.User.ID)
	if err != nil {
		s.logger.Warn("プロフィールの取得に失敗しました。トークンのメタデータを使用します",
			slog.String("user_id", session.User.ID),
			slog.String("error", err.Error()),
		)
		profile = &model.OfflineUserProfile{
			ID:       session.User.ID,
			FullName: meta.FullName,
			Role:     meta.Role,
			BranchID: meta.BranchID,
		}
	}
	if profile.ID == "" {
		profile.ID = session.User.ID
	}
	if profile.Email == "" {
		profile.Email = principal.Email
	}

	role := firstNonEmpty(profile.Role, meta.Role)
	branchID := firstNonEmpty(profile.BranchID, meta.BranchID)

	user := session.User
	user.Email = principal.Email
	user.UserMetadata.Role = role
	user.UserMetadata.BranchID = branchID
	snapshot := model.SessionSnapshot{User: user, AccessToken: session.AccessToken, ExpiresAt: principal.ExpiresAt}

	if err := s.credentials.Save(ctx, email, password); err != nil {
		return nil, fmt.Errorf("failed to save offline credentials: %w", err)
	}
	if err := s.profiles.Save(ctx, *profile); err != nil {
		return nil, fmt.Errorf("failed to save offline profile: %w", err)
	}
	if err := s.storage.Set(ctx, store.TierSession, store.KeyOfflineSession, snapshot); err != nil {
		return nil, fmt.Errorf("failed to save session snapshot: %w", err)
	}
	if role != "" || branchID != "" {
		if err := s.storage.Set(ctx, store.TierPersistent, store.KeyUserRole, model.RoleRecord{Role: role, BranchID: branchID}); err != nil {
			return nil, fmt.Errorf("failed to save role record: %w", err)
		}
	}
	if branchID != "" {
		if err := s.storage.Set(ctx, store.TierPersistent, store.KeyUserBranchID, branchID); err != nil {
			return nil, fmt.Errorf("failed to save branch id: %w", err)
		}
	}

	s.setCurrent(principal)
	s.logger.Info("オンラインでログインしました", slog.String("user_id", principal.UserID))
	return principal, nil
}

func (s *Service) loginOffline(ctx context.Context, email, password string) (*Principal, error) {
	if !s.credentials.Verify(ctx, email, password) {
		return nil, ErrOfflineLoginFailed
	}

	profile, ok := s.profiles.Load(ctx)
	if !ok || profile.ID == "" || !strings.EqualFold(profile.Email, email) {
		s.logger.Warn("オフラインログイン用のプロフィールがありません")
		return nil, ErrOfflineLoginFailed
	}

	snapshot := model.SessionSnapshot{
		User: model.SessionUser{
			ID:    profile.ID,
			Email: profile.Email,
			UserMetadata: model.SessionUserMetadata{
				Role:     profile.Role,
				BranchID: profile.BranchID,
				FullName: profile.FullName,
			},
		},
	}
	if err := s.storage.Set(ctx, store.TierSession, store.KeyOfflineSession, snapshot); err != nil {
		return nil, fmt.Errorf("failed to save session snapshot: %w", err)
	}

	principal := &Principal{UserID: profile.ID, Email: profile.Email, Mode: ModeOffline}
	s.setCurrent(principal)
	s.logger.Info("オフラインでログインしました", slog.String("user_id", principal.UserID))
	return principal, nil
}

// Logout は資格情報とセッション層の記録を削除し、解決済みの結果を破棄する。
// プロフィールは次回のオフライン表示のために残す。
func (s *Service) Logout(ctx context.Context) error {
	if err := s.credentials.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear offline credentials: %w", err)
	}
	if err := s.storage.Remove(ctx, store.TierSession, store.KeyOfflineSession); err != nil {
		return fmt.Errorf("failed to clear session snapshot: %w", err)
	}

	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	s.resolver.Clear()

	if prev != nil {
		s.logger.Info("ログアウトしました", slog.String("user_id", prev.UserID))
	}
	return nil
}

// Current は現在ログインしている主体を返す。
func (s *Service) Current() (*Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, false
	}
	p := *s.current
	return &p, true
}

// Identity は現在の主体のResolvedIdentityを返す。未ログインの場合はfalseを返す。
func (s *Service) Identity(ctx context.Context) (model.ResolvedIdentity, bool) {
	p, ok := s.Current()
	if !ok {
		return model.ResolvedIdentity{}, false
	}
	return s.resolver.Resolve(ctx, p.UserID), true
}

// Profile は保存済みのプロフィールを返す。ログアウト後も参照できる。
func (s *Service) Profile(ctx context.Context) (model.OfflineUserProfile, bool) {
	return s.profiles.Load(ctx)
}

// AccessToken はセッション層に保存されたアクセストークンを返す。
// オフラインログイン中や未ログインの場合は空文字列を返す。
func (s *Service) AccessToken(ctx context.Context) string {
	if _, ok := s.Current(); !ok {
		return ""
	}
	var snapshot model.SessionSnapshot
	if !s.storage.Get(ctx, store.TierSession, store.KeyOfflineSession, &snapshot) {
		return ""
	}
	return snapshot.AccessToken
}

func (s *Service) setCurrent(p *Principal) {
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	s.resolver.Invalidate()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// compile-time interface check
var _ backend.TokenSource = (*Service)(nil)
