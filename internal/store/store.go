// Package store は2つの保存層（セッション層・永続層）に対する
// キー・バリューの読み書きを統一的に提供する。
//
// 値は書き込み時にJSONへシリアライズし、読み込み時にパースする。
// パースや読み込みに失敗した値はエラーとして返さず、警告ログを出して「存在しない」として扱う。
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/offlinecore/internal/repository"
)

// Tier は保存層の種別。
type Tier int

const (
	// TierSession はプロセスの生存期間だけ保持されるセッション層。
	TierSession Tier = iota
	// TierPersistent は再起動後も保持される永続層。
	TierPersistent
)

// String はログ出力用の層名を返す。
func (t Tier) String() string {
	switch t {
	case TierSession:
		return "session"
	case TierPersistent:
		return "persistent"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// 永続化キー。名前はアップグレード互換のため変更しないこと。
const (
	KeyOfflineAuth    = "offline_auth_data"
	KeyOfflineUser    = "offline_user_data"
	KeyOfflineSession = "offline_session"
	KeyUserRole       = "user_role"
	KeyUserBranchID   = "user_branch_id"
	KeyOperationQueue = "offline_operation_queue"
)

// Reader は保存層からの読み込みインターフェース。
type Reader interface {
	Get(ctx context.Context, tier Tier, key string, dest any) bool
}

// Store は保存層のアダプタ。
type Store struct {
	mu         sync.RWMutex
	session    map[string]string
	persistent repository.KeyValueRepository
	logger     *slog.Logger
}

// New はStoreを生成する。
func New(persistent repository.KeyValueRepository, logger *slog.Logger) *Store {
	return &Store{
		session:    make(map[string]string),
		persistent: persistent,
		logger:     logger,
	}
}

// Get は指定層のキーを読み込み、destにパースする。
// 値が存在しない場合、読み込みやパースに失敗した場合はfalseを返す。
func (s *Store) Get(ctx context.Context, tier Tier, key string, dest any) bool {
	ok, err := s.Lookup(ctx, tier, key, dest)
	if err != nil {
		s.logger.Warn("保存層からの読み込みに失敗しました",
			slog.String("tier", tier.String()),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// Lookup はGetと同様にキーを読み込むが、保存層の読み込みエラーは呼び出し元に返す。
// 値が存在しない場合と保存値が破損している場合は(false, nil)を返す。
// 読み込んだ値で保存値を置き換える呼び出し元は、エラー時に書き込んではならない。
func (s *Store) Lookup(ctx context.Context, tier Tier, key string, dest any) (bool, error) {
	raw, ok, err := s.read(ctx, tier, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		s.logger.Warn("保存された値のパースに失敗しました。値が存在しないものとして扱います",
			slog.String("tier", tier.String()),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	return true, nil
}

// Set は値をJSONにシリアライズして指定層に保存する。既存の値は置き換える。
func (s *Store) Set(ctx context.Context, tier Tier, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %q: %w", key, err)
	}

	switch tier {
	case TierSession:
		s.mu.Lock()
		s.session[key] = string(data)
		s.mu.Unlock()
		return nil
	case TierPersistent:
		return s.persistent.Set(ctx, key, string(data))
	default:
		return fmt.Errorf("unknown storage tier: %s", tier)
	}
}

// Remove は指定層のキーを削除する。存在しないキーの削除はエラーにしない。
func (s *Store) Remove(ctx context.Context, tier Tier, key string) error {
	switch tier {
	case TierSession:
		s.mu.Lock()
		delete(s.session, key)
		s.mu.Unlock()
		return nil
	case TierPersistent:
		return s.persistent.Delete(ctx, key)
	default:
		return fmt.Errorf("unknown storage tier: %s", tier)
	}
}

// ClearSession はセッション層の全キーを破棄する（セッション終了）。
func (s *Store) ClearSession() {
	s.mu.Lock()
	s.session = make(map[string]string)
	s.mu.Unlock()
}

func (s *Store) read(ctx context.Context, tier Tier, key string) (string, bool, error) {
	switch tier {
	case TierSession:
		s.mu.RLock()
		defer s.mu.RUnlock()
		v, ok := s.session[key]
		return v, ok, nil
	case TierPersistent:
		return s.persistent.Get(ctx, key)
	default:
		return "", false, fmt.Errorf("unknown storage tier: %s", tier)
	}
}

// compile-time interface check
var _ Reader = (*Store)(nil)
