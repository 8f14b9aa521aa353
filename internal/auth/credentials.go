package auth

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/store"
)

// Storage は認証情報の保存に使用する保存層のインターフェース。
type Storage interface {
	Get(ctx context.Context, tier store.Tier, key string, dest any) bool
	Set(ctx context.Context, tier store.Tier, key string, value any) error
	Remove(ctx context.Context, tier store.Tier, key string) error
}

// CredentialStore はオフラインログイン用の資格情報を1件だけ保持する。
//
// シークレットは可逆な弱いエンコード（base64）で保存する。
// 暗号学的な安全性はなく、同一端末上での再ログイン確認のみを目的とする。
type CredentialStore struct {
	storage Storage
	now     func() time.Time
}

// NewCredentialStore はCredentialStoreを生成する。
func NewCredentialStore(storage Storage) *CredentialStore {
	return &CredentialStore{storage: storage, now: time.Now}
}

// Save は資格情報を保存する。既存のレコードは上書きする。
func (c *CredentialStore) Save(ctx context.Context, email, secret string) error {
	rec := model.OfflineCredentialRecord{
		Email:        email,
		HashedSecret: encodeSecret(secret),
		LastLoginAt:  c.now().UTC(),
	}
	return c.storage.Set(ctx, store.TierPersistent, store.KeyOfflineAuth, rec)
}

// Verify は保存済みの資格情報とメールアドレス・シークレットが完全一致するかを返す。
// レコードが無い場合や読み込めない場合はfalseを返す。
// 未知のユーザーとシークレット不一致は区別しない。
func (c *CredentialStore) Verify(ctx context.Context, email, secret string) bool {
	rec, ok := c.Load(ctx)
	if !ok {
		return false
	}
	return rec.Email == email && rec.HashedSecret == encodeSecret(secret)
}

// Load は保存済みの資格情報を返す。
func (c *CredentialStore) Load(ctx context.Context) (model.OfflineCredentialRecord, bool) {
	var rec model.OfflineCredentialRecord
	if !c.storage.Get(ctx, store.TierPersistent, store.KeyOfflineAuth, &rec) {
		return model.OfflineCredentialRecord{}, false
	}
	return rec, true
}

// Clear は資格情報のみを削除する。プロフィールは残す。
func (c *CredentialStore) Clear(ctx context.Context) error {
	return c.storage.Remove(ctx, store.TierPersistent, store.KeyOfflineAuth)
}

// Exists は資格情報が保存されているかを返す。
func (c *CredentialStore) Exists(ctx context.Context) bool {
	_, ok := c.Load(ctx)
	return ok
}

func encodeSecret(secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(secret))
}

// ProfileStore は最後に取得したユーザープロフィールを保持する。ログアウトでは削除しない。
type ProfileStore struct {
	storage Storage
}

// NewProfileStore はProfileStoreを生成する。
func NewProfileStore(storage Storage) *ProfileStore {
	return &ProfileStore{storage: storage}
}

// Save はプロフィールを丸ごと上書き保存する。
func (p *ProfileStore) Save(ctx context.Context, profile model.OfflineUserProfile) error {
	return p.storage.Set(ctx, store.TierPersistent, store.KeyOfflineUser, profile)
}

// Load は保存済みのプロフィールを返す。
func (p *ProfileStore) Load(ctx context.Context) (model.OfflineUserProfile, bool) {
	var profile model.OfflineUserProfile
	if !p.storage.Get(ctx, store.TierPersistent, store.KeyOfflineUser, &profile) {
		return model.OfflineUserProfile{}, false
	}
	return profile, true
}
