// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/offlinecore/internal/model"
)

// KeyValueRepository は永続層のキー・バリューの永続化インターフェース。
// 値はシリアライズ済みのテキストとして扱い、解釈は呼び出し元が行う。
type KeyValueRepository interface {
	// Get は指定キーの値を取得する。存在しない場合は ok=false を返す。
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set は指定キーに値を保存する。既存の値は丸ごと置き換える。
	Set(ctx context.Context, key, value string) error

	// Delete は指定キーを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}

// CacheRepository はアセットキャッシュのバケットとエントリの永続化インターフェース。
type CacheRepository interface {
	// GetEntry はバケット内のURLに対応するエントリを取得する。見つからない場合はnilを返す。
	GetEntry(ctx context.Context, bucket, url string) (*model.CacheEntry, error)

	// PutEntry はエントリを保存する。同じバケット・URLのエントリは置き換える。
	PutEntry(ctx context.Context, entry *model.CacheEntry) error

	// DeleteEntry はバケット内のURLに対応するエントリを削除する。
	DeleteEntry(ctx context.Context, bucket, url string) error

	// ListBuckets はエントリを1件以上持つバケット名の一覧を返す。
	ListBuckets(ctx context.Context) ([]string, error)

	// DeleteBucket はバケットとその全エントリを削除する。
	DeleteBucket(ctx context.Context, bucket string) error
}
