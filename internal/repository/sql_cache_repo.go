package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/offlinecore/internal/model"
)

// SQLCacheRepo はcache_entriesテーブルを使用したアセットキャッシュリポジトリ。
type SQLCacheRepo struct {
	db *sql.DB
}

// NewSQLCacheRepo はSQLCacheRepoを生成する。
func NewSQLCacheRepo(db *sql.DB) *SQLCacheRepo {
	return &SQLCacheRepo{db: db}
}

// GetEntry はバケット内のURLに対応するエントリを取得する。見つからない場合はnilを返す。
func (r *SQLCacheRepo) GetEntry(ctx context.Context, bucket, url string) (*model.CacheEntry, error) {
	entry := &model.CacheEntry{Bucket: bucket, URL: url}
	var header string
	var storedAt int64

	err := r.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at
		 FROM cache_entries
		 WHERE bucket = $1 AND url = $2`,
		bucket, url,
	).Scan(&entry.Status, &header, &entry.Body, &storedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	entry.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return nil, fmt.Errorf("failed to decode cached header: %w", err)
	}
	entry.StoredAt = time.UnixMilli(storedAt)

	return entry, nil
}

// PutEntry はエントリをアップサートする。
func (r *SQLCacheRepo) PutEntry(ctx context.Context, entry *model.CacheEntry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO cache_entries (bucket, url, status, header, body, stored_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (bucket, url) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		entry.Bucket, entry.URL, entry.Status, string(header), body, storedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteEntry はバケット内のURLに対応するエントリを削除する。
func (r *SQLCacheRepo) DeleteEntry(ctx context.Context, bucket, url string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE bucket = $1 AND url = $2`,
		bucket, url,
	)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// ListBuckets はバケット名の一覧を名前順で返す。
func (r *SQLCacheRepo) ListBuckets(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT bucket FROM cache_entries ORDER BY bucket`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache buckets: %w", err)
	}
	defer rows.Close()

	var buckets []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to scan cache bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache buckets: %w", err)
	}

	return buckets, nil
}

// DeleteBucket はバケットの全エントリを削除する。
func (r *SQLCacheRepo) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE bucket = $1`,
		bucket,
	)
	if err != nil {
		return fmt.Errorf("failed to delete cache bucket %q: %w", bucket, err)
	}
	return nil
}

// compile-time interface check
var _ CacheRepository = (*SQLCacheRepo)(nil)
