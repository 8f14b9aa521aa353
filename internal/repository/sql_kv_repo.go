package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLKeyValueRepo はkv_entriesテーブルを使用したキー・バリューリポジトリ。
// プレースホルダ（$n）とON CONFLICT構文はPostgreSQLとSQLiteの両方で有効。
type SQLKeyValueRepo struct {
	db *sql.DB
}

// NewSQLKeyValueRepo はSQLKeyValueRepoを生成する。
func NewSQLKeyValueRepo(db *sql.DB) *SQLKeyValueRepo {
	return &SQLKeyValueRepo{db: db}
}

// Get は指定キーの値を取得する。
func (r *SQLKeyValueRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = $1`,
		key,
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get kv entry %q: %w", key, err)
	}

	return value, true, nil
}

// Set は指定キーに値をアップサートする。1文で書き込むため部分的な書き込み状態は発生しない。
func (r *SQLKeyValueRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to set kv entry %q: %w", key, err)
	}
	return nil
}

// Delete は指定キーを削除する。
func (r *SQLKeyValueRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete kv entry %q: %w", key, err)
	}
	return nil
}

// compile-time interface check
var _ KeyValueRepository = (*SQLKeyValueRepo)(nil)
