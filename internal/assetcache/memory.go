package assetcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/repository"
)

// MemoryStorage はプロセス内のみで保持するキャッシュストレージ。
type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string]model.CacheEntry
}

// NewMemoryStorage はMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: make(map[string]map[string]model.CacheEntry)}
}

// GetEntry はエントリのコピーを返す。見つからない場合はnilを返す。
func (m *MemoryStorage) GetEntry(_ context.Context, bucket, url string) (*model.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.buckets[bucket][url]
	if !ok {
		return nil, nil
	}
	return cloneEntry(e), nil
}

// PutEntry はエントリを保存する。
func (m *MemoryStorage) PutEntry(_ context.Context, entry *model.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[entry.Bucket]
	if !ok {
		b = make(map[string]model.CacheEntry)
		m.buckets[entry.Bucket] = b
	}
	e := *cloneEntry(*entry)
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	b[entry.URL] = e
	return nil
}

// DeleteEntry はエントリを削除する。
func (m *MemoryStorage) DeleteEntry(_ context.Context, bucket, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], url)
	return nil
}

// ListBuckets はバケット名を名前順で返す。
func (m *MemoryStorage) ListBuckets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name, entries := range m.buckets {
		if len(entries) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteBucket はバケットを削除する。
func (m *MemoryStorage) DeleteBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, bucket)
	return nil
}

func cloneEntry(e model.CacheEntry) *model.CacheEntry {
	c := e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}

// compile-time interface check
var _ repository.CacheRepository = (*MemoryStorage)(nil)
