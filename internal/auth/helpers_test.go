package auth

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/offlinecore/internal/store"
)

// memKV はメモリ上のKeyValueRepository。
type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func newTestStore() (*store.Store, *memKV) {
	kv := newMemKV()
	return store.New(kv, testLogger()), kv
}

// countingReader は読み込み回数を数えるstore.Reader。
type countingReader struct {
	inner store.Reader
	mu    sync.Mutex
	reads int
}

func (c *countingReader) Get(ctx context.Context, tier store.Tier, key string, dest any) bool {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.inner.Get(ctx, tier, key, dest)
}

func (c *countingReader) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}
