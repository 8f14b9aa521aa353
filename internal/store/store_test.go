package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// mockKV はKeyValueRepositoryのモック。
type mockKV struct {
	data    map[string]string
	getFunc func(ctx context.Context, key string) (string, bool, error)
}

func newMockKV() *mockKV {
	return &mockKV{data: make(map[string]string)}
}

func (m *mockKV) Get(ctx context.Context, key string) (string, bool, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, key)
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockKV) Set(_ context.Context, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *mockKV) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

type record struct {
	Role     string `json:"role"`
	BranchID string `json:"branch_id"`
}

func newTestStore(kv *mockKV) (*Store, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return New(kv, logger), &buf
}

func TestStore_SetGet_BothTiers(t *testing.T) {
	ctx := context.Background()
	kv := newMockKV()
	s, _ := newTestStore(kv)

	for _, tier := range []Tier{TierSession, TierPersistent} {
		t.Run(tier.String(), func(t *testing.T) {
			want := record{Role: "admin", BranchID: "b-1"}
			if err := s.Set(ctx, tier, KeyUserRole, want); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			var got record
			if !s.Get(ctx, tier, KeyUserRole, &got) {
				t.Fatal("Get returned false")
			}
			if got != want {
				t.Errorf("got %+v, want %+v", got, want)
			}
		})
	}

	if kv.data[KeyUserRole] != `{"role":"admin","branch_id":"b-1"}` {
		t.Errorf("persistent tier stored %q", kv.data[KeyUserRole])
	}
}

func TestStore_TiersAreIndependent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(newMockKV())

	if err := s.Set(ctx, TierSession, KeyOfflineSession, "only-session"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var v string
	if s.Get(ctx, TierPersistent, KeyOfflineSession, &v) {
		t.Error("session value should not be visible in persistent tier")
	}
}

func TestStore_Get_CorruptedValue_TreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	kv := newMockKV()
	kv.data[KeyOfflineUser] = "{not json"
	s, logs := newTestStore(kv)

	var got record
	if s.Get(ctx, TierPersistent, KeyOfflineUser, &got) {
		t.Fatal("corrupted value should be treated as absent")
	}
	if !strings.Contains(logs.String(), `"level":"WARN"`) || !strings.Contains(logs.String(), KeyOfflineUser) {
		t.Errorf("expected warn log mentioning key, got %s", logs.String())
	}
}

func TestStore_Get_ReadError_TreatedAsAbsent(t *testing.T) {
	kv := newMockKV()
	kv.getFunc = func(ctx context.Context, key string) (string, bool, error) {
		return "", false, errors.New("disk I/O error")
	}
	s, logs := newTestStore(kv)

	var v string
	if s.Get(context.Background(), TierPersistent, KeyUserBranchID, &v) {
		t.Fatal("read error should be treated as absent")
	}
	if !strings.Contains(logs.String(), "disk I/O error") {
		t.Errorf("expected error in log, got %s", logs.String())
	}
}

func TestStore_Lookup_ReadError_Returned(t *testing.T) {
	readErr := errors.New("database is locked")
	kv := newMockKV()
	kv.getFunc = func(ctx context.Context, key string) (string, bool, error) {
		return "", false, readErr
	}
	s, _ := newTestStore(kv)

	var v []string
	ok, err := s.Lookup(context.Background(), TierPersistent, KeyOperationQueue, &v)
	if ok {
		t.Error("ok = true, want false")
	}
	if !errors.Is(err, readErr) {
		t.Errorf("err = %v, want %v", err, readErr)
	}
}

func TestStore_Lookup_MissingAndCorrupted_NoError(t *testing.T) {
	ctx := context.Background()
	kv := newMockKV()
	kv.data[KeyOperationQueue] = "not a list"
	s, _ := newTestStore(kv)

	var v []string
	if ok, err := s.Lookup(ctx, TierPersistent, KeyOperationQueue, &v); ok || err != nil {
		t.Errorf("corrupted: ok=%v err=%v, want false, nil", ok, err)
	}
	if ok, err := s.Lookup(ctx, TierPersistent, KeyUserRole, &v); ok || err != nil {
		t.Errorf("missing: ok=%v err=%v, want false, nil", ok, err)
	}
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	kv := newMockKV()
	s, _ := newTestStore(kv)

	_ = s.Set(ctx, TierPersistent, KeyOfflineAuth, "x")
	_ = s.Set(ctx, TierSession, KeyOfflineSession, "y")

	if err := s.Remove(ctx, TierPersistent, KeyOfflineAuth); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Remove(ctx, TierSession, KeyOfflineSession); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Remove(ctx, TierSession, "never-set"); err != nil {
		t.Errorf("removing a missing key should not fail: %v", err)
	}

	var v string
	if s.Get(ctx, TierPersistent, KeyOfflineAuth, &v) || s.Get(ctx, TierSession, KeyOfflineSession, &v) {
		t.Error("values should be absent after Remove")
	}
}

func TestStore_ClearSession_KeepsPersistent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(newMockKV())

	_ = s.Set(ctx, TierSession, KeyOfflineSession, "s")
	_ = s.Set(ctx, TierPersistent, KeyOfflineUser, "p")

	s.ClearSession()

	var v string
	if s.Get(ctx, TierSession, KeyOfflineSession, &v) {
		t.Error("session tier should be empty")
	}
	if !s.Get(ctx, TierPersistent, KeyOfflineUser, &v) || v != "p" {
		t.Error("persistent tier should be untouched")
	}
}

func TestStore_UnknownTier_ReturnsError(t *testing.T) {
	s, _ := newTestStore(newMockKV())

	if err := s.Set(context.Background(), Tier(9), "k", 1); err == nil {
		t.Error("expected error for unknown tier")
	}
}
