package auth

import (
	"context"
	"testing"

	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/store"
)

func TestCredentialStore_SaveThenVerify(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore()
	c := NewCredentialStore(st)

	cases := []struct{ email, secret string }{
		{"a@example.com", "pw"},
		{"staff@branch.example", "ｐａｓｓ 日本語"},
		{"x@y.z", ""},
	}
	for _, tc := range cases {
		if err := c.Save(ctx, tc.email, tc.secret); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if !c.Verify(ctx, tc.email, tc.secret) {
			t.Errorf("Verify(%q, %q) = false, want true", tc.email, tc.secret)
		}
		if c.Verify(ctx, tc.email, tc.secret+"x") {
			t.Errorf("Verify(%q, %q+x) = true, want false", tc.email, tc.secret)
		}
		if c.Verify(ctx, tc.email+"x", tc.secret) {
			t.Errorf("Verify with another email should be false")
		}
	}
}

func TestCredentialStore_SaveOverwrites(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore()
	c := NewCredentialStore(st)

	_ = c.Save(ctx, "old@example.com", "old")
	_ = c.Save(ctx, "new@example.com", "new")

	if c.Verify(ctx, "old@example.com", "old") {
		t.Error("previous record should be replaced")
	}
	if !c.Verify(ctx, "new@example.com", "new") {
		t.Error("new record should verify")
	}
}

func TestCredentialStore_PersistedFormat(t *testing.T) {
	ctx := context.Background()
	st, kv := newTestStore()
	c := NewCredentialStore(st)

	if err := c.Save(ctx, "a@example.com", "pw"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var rec model.OfflineCredentialRecord
	if !st.Get(ctx, store.TierPersistent, store.KeyOfflineAuth, &rec) {
		t.Fatalf("record not stored: %v", kv.data)
	}
	if rec.HashedSecret != "cHc=" {
		t.Errorf("hashedSecret = %q, want base64 of secret", rec.HashedSecret)
	}
	if rec.LastLoginAt.IsZero() {
		t.Error("lastLoginAt should be set")
	}
}

func TestCredentialStore_VerifyWithoutRecordOrCorrupted(t *testing.T) {
	ctx := context.Background()
	st, kv := newTestStore()
	c := NewCredentialStore(st)

	if c.Verify(ctx, "a@example.com", "pw") {
		t.Error("Verify without record should be false")
	}
	if c.Exists(ctx) {
		t.Error("Exists without record should be false")
	}

	kv.data[store.KeyOfflineAuth] = "{corrupted"
	if c.Verify(ctx, "a@example.com", "pw") {
		t.Error("Verify with corrupted record should be false")
	}
}

func TestCredentialStore_ClearKeepsProfile(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore()
	c := NewCredentialStore(st)
	p := NewProfileStore(st)

	_ = c.Save(ctx, "a@example.com", "pw")
	_ = p.Save(ctx, model.OfflineUserProfile{ID: "u-1", Email: "a@example.com"})

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if c.Exists(ctx) {
		t.Error("credential should be removed")
	}
	if _, ok := p.Load(ctx); !ok {
		t.Error("profile should survive Clear")
	}
}
