package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/offlinecore/internal/assetcache"
	"github.com/hitoshi/offlinecore/internal/auth"
	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/platform"
)

// --- モック定義 ---

type mockAuthService struct {
	loginFn    func(ctx context.Context, email, password string) (*auth.Principal, error)
	logoutFn   func(ctx context.Context) error
	principal  *auth.Principal
	identity   model.ResolvedIdentity
	profile    *model.OfflineUserProfile
	loginCalls int
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*auth.Principal, error) {
	m.loginCalls++
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil, errors.New("not configured")
}

func (m *mockAuthService) Logout(ctx context.Context) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx)
	}
	m.principal = nil
	return nil
}

func (m *mockAuthService) Current() (*auth.Principal, bool) {
	if m.principal == nil {
		return nil, false
	}
	return m.principal, true
}

func (m *mockAuthService) Identity(ctx context.Context) (model.ResolvedIdentity, bool) {
	if m.principal == nil {
		return model.ResolvedIdentity{}, false
	}
	return m.identity, true
}

func (m *mockAuthService) Profile(ctx context.Context) (model.OfflineUserProfile, bool) {
	if m.profile == nil {
		return model.OfflineUserProfile{}, false
	}
	return *m.profile, true
}

type mockQueue struct {
	enqueueFn func(ctx context.Context, kind model.OperationKind, resource string, payload json.RawMessage) (model.QueueOperation, error)
	retryFn   func(ctx context.Context, id string) (model.QueueOperation, error)
	discardFn func(ctx context.Context, id string) error
	ops       []model.QueueOperation
	failed    []model.QueueOperation
	count     int
}

func (m *mockQueue) Enqueue(ctx context.Context, kind model.OperationKind, resource string, payload json.RawMessage) (model.QueueOperation, error) {
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, kind, resource, payload)
	}
	return model.QueueOperation{}, nil
}

func (m *mockQueue) List(ctx context.Context) []model.QueueOperation   { return m.ops }
func (m *mockQueue) Failed(ctx context.Context) []model.QueueOperation { return m.failed }
func (m *mockQueue) Count(ctx context.Context) int                     { return m.count }

func (m *mockQueue) Retry(ctx context.Context, id string) (model.QueueOperation, error) {
	if m.retryFn != nil {
		return m.retryFn(ctx, id)
	}
	return model.QueueOperation{}, nil
}

func (m *mockQueue) Discard(ctx context.Context, id string) error {
	if m.discardFn != nil {
		return m.discardFn(ctx, id)
	}
	return nil
}

type mockEngine struct {
	syncFn  func(ctx context.Context, trigger model.SyncTrigger) model.SyncReport
	last    *model.SyncReport
	running bool
}

func (m *mockEngine) Sync(ctx context.Context, trigger model.SyncTrigger) model.SyncReport {
	if m.syncFn != nil {
		return m.syncFn(ctx, trigger)
	}
	return model.SyncReport{Trigger: trigger}
}

func (m *mockEngine) LastReport() (model.SyncReport, bool) {
	if m.last == nil {
		return model.SyncReport{}, false
	}
	return *m.last, true
}

func (m *mockEngine) Running() bool { return m.running }

type mockConnectivity struct {
	online bool
}

func (m *mockConnectivity) Online() bool { return m.online }

type mockAssets struct {
	handleMessageFn func(ctx context.Context, msg assetcache.Message) error
	state           assetcache.State
	served          []string
}

func (m *mockAssets) State() assetcache.State { return m.state }
func (m *mockAssets) Bucket() string          { return "offlinecore-v1" }

func (m *mockAssets) HandleMessage(ctx context.Context, msg assetcache.Message) error {
	if m.handleMessageFn != nil {
		return m.handleMessageFn(ctx, msg)
	}
	return nil
}

func (m *mockAssets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.served = append(m.served, r.URL.Path)
	w.Header().Set("X-Served-By", "assets")
	w.WriteHeader(http.StatusOK)
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error { return m.err }

func testHost() platform.Host {
	return platform.NewStaticHost("desktop", "1.2.3")
}
