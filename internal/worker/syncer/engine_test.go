package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/offlinecore/internal/connectivity"
	"github.com/hitoshi/offlinecore/internal/metrics"
	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/queue"
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

// mockSubmitter はSubmitterのモック。
type mockSubmitter struct {
	mu         sync.Mutex
	calls      []string
	submitFunc func(ctx context.Context, op model.QueueOperation) error
}

func (m *mockSubmitter) Submit(ctx context.Context, op model.QueueOperation) error {
	m.mu.Lock()
	m.calls = append(m.calls, op.Resource)
	m.mu.Unlock()
	if m.submitFunc != nil {
		return m.submitFunc(ctx, op)
	}
	return nil
}

func (m *mockSubmitter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func newTestQueue(maxAttempts int) *queue.Queue {
	logger := testLogger()
	return queue.New(store.New(newMemKV(), logger), logger, maxAttempts)
}

func mustEnqueue(t *testing.T, q *queue.Queue, resource string) model.QueueOperation {
	t.Helper()
	op, err := q.Enqueue(context.Background(), model.OperationCreate, resource, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return op
}

func TestSync_EmptyQueue_ReportsZero(t *testing.T) {
	e := NewEngine(newTestQueue(3), &mockSubmitter{}, metrics.Nop{}, testLogger())

	report := e.Sync(context.Background(), model.TriggerManual)
	if report.Skipped || report.Synced != 0 || report.Attempted != 0 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := e.LastReport(); !ok {
		t.Error("LastReport should be recorded")
	}
}

func TestSync_IsolatesFailuresPerItem(t *testing.T) {
	q := newTestQueue(3)
	mustEnqueue(t, q, "a")
	b := mustEnqueue(t, q, "b")
	mustEnqueue(t, q, "c")

	sub := &mockSubmitter{submitFunc: func(ctx context.Context, op model.QueueOperation) error {
		if op.Resource == "b" {
			return errors.New("validation failed")
		}
		return nil
	}}
	e := NewEngine(q, sub, metrics.Nop{}, testLogger())

	report := e.Sync(context.Background(), model.TriggerManual)

	if report.Synced != 2 || report.Failed != 1 || report.Attempted != 3 {
		t.Errorf("report = %+v", report)
	}
	calls := sub.Calls()
	if len(calls) != 3 || calls[0] != "a" || calls[1] != "b" || calls[2] != "c" {
		t.Errorf("submit order = %v, want [a b c]", calls)
	}

	remaining := q.List(context.Background())
	if len(remaining) != 1 || remaining[0].ID != b.ID {
		t.Fatalf("remaining = %+v", remaining)
	}
	if remaining[0].Attempts != 1 || remaining[0].Status != model.StatusPending {
		t.Errorf("remaining op = %+v", remaining[0])
	}
}

func TestSync_BackendUnreachable_TerminatesCleanly(t *testing.T) {
	q := newTestQueue(3)
	mustEnqueue(t, q, "a")
	mustEnqueue(t, q, "b")

	sub := &mockSubmitter{submitFunc: func(ctx context.Context, op model.QueueOperation) error {
		return errors.New("dial tcp: connection refused")
	}}
	e := NewEngine(q, sub, metrics.Nop{}, testLogger())

	report := e.Sync(context.Background(), model.TriggerReconnect)
	if report.Synced != 0 || report.Failed != 2 {
		t.Errorf("report = %+v", report)
	}
	if q.Count(context.Background()) != 2 {
		t.Errorf("Count = %d, want 2", q.Count(context.Background()))
	}
}

func TestSync_ExhaustedAttempts_MarkedDead(t *testing.T) {
	q := newTestQueue(1)
	mustEnqueue(t, q, "a")

	sub := &mockSubmitter{submitFunc: func(ctx context.Context, op model.QueueOperation) error {
		return errors.New("rejected")
	}}
	e := NewEngine(q, sub, metrics.Nop{}, testLogger())

	report := e.Sync(context.Background(), model.TriggerManual)
	if report.Dead != 1 {
		t.Errorf("report = %+v", report)
	}

	// failedの操作は以降の同期で送信されない
	e.Sync(context.Background(), model.TriggerManual)
	if len(sub.Calls()) != 1 {
		t.Errorf("submit calls = %d, want 1", len(sub.Calls()))
	}
}

func TestSync_SingleFlight_SecondCallSkipped(t *testing.T) {
	q := newTestQueue(3)
	mustEnqueue(t, q, "a")

	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &mockSubmitter{submitFunc: func(ctx context.Context, op model.QueueOperation) error {
		close(entered)
		<-release
		return nil
	}}
	e := NewEngine(q, sub, metrics.Nop{}, testLogger())

	first := make(chan model.SyncReport, 1)
	go func() { first <- e.Sync(context.Background(), model.TriggerReconnect) }()

	<-entered
	if !e.Running() {
		t.Error("Running should be true during a pass")
	}

	second := e.Sync(context.Background(), model.TriggerHeartbeat)
	if !second.Skipped {
		t.Errorf("second report = %+v, want Skipped", second)
	}
	if second.Synced != 0 || second.Attempted != 0 {
		t.Errorf("skipped report should be empty: %+v", second)
	}

	close(release)
	report := <-first
	if report.Skipped || report.Synced != 1 {
		t.Errorf("first report = %+v", report)
	}
	if len(sub.Calls()) != 1 {
		t.Errorf("backend calls = %d, want exactly 1", len(sub.Calls()))
	}
	if e.Running() {
		t.Error("busy flag should be released")
	}
}

func TestSync_Cancelled_RestoresInFlight(t *testing.T) {
	q := newTestQueue(3)
	mustEnqueue(t, q, "a")
	mustEnqueue(t, q, "b")

	ctx, cancel := context.WithCancel(context.Background())
	sub := &mockSubmitter{submitFunc: func(ctx context.Context, op model.QueueOperation) error {
		cancel()
		return ctx.Err()
	}}
	e := NewEngine(q, sub, metrics.Nop{}, testLogger())

	report := e.Sync(ctx, model.TriggerManual)
	if report.Attempted != 0 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}

	for _, op := range q.List(context.Background()) {
		if op.Status != model.StatusPending || op.Attempts != 0 {
			t.Errorf("op %s = %s attempts=%d, want pending/0", op.Resource, op.Status, op.Attempts)
		}
	}
}

func TestSync_NotifiesListeners(t *testing.T) {
	e := NewEngine(newTestQueue(3), &mockSubmitter{}, metrics.Nop{}, testLogger())

	var got atomic.Int32
	e.OnReport(func(model.SyncReport) { got.Add(1) })

	e.Sync(context.Background(), model.TriggerManual)
	if got.Load() != 1 {
		t.Errorf("listener calls = %d, want 1", got.Load())
	}
}

func TestRun_HeartbeatSkippedWhenQueueEmpty(t *testing.T) {
	sub := &mockSubmitter{}
	e := NewEngine(newTestQueue(3), sub, metrics.Nop{}, testLogger())

	reports := make(chan model.SyncReport, 4)
	e.OnReport(func(r model.SyncReport) { reports <- r })

	triggers := make(chan model.SyncTrigger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, triggers)

	triggers <- model.TriggerHeartbeat
	triggers <- model.TriggerReconnect

	select {
	case r := <-reports:
		if r.Trigger != model.TriggerReconnect {
			t.Errorf("first pass trigger = %s, want reconnect", r.Trigger)
		}
	case <-time.After(time.Second):
		t.Fatal("no sync pass")
	}
}

func TestRun_TriggerDuringPass_Dropped(t *testing.T) {
	q := newTestQueue(3)
	mustEnqueue(t, q, "a")

	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &mockSubmitter{submitFunc: func(ctx context.Context, op model.QueueOperation) error {
		close(entered)
		<-release
		return nil
	}}
	e := NewEngine(q, sub, metrics.Nop{}, testLogger())

	var passes atomic.Int32
	e.OnReport(func(model.SyncReport) { passes.Add(1) })

	triggers := make(chan model.SyncTrigger, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, triggers)
		close(done)
	}()

	triggers <- model.TriggerReconnect
	<-entered

	// 送信中の操作があるためハートビートはキュー空判定で除外されない
	triggers <- model.TriggerHeartbeat
	time.Sleep(50 * time.Millisecond)
	close(release)

	deadline := time.Now().Add(time.Second)
	for passes.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	if got := passes.Load(); got != 1 {
		t.Errorf("completed passes = %d, want 1", got)
	}
	if len(sub.Calls()) != 1 {
		t.Errorf("backend calls = %d, want 1", len(sub.Calls()))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestEndToEnd_ReconnectDrainsQueueInOrder はオフライン中に積んだ3件が
// 再接続の猶予期間後に1回の同期パスで順に送信され、失敗した1件だけが残ることを検証する。
func TestEndToEnd_ReconnectDrainsQueueInOrder(t *testing.T) {
	const grace = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(3)
	monitor := connectivity.NewMonitor(nil, connectivity.Config{Grace: grace}, metrics.Nop{}, testLogger())

	// オフライン中に3件
	mustEnqueue(t, q, "op1")
	op2 := mustEnqueue(t, q, "op2")
	mustEnqueue(t, q, "op3")

	sub := &mockSubmitter{submitFunc: func(ctx context.Context, op model.QueueOperation) error {
		if op.ID == op2.ID {
			return errors.New("503 service unavailable")
		}
		return nil
	}}
	e := NewEngine(q, sub, metrics.Nop{}, testLogger())

	reports := make(chan model.SyncReport, 4)
	e.OnReport(func(r model.SyncReport) { reports <- r })
	go e.Run(ctx, monitor.Triggers())

	restoredAt := time.Now()
	monitor.SetOnline(true)

	var report model.SyncReport
	select {
	case report = <-reports:
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not run after reconnect")
	}

	if elapsed := time.Since(restoredAt); elapsed < grace {
		t.Errorf("sync ran after %v, before the %v grace period", elapsed, grace)
	}
	if report.Trigger != model.TriggerReconnect || report.Attempted != 3 || report.Synced != 2 {
		t.Errorf("report = %+v", report)
	}

	calls := sub.Calls()
	if len(calls) != 3 || calls[0] != "op1" || calls[1] != "op2" || calls[2] != "op3" {
		t.Errorf("submit order = %v", calls)
	}

	select {
	case r := <-reports:
		t.Errorf("unexpected second pass: %+v", r)
	case <-time.After(3 * grace):
	}

	remaining := q.List(ctx)
	if len(remaining) != 1 {
		t.Fatalf("remaining = %d ops, want 1", len(remaining))
	}
	got := remaining[0]
	if got.ID != op2.ID || got.Attempts != 1 || got.Status != model.StatusPending {
		t.Errorf("remaining op = %+v", got)
	}
}
