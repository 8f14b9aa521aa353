package connectivity

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/offlinecore/internal/metrics"
	"github.com/hitoshi/offlinecore/internal/model"
)

// mockProber はProberのモック。
type mockProber struct {
	probeFunc func(ctx context.Context) error
}

func (m *mockProber) Probe(ctx context.Context) error {
	return m.probeFunc(ctx)
}

const testGrace = 30 * time.Millisecond

func newTestMonitor(prober Prober) *Monitor {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	return NewMonitor(prober, Config{Grace: testGrace, ProbeInterval: 10 * time.Millisecond}, metrics.Nop{}, logger)
}

func expectTrigger(t *testing.T, m *Monitor, want model.SyncTrigger, within time.Duration) {
	t.Helper()
	select {
	case got := <-m.Triggers():
		if got != want {
			t.Fatalf("trigger = %s, want %s", got, want)
		}
	case <-time.After(within):
		t.Fatalf("no %s trigger within %v", want, within)
	}
}

func expectNoTrigger(t *testing.T, m *Monitor, within time.Duration) {
	t.Helper()
	select {
	case got := <-m.Triggers():
		t.Fatalf("unexpected trigger %s", got)
	case <-time.After(within):
	}
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(nil, Config{}, metrics.Nop{}, slog.Default())

	if m.cfg.Grace != DefaultGrace || m.cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("cfg = %+v", m.cfg)
	}
	if m.Online() {
		t.Error("initial state should be offline")
	}
}

func TestSetOnline_ReconnectFiresAfterGrace(t *testing.T) {
	m := newTestMonitor(nil)

	start := time.Now()
	m.SetOnline(true)

	expectTrigger(t, m, model.TriggerReconnect, 10*testGrace)
	if elapsed := time.Since(start); elapsed < testGrace {
		t.Errorf("reconnect fired after %v, before grace %v", elapsed, testGrace)
	}
}

func TestSetOnline_OncePerTransition(t *testing.T) {
	m := newTestMonitor(nil)

	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(true)

	expectTrigger(t, m, model.TriggerReconnect, 10*testGrace)
	expectNoTrigger(t, m, 3*testGrace)
}

func TestSetOnline_FlapInsideGrace_Cancelled(t *testing.T) {
	m := newTestMonitor(nil)

	m.SetOnline(true)
	m.SetOnline(false)

	expectNoTrigger(t, m, 3*testGrace)
}

func TestSetOnline_FlappingCollapsesToOne(t *testing.T) {
	m := newTestMonitor(nil)

	for i := 0; i < 5; i++ {
		m.SetOnline(true)
		m.SetOnline(false)
	}
	m.SetOnline(true)

	expectTrigger(t, m, model.TriggerReconnect, 10*testGrace)
	expectNoTrigger(t, m, 3*testGrace)
}

func TestSubscribe_NotifiedOnChange(t *testing.T) {
	m := newTestMonitor(nil)

	var mu sync.Mutex
	var got []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		got = append(got, online)
		mu.Unlock()
	})

	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("notifications = %v, want [true false]", got)
	}
}

func TestHeartbeat_OnlyWhileOnline(t *testing.T) {
	m := newTestMonitor(nil)

	m.Heartbeat()
	expectNoTrigger(t, m, testGrace)

	m.SetOnline(true)
	expectTrigger(t, m, model.TriggerReconnect, 10*testGrace)

	m.Heartbeat()
	expectTrigger(t, m, model.TriggerHeartbeat, testGrace)
}

func TestStart_ProbeDrivesState(t *testing.T) {
	var reachable atomic.Bool
	prober := &mockProber{probeFunc: func(ctx context.Context) error {
		if reachable.Load() {
			return nil
		}
		return errors.New("connection refused")
	}}
	m := newTestMonitor(prober)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(3 * testGrace)
	if m.Online() {
		t.Fatal("should be offline while probe fails")
	}

	reachable.Store(true)
	expectTrigger(t, m, model.TriggerReconnect, 20*testGrace)
	if !m.Online() {
		t.Error("should be online after successful probe")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestEmit_DropsWhenBufferFull(t *testing.T) {
	m := newTestMonitor(nil)
	m.SetOnline(true)
	expectTrigger(t, m, model.TriggerReconnect, 10*testGrace)

	for i := 0; i < triggerBuffer+3; i++ {
		m.Heartbeat()
	}
	if len(m.Triggers()) != triggerBuffer {
		t.Errorf("buffered = %d, want %d", len(m.Triggers()), triggerBuffer)
	}
}
