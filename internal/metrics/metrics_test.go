package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は収集済みメトリクスから名前とラベルが一致するものを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestSetQueueDepth_SetsGauge はキュー深さのゲージが最新値になることを検証する。
func TestSetQueueDepth_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetQueueDepth(7)
	c.SetQueueDepth(3)

	m := findMetric(t, reg, "offlinecore_queue_depth", nil)
	if got := m.GetGauge().GetValue(); got != 3 {
		t.Errorf("queue_depth = %v, want 3", got)
	}
}

// TestRecordSyncRun_CountsPerTrigger は起動要因ラベル別に集計されることを検証する。
func TestRecordSyncRun_CountsPerTrigger(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSyncRun("reconnect")
	c.RecordSyncRun("reconnect")
	c.RecordSyncRun("manual")

	if got := findMetric(t, reg, "offlinecore_sync_runs_total", map[string]string{"trigger": "reconnect"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("reconnect runs = %v, want 2", got)
	}
	if got := findMetric(t, reg, "offlinecore_sync_runs_total", map[string]string{"trigger": "manual"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("manual runs = %v, want 1", got)
	}
}

// TestRecordOperations_AddsCounts は操作数カウンタが加算されることを検証する。
func TestRecordOperations_AddsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOperationsSynced(2)
	c.RecordOperationsSynced(1)
	c.RecordOperationsFailed(4)
	c.RecordOperationsDead(1)
	c.RecordSyncSkipped()

	tests := []struct {
		name string
		want float64
	}{
		{"offlinecore_operations_synced_total", 3},
		{"offlinecore_operations_failed_total", 4},
		{"offlinecore_operations_dead_total", 1},
		{"offlinecore_sync_skipped_total", 1},
	}
	for _, tt := range tests {
		if got := findMetric(t, reg, tt.name, nil).GetCounter().GetValue(); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// TestRecordBackendStatus_IncrementsCounterWithLabel はステータスコードラベルで集計されることを検証する。
func TestRecordBackendStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBackendStatus(201)
	c.RecordBackendStatus(409)
	c.RecordBackendStatus(201)

	if got := findMetric(t, reg, "offlinecore_backend_status_total", map[string]string{"status_code": "201"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("status 201 = %v, want 2", got)
	}
	if got := findMetric(t, reg, "offlinecore_backend_status_total", map[string]string{"status_code": "409"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("status 409 = %v, want 1", got)
	}
}

// TestRecordBackendLatency_ObservesHistogram はヒストグラムに観測値が記録されることを検証する。
func TestRecordBackendLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBackendLatency(150 * time.Millisecond)
	c.RecordBackendLatency(2 * time.Second)

	h := findMetric(t, reg, "offlinecore_backend_latency_seconds", nil).GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if h.GetSampleSum() < 2.1 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample sum = %v, want ~2.15", h.GetSampleSum())
	}
}

// TestRecordCacheRequest_LabelsRouteAndResult はアセットキャッシュの経路・結果ラベルを検証する。
func TestRecordCacheRequest_LabelsRouteAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCacheRequest("asset", "hit")
	c.RecordCacheRequest("navigate", "fallback_offline")

	m := findMetric(t, reg, "offlinecore_cache_requests_total", map[string]string{"route": "navigate", "result": "fallback_offline"})
	if m.GetCounter().GetValue() != 1 {
		t.Errorf("navigate/fallback_offline = %v, want 1", m.GetCounter().GetValue())
	}
}

// TestSetOnline_TogglesGauge は接続状態ゲージが切り替わることを検証する。
func TestSetOnline_TogglesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetOnline(true)
	if got := findMetric(t, reg, "offlinecore_connectivity_online", nil).GetGauge().GetValue(); got != 1 {
		t.Errorf("online = %v, want 1", got)
	}

	c.SetOnline(false)
	if got := findMetric(t, reg, "offlinecore_connectivity_online", nil).GetGauge().GetValue(); got != 0 {
		t.Errorf("online = %v, want 0", got)
	}
}
