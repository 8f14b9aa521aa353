// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// キュー、同期エンジン、バックエンドクライアント、アセットキャッシュから利用する。
type MetricsCollector interface {
	SetQueueDepth(depth int)
	RecordSyncRun(trigger string)
	RecordSyncSkipped()
	RecordOperationsSynced(count int)
	RecordOperationsFailed(count int)
	RecordOperationsDead(count int)
	RecordBackendStatus(statusCode int)
	RecordBackendLatency(duration time.Duration)
	RecordCacheRequest(route, result string)
	SetOnline(online bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	queueDepth     prometheus.Gauge
	syncRuns       *prometheus.CounterVec
	syncSkipped    prometheus.Counter
	opsSynced      prometheus.Counter
	opsFailed      prometheus.Counter
	opsDead        prometheus.Counter
	backendStatus  *prometheus.CounterVec
	backendLatency prometheus.Histogram
	cacheRequests  *prometheus.CounterVec
	online         prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offlinecore_queue_depth",
			Help: "送信待ち（pending + in_flight）の操作数",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinecore_sync_runs_total",
			Help: "起動要因別の同期パス実行数",
		}, []string{"trigger"}),
		syncSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offlinecore_sync_skipped_total",
			Help: "実行中の同期があったため破棄された同期要求の数",
		}),
		opsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offlinecore_operations_synced_total",
			Help: "バックエンドへの送信に成功した操作の合計数",
		}),
		opsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offlinecore_operations_failed_total",
			Help: "送信に失敗し再送対象となった操作の合計数",
		}),
		opsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offlinecore_operations_dead_total",
			Help: "最大試行回数に達しfailed状態となった操作の合計数",
		}),
		backendStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinecore_backend_status_total",
			Help: "バックエンドのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		backendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "offlinecore_backend_latency_seconds",
			Help:    "バックエンド呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinecore_cache_requests_total",
			Help: "アセットキャッシュの経路・結果別のリクエスト数",
		}, []string{"route", "result"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offlinecore_connectivity_online",
			Help: "バックエンドへの接続状態（1=オンライン, 0=オフライン）",
		}),
	}

	reg.MustRegister(
		c.queueDepth,
		c.syncRuns,
		c.syncSkipped,
		c.opsSynced,
		c.opsFailed,
		c.opsDead,
		c.backendStatus,
		c.backendLatency,
		c.cacheRequests,
		c.online,
	)

	return c
}

// SetQueueDepth はキューの深さを記録する。
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// RecordSyncRun は同期パスの実行を記録する。
func (c *Collector) RecordSyncRun(trigger string) {
	c.syncRuns.WithLabelValues(trigger).Inc()
}

// RecordSyncSkipped は破棄された同期要求を記録する。
func (c *Collector) RecordSyncSkipped() {
	c.syncSkipped.Inc()
}

// RecordOperationsSynced は送信成功した操作数を記録する。
func (c *Collector) RecordOperationsSynced(count int) {
	c.opsSynced.Add(float64(count))
}

// RecordOperationsFailed は再送対象となった操作数を記録する。
func (c *Collector) RecordOperationsFailed(count int) {
	c.opsFailed.Add(float64(count))
}

// RecordOperationsDead はfailed状態となった操作数を記録する。
func (c *Collector) RecordOperationsDead(count int) {
	c.opsDead.Add(float64(count))
}

// RecordBackendStatus はバックエンドのHTTPステータスコードを記録する。
func (c *Collector) RecordBackendStatus(statusCode int) {
	c.backendStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordBackendLatency はバックエンド呼び出しのレイテンシを記録する。
func (c *Collector) RecordBackendLatency(duration time.Duration) {
	c.backendLatency.Observe(duration.Seconds())
}

// RecordCacheRequest はアセットキャッシュの処理結果を記録する。
func (c *Collector) RecordCacheRequest(route, result string) {
	c.cacheRequests.WithLabelValues(route, result).Inc()
}

// SetOnline は接続状態を記録する。
func (c *Collector) SetOnline(online bool) {
	if online {
		c.online.Set(1)
		return
	}
	c.online.Set(0)
}

// Nop は何も記録しないMetricsCollector。メトリクスを使用しない構成とテストで利用する。
type Nop struct{}

func (Nop) SetQueueDepth(int) {}
func (Nop) RecordSyncRun(string) {}
func (Nop) RecordSyncSkipped() {}
func (Nop) RecordOperationsSynced(int) {}
func (Nop) RecordOperationsFailed(int) {}
func (Nop) RecordOperationsDead(int) {}
func (Nop) RecordBackendStatus(int) {}
func (Nop) RecordBackendLatency(time.Duration) {}
func (Nop) RecordCacheRequest(string, string) {}
func (Nop) SetOnline(bool) {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
