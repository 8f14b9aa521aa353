// Package connectivity はバックエンドへの接続状態を監視し、同期のトリガーを発行する。
//
// オフライン→オンラインの遷移ごとに猶予期間後の再接続トリガーを1回だけ発行し、
// オンライン中は定期的なハートビートトリガーを発行する。
// モニター自身はキューやバックエンドへの送信には関与しない。
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/offlinecore/internal/metrics"
	"github.com/hitoshi/offlinecore/internal/model"
)

const (
	DefaultGrace             = 2 * time.Second
	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultProbeInterval     = 10 * time.Second
	DefaultProbeTimeout      = 5 * time.Second

	triggerBuffer = 4
)

// Prober はプラットフォームの接続状態を確認するインターフェース。
// 到達可能ならnilを返す。
type Prober interface {
	Probe(ctx context.Context) error
}

// Config はモニターの設定。0の項目はデフォルト値を使用する。
type Config struct {
	Grace             time.Duration
	HeartbeatInterval time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
}

// Monitor は接続状態の監視と同期トリガーの発行を行う。
// 初期状態はオフラインとして扱い、起動後に最初にオンラインを検知した時点で再接続トリガーを発行する。
type Monitor struct {
	prober  Prober
	cfg     Config
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	mu        sync.Mutex
	online    bool
	gen       uint64
	debounce  *time.Timer
	listeners []func(online bool)

	triggers chan model.SyncTrigger
}

// NewMonitor はMonitorを生成する。proberがnilの場合はSetOnlineによる通知のみで状態が変わる。
func NewMonitor(prober Prober, cfg Config, m metrics.MetricsCollector, logger *slog.Logger) *Monitor {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Monitor{
		prober:   prober,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		triggers: make(chan model.SyncTrigger, triggerBuffer),
	}
}

// Triggers は同期トリガーを受け取るチャネルを返す。
func (m *Monitor) Triggers() <-chan model.SyncTrigger {
	return m.triggers
}

// Online は現在の接続状態を返す。
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe は接続状態が変化したときに呼ばれるリスナーを登録する。
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetOnline は接続状態を更新する。
// オフライン→オンラインの遷移では猶予期間後に再接続トリガーを予約し、
// 猶予期間内にオフラインへ戻った場合は予約を取り消す。
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.gen++
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	if online {
		gen := m.gen
		m.debounce = time.AfterFunc(m.cfg.Grace, func() { m.fireReconnect(gen) })
	}
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	m.logger.Info("接続状態が変化しました", slog.Bool("online", online))
	for _, fn := range listeners {
		fn(online)
	}
}

// Heartbeat はオンライン中であればハートビートトリガーを発行する。
func (m *Monitor) Heartbeat() {
	if !m.Online() {
		return
	}
	m.emit(model.TriggerHeartbeat)
}

// Start は接続確認のポーリングとハートビートのスケジュールを開始する。
// コンテキストがキャンセルされるまでブロックする。
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New()
	schedule := fmt.Sprintf("@every %s", m.cfg.HeartbeatInterval)
	if _, err := c.AddFunc(schedule, m.Heartbeat); err != nil {
		return fmt.Errorf("failed to schedule heartbeat: %w", err)
	}
	c.Start()
	defer c.Stop()

	m.logger.Info("接続モニターを開始しました",
		slog.Duration("grace", m.cfg.Grace),
		slog.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
		slog.Duration("probe_interval", m.cfg.ProbeInterval),
	)

	if m.prober == nil {
		<-ctx.Done()
		m.stopDebounce()
		return nil
	}

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	// 起動直後に1回確認
	m.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			m.stopDebounce()
			m.logger.Info("接続モニターを停止しました")
			return nil
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	err := m.prober.Probe(pctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("接続確認に失敗しました", slog.String("error", err.Error()))
	}
	m.SetOnline(err == nil)
}

func (m *Monitor) fireReconnect(gen uint64) {
	m.mu.Lock()
	current := m.gen == gen && m.online
	if current {
		m.debounce = nil
	}
	m.mu.Unlock()

	if current {
		m.emit(model.TriggerReconnect)
	}
}

func (m *Monitor) stopDebounce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
}

// emit はトリガーを送信する。バッファが埋まっている場合は破棄する。
func (m *Monitor) emit(trigger model.SyncTrigger) {
	select {
	case m.triggers <- trigger:
	default:
		m.logger.Debug("同期トリガーを破棄しました", slog.String("trigger", string(trigger)))
	}
}
