// Package syncer はキューに溜まった操作をバックエンドへ送信する同期エンジンを提供する。
//
// 同時に実行される同期パスは常に1つだけで、実行中に届いた同期要求は待たずに破棄する。
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/offlinecore/internal/metrics"
	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/queue"
)

// OperationQueue は同期エンジンが使用するキューのインターフェース。
type OperationQueue interface {
	Pending(ctx context.Context) []model.QueueOperation
	MarkInFlight(ctx context.Context, id string) (bool, error)
	Ack(ctx context.Context, id string, outcome queue.Outcome) (queue.AckResult, error)
	Count(ctx context.Context) int
	Recover(ctx context.Context) (int, error)
}

// Submitter は操作1件をバックエンドへ送信するインターフェース。
type Submitter interface {
	Submit(ctx context.Context, op model.QueueOperation) error
}

// Engine は同期エンジン。
type Engine struct {
	queue   OperationQueue
	backend Submitter
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	busy atomic.Bool

	mu        sync.Mutex
	last      *model.SyncReport
	listeners []func(model.SyncReport)
}

// NewEngine はEngineを生成する。
func NewEngine(q OperationQueue, backend Submitter, m metrics.MetricsCollector, logger *slog.Logger) *Engine {
	return &Engine{
		queue:   q,
		backend: backend,
		metrics: m,
		logger:  logger,
	}
}

// OnReport は同期パス完了時に呼ばれるリスナーを登録する。破棄された要求では呼ばれない。
func (e *Engine) OnReport(fn func(model.SyncReport)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// LastReport は直近に完了した同期パスの結果を返す。
func (e *Engine) LastReport() (model.SyncReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return model.SyncReport{}, false
	}
	return *e.last, true
}

// Running は同期パスが実行中かどうかを返す。
func (e *Engine) Running() bool {
	return e.busy.Load()
}

// Sync は同期パスを1回実行する。
// 既に別の同期パスが実行中の場合は何もせず、Skipped=trueのレポートを即座に返す。
// キューのスナップショットをFIFO順に1件ずつ送信し、1件の失敗は後続の送信を妨げない。
// バックエンドに全く到達できない場合も、エラーを返さずSynced=0のレポートで終了する。
func (e *Engine) Sync(ctx context.Context, trigger model.SyncTrigger) model.SyncReport {
	if !e.busy.CompareAndSwap(false, true) {
		e.metrics.RecordSyncSkipped()
		e.logger.Debug("同期が実行中のため要求を破棄しました", slog.String("trigger", string(trigger)))
		return model.SyncReport{Trigger: trigger, Skipped: true, StartedAt: time.Now()}
	}
	defer e.busy.Store(false)

	report := model.SyncReport{Trigger: trigger, StartedAt: time.Now()}
	e.metrics.RecordSyncRun(string(trigger))

	ops := e.queue.Pending(ctx)
	if len(ops) > 0 {
		e.logger.Info("同期を開始します",
			slog.String("trigger", string(trigger)),
			slog.Int("operation_count", len(ops)),
		)
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}

		ok, err := e.queue.MarkInFlight(ctx, op.ID)
		if err != nil {
			e.logger.Error("操作を送信中にできませんでした",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		report.Attempted++

		submitErr := e.backend.Submit(ctx, op)
		if submitErr != nil && ctx.Err() != nil && errors.Is(submitErr, ctx.Err()) {
			// 停止による中断は送信失敗として数えない
			report.Attempted--
			break
		}

		result, err := e.queue.Ack(ctx, op.ID, queue.Outcome{Err: submitErr})
		if err != nil {
			e.logger.Error("送信結果の記録に失敗しました",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch result {
		case queue.AckRemoved:
			report.Synced++
		case queue.AckRetry:
			report.Failed++
			e.logger.Warn("操作の送信に失敗しました。次回の同期で再送します",
				slog.String("operation_id", op.ID),
				slog.String("resource", op.Resource),
				slog.String("error", submitErr.Error()),
			)
		case queue.AckDead:
			report.Dead++
		}
	}

	if ctx.Err() != nil {
		// 中断時にin_flightで残った操作をpendingへ戻す
		if _, err := e.queue.Recover(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("中断された操作の復旧に失敗しました", slog.String("error", err.Error()))
		}
	}

	report.Duration = time.Since(report.StartedAt)
	e.metrics.RecordOperationsSynced(report.Synced)
	e.metrics.RecordOperationsFailed(report.Failed)
	e.metrics.RecordOperationsDead(report.Dead)

	if report.Attempted > 0 {
		e.logger.Info("同期が完了しました",
			slog.String("trigger", string(trigger)),
			slog.Int("synced", report.Synced),
			slog.Int("failed", report.Failed),
			slog.Int("dead", report.Dead),
			slog.Float64("duration_ms", float64(report.Duration.Milliseconds())),
		)
	}

	e.mu.Lock()
	e.last = &report
	listeners := append([]func(model.SyncReport){}, e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(report)
	}

	return report
}

// Run はトリガーを受け取るたびに同期パスを開始する。
// 同期パスは別goroutineで実行し、実行中に届いたトリガーはSyncの排他で破棄される。
// ハートビートはキューが空でない場合のみ同期する。
// コンテキストがキャンセルされるまでブロックし、実行中の同期パスの終了を待ってから戻る。
func (e *Engine) Run(ctx context.Context, triggers <-chan model.SyncTrigger) {
	e.logger.Info("同期エンジンを開始しました")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("同期エンジンを停止しました")
			return
		case trigger := <-triggers:
			if trigger == model.TriggerHeartbeat && e.queue.Count(ctx) == 0 {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.Sync(ctx, trigger)
			}()
		}
	}
}
