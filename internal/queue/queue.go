// Package queue はオフライン中に行われた変更操作を保持する永続キューを提供する。
//
// キュー全体を1つのJSONドキュメントとして永続層に保存し、変更のたびに
// コレクション全体を1回の書き込みで置き換える。部分的な書き込み状態は永続化されない。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/store"
)

// DefaultMaxAttempts は送信失敗を許容する回数のデフォルト値。
const DefaultMaxAttempts = 5

// ErrInvalidOperation はEnqueueに不正な操作が渡された場合に返される。
var ErrInvalidOperation = errors.New("invalid operation")

// ErrNotFailed はfailed状態でない操作に再送・破棄を要求した場合に返される。
var ErrNotFailed = errors.New("operation is not failed")

// Storage はキューが使用する保存層インターフェース。
// Lookupは読み込みエラーを返すこと。エラー時にキュー全体を空で上書きしないために使う。
type Storage interface {
	Lookup(ctx context.Context, tier store.Tier, key string, dest any) (bool, error)
	Set(ctx context.Context, tier store.Tier, key string, value any) error
}

// Outcome は同期エンジンが報告する1操作の送信結果。
type Outcome struct {
	Err error
}

// Success は送信成功を表すOutcome。
func Success() Outcome { return Outcome{} }

// Failure は送信失敗を表すOutcome。
func Failure(err error) Outcome { return Outcome{Err: err} }

// AckResult はAck後の操作の扱い。
type AckResult int

const (
	// AckUnknown は該当IDの操作がキューに存在しなかったことを示す（何もしない）。
	AckUnknown AckResult = iota
	// AckRemoved は成功によりキューから削除されたことを示す。
	AckRemoved
	// AckRetry は失敗したが再送対象としてpendingに戻されたことを示す。
	AckRetry
	// AckDead は最大試行回数に達しfailed状態で保持されたことを示す。
	AckDead
)

// Queue は変更操作の順序付き永続キュー。
// 単一プロセス内の書き込みはmuで直列化する。
type Queue struct {
	mu          sync.Mutex
	storage     Storage
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
	onChange    func(count int)
}

// New はQueueを生成する。maxAttemptsが1未満の場合はDefaultMaxAttemptsを使用する。
func New(storage Storage, logger *slog.Logger, maxAttempts int) *Queue {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		storage:     storage,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// MaxAttempts は設定された最大試行回数を返す。
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// OnChange はキューが書き換えられるたびに呼ばれるコールバックを登録する。
// 引数は書き込み後のCount値。コールバックはロック保持中に呼ばれるため、Queueのメソッドを呼ばないこと。
func (q *Queue) OnChange(fn func(count int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = fn
}

// Enqueue は操作を末尾に追加して永続化し、採番済みの操作を返す。
func (q *Queue) Enqueue(ctx context.Context, kind model.OperationKind, resource string, payload json.RawMessage) (model.QueueOperation, error) {
	if !kind.Valid() {
		return model.QueueOperation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, kind)
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return model.QueueOperation{}, fmt.Errorf("%w: resource is required", ErrInvalidOperation)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return model.QueueOperation{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOperation)
	}
	if kind.Targeted() {
		if _, err := model.PayloadID(payload); err != nil {
			return model.QueueOperation{}, fmt.Errorf("%w: %s requires %v", ErrInvalidOperation, kind, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return model.QueueOperation{}, err
	}

	now := q.now()
	// 同一時刻の連続Enqueueでもenqueued_at順が到着順と一致するようにする
	if n := len(ops); n > 0 && !now.After(ops[n-1].EnqueuedAt) {
		now = ops[n-1].EnqueuedAt.Add(time.Microsecond)
	}

	op := model.QueueOperation{
		ID:         uuid.New().String(),
		Kind:       kind,
		Resource:   resource,
		Payload:    payload,
		EnqueuedAt: now,
		UpdatedAt:  now,
		Attempts:   0,
		Status:     model.StatusPending,
	}
	ops = append(ops, op)

	if err := q.save(ctx, ops); err != nil {
		return model.QueueOperation{}, err
	}

	q.logger.Info("操作をキューに追加しました",
		slog.String("operation_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("resource", op.Resource),
	)
	return op, nil
}

// List はキュー内の全操作をenqueued_at順（FIFO）で返す。failed状態の操作も含む。
func (q *Queue) List(ctx context.Context) []model.QueueOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.view(ctx)
}

// Pending は送信対象（pending状態）の操作をFIFO順で返す。
func (q *Queue) Pending(ctx context.Context) []model.QueueOperation {
	return q.filter(ctx, func(op model.QueueOperation) bool {
		return op.Status == model.StatusPending
	})
}

// Failed は最大試行回数に達して保持されている操作を返す。
func (q *Queue) Failed(ctx context.Context) []model.QueueOperation {
	return q.filter(ctx, func(op model.QueueOperation) bool {
		return op.Status == model.StatusFailed
	})
}

// Get は指定IDの操作を返す。存在しない場合はmodel.ErrNotFoundを返す。
func (q *Queue) Get(ctx context.Context, id string) (model.QueueOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return model.QueueOperation{}, err
	}
	if i := indexOf(ops, id); i >= 0 {
		return ops[i], nil
	}
	return model.QueueOperation{}, model.ErrNotFound
}

// Count はpendingとin_flightの操作数を返す。failedは含まない。
func (q *Queue) Count(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return countActive(q.view(ctx))
}

// MarkInFlight はpendingの操作をin_flightに遷移させる。
// 既に送信中、failed、または存在しない場合はfalseを返し、呼び出し元は送信してはならない。
func (q *Queue) MarkInFlight(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return false, err
	}
	i := indexOf(ops, id)
	if i < 0 || ops[i].Status != model.StatusPending {
		return false, nil
	}

	ops[i].Status = model.StatusInFlight
	ops[i].UpdatedAt = q.now()
	if err := q.save(ctx, ops); err != nil {
		return false, err
	}
	return true, nil
}

// Ack は操作の送信結果を反映する。
// 成功時はキューから削除し、失敗時は試行回数を加算してpendingに戻す。
// 試行回数が最大値に達した場合はfailedとして保持する。
// 存在しないIDに対するAckは何もしない（二重Ackは無害）。
func (q *Queue) Ack(ctx context.Context, id string, outcome Outcome) (AckResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return AckUnknown, err
	}
	i := indexOf(ops, id)
	if i < 0 {
		return AckUnknown, nil
	}

	var result AckResult
	if outcome.Err == nil {
		ops = append(ops[:i], ops[i+1:]...)
		result = AckRemoved
	} else {
		op := &ops[i]
		op.Attempts++
		op.LastError = outcome.Err.Error()
		op.UpdatedAt = q.now()
		if op.Attempts >= q.maxAttempts {
			op.Status = model.StatusFailed
			result = AckDead
		} else {
			op.Status = model.StatusPending
			result = AckRetry
		}
	}

	if err := q.save(ctx, ops); err != nil {
		return AckUnknown, err
	}

	if result == AckDead {
		q.logger.Warn("操作が最大試行回数に達しました",
			slog.String("operation_id", id),
			slog.Int("attempts", q.maxAttempts),
			slog.String("error", outcome.Err.Error()),
		)
	}
	return result, nil
}

// Retry はfailed状態の操作をpendingに戻し、試行回数をリセットする（手動対応）。
// 元のキュー内位置は維持する。
func (q *Queue) Retry(ctx context.Context, id string) (model.QueueOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return model.QueueOperation{}, err
	}
	i := indexOf(ops, id)
	if i < 0 {
		return model.QueueOperation{}, model.ErrNotFound
	}
	if ops[i].Status != model.StatusFailed {
		return model.QueueOperation{}, ErrNotFailed
	}

	ops[i].Status = model.StatusPending
	ops[i].Attempts = 0
	ops[i].LastError = ""
	ops[i].UpdatedAt = q.now()

	if err := q.save(ctx, ops); err != nil {
		return model.QueueOperation{}, err
	}

	q.logger.Info("失敗した操作を再送対象に戻しました", slog.String("operation_id", id))
	return ops[i], nil
}

// Discard はfailed状態の操作をキューから削除する（手動対応）。
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	i := indexOf(ops, id)
	if i < 0 {
		return model.ErrNotFound
	}
	if ops[i].Status != model.StatusFailed {
		return ErrNotFailed
	}

	ops = append(ops[:i], ops[i+1:]...)
	if err := q.save(ctx, ops); err != nil {
		return err
	}

	q.logger.Info("失敗した操作を破棄しました", slog.String("operation_id", id))
	return nil
}

// Recover はプロセス異常終了でin_flightのまま残った操作をpendingに戻す。
// 起動時に同期エンジンの開始前に呼び出すこと。戻した件数を返す。
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range ops {
		if ops[i].Status == model.StatusInFlight {
			ops[i].Status = model.StatusPending
			ops[i].UpdatedAt = q.now()
			recovered++
		}
	}
	if recovered == 0 {
		return 0, nil
	}

	if err := q.save(ctx, ops); err != nil {
		return 0, err
	}

	q.logger.Info("送信中のまま残っていた操作を復旧しました", slog.Int("count", recovered))
	return recovered, nil
}

func (q *Queue) filter(ctx context.Context, keep func(model.QueueOperation) bool) []model.QueueOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.QueueOperation
	for _, op := range q.view(ctx) {
		if keep(op) {
			out = append(out, op)
		}
	}
	return out
}

// load は永続層からキュー全体を読み込む。破損している場合は空として扱う。
// 読み込みエラーは返し、呼び出し元はその結果で保存値を上書きしてはならない。
func (q *Queue) load(ctx context.Context) ([]model.QueueOperation, error) {
	var ops []model.QueueOperation
	ok, err := q.storage.Lookup(ctx, store.TierPersistent, store.KeyOperationQueue, &ops)
	if err != nil {
		return nil, fmt.Errorf("failed to load operation queue: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return ops, nil
}

// view は読み取り専用の呼び出し向けにloadする。読み込みエラーはログに残して空を返す。
func (q *Queue) view(ctx context.Context) []model.QueueOperation {
	ops, err := q.load(ctx)
	if err != nil {
		q.logger.Error("キューの読み込みに失敗しました", slog.String("error", err.Error()))
		return nil
	}
	return ops
}

// save はキュー全体を1回の書き込みで永続化する。
func (q *Queue) save(ctx context.Context, ops []model.QueueOperation) error {
	if ops == nil {
		ops = []model.QueueOperation{}
	}
	if err := q.storage.Set(ctx, store.TierPersistent, store.KeyOperationQueue, ops); err != nil {
		return fmt.Errorf("failed to persist operation queue: %w", err)
	}
	if q.onChange != nil {
		q.onChange(countActive(ops))
	}
	return nil
}

func indexOf(ops []model.QueueOperation, id string) int {
	for i := range ops {
		if ops[i].ID == id {
			return i
		}
	}
	return -1
}

func countActive(ops []model.QueueOperation) int {
	n := 0
	for _, op := range ops {
		if op.Active() {
			n++
		}
	}
	return n
}
