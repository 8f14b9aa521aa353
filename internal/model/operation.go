package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrMissingID はupdate/delete操作のペイロードにidが含まれない場合に返される。
var ErrMissingID = errors.New("payload has no id")

// OperationKind はキューに積まれる変更操作の種別。
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Valid は定義済みの種別かどうかを返す。
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Targeted はペイロードのidで対象行を絞り込む種別かどうかを返す。
func (k OperationKind) Targeted() bool {
	return k == OperationUpdate || k == OperationDelete
}

// OperationStatus はキュー内の操作の状態。
type OperationStatus string

const (
	// StatusPending は送信待ち（再送可能）。
	StatusPending OperationStatus = "pending"
	// StatusInFlight は同期エンジンが送信中。
	StatusInFlight OperationStatus = "in_flight"
	// StatusFailed は最大試行回数に達した終端状態。手動対応のためキューに残る。
	StatusFailed OperationStatus = "failed"
)

// QueueOperation はバックエンドへの送信を待つ変更操作を表す。
// 永続化されたJSONのフィールド名はアップグレード互換のため変更しないこと。
type QueueOperation struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"kind"`
	Resource   string          `json:"resource"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Attempts   int             `json:"attempts"`
	Status     OperationStatus `json:"status"`
	LastError  string          `json:"last_error,omitempty"`
}

// Active はcount対象（pending または in_flight）かどうかを返す。
func (op QueueOperation) Active() bool {
	return op.Status == StatusPending || op.Status == StatusInFlight
}

// PayloadID はペイロードのidフィールドを文字列として取り出す。文字列と数値を受け付ける。
func PayloadID(payload json.RawMessage) (string, error) {
	var body struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.ID) == 0 || string(body.ID) == "null" {
		return "", ErrMissingID
	}

	var s string
	if err := json.Unmarshal(body.ID, &s); err == nil {
		if s == "" {
			return "", ErrMissingID
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(body.ID, &n); err == nil {
		return n.String(), nil
	}
	return "", ErrMissingID
}
