package model

import "time"

// SyncTrigger は同期パスの起動要因。
type SyncTrigger string

const (
	TriggerReconnect SyncTrigger = "reconnect"
	TriggerHeartbeat SyncTrigger = "heartbeat"
	TriggerManual    SyncTrigger = "manual"
)

// SyncReport は1回の同期パスの結果。
// Skipped は別の同期が実行中だったため何もしなかったことを示す（エラーではない）。
type SyncReport struct {
	Trigger   SyncTrigger   `json:"trigger"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Dead      int           `json:"dead"`
	Attempted int           `json:"attempted"`
	Skipped   bool          `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}
