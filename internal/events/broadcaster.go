// Package events はプロセス内の状態変化イベントを購読者へ配信する。
package events

import (
	"sync"
	"time"
)

// イベント種別
const (
	TypeSyncCompleted       = "sync.completed"
	TypeConnectivityChanged = "connectivity.changed"
	TypeQueueChanged        = "queue.changed"
)

// subscriberBuffer は購読者ごとの未読イベントの上限。超えた分は破棄する。
const subscriberBuffer = 16

// Event は配信されるイベント。
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Broadcaster はイベントの購読と配信を管理する。
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBroadcaster はBroadcasterを生成する。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe は購読を開始し、イベントを受け取るチャネルと購読解除関数を返す。
// Close後に呼ばれた場合は閉じたチャネルを返す。
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; !ok {
				return
			}
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish はイベントを全購読者へ配信する。受信が滞っている購読者には配信しない。
func (b *Broadcaster) Publish(eventType string, data any) {
	ev := Event{Type: eventType, Data: data, At: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers は現在の購読者数を返す。
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close は全購読者のチャネルを閉じ、以降の配信を停止する。
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
