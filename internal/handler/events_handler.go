package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hitoshi/offlinecore/internal/events"
)

// eventWriteTimeout は1イベントの送信に許す時間。
const eventWriteTimeout = 5 * time.Second

// EventSource はイベントの購読を提供する。*events.Broadcasterが満たす。
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
}

// EventsHandler は状態変化イベントをWebSocketで配信するHTTPハンドラー。
type EventsHandler struct {
	source         EventSource
	originPatterns []string
}

// NewEventsHandler はEventsHandlerを生成する。
// allowedOriginのホストからの接続を許可する（自ホストからの接続は常に許可される）。
func NewEventsHandler(source EventSource, allowedOrigin string) *EventsHandler {
	h := &EventsHandler{source: source}
	if u, err := url.Parse(allowedOrigin); err == nil && u.Host != "" {
		h.originPatterns = []string{u.Host}
	}
	return h
}

// Stream はWebSocket接続を確立し、購読したイベントをJSONで送信し続ける。
// クライアントの切断またはイベント配信の終了で接続を閉じる。
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	// ハンドシェイク完了以降のイベントを取りこぼさないよう、先に購読する
	ch, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// クライアントからのメッセージは読み捨て、切断でctxがキャンセルされる
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := h.write(ctx, conn, ev); err != nil {
				slog.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *EventsHandler) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
