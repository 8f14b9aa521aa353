package model

import (
	"net/http"
	"time"
)

// CacheEntry はキャッシュバケットに保存されたHTTPレスポンス。
// リクエストURLをキーとし、成功ステータスのレスポンスのみ保存される。
type CacheEntry struct {
	Bucket   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}
