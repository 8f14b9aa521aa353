package assetcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/offlinecore/internal/model"
)

// maxCacheableBody はキャッシュに保存するレスポンス本文の上限。超える場合は保存せずに中継する。
const maxCacheableBody = 16 << 20

// forwardHeaders はオリジンへ転送するリクエストヘッダー。
var forwardHeaders = []string{"Accept", "Accept-Language", "User-Agent", "Cookie"}

// hopHeaders はキャッシュから返す際に除外するヘッダー。
var hopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length", "Set-Cookie"}

// serveNavigate はネットワーク優先でナビゲーションを処理する。
// ネットワーク失敗時はエントリページ、オフラインページ、合成503の順にフォールバックする。
func (w *Worker) serveNavigate(rw http.ResponseWriter, r *http.Request) {
	resp, err := w.fetch(r.Context(), r, r.URL.Path, r.URL.RawQuery)
	if err == nil {
		defer resp.Body.Close()
		body, complete := readCacheable(resp)
		if complete && resp.StatusCode == http.StatusOK && r.URL.Path == w.cfg.EntryPath && r.URL.RawQuery == "" {
			w.put(r.Context(), w.cacheKey(w.cfg.EntryPath, ""), resp, body)
		}
		w.metrics.RecordCacheRequest(RouteNavigate.String(), "network")
		writeResponse(rw, resp, body)
		return
	}

	w.logger.Info("ナビゲーションの取得に失敗したため、キャッシュにフォールバックします",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)

	if entry := w.lookup(r.Context(), w.cacheKey(w.cfg.EntryPath, "")); entry != nil {
		w.metrics.RecordCacheRequest(RouteNavigate.String(), "fallback_entry")
		writeEntry(rw, entry, "fallback")
		return
	}
	w.serveOfflineOr503(rw, r, RouteNavigate)
}

// serveAsset はキャッシュ優先で静的アセットを処理する。
// キャッシュがあれば即座に返し、バックグラウンドでネットワークから再検証する。
func (w *Worker) serveAsset(rw http.ResponseWriter, r *http.Request) {
	key := w.cacheKey(r.URL.Path, r.URL.RawQuery)

	if entry := w.lookup(r.Context(), key); entry != nil {
		w.metrics.RecordCacheRequest(RouteAsset.String(), "hit")
		writeEntry(rw, entry, "hit")
		w.revalidate(r, key)
		return
	}

	resp, err := w.fetch(r.Context(), r, r.URL.Path, r.URL.RawQuery)
	if err != nil {
		w.logger.Info("アセットの取得に失敗しました",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		w.serveOfflineOr503(rw, r, RouteAsset)
		return
	}
	defer resp.Body.Close()

	body, complete := readCacheable(resp)
	if complete && resp.StatusCode == http.StatusOK {
		w.put(r.Context(), key, resp, body)
	}
	w.metrics.RecordCacheRequest(RouteAsset.String(), "miss")
	writeResponse(rw, resp, body)
}

func (w *Worker) serveOfflineOr503(rw http.ResponseWriter, r *http.Request, route Route) {
	if w.cfg.OfflinePath != "" {
		if entry := w.lookup(r.Context(), w.cacheKey(w.cfg.OfflinePath, "")); entry != nil {
			w.metrics.RecordCacheRequest(route.String(), "fallback_offline")
			writeEntry(rw, entry, "fallback")
			return
		}
	}
	w.metrics.RecordCacheRequest(route.String(), "unavailable")
	writeUnavailable(rw)
}

// revalidate はバックグラウンドでアセットを再取得し、成功時のみキャッシュを置き換える。
// エラーは無視する。
func (w *Worker) revalidate(r *http.Request, key string) {
	path, rawQuery := r.URL.Path, r.URL.RawQuery
	header := r.Header.Clone()

	w.revalidating.Add(1)
	go func() {
		defer w.revalidating.Done()

		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RevalidateTimeout)
		defer cancel()

		src := &http.Request{Header: header}
		resp, err := w.fetch(ctx, src, path, rawQuery)
		if err != nil {
			return
		}
		defer resp.Body.Close()

		body, complete := readCacheable(resp)
		if complete && resp.StatusCode == http.StatusOK {
			w.put(ctx, key, resp, body)
		}
	}()
}

func (w *Worker) precache(ctx context.Context, path string) error {
	resp, err := w.fetch(ctx, nil, path, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("origin returned status %d", resp.StatusCode)
	}
	body, complete := readCacheable(resp)
	if !complete {
		return fmt.Errorf("response body exceeds %d bytes", maxCacheableBody)
	}
	w.put(ctx, w.cacheKey(path, ""), resp, body)
	return nil
}

// fetch はオリジンへGETリクエストを送る。srcがあれば一部のヘッダーを引き継ぐ。
func (w *Worker) fetch(ctx context.Context, src *http.Request, path, rawQuery string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cacheKey(path, rawQuery), nil)
	if err != nil {
		return nil, err
	}
	if src != nil {
		for _, h := range forwardHeaders {
			if v := src.Header.Get(h); v != "" {
				req.Header.Set(h, v)
			}
		}
	}
	return w.client.Do(req)
}

func (w *Worker) lookup(ctx context.Context, key string) *model.CacheEntry {
	entry, err := w.storage.GetEntry(ctx, w.cfg.Bucket, key)
	if err != nil {
		w.logger.Warn("キャッシュの読み込みに失敗しました",
			slog.String("url", key),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return entry
}

// put は成功レスポンスをバケットに保存する。呼び出し元がステータス200を確認済みであること。
func (w *Worker) put(ctx context.Context, key string, resp *http.Response, body []byte) {
	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	entry := &model.CacheEntry{
		Bucket:   w.cfg.Bucket,
		URL:      key,
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now(),
	}
	if err := w.storage.PutEntry(ctx, entry); err != nil {
		w.logger.Warn("キャッシュへの保存に失敗しました",
			slog.String("url", key),
			slog.String("error", err.Error()),
		)
	}
}

// readCacheable は本文を上限まで読み込む。上限を超えた場合は読み込み済みの部分と
// 残りを連結したReaderをresp.Bodyに戻し、completeをfalseで返す。
func readCacheable(resp *http.Response) ([]byte, bool) {
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxCacheableBody+1))
	if err != nil {
		return nil, false
	}
	if len(buf) > maxCacheableBody {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		return nil, false
	}
	return buf, true
}

// writeResponse はオリジンのレスポンスを中継する。bodyがnilの場合はresp.Bodyから転送する。
func writeResponse(rw http.ResponseWriter, resp *http.Response, body []byte) {
	h := rw.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	if body != nil {
		h.Set("Content-Length", strconv.Itoa(len(body)))
		rw.WriteHeader(resp.StatusCode)
		rw.Write(body)
		return
	}
	h.Del("Content-Length")
	rw.WriteHeader(resp.StatusCode)
	io.Copy(rw, resp.Body)
}

func writeEntry(rw http.ResponseWriter, entry *model.CacheEntry, source string) {
	h := rw.Header()
	for k, vs := range entry.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	h.Set("X-Offline-Cache", source)
	rw.WriteHeader(entry.Status)
	rw.Write(entry.Body)
}

func writeUnavailable(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-store")
	rw.Header().Set("X-Offline-Cache", "unavailable")
	rw.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(rw, "Service Unavailable: offline and no cached copy")
}
