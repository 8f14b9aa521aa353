// Package backend はREST形式のバックエンド（/rest/v1, /auth/v1）のクライアントを提供する。
// キュー操作の送信、パスワードによるサインイン、プロフィール取得、疎通確認を行う。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/offlinecore/internal/metrics"
	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/platform"
)

const (
	restPrefix = "/rest/v1/"
	authPrefix = "/auth/v1/"

	// maxErrorBody はエラーレスポンスから保持する本文の最大バイト数。
	maxErrorBody = 512
)

// ErrMissingID はupdate/delete操作のペイロードにidが含まれない場合に返される。
var ErrMissingID = model.ErrMissingID

// StatusError はバックエンドが2xx以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// IsUnreachable はエラーがバックエンドに到達できなかったこと（通信エラー）を表すかを返す。
// 対象はHTTPクライアントが返す*url.Errorを含むnet.Errorとタイムアウトのみ。
// ステータスを返した場合や、応答本文のデコードに失敗した場合はfalse。
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// TokenSource は送信時に付与するアクセストークンを提供する。
type TokenSource interface {
	AccessToken(ctx context.Context) string
}

// Config はクライアントの設定。
type Config struct {
	BaseURL    string
	APIKey     string
	RatePerSec float64
}

// Session はサインイン成功時にバックエンドが返すセッション。
type Session struct {
	AccessToken  string            `json:"access_token"`
	TokenType    string            `json:"token_type"`
	ExpiresIn    int               `json:"expires_in"`
	RefreshToken string            `json:"refresh_token"`
	User         model.SessionUser `json:"user"`
}

// Client はバックエンドのRESTクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	tokens     TokenSource
	host       platform.Host
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
// RatePerSecが0以下の場合、送信は制限しない。
func NewClient(
	cfg Config,
	httpClient *http.Client,
	host platform.Host,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = max(1, int(cfg.RatePerSec))
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(limit, burst),
		host:       host,
		metrics:    m,
		logger:     logger,
	}
}

// SetTokenSource は送信時のアクセストークン取得元を設定する。
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// Submit はキュー操作1件をバックエンドに送信する。
// create → POST、update → PATCH、delete → DELETE を /rest/v1/{resource} に対して行う。
// update と delete はペイロードのidで対象を絞り込む。
// Idempotency-Keyに操作IDを付与し、再送時の重複処理はバックエンド側で判断する。
func (c *Client) Submit(ctx context.Context, op model.QueueOperation) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("backend rate limiter: %w", err)
	}

	target := c.baseURL + restPrefix + url.PathEscape(op.Resource)

	var method string
	var body io.Reader
	switch op.Kind {
	case model.OperationCreate:
		method = http.MethodPost
		body = bytes.NewReader(op.Payload)
	case model.OperationUpdate, model.OperationDelete:
		id, err := model.PayloadID(op.Payload)
		if err != nil {
			return err
		}
		target += "?id=" + url.QueryEscape("eq."+id)
		if op.Kind == model.OperationUpdate {
			method = http.MethodPatch
			body = bytes.NewReader(op.Payload)
		} else {
			method = http.MethodDelete
		}
	default:
		return fmt.Errorf("unsupported operation kind %q", op.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(ctx, req, "")
	req.Header.Set("Prefer", "return=minimal")
	req.Header.Set("Idempotency-Key", op.ID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// SignIn はメールアドレスとパスワードでサインインし、セッションを返す。
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sign-in request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+authPrefix+"token?grant_type=password", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(ctx, req, "-")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode sign-in response: %w", err)
	}
	if session.AccessToken == "" || session.User.ID == "" {
		return nil, errors.New("sign-in response has no session")
	}
	return &session, nil
}

// FetchProfile は指定ユーザーのプロフィールを取得する。
// 該当行が無い場合はmodel.ErrNotFoundを返す。
func (c *Client) FetchProfile(ctx context.Context, accessToken, userID string) (*model.OfflineUserProfile, error) {
	q := url.Values{}
	q.Set("id", "eq."+userID)
	q.Set("select", "*")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+restPrefix+"profiles?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(ctx, req, accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []model.OfflineUserProfile
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode profile response: %w", err)
	}
	if len(rows) == 0 {
		return nil, model.ErrNotFound
	}
	return &rows[0], nil
}

// Probe はバックエンドの疎通を確認する。応答があれば（5xxを除き）到達可能とみなす。
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+authPrefix+"health", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// setHeaders は共通ヘッダーを設定する。
// tokenが空の場合はTokenSourceから取得し、"-"の場合はAuthorizationを付与しない。
func (c *Client) setHeaders(ctx context.Context, req *http.Request, token string) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token == "" && c.tokens != nil {
		token = c.tokens.AccessToken(ctx)
	}
	if token == "" && c.apiKey != "" {
		token = c.apiKey
	}
	if token != "" && token != "-" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Client-Info", c.host.Info().UserAgent())
}

// do はリクエストを実行し、レイテンシとステータスを記録する。
// 2xx以外は本文を読み取って*StatusErrorとして返す。
func (c *Client) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordBackendLatency(time.Since(start))
	if err != nil {
		c.logger.Warn("バックエンドへのリクエストに失敗しました",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	c.metrics.RecordBackendStatus(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("バックエンドがエラーステータスを返しました",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}
