// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrNotFound は指定IDのレコードが存在しない場合に返される。
var ErrNotFound = errors.New("not found")

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, queue, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeOperationNotFound  = "OPERATION_NOT_FOUND"
	ErrCodeOperationNotFailed = "OPERATION_NOT_FAILED"
	ErrCodeLoginFailed        = "LOGIN_FAILED"
	ErrCodeOfflineLoginFailed = "OFFLINE_LOGIN_FAILED"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeOriginNotAllowed   = "ORIGIN_NOT_ALLOWED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewOperationNotFoundError はキュー内に操作が見つからない場合のエラーを生成する。
func NewOperationNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeOperationNotFound,
		Message:  fmt.Sprintf("指定された操作が見つかりません: %s", id),
		Category: "queue",
		Action:   "操作IDを確認してください。",
	}
}

// NewOperationNotFailedError はfailed状態でない操作に再送・破棄を要求した場合のエラーを生成する。
func NewOperationNotFailedError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeOperationNotFailed,
		Message:  fmt.Sprintf("操作は失敗状態ではありません: %s", id),
		Category: "queue",
		Action:   "再送・破棄は失敗状態の操作に対してのみ実行できます。",
	}
}

// NewLoginFailedError はオンラインログイン失敗エラーを生成する。
func NewLoginFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewOfflineLoginFailedError はオフラインログイン失敗エラーを生成する。
// 未知のユーザーとパスワード不一致は区別しない。
func NewOfflineLoginFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeOfflineLoginFailed,
		Message:  "オフラインでのログインに失敗しました。",
		Category: "auth",
		Action:   "前回オンラインでログインしたアカウントで再度お試しいただくか、ネットワーク接続を確認してください。",
	}
}
