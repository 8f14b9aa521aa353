package model

import "time"

// OfflineCredentialRecord はオフライン検証用に保持する最後のログイン資格情報。
// HashedSecret は可逆な弱いエンコードであり、暗号学的な安全性はない。
type OfflineCredentialRecord struct {
	Email        string    `json:"email"`
	HashedSecret string    `json:"hashedSecret"`
	LastLoginAt  time.Time `json:"lastLoginAt"`
}

// OfflineUserProfile は最後に取得したユーザープロフィールのスナップショット。
// ログアウトしても削除しない。
type OfflineUserProfile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Role     string `json:"role,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
}

// ResolvedIdentity はセッションごとに一度だけ解決されるロールと所属支店。
type ResolvedIdentity struct {
	Role     string `json:"role,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
}

// Empty はロールも支店も得られていない場合にtrueを返す。
func (i ResolvedIdentity) Empty() bool {
	return i.Role == "" && i.BranchID == ""
}

// SessionUserMetadata はセッションスナップショット内のユーザーメタデータ。
type SessionUserMetadata struct {
	Role     string `json:"role,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// SessionUser はセッションスナップショット内のユーザー情報。
type SessionUser struct {
	ID           string              `json:"id"`
	Email        string              `json:"email"`
	UserMetadata SessionUserMetadata `json:"user_metadata"`
}

// SessionSnapshot はセッション層に保存するログイン時のセッション情報（offline_session）。
type SessionSnapshot struct {
	User        SessionUser `json:"user"`
	AccessToken string      `json:"access_token,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// RoleRecord は永続層にキャッシュするロール・支店情報（user_role）。
type RoleRecord struct {
	Role     string `json:"role,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
}
