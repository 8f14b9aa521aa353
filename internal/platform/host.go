// Package platform はアプリケーションをホストするシェル（デスクトップラッパー等）の
// 情報を任意の機能として提供する。
//
// ホストが存在しない構成ではNoopHostを注入し、呼び出し側で存在確認を行わない。
package platform

import "fmt"

// HostInfo はホスト環境の情報。
type HostInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hosted  bool   `json:"hosted"`
}

// UserAgent はバックエンドへ送るクライアント識別子を返す。
func (h HostInfo) UserAgent() string {
	if !h.Hosted {
		return "offlinecore/" + h.Version
	}
	return fmt.Sprintf("offlinecore/%s (%s)", h.Version, h.Name)
}

// Host はホスト環境の情報を提供するインターフェース。
type Host interface {
	Info() HostInfo
}

// StaticHost は設定値から構築される固定のホスト情報。
type StaticHost struct {
	info HostInfo
}

// NewStaticHost はStaticHostを生成する。nameが空の場合はNoopHostを返す。
func NewStaticHost(name, version string) Host {
	if name == "" {
		return NoopHost{Version: version}
	}
	return &StaticHost{info: HostInfo{Name: name, Version: version, Hosted: true}}
}

// Info はホスト情報を返す。
func (h *StaticHost) Info() HostInfo {
	return h.info
}

// NoopHost はホストが存在しない場合の実装。
type NoopHost struct {
	Version string
}

// Info はHosted=falseのホスト情報を返す。
func (h NoopHost) Info() HostInfo {
	v := h.Version
	if v == "" {
		v = "dev"
	}
	return HostInfo{Name: "", Version: v, Hosted: false}
}

// compile-time interface check
var (
	_ Host = (*StaticHost)(nil)
	_ Host = NoopHost{}
)
