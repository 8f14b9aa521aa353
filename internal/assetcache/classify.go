package assetcache

import (
	"net/http"
	"strings"
)

// Route はリクエストの処理経路。
type Route int

const (
	// RouteBypass はキャッシュを使わずネットワークへそのまま送る。
	RouteBypass Route = iota
	// RouteNavigate はネットワーク優先で、失敗時にシェルへフォールバックする。
	RouteNavigate
	// RouteAsset はキャッシュ優先で、バックグラウンドで再検証する。
	RouteAsset
)

// String はメトリクスのラベルに使用する経路名を返す。
func (r Route) String() string {
	switch r {
	case RouteNavigate:
		return "navigate"
	case RouteAsset:
		return "asset"
	default:
		return "bypass"
	}
}

// bypassPrefixes はキャッシュしないバックエンドAPIのパス。
var bypassPrefixes = []string{"/rest/v1/", "/auth/v1/"}

// Classify はI/Oを行う前にリクエストの処理経路を決定する。
//
//  1. HTTP(S)以外のスキーム → Bypass
//  2. バックエンドAPIのパス、またはGET以外のメソッド → Bypass
//  3. ナビゲーション → Navigate
//  4. それ以外のGET → Asset
func Classify(r *http.Request) Route {
	if s := r.URL.Scheme; s != "" && s != "http" && s != "https" {
		return RouteBypass
	}
	if r.Method != http.MethodGet {
		return RouteBypass
	}
	if isAPIPath(r.URL.Path) {
		return RouteBypass
	}
	if isNavigation(r) {
		return RouteNavigate
	}
	return RouteAsset
}

func isAPIPath(path string) bool {
	for _, p := range bypassPrefixes {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// isNavigation はドキュメント遷移のリクエストかどうかを返す。
// Sec-Fetch-Modeが無いクライアントではAcceptにtext/htmlを含むかで判断する。
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
