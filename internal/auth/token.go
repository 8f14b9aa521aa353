package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims はアクセストークンから取り出す情報。
type tokenClaims struct {
	Subject   string
	ExpiresAt *time.Time
}

// parseAccessToken はアクセストークンのクレームを署名検証せずに読み取る。
// トークンの検証はバックエンドが行うため、ここでは主体と有効期限の表示にのみ使用する。
func parseAccessToken(token string) (tokenClaims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return tokenClaims{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	tc := tokenClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		tc.ExpiresAt = &exp
	}
	return tc, nil
}
