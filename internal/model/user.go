// Package model はドメインモデルを定義する。
package model

import "strings"

// Credential は登録・ログインリクエストのボディを表す。
// 永続化せず、そのままIdentity Serviceに転送する。
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate は必須フィールドが空でないことを検証する。
// それ以上の検証（パスワード長など）はIdentity Serviceに委ねる。
func (c Credential) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return NewValidationError(strings.Join(missing, ", ") + " は必須です")
	}
	return nil
}

// ValidateUsername はusernameだけが空でないことを検証する。
// ログインはパスワードを検証しないため、パスワードの有無は問わない。
func (c Credential) ValidateUsername() error {
	if strings.TrimSpace(c.Username) == "" {
		return NewValidationError("username は必須です")
	}
	return nil
}

// UserRecord はIdentity Serviceが返すユーザーレコード。
// このサービスは中身を解釈せず、レスポンスとしてそのまま返す。
type UserRecord struct {
	UID                  string `json:"uid"`
	Disabled             bool   `json:"disabled"`
	TokensValidAfterTime int64  `json:"tokensValidAfterTime,omitempty"` // ミリ秒
	CreationTimestamp    int64  `json:"creationTimestamp,omitempty"`    // ミリ秒
	LastLogInTimestamp   int64  `json:"lastLogInTimestamp,omitempty"`   // ミリ秒
}

// Claims はIDトークンまたはセッションCookieから復号したクレーム。
// 構造はIdPが所有するため、不透明なマップとして扱う。
type Claims map[string]any

// Subject は sub クレーム（ユーザーID）を返す。
func (c Claims) Subject() string {
	sub, _ := c["sub"].(string)
	return sub
}
