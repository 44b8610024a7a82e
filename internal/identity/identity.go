// Package identity は外部Identity Service（Firebase Authentication）との接続を提供する。
// 管理系SDKの呼び出しとカスタムトークン交換用REST APIの2経路を抽象化する。
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// Identity Serviceの呼び出しで返される正規化済みエラー。
// SDK固有のエラーはこれらにマッピングされ、不明なものはそのまま返る。
var (
	ErrUserExists           = errors.New("identity: user already exists")
	ErrUserNotFound         = errors.New("identity: user not found")
	ErrInvalidSessionCookie = errors.New("identity: invalid session cookie")
	ErrInvalidIDToken       = errors.New("identity: invalid id token")
	ErrUpstream             = errors.New("identity: upstream request failed")
)

// Provider はIdentity Serviceの管理系インターフェース。
type Provider interface {
	// CreateUser はuidとパスワードでユーザーを作成する。
	// uidが既に存在する場合はErrUserExistsを返す。
	CreateUser(ctx context.Context, uid, password string) (*model.UserRecord, error)

	// GetUser はuidでユーザーを取得する。存在しない場合はErrUserNotFoundを返す。
	GetUser(ctx context.Context, uid string) (*model.UserRecord, error)

	// CustomToken はuidに対するカスタムトークンを発行する。
	CustomToken(ctx context.Context, uid string) (string, error)

	// SessionCookie はIDトークンから有効期間expiresInのセッションCookieを生成する。
	SessionCookie(ctx context.Context, idToken string, expiresIn time.Duration) (string, error)

	// VerifySessionCookie はセッションCookieを検証し、失効済みかどうかも確認する。
	// 不正・期限切れ・失効済みの場合はErrInvalidSessionCookieを返す。
	VerifySessionCookie(ctx context.Context, cookie string) (model.Claims, error)

	// VerifyIDToken はIDトークンを検証してクレームを返す。
	VerifyIDToken(ctx context.Context, idToken string) (model.Claims, error)

	// RevokeRefreshTokens はユーザーの全リフレッシュトークンを失効させる。
	// 既存の全セッションCookieも失効扱いになる。
	RevokeRefreshTokens(ctx context.Context, uid string) error
}

// TokenExchangeResult はカスタムトークン交換APIのレスポンス。
type TokenExchangeResult struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

// TokenExchanger はカスタムトークンをIDトークンに交換する。
type TokenExchanger interface {
	ExchangeCustomToken(ctx context.Context, customToken string) (*TokenExchangeResult, error)
}
