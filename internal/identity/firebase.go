package identity

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/hitoshi/authgate/internal/model"
)

// FirebaseConfig はFirebase Admin SDKの初期化設定。
type FirebaseConfig struct {
	CredentialsFile string // サービスアカウント鍵ファイルのパス
	ProjectID       string // 空の場合は鍵ファイルから取得する
	EmulatorHost    string // 設定時は鍵ファイルなしでAuthエミュレータに接続する
}

// FirebaseProvider はFirebase Admin SDKによるProvider実装。
// プロセス起動時に1回だけ生成し、プロセス終了まで使い回す。
type FirebaseProvider struct {
	client *auth.Client
}

// NewFirebaseProvider はFirebaseアプリを初期化し、Authクライアントを生成する。
// エミュレータ利用時はSDKがFIREBASE_AUTH_EMULATOR_HOSTを参照するため、認証情報は不要。
func NewFirebaseProvider(ctx context.Context, cfg FirebaseConfig) (*FirebaseProvider, error) {
	var opts []option.ClientOption
	if cfg.EmulatorHost == "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var appConfig *firebase.Config
	if cfg.ProjectID != "" {
		appConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, appConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase auth client: %w", err)
	}

	return &FirebaseProvider{client: client}, nil
}

// CreateUser はuidとパスワードでFirebaseユーザーを作成する。
func (p *FirebaseProvider) CreateUser(ctx context.Context, uid, password string) (*model.UserRecord, error) {
	params := (&auth.UserToCreate{}).UID(uid).Password(password)

	u, err := p.client.CreateUser(ctx, params)
	if err != nil {
		if auth.IsUIDAlreadyExists(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return toUserRecord(u), nil
}

// GetUser はuidでFirebaseユーザーを取得する。
func (p *FirebaseProvider) GetUser(ctx context.Context, uid string) (*model.UserRecord, error) {
	u, err := p.client.GetUser(ctx, uid)
	if err != nil {
		if auth.IsUserNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return toUserRecord(u), nil
}

// CustomToken はuidに対するカスタムトークンを発行する。
func (p *FirebaseProvider) CustomToken(ctx context.Context, uid string) (string, error) {
	token, err := p.client.CustomToken(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("failed to mint custom token: %w", err)
	}
	return token, nil
}

// SessionCookie はIDトークンからセッションCookieを生成する。
func (p *FirebaseProvider) SessionCookie(ctx context.Context, idToken string, expiresIn time.Duration) (string, error) {
	cookie, err := p.client.SessionCookie(ctx, idToken, expiresIn)
	if err != nil {
		if auth.IsIDTokenInvalid(err) {
			return "", fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
		}
		return "", fmt.Errorf("failed to create session cookie: %w", err)
	}
	return cookie, nil
}

// VerifySessionCookie はセッションCookieを検証する。失効チェックも行う。
func (p *FirebaseProvider) VerifySessionCookie(ctx context.Context, cookie string) (model.Claims, error) {
	token, err := p.client.VerifySessionCookieAndCheckRevoked(ctx, cookie)
	if err != nil {
		if isSessionCookieRejected(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSessionCookie, err)
		}
		return nil, fmt.Errorf("failed to verify session cookie: %w", err)
	}
	return toClaims(token), nil
}

// VerifyIDToken はIDトークンを検証する。
func (p *FirebaseProvider) VerifyIDToken(ctx context.Context, idToken string) (model.Claims, error) {
	token, err := p.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		if auth.IsIDTokenInvalid(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
		}
		return nil, fmt.Errorf("failed to verify id token: %w", err)
	}
	return toClaims(token), nil
}

// RevokeRefreshTokens はユーザーの全リフレッシュトークンを失効させる。
func (p *FirebaseProvider) RevokeRefreshTokens(ctx context.Context, uid string) error {
	if err := p.client.RevokeRefreshTokens(ctx, uid); err != nil {
		if auth.IsUserNotFound(err) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return nil
}

// isSessionCookieRejected はCookie自体が受理できないエラーかどうかを判定する。
// 証明書取得失敗などの基盤側の障害はここに含めない。
func isSessionCookieRejected(err error) bool {
	return auth.IsSessionCookieInvalid(err) ||
		auth.IsSessionCookieExpired(err) ||
		auth.IsSessionCookieRevoked(err) ||
		auth.IsUserDisabled(err) ||
		auth.IsUserNotFound(err)
}

func toUserRecord(u *auth.UserRecord) *model.UserRecord {
	rec := &model.UserRecord{
		UID:                  u.UID,
		Disabled:             u.Disabled,
		TokensValidAfterTime: u.TokensValidAfterMillis,
	}
	if u.UserMetadata != nil {
		rec.CreationTimestamp = u.UserMetadata.CreationTimestamp
		rec.LastLogInTimestamp = u.UserMetadata.LastLogInTimestamp
	}
	return rec
}

// toClaims はSDKのTokenを不透明なクレームマップに変換する。
// 登録済みクレームはカスタムクレームより優先する。
func toClaims(t *auth.Token) model.Claims {
	claims := make(model.Claims, len(t.Claims)+8)
	for k, v := range t.Claims {
		claims[k] = v
	}
	claims["iss"] = t.Issuer
	claims["aud"] = t.Audience
	claims["exp"] = t.Expires
	claims["iat"] = t.IssuedAt
	claims["auth_time"] = t.AuthTime
	claims["sub"] = t.Subject
	claims["uid"] = t.UID
	claims["firebase"] = map[string]any{
		"sign_in_provider": t.Firebase.SignInProvider,
		"tenant":           t.Firebase.Tenant,
		"identities":       t.Firebase.Identities,
	}
	return claims
}
