// Package auth はユーザー登録、ログイン、ログアウトのビジネスロジックを提供する。
// セッション状態は保持せず、Identity ServiceとクライアントのCookieに委ねる。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/tracing"
)

// SessionCookieTTL はセッションCookieの有効期間。呼び出し単位では変更できない。
const SessionCookieTTL = 24 * time.Hour

// DefaultIdentityTimeout はIdentity Service呼び出しのデフォルトの制限時間。
const DefaultIdentityTimeout = 5 * time.Second

// サービス層のエラー。ハンドラーがHTTPステータスにマッピングする。
var (
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrConflict        = errors.New("auth: user already exists")
	ErrNotFound        = errors.New("auth: user not found")
	ErrCookieNotFound  = errors.New("auth: cookie not found")
	ErrUnauthorized    = errors.New("auth: session cookie rejected")
	ErrIdentityTimeout = errors.New("auth: identity service timed out")
)

// 操作名と結果（メトリクスのラベル）
const (
	opRegister = "register"
	opLogin    = "login"
	opLogout   = "logout"

	outcomeSuccess      = "success"
	outcomeInvalid      = "invalid"
	outcomeConflict     = "conflict"
	outcomeNotFound     = "not_found"
	outcomeUnauthorized = "unauthorized"
	outcomeTimeout      = "timeout"
	outcomeError        = "error"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	IdentityTimeout time.Duration // 1操作あたりのIdentity Service呼び出しの制限時間
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	SessionCookie string
	ExpiresIn     time.Duration
	Claims        model.Claims
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	provider  identity.Provider
	exchanger identity.TokenExchanger
	metrics   metrics.MetricsCollector
	config    ServiceConfig
}

// NewService はServiceを生成する。
// IdentityTimeoutが0以下の場合はDefaultIdentityTimeoutを使う。
func NewService(
	provider identity.Provider,
	exchanger identity.TokenExchanger,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if config.IdentityTimeout <= 0 {
		config.IdentityTimeout = DefaultIdentityTimeout
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		provider:  provider,
		exchanger: exchanger,
		metrics:   collector,
		config:    config,
	}
}

// Register はusernameをuidとしてユーザーを作成する。
// 既に存在する場合はErrConflictを返す。
func (s *Service) Register(ctx context.Context, cred model.Credential) (user *model.UserRecord, err error) {
	defer func() { s.record(opRegister, cred.Username, err) }()

	if err := cred.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.IdentityTimeout)
	defer cancel()

	err = s.call(ctx, "create_user", func(ctx context.Context) error {
		var callErr error
		user, callErr = s.provider.CreateUser(ctx, cred.Username, cred.Password)
		return callErr
	})
	if err != nil {
		if errors.Is(err, identity.ErrUserExists) {
			return nil, ErrConflict
		}
		return nil, err
	}

	return user, nil
}

// Login はユーザーの存在を確認し、セッションCookieを発行する。
//
// 処理順序:
//  1. usernameでユーザーを取得（存在しなければErrNotFound）
//  2. カスタムトークンを発行
//  3. カスタムトークンをIDトークンに交換
//  4. IDトークンからセッションCookieを生成（有効期間SessionCookieTTL）
//  5. IDトークンを検証してクレームを返す
//
// パスワードは検証しない。ユーザーの存在のみで認証が成立する。
func (s *Service) Login(ctx context.Context, cred model.Credential) (result *LoginResult, err error) {
	defer func() { s.record(opLogin, cred.Username, err) }()

	if err := cred.ValidateUsername(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.IdentityTimeout)
	defer cancel()

	// 1. ユーザー取得
	var user *model.UserRecord
	err = s.call(ctx, "get_user", func(ctx context.Context) error {
		var callErr error
		user, callErr = s.provider.GetUser(ctx, cred.Username)
		return callErr
	})
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// 2. カスタムトークン発行
	var customToken string
	err = s.call(ctx, "custom_token", func(ctx context.Context) error {
		var callErr error
		customToken, callErr = s.provider.CustomToken(ctx, user.UID)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	// 3. IDトークンに交換
	var exchanged *identity.TokenExchangeResult
	err = s.call(ctx, "exchange_custom_token", func(ctx context.Context) error {
		var callErr error
		exchanged, callErr = s.exchanger.ExchangeCustomToken(ctx, customToken)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	// 4. セッションCookie生成
	var cookie string
	err = s.call(ctx, "session_cookie", func(ctx context.Context) error {
		var callErr error
		cookie, callErr = s.provider.SessionCookie(ctx, exchanged.IDToken, SessionCookieTTL)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	// 5. IDトークン検証
	var claims model.Claims
	err = s.call(ctx, "verify_id_token", func(ctx context.Context) error {
		var callErr error
		claims, callErr = s.provider.VerifyIDToken(ctx, exchanged.IDToken)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		SessionCookie: cookie,
		ExpiresIn:     SessionCookieTTL,
		Claims:        claims,
	}, nil
}

// Logout はセッションCookieを検証し、そのユーザーの全リフレッシュトークンを失効させる。
// 現在のセッションだけでなく、同じユーザーの全セッションが無効になる。
// presentはリクエストにCookieが付いていたかどうか。値が空のCookieは無効なCookieとして扱う。
func (s *Service) Logout(ctx context.Context, sessionCookie string, present bool) (err error) {
	var subject string
	defer func() { s.record(opLogout, subject, err) }()

	if !present {
		return ErrCookieNotFound
	}
	if sessionCookie == "" {
		return fmt.Errorf("%w: empty session cookie", ErrUnauthorized)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.IdentityTimeout)
	defer cancel()

	var claims model.Claims
	err = s.call(ctx, "verify_session_cookie", func(ctx context.Context) error {
		var callErr error
		claims, callErr = s.provider.VerifySessionCookie(ctx, sessionCookie)
		return callErr
	})
	if err != nil {
		if errors.Is(err, identity.ErrInvalidSessionCookie) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return err
	}

	subject = claims.Subject()
	if subject == "" {
		return fmt.Errorf("%w: session cookie has no subject", ErrUnauthorized)
	}

	err = s.call(ctx, "revoke_refresh_tokens", func(ctx context.Context) error {
		return s.provider.RevokeRefreshTokens(ctx, subject)
	})
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return err
	}

	return nil
}

// call はIdentity Serviceの1回の呼び出しを計測し、制限時間超過をErrIdentityTimeoutに変換する。
// 呼び出しごとにクライアントスパンを記録する。
func (s *Service) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(tracing.TracerName).Start(ctx, "identity."+name,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	s.metrics.RecordIdentityCall(name, time.Since(start))

	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, name+" failed")

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		span.SetAttributes(attribute.Bool("identity.timeout", true))
		return fmt.Errorf("%w: %s: %v", ErrIdentityTimeout, name, err)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// record は操作結果をメトリクスとログに記録する。
func (s *Service) record(operation, uid string, err error) {
	outcome := classify(err)
	s.metrics.RecordOperation(operation, outcome)

	attrs := []any{
		slog.String("operation", operation),
		slog.String("outcome", outcome),
	}
	if uid != "" {
		attrs = append(attrs, slog.String("user_id", uid))
	}

	switch outcome {
	case outcomeSuccess:
		slog.Info("auth operation completed", attrs...)
	case outcomeError, outcomeTimeout:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.Error("auth operation failed", attrs...)
	default:
		slog.Warn("auth operation rejected", attrs...)
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, ErrInvalidInput):
		return outcomeInvalid
	case errors.Is(err, ErrConflict):
		return outcomeConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCookieNotFound):
		return outcomeNotFound
	case errors.Is(err, ErrUnauthorized):
		return outcomeUnauthorized
	case errors.Is(err, ErrIdentityTimeout):
		return outcomeTimeout
	default:
		return outcomeError
	}
}
