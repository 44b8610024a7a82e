// Package identitytest はテスト用のインメモリIdentity Serviceを提供する。
// トークンとセッションCookieはHS256署名のJWTとして発行し、
// ユーザー単位の失効（リフレッシュトークン失効）を再現する。
package identitytest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/model"
)

const (
	fakeIssuer   = "https://session.firebase.google.com/authgate-test"
	fakeAudience = "authgate-test"

	tokenUseCustom  = "custom"
	tokenUseID      = "id"
	tokenUseSession = "session"

	customTokenTTL = time.Hour
	idTokenTTL     = time.Hour
)

// Method はエラー注入・遅延注入の対象となる呼び出しを表す。
type Method string

const (
	MethodCreateUser          Method = "CreateUser"
	MethodGetUser             Method = "GetUser"
	MethodCustomToken         Method = "CustomToken"
	MethodExchangeCustomToken Method = "ExchangeCustomToken"
	MethodSessionCookie       Method = "SessionCookie"
	MethodVerifySessionCookie Method = "VerifySessionCookie"
	MethodVerifyIDToken       Method = "VerifyIDToken"
	MethodRevokeRefreshTokens Method = "RevokeRefreshTokens"
)

type fakeUser struct {
	password  string
	createdAt time.Time
	// generation は失効のたびに増える。これより古い世代のトークンは失効扱い。
	generation int
	revokedAt  time.Time
}

type fakeClaims struct {
	jwt.RegisteredClaims
	UID        string `json:"uid"`
	TokenUse   string `json:"token_use"`
	AuthTime   int64  `json:"auth_time,omitempty"`
	Generation int    `json:"gen"`
}

// Fake はidentity.Providerとidentity.TokenExchangerのインメモリ実装。
// 並行利用しても安全。
type Fake struct {
	mu     sync.Mutex
	users  map[string]*fakeUser
	secret []byte
	now    func() time.Time
	errs   map[Method]error
	delays map[Method]time.Duration
	calls  map[Method]int
}

var (
	_ identity.Provider       = (*Fake)(nil)
	_ identity.TokenExchanger = (*Fake)(nil)
)

// NewFake は空のFakeを生成する。署名鍵はインスタンスごとにランダム生成する。
func NewFake() *Fake {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(fmt.Sprintf("identitytest: failed to generate signing key: %v", err))
	}
	return &Fake{
		users:  make(map[string]*fakeUser),
		secret: secret,
		now:    time.Now,
		errs:   make(map[Method]error),
		delays: make(map[Method]time.Duration),
		calls:  make(map[Method]int),
	}
}

// SetNow は時刻関数を差し替える。期限切れのテストに使う。
func (f *Fake) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Fail は指定した呼び出しが常にerrを返すようにする。nilで解除する。
func (f *Fake) Fail(m Method, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, m)
		return
	}
	f.errs[m] = err
}

// Delay は指定した呼び出しをdだけ遅延させる。
// 遅延中にコンテキストが終了した場合はctx.Err()を返す。
func (f *Fake) Delay(m Method, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[m] = d
}

// Calls は指定した呼び出しの実行回数を返す。
func (f *Fake) Calls(m Method) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[m]
}

// Password は登録済みユーザーのパスワードを返す。
func (f *Fake) Password(uid string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return "", false
	}
	return u.password, true
}

// enter は呼び出し回数を記録し、注入された遅延とエラーを適用する。
func (f *Fake) enter(ctx context.Context, m Method) error {
	f.mu.Lock()
	f.calls[m]++
	delay := f.delays[m]
	err := f.errs[m]
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

// CreateUser はユーザーを作成する。
func (f *Fake) CreateUser(ctx context.Context, uid, password string) (*model.UserRecord, error) {
	if err := f.enter(ctx, MethodCreateUser); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.users[uid]; exists {
		return nil, identity.ErrUserExists
	}
	u := &fakeUser{password: password, createdAt: f.now()}
	f.users[uid] = u
	return u.record(uid), nil
}

// GetUser はユーザーを取得する。
func (f *Fake) GetUser(ctx context.Context, uid string) (*model.UserRecord, error) {
	if err := f.enter(ctx, MethodGetUser); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[uid]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return u.record(uid), nil
}

// CustomToken はカスタムトークンを発行する。
func (f *Fake) CustomToken(ctx context.Context, uid string) (string, error) {
	if err := f.enter(ctx, MethodCustomToken); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.users[uid]; !ok {
		return "", identity.ErrUserNotFound
	}
	now := f.now()
	return f.sign(fakeClaims{
		RegisteredClaims: f.registered(uid, now, now.Add(customTokenTTL)),
		UID:              uid,
		TokenUse:         tokenUseCustom,
	})
}

// ExchangeCustomToken はカスタムトークンをIDトークンに交換する。
func (f *Fake) ExchangeCustomToken(ctx context.Context, customToken string) (*identity.TokenExchangeResult, error) {
	if err := f.enter(ctx, MethodExchangeCustomToken); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.parse(customToken, tokenUseCustom)
	if err != nil {
		return nil, fmt.Errorf("%w: INVALID_CUSTOM_TOKEN: %v", identity.ErrUpstream, err)
	}
	u, ok := f.users[c.UID]
	if !ok {
		return nil, fmt.Errorf("%w: USER_NOT_FOUND", identity.ErrUpstream)
	}

	now := f.now()
	idToken, err := f.sign(fakeClaims{
		RegisteredClaims: f.registered(c.UID, now, now.Add(idTokenTTL)),
		UID:              c.UID,
		TokenUse:         tokenUseID,
		AuthTime:         now.Unix(),
		Generation:       u.generation,
	})
	if err != nil {
		return nil, err
	}
	return &identity.TokenExchangeResult{
		IDToken:      idToken,
		RefreshToken: "refresh-" + c.UID,
		ExpiresIn:    fmt.Sprintf("%d", int(idTokenTTL.Seconds())),
	}, nil
}

// SessionCookie はIDトークンからセッションCookieを生成する。
// 失効後に発行されたIDトークンからは生成できない。
func (f *Fake) SessionCookie(ctx context.Context, idToken string, expiresIn time.Duration) (string, error) {
	if err := f.enter(ctx, MethodSessionCookie); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.parse(idToken, tokenUseID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", identity.ErrInvalidIDToken, err)
	}
	if err := f.checkRevoked(c); err != nil {
		return "", fmt.Errorf("%w: %v", identity.ErrInvalidIDToken, err)
	}

	now := f.now()
	return f.sign(fakeClaims{
		RegisteredClaims: f.registered(c.UID, now, now.Add(expiresIn)),
		UID:              c.UID,
		TokenUse:         tokenUseSession,
		AuthTime:         c.AuthTime,
		Generation:       c.Generation,
	})
}

// VerifySessionCookie はセッションCookieを検証する。失効チェックも行う。
func (f *Fake) VerifySessionCookie(ctx context.Context, cookie string) (model.Claims, error) {
	if err := f.enter(ctx, MethodVerifySessionCookie); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.parse(cookie, tokenUseSession)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrInvalidSessionCookie, err)
	}
	if err := f.checkRevoked(c); err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrInvalidSessionCookie, err)
	}
	return toClaims(c), nil
}

// VerifyIDToken はIDトークンを検証する。
func (f *Fake) VerifyIDToken(ctx context.Context, idToken string) (model.Claims, error) {
	if err := f.enter(ctx, MethodVerifyIDToken); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.parse(idToken, tokenUseID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrInvalidIDToken, err)
	}
	return toClaims(c), nil
}

// RevokeRefreshTokens はユーザーの発行済みトークンをすべて失効させる。
func (f *Fake) RevokeRefreshTokens(ctx context.Context, uid string) error {
	if err := f.enter(ctx, MethodRevokeRefreshTokens); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[uid]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.generation++
	u.revokedAt = f.now()
	return nil
}

func (f *Fake) registered(uid string, issuedAt, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    fakeIssuer,
		Subject:   uid,
		Audience:  jwt.ClaimStrings{fakeAudience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

func (f *Fake) sign(c fakeClaims) (string, error) {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(f.secret)
	if err != nil {
		return "", fmt.Errorf("identitytest: failed to sign token: %w", err)
	}
	return s, nil
}

// parse は署名・有効期限・用途を検証する。f.muを保持した状態で呼ぶこと。
func (f *Fake) parse(raw, use string) (*fakeClaims, error) {
	var c fakeClaims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return f.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(fakeIssuer),
		jwt.WithAudience(fakeAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(f.now),
	)
	if err != nil {
		return nil, err
	}
	if c.TokenUse != use {
		return nil, fmt.Errorf("unexpected token use %q, want %q", c.TokenUse, use)
	}
	return &c, nil
}

// checkRevoked はトークンの世代が失効後のものかを確認する。f.muを保持した状態で呼ぶこと。
func (f *Fake) checkRevoked(c *fakeClaims) error {
	u, ok := f.users[c.UID]
	if !ok {
		return errors.New("user not found")
	}
	if c.Generation < u.generation {
		return errors.New("token has been revoked")
	}
	return nil
}

func (u *fakeUser) record(uid string) *model.UserRecord {
	rec := &model.UserRecord{
		UID:               uid,
		CreationTimestamp: u.createdAt.UnixMilli(),
	}
	if !u.revokedAt.IsZero() {
		rec.TokensValidAfterTime = u.revokedAt.UnixMilli()
	}
	return rec
}

func toClaims(c *fakeClaims) model.Claims {
	claims := model.Claims{
		"iss": c.Issuer,
		"aud": fakeAudience,
		"sub": c.Subject,
		"uid": c.UID,
		"firebase": map[string]any{
			"sign_in_provider": "custom",
		},
	}
	if c.IssuedAt != nil {
		claims["iat"] = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		claims["exp"] = c.ExpiresAt.Unix()
	}
	if c.AuthTime != 0 {
		claims["auth_time"] = c.AuthTime
	}
	return claims
}
