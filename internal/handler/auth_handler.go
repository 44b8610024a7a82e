// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
)

const (
	// SessionCookieName はセッションCookieの名前。
	SessionCookieName = "session"

	// maxRequestBodySize はリクエストボディの上限（バイト）。
	maxRequestBodySize = 64 << 10
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, cred model.Credential) (*model.UserRecord, error)
	Login(ctx context.Context, cred model.Credential) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionCookie string, present bool) error
}

// AuthHandler は登録・ログイン・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// Register はユーザーを作成し、作成されたユーザーレコードを返す。
// POST /register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	cred, ok := decodeCredential(w, r)
	if !ok {
		return
	}

	user, err := h.service.Register(r.Context(), cred)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, user)
}

// Login はセッションCookieを設定し、IDトークンのクレームを返す。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	cred, ok := decodeCredential(w, r)
	if !ok {
		return
	}

	result, err := h.service.Login(r.Context(), cred)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	// セッションCookieを設定（HTTP Only）
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    result.SessionCookie,
		Path:     "/",
		MaxAge:   int(result.ExpiresIn.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	middleware.WriteJSON(w, http.StatusOK, result.Claims)
}

// Logout はセッションCookieの持ち主の全セッションを失効させ、Cookieを削除する。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var value string
	cookie, err := r.Cookie(SessionCookieName)
	present := err == nil
	if present {
		value = cookie.Value
	}

	if err := h.service.Logout(r.Context(), value, present); err != nil {
		handleServiceError(w, r, err)
		return
	}

	// セッションCookieをクリア
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	middleware.WriteJSON(w, http.StatusOK, true)
}

// Health は稼働確認用のエンドポイント。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeCredential はリクエストボディをCredentialとして読み込む。
// 失敗した場合は400を書き込み、falseを返す。
func decodeCredential(w http.ResponseWriter, r *http.Request) (model.Credential, bool) {
	var cred model.Credential

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeValidation,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return cred, false
	}
	return cred, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			apiErr = model.NewValidationError(err.Error())
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
	case errors.Is(err, auth.ErrConflict):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewUserExistsError())
	case errors.Is(err, auth.ErrNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
	case errors.Is(err, auth.ErrCookieNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewCookieNotFoundError())
	case errors.Is(err, auth.ErrUnauthorized):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
	case errors.Is(err, auth.ErrIdentityTimeout):
		logServiceError(r, "identity service timed out", err)
		middleware.WriteErrorResponse(w, http.StatusGatewayTimeout, model.NewUpstreamTimeoutError())
	case errors.Is(err, identity.ErrUpstream):
		logServiceError(r, "identity service call failed", err)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFailedError())
	default:
		// 詳細はログのみに記録する
		logServiceError(r, "internal server error", err)
		middleware.WriteInternalServerError(w)
	}
}

func logServiceError(r *http.Request, msg string, err error) {
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	}
	if id, ok := middleware.RequestIDFromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("request_id", id))
	}
	slog.Error(msg, attrs...)
}
