package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultIdentityToolkitURL はIdentity Toolkit REST APIのベースURL。
	DefaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	// signInWithCustomTokenPath はカスタムトークン交換のパス。
	signInWithCustomTokenPath = "/accounts:signInWithCustomToken"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
)

// EmulatorToolkitURL はAuthエミュレータ上のIdentity Toolkit REST APIのベースURLを返す。
func EmulatorToolkitURL(emulatorHost string) string {
	return "http://" + emulatorHost + "/identitytoolkit.googleapis.com/v1"
}

// RESTTokenExchanger はIdentity Toolkit REST APIでカスタムトークンを交換するクライアント。
type RESTTokenExchanger struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
}

// NewRESTTokenExchanger はRESTTokenExchangerを生成する。
// baseURLが空の場合はDefaultIdentityToolkitURLを使う。
func NewRESTTokenExchanger(httpClient *http.Client, logger *slog.Logger, baseURL, apiKey string) *RESTTokenExchanger {
	if baseURL == "" {
		baseURL = DefaultIdentityToolkitURL
	}
	return &RESTTokenExchanger{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

type signInWithCustomTokenRequest struct {
	Token             string `json:"token"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

// restErrorResponse はIdentity Toolkitのエラーレスポンス。
type restErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExchangeCustomToken はカスタムトークンをIDトークンに交換する。
// 通信エラー、ステータス異常、JSON不正、idToken欠落はErrUpstreamとして返す。
// 通信エラーは元のエラーもラップするため、context.DeadlineExceededを判定できる。
func (c *RESTTokenExchanger) ExchangeCustomToken(ctx context.Context, customToken string) (*TokenExchangeResult, error) {
	payload, err := json.Marshal(signInWithCustomTokenRequest{
		Token:             customToken,
		ReturnSecureToken: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token exchange request: %w", err)
	}

	reqURL := c.baseURL + signInWithCustomTokenPath + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("token exchange request failed",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: token exchange request failed: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read token exchange response: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		var restErr restErrorResponse
		_ = json.Unmarshal(body, &restErr)
		c.logger.Error("token exchange returned error status",
			slog.Int("http_status", resp.StatusCode),
			slog.String("upstream_message", restErr.Error.Message),
		)
		if restErr.Error.Message != "" {
			return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, restErr.Error.Message)
		}
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var result TokenExchangeResult
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("failed to parse token exchange response",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: malformed token exchange response: %v", ErrUpstream, err)
	}

	if result.IDToken == "" {
		return nil, fmt.Errorf("%w: token exchange response has no idToken", ErrUpstream)
	}

	return &result, nil
}
