// Package wechat talks to the WeChat Official Account platform: it mints
// scene-bound QR tickets for the identifier pool and decodes the scan events
// the platform pushes back over the webhook.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	tokenPath  = "/cgi-bin/stable_token"
	createPath = "/cgi-bin/qrcode/create"

	// QR images are served from the MP host, not the API host.
	showBase = "https://mp.weixin.qq.com/cgi-bin/showqrcode"

	// The platform invalidates cached tokens slightly before their advertised
	// lifetime under credential rotation; refresh this much early.
	tokenSafetyMargin = 60 * time.Second
)

// APIError is a non-zero errcode response from the platform.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat: errcode %d: %s", e.Code, e.Message)
}

// staleTokenCode reports whether the errcode means the access token we sent
// is no longer valid and a fresh one should be fetched.
func staleTokenCode(code int) bool {
	switch code {
	case 40001, 40014, 42001:
		return true
	}
	return false
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the http.Client used for platform calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// WithBaseURL points the client at a different API host, e.g. a test stub.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.base = base }
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRateLimit caps outbound platform calls per second.
func WithRateLimit(rps int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

// WithTicketTTL sets the expire_seconds requested for minted tickets.
func WithTicketTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.ticketTTL = ttl
		}
	}
}

// Client is a minimal WeChat Official Account API client covering stable
// access tokens and scene-string QR ticket issuance. It is safe for
// concurrent use.
type Client struct {
	appID     string
	appSecret string
	base      string
	ticketTTL time.Duration
	httpc     *http.Client
	limiter   *rate.Limiter
	log       *slog.Logger
	now       func() time.Time

	// token cache; a single in-flight refresh, callers block until it lands.
	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

// New constructs a Client for the given application credentials.
func New(appID, appSecret string, opts ...Option) *Client {
	c := &Client{
		appID:     appID,
		appSecret: appSecret,
		base:      "https://api.weixin.qq.com",
		ticketTTL: 30 * 24 * time.Hour,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(10), 10),
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

type ticketResponse struct {
	Ticket        string `json:"ticket"`
	ExpireSeconds int64  `json:"expire_seconds"`
	URL           string `json:"url"`
	ErrCode       int    `json:"errcode"`
	ErrMsg        string `json:"errmsg"`
}

// StableToken returns a valid access token, fetching a fresh one only when
// the cached token is missing or about to expire.
func (c *Client) StableToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	var res tokenResponse
	body := map[string]string{
		"grant_type": "client_credential",
		"appid":      c.appID,
		"secret":     c.appSecret,
	}
	if err := c.postJSON(ctx, c.base+tokenPath, body, &res); err != nil {
		return "", fmt.Errorf("fetch stable token: %w", err)
	}
	if res.AccessToken == "" {
		return "", &APIError{Code: res.ErrCode, Message: res.ErrMsg}
	}

	c.token = res.AccessToken
	ttl := time.Duration(res.ExpiresIn) * time.Second
	if ttl > tokenSafetyMargin {
		ttl -= tokenSafetyMargin
	}
	c.tokenExp = c.now().Add(ttl)
	c.log.DebugContext(ctx, "wechat.token.refresh", slog.Time("expires", c.tokenExp))
	return c.token, nil
}

// invalidateToken drops the cached token so the next StableToken call
// fetches a fresh one.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.tokenMu.Unlock()
}

// IssueTicket mints a scene-string QR ticket bound to sceneID and returns the
// scannable image URL together with the observed mint time. A stale-token
// errcode triggers one token refresh and retry before the error surfaces.
func (c *Client) IssueTicket(ctx context.Context, sceneID string) (string, time.Time, error) {
	scannable, err := c.issueOnce(ctx, sceneID)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !staleTokenCode(apiErr.Code) {
			return "", time.Time{}, err
		}
		c.log.WarnContext(ctx, "wechat.token.stale", slog.Int("errcode", apiErr.Code))
		c.invalidateToken()
		if scannable, err = c.issueOnce(ctx, sceneID); err != nil {
			return "", time.Time{}, err
		}
	}
	return scannable, c.now(), nil
}

func (c *Client) issueOnce(ctx context.Context, sceneID string) (string, error) {
	token, err := c.StableToken(ctx)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"expire_seconds": int64(c.ticketTTL / time.Second),
		"action_name":    "QR_STR_SCENE",
		"action_info": map[string]any{
			"scene": map[string]any{"scene_str": sceneID},
		},
	}
	var res ticketResponse
	endpoint := c.base + createPath + "?access_token=" + url.QueryEscape(token)
	if err := c.postJSON(ctx, endpoint, payload, &res); err != nil {
		return "", fmt.Errorf("create qrcode: %w", err)
	}
	if res.ErrCode != 0 {
		return "", &APIError{Code: res.ErrCode, Message: res.ErrMsg}
	}
	if res.Ticket == "" {
		return "", &APIError{Code: -1, Message: "response missing ticket"}
	}
	return showBase + "?ticket=" + url.QueryEscape(res.Ticket), nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
