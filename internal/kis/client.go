// Package kis speaks the Korea Investment & Securities open API: OAuth token
// lifecycle, hashkey signing, the retry taxonomy of the gateway, market data
// and cash-order trading with an embedded per-account risk governor.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"kisbot/internal/observ"
	"kisbot/internal/ratelimit"
)

const (
	tokenPath   = "/oauth2/tokenP"
	hashkeyPath = "/uapi/hashkey"

	// Refresh this long before the gateway's reported expiry.
	tokenExpiryMargin = 5 * time.Minute

	rateLimitCode = "EGW00201"

	rateLimitDelay = 200 * time.Millisecond
	serverDelay    = 1 * time.Second
	transportDelay = 500 * time.Millisecond
)

// Response is the application envelope every KIS endpoint returns. rt_cd "0"
// means success; anything else carries msg_cd/msg1 describing the failure.
// Output fields are raw because each TR shapes them differently.
type Response struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// OK reports whether the gateway accepted the request at the application level.
func (r Response) OK() bool { return r.RtCd == "0" }

// ClientConfig carries credentials and transport tuning for one account.
type ClientConfig struct {
	BaseURL    string
	AppKey     string
	AppSecret  string
	AccountNo  string // "12345678-01"
	Paper      bool
	Timeout    time.Duration
	MaxRetries int
}

// Client is the authenticated, rate-limited, retrying KIS transport. One
// instance per account and endpoint profile; safe for concurrent use.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *ratelimit.Limiter

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	stateMu  sync.Mutex
	degraded bool

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewClient builds a transport over the given rate limiter.
func NewClient(cfg ClientConfig, limiter *ratelimit.Limiter) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Paper reports whether this client targets the paper-trading gateway.
func (c *Client) Paper() bool { return c.cfg.Paper }

// AccountNo returns the configured account number.
func (c *Client) AccountNo() string { return c.cfg.AccountNo }

// HasError reports the sticky degradation flag. Set on a 404 route or retry
// exhaustion; the risk governor may refuse new orders while it is up.
func (c *Client) HasError() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.degraded
}

func (c *Client) markDegraded(reason string) {
	c.stateMu.Lock()
	c.degraded = true
	c.stateMu.Unlock()
	observ.Error("kis_client_degraded", map[string]any{"reason": reason})
	observ.IncCounter("kis_client_degraded_total", map[string]string{"reason": reason})
}

// ensureToken issues a token lazily and refreshes once the recorded expiry
// has passed.
func (c *Client) ensureToken(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		return nil
	}
	return c.issueTokenLocked(ctx)
}

// refreshToken discards the current token and issues a fresh one. Used on
// responses that signal a token problem.
func (c *Client) refreshToken(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.issueTokenLocked(ctx)
}

func (c *Client) issueTokenLocked(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newNetworkError("tokenP", "token issue failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newProviderError("tokenP", fmt.Sprintf("token issue HTTP %d", resp.StatusCode))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return &APIError{Type: "parse", TRID: "tokenP", Message: "malformed token response", Cause: err}
	}
	if tok.AccessToken == "" {
		return newProviderError("tokenP", "token response missing access_token")
	}
	if tok.ExpiresIn == 0 {
		tok.ExpiresIn = 86400
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpiryMargin)
	observ.Log("kis_token_issued", map[string]any{"expires_at": c.tokenExpiry.Format(time.RFC3339)})
	return nil
}

// Hashkey signs a POST body via the gateway's hashkey endpoint. Order bodies
// must carry the returned hash in the request headers.
func (c *Client) Hashkey(ctx context.Context, body map[string]string) (string, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+hashkeyPath, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("hashkey request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newNetworkError("hashkey", "hashkey request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", newProviderError("hashkey", fmt.Sprintf("hashkey HTTP %d", resp.StatusCode))
	}

	var out struct {
		Hash string `json:"HASH"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &APIError{Type: "parse", TRID: "hashkey", Message: "malformed hashkey response", Cause: err}
	}
	return out.Hash, nil
}

func (c *Client) headers(trID, hashkey string) http.Header {
	h := http.Header{}
	h.Set("content-type", "application/json; charset=utf-8")
	h.Set("authorization", "Bearer "+c.accessTokenValue())
	h.Set("appkey", c.cfg.AppKey)
	h.Set("appsecret", c.cfg.AppSecret)
	h.Set("tr_id", trID)
	h.Set("custtype", "P")
	if hashkey != "" {
		h.Set("hashkey", hashkey)
	}
	return h
}

func (c *Client) accessTokenValue() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.accessToken
}

// redactHeaders masks credentials for diagnostic logging.
func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		lk := strings.ToLower(k)
		if lk == "authorization" || lk == "appsecret" {
			out[lk] = "***REDACTED***"
			continue
		}
		out[lk] = h.Get(k)
	}
	return out
}

// Request performs one authenticated call identified by its TR id, applying
// the gateway's retry taxonomy:
//   - EGW00201 (per-second quota) waits 0.2s and retries
//   - a token error refreshes the token and retries, at most once per call
//   - 5xx waits 1s and retries
//   - any other non-zero rt_cd is a terminal business error, returned as-is
//   - 404 marks the client degraded and aborts
//   - an unparseable body yields a synthetic rt_cd "-1" response
//   - a transport failure waits 0.5s and retries
//
// Exhausting the attempt budget marks the client degraded and returns an
// empty response with an exhausted error.
func (c *Client) Request(ctx context.Context, method, path, trID string, params url.Values, body map[string]string, hashkey string) (Response, error) {
	if err := c.ensureToken(ctx); err != nil {
		return Response{}, err
	}

	fullURL := c.cfg.BaseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	var rawBody []byte
	if body != nil {
		rawBody, _ = json.Marshal(body)
	}

	tokenRefreshed := false
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return Response{}, err
		}

		var reader io.Reader
		if rawBody != nil {
			reader = bytes.NewReader(rawBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return Response{}, fmt.Errorf("build request: %w", err)
		}
		req.Header = c.headers(trID, hashkey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			observ.Warn("kis_transport_error", map[string]any{
				"tr_id": trID, "attempt": attempt + 1, "error": err.Error(),
			})
			if serr := c.sleep(ctx, transportDelay); serr != nil {
				return Response{}, serr
			}
			continue
		}

		data, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if rerr != nil {
			if serr := c.sleep(ctx, transportDelay); serr != nil {
				return Response{}, serr
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			c.markDegraded("route_not_found")
			return Response{}, newNotFoundError(trID, "route not found: "+path)
		case resp.StatusCode >= 500:
			observ.Warn("kis_server_error", map[string]any{
				"tr_id": trID, "status": resp.StatusCode, "attempt": attempt + 1,
			})
			if serr := c.sleep(ctx, serverDelay); serr != nil {
				return Response{}, serr
			}
			continue
		}

		var out Response
		if err := json.Unmarshal(data, &out); err != nil {
			observ.Error("kis_parse_error", map[string]any{
				"tr_id": trID, "status": resp.StatusCode, "body_prefix": truncate(string(data), 300),
			})
			return Response{RtCd: "-1", Msg1: "malformed response body"}, nil
		}

		if !out.OK() {
			if out.MsgCd == rateLimitCode {
				observ.Warn("kis_rate_limited", map[string]any{"tr_id": trID, "attempt": attempt + 1})
				if serr := c.sleep(ctx, rateLimitDelay); serr != nil {
					return Response{}, serr
				}
				continue
			}
			if !tokenRefreshed && strings.Contains(strings.ToLower(out.Msg1), "token") {
				observ.Warn("kis_token_error", map[string]any{"tr_id": trID, "msg": out.Msg1})
				if err := c.refreshToken(ctx); err != nil {
					return Response{}, err
				}
				tokenRefreshed = true
				continue
			}
			observ.Error("kis_api_error", map[string]any{
				"tr_id": trID, "rt_cd": out.RtCd, "msg_cd": out.MsgCd, "msg": out.Msg1,
				"url": fullURL, "headers": redactHeaders(req.Header),
			})
			return out, nil
		}

		return out, nil
	}

	c.markDegraded("retries_exhausted")
	return Response{}, newExhaustedError(trID, c.cfg.MaxRetries)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
