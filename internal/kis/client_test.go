package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"kisbot/internal/ratelimit"
)

type stubGateway struct {
	mux        *http.ServeMux
	server     *httptest.Server
	tokenCount atomic.Int32
	callCount  atomic.Int32
	handler    func(w http.ResponseWriter, r *http.Request)
}

func newStubGateway(t *testing.T) *stubGateway {
	t.Helper()
	g := &stubGateway{mux: http.NewServeMux()}
	g.mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		n := g.tokenCount.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + string(rune('0'+n)),
			"expires_in":   86400,
		})
	})
	g.mux.HandleFunc("/uapi/", func(w http.ResponseWriter, r *http.Request) {
		g.callCount.Add(1)
		g.handler(w, r)
	})
	g.server = httptest.NewServer(g.mux)
	t.Cleanup(g.server.Close)
	return g
}

func newTestClient(t *testing.T, g *stubGateway) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		BaseURL:    g.server.URL,
		AppKey:     "test-key",
		AppSecret:  "test-secret",
		AccountNo:  "12345678-01",
		Paper:      true,
		MaxRetries: 5,
	}, ratelimit.New("test", 1000, time.Second))
	// Retries must not slow the suite down.
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestTokenIssuedLazilyAndRefreshedAtExpiry(t *testing.T) {
	g := newStubGateway(t)
	g.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"rt_cd": "0", "output": map[string]string{}})
	}
	c := newTestClient(t, g)

	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if _, err := c.Request(context.Background(), "GET", "/uapi/test", "TEST", nil, nil, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got := g.tokenCount.Load(); got != 1 {
		t.Fatalf("token issues = %d, want 1", got)
	}

	// Still inside the margin-adjusted lifetime: no refresh.
	now = now.Add(23 * time.Hour)
	if _, err := c.Request(context.Background(), "GET", "/uapi/test", "TEST", nil, nil, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got := g.tokenCount.Load(); got != 1 {
		t.Errorf("token issues = %d, want still 1", got)
	}

	// 86400s minus the 5 minute margin has now elapsed: refresh.
	now = now.Add(56 * time.Minute)
	if _, err := c.Request(context.Background(), "GET", "/uapi/test", "TEST", nil, nil, ""); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got := g.tokenCount.Load(); got != 2 {
		t.Errorf("token issues = %d, want 2 after expiry", got)
	}
}

func TestTokenErrorTriggersExactlyOneReactiveRefresh(t *testing.T) {
	g := newStubGateway(t)
	g.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"rt_cd": "1", "msg_cd": "EGW00123", "msg1": "token expired or invalid"})
	}
	c := newTestClient(t, g)

	resp, err := c.Request(context.Background(), "GET", "/uapi/test", "TEST", nil, nil, "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.OK() {
		t.Error("expected business error response")
	}
	// One lazy issue plus one reactive refresh, then the error is returned
	// as-is instead of looping.
	if got := g.tokenCount.Load(); got != 2 {
		t.Errorf("token issues = %d, want 2", got)
	}
	if got := g.callCount.Load(); got != 2 {
		t.Errorf("endpoint calls = %d, want 2", got)
	}
}

func TestRateLimitCodeRetriesUntilSuccess(t *testing.T) {
	g := newStubGateway(t)
	var n atomic.Int32
	g.handler = func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) <= 2 {
			writeJSON(w, map[string]any{"rt_cd": "1", "msg_cd": "EGW00201", "msg1": "rate limited"})
			return
		}
		writeJSON(w, map[string]any{"rt_cd": "0", "output": map[string]string{}})
	}
	c := newTestClient(t, g)

	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	resp, err := c.Request(context.Background(), "GET", "/uapi/test", "TEST", nil, nil, "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !resp.OK() {
		t.Errorf("expected success after rate-limit retries, got rt_cd=%s", resp.RtCd)
	}
	if len(delays) != 2 || delays[0] != rateLimitDelay || delays[1] != rateLimitDelay {
		t.Errorf("delays = %v, want two of %v", delays, rateLimitDelay)
	}
}

func TestServerErrorsExhaustRetriesAndDegrade(t *testing.T) {
	g := newStubGateway(t)
	g.handler = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}
	c := newTestClient(t, g)

	resp, err := c.Request(context.Background(), "POST", "/uapi/domestic-stock/v1/trading/order-cash", "VTTC0802U", nil, map[string]string{"PDNO": "005930"}, "")
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Type != "exhausted" {
		t.Fatalf("err = %v, want exhausted APIError", err)
	}
	if resp.RtCd != "" || resp.Output != nil {
		t.Errorf("response not empty after exhaustion: %+v", resp)
	}
	if got := g.callCount.Load(); got != 5 {
		t.Errorf("attempts = %d, want 5", got)
	}
	if !c.HasError() {
		t.Error("client not degraded after exhaustion")
	}
}

func TestNotFoundMarksClientDegradedImmediately(t *testing.T) {
	g := newStubGateway(t)
	g.handler = func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}
	c := newTestClient(t, g)

	_, err := c.Request(context.Background(), "GET", "/uapi/missing", "TEST", nil, nil, "")
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Type != "not_found" {
		t.Fatalf("err = %v, want not_found APIError", err)
	}
	if got := g.callCount.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 404)", got)
	}
	if !c.HasError() {
		t.Error("client not degraded after 404")
	}
}

func TestMalformedBodyYieldsSyntheticResponse(t *testing.T) {
	g := newStubGateway(t)
	g.handler = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>definitely not json</html>"))
	}
	c := newTestClient(t, g)

	resp, err := c.Request(context.Background(), "GET", "/uapi/test", "TEST", nil, nil, "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.RtCd != "-1" {
		t.Errorf("rt_cd = %q, want synthetic -1", resp.RtCd)
	}
}

func TestBusinessErrorIsTerminal(t *testing.T) {
	g := newStubGateway(t)
	g.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"rt_cd": "7", "msg_cd": "APBK0013", "msg1": "invalid order quantity"})
	}
	c := newTestClient(t, g)

	resp, err := c.Request(context.Background(), "GET", "/uapi/test", "TEST", nil, nil, "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.OK() || resp.Msg1 != "invalid order quantity" {
		t.Errorf("business error not returned as-is: %+v", resp)
	}
	if got := g.callCount.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on business error)", got)
	}
	if c.HasError() {
		t.Error("business error must not degrade the client")
	}
}

func TestRedactHeadersMasksCredentials(t *testing.T) {
	h := http.Header{}
	h.Set("authorization", "Bearer secret-token")
	h.Set("appsecret", "super-secret")
	h.Set("tr_id", "TTTC0802U")

	out := redactHeaders(h)
	if out["authorization"] != "***REDACTED***" || out["appsecret"] != "***REDACTED***" {
		t.Errorf("credentials not redacted: %v", out)
	}
	if out["tr_id"] != "TTTC0802U" {
		t.Errorf("tr_id mangled: %v", out)
	}
}
