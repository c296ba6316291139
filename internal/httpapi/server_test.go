package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relayindex/internal/indexer"
	"github.com/agentworkforce/relayindex/internal/metrics"
)

const (
	testRelay  = "wss://relay-a.example/xrpc/com.atproto.sync.subscribeRepos"
	testRelayB = "wss://relay-b.example/xrpc/com.atproto.sync.subscribeRepos"
)

func newTestService(t *testing.T, cfg indexer.Config, opts ...indexer.Option) *indexer.Service {
	t.Helper()
	if cfg.Relay == "" && len(cfg.Relays) == 0 {
		cfg.Relay = testRelay
	}
	svc, err := indexer.New(cfg, indexer.ProcessorFunc(func(context.Context, indexer.Operation) error { return nil }), opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func seedDeadLetters(t *testing.T, dlq indexer.DeadLetterQueue, n int) []indexer.DeadLetterEntry {
	t.Helper()
	out := make([]indexer.DeadLetterEntry, 0, n)
	for i := 0; i < n; i++ {
		entry := indexer.NewDeadLetterEntry(indexer.QueueItem{
			Operation: indexer.Operation{
				RepoDID:    "did:plc:alice",
				Collection: "app.bsky.feed.post",
				RecordKey:  fmt.Sprintf("3k%d", i),
				Action:     indexer.ActionCreate,
				Sequence:   int64(100 + i),
			},
			Attempts: 1,
		}, fmt.Errorf("validation failed"), indexer.ClassPermanent)
		if err := dlq.Add(context.Background(), entry); err != nil {
			t.Fatalf("add dead letter: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestHealth(t *testing.T) {
	server := NewServer(newTestService(t, indexer.Config{}))
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"ok"`) {
		t.Fatalf("expected ok body, got %s", resp.Body.String())
	}
}

func TestUnknownRouteReturnsNotFoundWithCorrelationID(t *testing.T) {
	server := NewServer(newTestService(t, indexer.Config{}))
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces",
		headers: map[string]string{"X-Correlation-Id": "corr_404"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["correlationId"] != "corr_404" {
		t.Fatalf("expected correlation id to be echoed, got %q", body["correlationId"])
	}
	if resp.Header().Get("X-Correlation-Id") != "corr_404" {
		t.Fatalf("expected correlation header, got %q", resp.Header().Get("X-Correlation-Id"))
	}
}

func TestCorrelationIDIsMintedWhenMissing(t *testing.T) {
	server := NewServer(newTestService(t, indexer.Config{}))
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := NewServer(newTestService(t, indexer.Config{}))
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var status map[string]any
	decodeBody(t, resp, &status)
	if status["state"] != "stopped" {
		t.Fatalf("expected stopped state, got %v", status["state"])
	}
	if status["running"] != false {
		t.Fatalf("expected running=false, got %v", status["running"])
	}
	if _, ok := status["relayStatuses"]; ok {
		t.Fatalf("expected no relay statuses in single-relay mode, got %v", status["relayStatuses"])
	}
}

func TestStatusEndpointIncludesRelaysInMultiRelayMode(t *testing.T) {
	server := NewServer(newTestService(t, indexer.Config{Relays: []string{testRelay, testRelayB}}))
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	var status indexer.ServiceStatus
	decodeBody(t, resp, &status)
	if len(status.RelayStatuses) != 2 {
		t.Fatalf("expected 2 relay statuses, got %d", len(status.RelayStatuses))
	}
}

func TestRelaysEndpoint(t *testing.T) {
	store := indexer.NewMemoryCursorStore()
	if err := store.Save(context.Background(), []indexer.Cursor{{Consumer: "appview", Relay: testRelay, Sequence: 41}}); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	svc := newTestService(t, indexer.Config{}, indexer.WithCursorStore(store))
	if _, _, err := svc.Cursors().CurrentCursor(context.Background(), "appview", testRelay); err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	server := NewServer(svc)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/relays"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Relays []indexer.RelayStatus `json:"relays"`
	}
	decodeBody(t, resp, &body)
	if len(body.Relays) != 1 {
		t.Fatalf("expected 1 relay, got %d", len(body.Relays))
	}
	relay := body.Relays[0]
	if relay.Name != "relay-a-example" || relay.Connected {
		t.Fatalf("unexpected relay status: %+v", relay)
	}
	if relay.CursorSequence == nil || *relay.CursorSequence != 41 {
		t.Fatalf("expected cursor 41, got %v", relay.CursorSequence)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	svc := newTestService(t, indexer.Config{})
	seeded := seedDeadLetters(t, svc.DeadLetters(), 3)
	server := NewServer(svc)

	list := doRequest(t, server, request{method: http.MethodGet, path: "/v1/dead-letters?limit=2"})
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", list.Code, list.Body.String())
	}
	var listed struct {
		Items []indexer.DeadLetterEntry `json:"items"`
		Limit int                       `json:"limit"`
	}
	decodeBody(t, list, &listed)
	if len(listed.Items) != 2 || listed.Limit != 2 {
		t.Fatalf("expected 2 items with limit 2, got %d/%d", len(listed.Items), listed.Limit)
	}
	if listed.Items[0].ID != seeded[2].ID {
		t.Fatalf("expected newest entry first, got %s", listed.Items[0].ID)
	}

	count := doRequest(t, server, request{method: http.MethodGet, path: "/v1/dead-letters/count"})
	var counted map[string]int
	decodeBody(t, count, &counted)
	if counted["count"] != 3 {
		t.Fatalf("expected count 3, got %d", counted["count"])
	}

	badLimit := doRequest(t, server, request{method: http.MethodGet, path: "/v1/dead-letters?limit=0"})
	if badLimit.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit=0, got %d", badLimit.Code)
	}
}

func TestDeadLetterListDefaultsToEmptyArray(t *testing.T) {
	server := NewServer(newTestService(t, indexer.Config{}))
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/dead-letters"})
	if !strings.Contains(resp.Body.String(), `"items":[]`) {
		t.Fatalf("expected empty items array, got %s", resp.Body.String())
	}
}

func TestDeadLetterPurgeRequiresScope(t *testing.T) {
	svc := newTestService(t, indexer.Config{})
	seeded := seedDeadLetters(t, svc.DeadLetters(), 1)
	server := NewServer(svc)
	path := "/v1/dead-letters/" + seeded[0].ID

	anonymous := doRequest(t, server, request{method: http.MethodDelete, path: path})
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", anonymous.Code)
	}

	readOnly := mustTestJWT(t, "dev-secret", "operator", []string{scopeCursorsRead}, time.Now().Add(time.Hour))
	denied := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    path,
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
	})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d (%s)", denied.Code, denied.Body.String())
	}

	expired := mustTestJWT(t, "dev-secret", "operator", []string{scopeDeadLettersWrite}, time.Now().Add(-time.Minute))
	expiredResp := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    path,
		headers: map[string]string{"Authorization": "Bearer " + expired},
	})
	if expiredResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", expiredResp.Code)
	}

	wrongAudience := mustTestJWTWithAudience(t, "dev-secret", "operator", []string{scopeDeadLettersWrite}, "other-service", time.Now().Add(time.Hour))
	badAud := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    path,
		headers: map[string]string{"Authorization": "Bearer " + wrongAudience},
	})
	if badAud.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid audience, got %d", badAud.Code)
	}

	token := mustTestJWT(t, "dev-secret", "operator", []string{scopeDeadLettersWrite}, time.Now().Add(time.Hour))
	purged := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    path,
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if purged.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", purged.Code, purged.Body.String())
	}
	count, err := svc.DeadLetters().Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected dead letter removed, got count %d", count)
	}

	again := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    path,
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second purge, got %d", again.Code)
	}
}

func TestCursorsEndpoint(t *testing.T) {
	store := indexer.NewMemoryCursorStore()
	if err := store.Save(context.Background(), []indexer.Cursor{
		{Consumer: "appview", Relay: testRelay, Sequence: 12},
		{Consumer: "backfill", Relay: testRelay, Sequence: 900},
	}); err != nil {
		t.Fatalf("seed cursors: %v", err)
	}
	svc := newTestService(t, indexer.Config{}, indexer.WithCursorStore(store))
	svc.Cursors().UpdateCursor("appview", testRelayB, 5)
	server := NewServer(svc)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/cursors"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var body struct {
		Consumer string           `json:"consumer"`
		Cursors  []indexer.Cursor `json:"cursors"`
	}
	decodeBody(t, resp, &body)
	if body.Consumer != "appview" {
		t.Fatalf("expected consumer appview, got %q", body.Consumer)
	}
	if len(body.Cursors) != 2 {
		t.Fatalf("expected 2 cursors, got %d", len(body.Cursors))
	}
	if body.Cursors[0].Sequence != 12 || body.Cursors[1].Sequence != 5 {
		t.Fatalf("unexpected cursors: %+v", body.Cursors)
	}
}

func TestReadsRequireAuthWhenConfigured(t *testing.T) {
	server := NewServerWithConfig(newTestService(t, indexer.Config{}), ServerConfig{
		JWTSecret:           "s3cret",
		RequireAuthForReads: true,
	})
	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if denied.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", denied.Code)
	}

	token := mustTestJWT(t, "s3cret", "dashboard", []string{"status:read"}, time.Now().Add(time.Hour))
	allowed := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/status",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if allowed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", allowed.Code, allowed.Body.String())
	}

	cursors := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/cursors",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if cursors.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cursors without cursors:read, got %d", cursors.Code)
	}

	health := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("expected health to stay open, got %d", health.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Duplicate()
	server := NewServerWithConfig(newTestService(t, indexer.Config{}), ServerConfig{Metrics: metrics.Handler(reg)})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "relayindex_duplicates_filtered_total 1") {
		t.Fatalf("expected duplicates counter in output, got %s", resp.Body.String())
	}
}

func TestRateLimitingByCaller(t *testing.T) {
	server := NewServerWithConfig(newTestService(t, indexer.Config{}), ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}

func TestRateLimiterEvictsExpiredClients(t *testing.T) {
	limiter := &rateLimiter{window: time.Minute, max: 2, entries: map[string]rateEntry{}}
	start := time.Unix(1_700_000_000, 0)
	for i := 0; i < 100; i++ {
		if !limiter.allow(fmt.Sprintf("10.0.0.%d", i), start) {
			t.Fatalf("expected first request from client %d to pass", i)
		}
	}
	if len(limiter.entries) != 100 {
		t.Fatalf("expected 100 tracked clients, got %d", len(limiter.entries))
	}

	later := start.Add(2 * time.Minute)
	if !limiter.allow("10.0.1.1", later) {
		t.Fatalf("expected request after the window to pass")
	}
	if len(limiter.entries) != 1 {
		t.Fatalf("expected expired clients to be evicted, got %d entries", len(limiter.entries))
	}
	if !limiter.allow("10.0.1.1", later) || limiter.allow("10.0.1.1", later) {
		t.Fatalf("expected the limit to still apply within a window")
	}
}

func TestParseOptionalBoundedInt(t *testing.T) {
	if got, err := parseOptionalBoundedInt("", 50, 1, 100); err != nil || got != 50 {
		t.Fatalf("expected fallback 50, got %d (%v)", got, err)
	}
	if got, err := parseOptionalBoundedInt(" 7 ", 50, 1, 100); err != nil || got != 7 {
		t.Fatalf("expected 7, got %d (%v)", got, err)
	}
	if _, err := parseOptionalBoundedInt("101", 50, 1, 100); err == nil {
		t.Fatalf("expected out of range error")
	}
	if _, err := parseOptionalBoundedInt("many", 50, 1, 100); err == nil {
		t.Fatalf("expected parse error")
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
