package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/igorms-pro/onelink-sub002/internal/changefeed"
	"github.com/igorms-pro/onelink-sub002/internal/pipeline"
	"github.com/igorms-pro/onelink-sub002/internal/store"
)

type fixture struct {
	server    *Server
	store     *store.MemoryStore
	transport *changefeed.MemoryTransport
	manager   *pipeline.Manager
	hub       *pipeline.Broadcaster

	mu       sync.Mutex
	ingested []string
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	for _, seed := range []struct {
		table string
		row   store.Row
	}{
		{"profiles", store.Row{"id": "owner-a", "user_id": "user-a"}},
		{"drops", store.Row{"id": "drop_inv", "profile_id": "owner-a", "name": "Invoices"}},
		{"drops", store.Row{"id": "drop_b", "profile_id": "owner-b", "name": "Contracts"}},
		{"submissions", store.Row{"id": "sub_0", "drop_id": "drop_inv", "created_at": "2026-03-01T00:00:00Z"}},
	} {
		if err := st.Put(seed.table, seed.row); err != nil {
			t.Fatalf("seed %s: %v", seed.table, err)
		}
	}
	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)
	hub := pipeline.NewBroadcaster(16, metrics)
	transport := changefeed.NewMemoryTransport()
	manager, err := pipeline.NewManager(pipeline.ManagerOptions{Controller: pipeline.ControllerOptions{
		Transport: transport,
		Store:     st,
		Notifier:  hub,
		Metrics:   metrics,
	}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	f := &fixture{store: st, transport: transport, manager: manager, hub: hub}
	cfg.Gatherer = reg
	if cfg.Ingest == nil {
		cfg.Ingest = func(_ context.Context, table string, record map[string]any) error {
			if err := st.Put(table, store.Row(record)); err != nil {
				return err
			}
			f.mu.Lock()
			f.ingested = append(f.ingested, table)
			f.mu.Unlock()
			transport.Publish(table, record)
			return nil
		}
	}
	f.server = NewServerWithConfig(manager, hub, cfg)
	t.Cleanup(func() {
		_ = manager.Close()
		hub.Close()
		_ = transport.Close()
	})
	return f
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	health := doRequest(t, f.server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", health.Code)
	}

	token := mustTestJWT(t, "dev-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(time.Hour))
	view := doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/owner-a/topics/submissions/view",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if view.Code != http.StatusOK {
		t.Fatalf("expected 200 from view, got %d (%s)", view.Code, view.Body.String())
	}

	metrics := doRequest(t, f.server, request{method: http.MethodGet, path: "/metrics"})
	if metrics.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", metrics.Code)
	}
	if !strings.Contains(metrics.Body.String(), "onelink_pipeline_reconciles_total") {
		t.Fatalf("expected pipeline metrics, got %s", metrics.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	path := "/v1/scopes/owner-a/topics/submissions/view"

	missing := doRequest(t, f.server, request{method: http.MethodGet, path: path})
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", missing.Code)
	}
	if missing.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"other scope key", mustTestJWT(t, "dev-secret", "owner-b", []string{"notifications:read"}, time.Now().Add(time.Hour)), http.StatusForbidden},
		{"missing scope", mustTestJWT(t, "dev-secret", "owner-a", []string{"admin:read"}, time.Now().Add(time.Hour)), http.StatusForbidden},
		{"wrong secret", mustTestJWT(t, "other-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", mustTestJWT(t, "dev-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"wrong audience", mustTestJWTWithAudience(t, "dev-secret", "owner-a", []string{"notifications:read"}, "other-service", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"malformed", "not.a.jwt", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		resp := doRequest(t, f.server, request{
			method: http.MethodGet,
			path:   path,
			headers: map[string]string{
				"Authorization":    "Bearer " + tc.token,
				"X-Correlation-Id": "corr_" + strings.ReplaceAll(tc.name, " ", "_"),
			},
		})
		if resp.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, resp.Code, resp.Body.String())
		}
	}

	token := mustTestJWT(t, "dev-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(time.Hour))
	query := doRequest(t, f.server, request{method: http.MethodGet, path: path + "?access_token=" + token})
	if query.Code != http.StatusOK {
		t.Fatalf("expected access_token query to authenticate, got %d (%s)", query.Code, query.Body.String())
	}
}

func TestViewEndpointLoadsAndReleasesPipeline(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(time.Hour))

	resp := doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/owner-a/topics/submissions/view",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		ScopeKey string      `json:"scope_key"`
		Topic    string      `json:"topic"`
		Version  uint64      `json:"version"`
		Rows     []store.Row `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if payload.Topic != "submissions" || payload.Version != 1 || len(payload.Rows) != 1 {
		t.Fatalf("unexpected view payload: %+v", payload)
	}
	if payload.Rows[0].String("drop_name") != "Invoices" {
		t.Fatalf("expected joined drop name, got %v", payload.Rows[0])
	}
	if _, ok := f.manager.Controller("owner-a", "submissions"); ok {
		t.Fatalf("expected one-shot view to tear its pipeline down")
	}
	if n := f.transport.Subscribers("submissions"); n != 0 {
		t.Fatalf("expected no live subscriptions, got %d", n)
	}

	unknown := doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/owner-a/topics/comments/view",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown topic, got %d", unknown.Code)
	}
}

func TestAdminPipelines(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	teardown, err := f.manager.Setup(context.Background(), "owner-a", "downloads")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer teardown()

	userToken := mustTestJWT(t, "dev-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(time.Hour))
	denied := doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/pipelines",
		headers: map[string]string{"Authorization": "Bearer " + userToken},
	})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin:read, got %d", denied.Code)
	}

	adminToken := mustTestJWT(t, "dev-secret", "ops", []string{"admin:read"}, time.Now().Add(time.Hour))
	resp := doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/pipelines",
		headers: map[string]string{"Authorization": "Bearer " + adminToken},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		Topics    []string          `json:"topics"`
		Pipelines []pipeline.Status `json:"pipelines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Topics) != 2 || len(payload.Pipelines) != 1 {
		t.Fatalf("unexpected admin payload: %+v", payload)
	}
	if payload.Pipelines[0].ScopeKey != "owner-a" || payload.Pipelines[0].Topic != "downloads" {
		t.Fatalf("unexpected pipeline status: %+v", payload.Pipelines[0])
	}
}

func TestInternalChangeIngestHMAC(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	body := []byte(`{"type":"INSERT","table":"submissions","record":{"id":"sub_hook","drop_id":"drop_inv"}}`)
	ts := time.Now().UTC().Format(time.RFC3339)

	unsigned := doRawRequest(t, f.server, rawRequest{method: http.MethodPost, path: "/v1/internal/changes", body: body})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", unsigned.Code)
	}

	headers := map[string]string{
		"X-Onelink-Timestamp": ts,
		"X-Onelink-Signature": signInternal("dev-internal-secret", ts, body),
	}
	accepted := doRawRequest(t, f.server, rawRequest{method: http.MethodPost, path: "/v1/internal/changes", headers: headers, body: body})
	if accepted.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", accepted.Code, accepted.Body.String())
	}
	if _, err := f.store.GetByID(context.Background(), "submissions", "sub_hook"); err != nil {
		t.Fatalf("expected ingested row: %v", err)
	}

	replayed := doRawRequest(t, f.server, rawRequest{method: http.MethodPost, path: "/v1/internal/changes", headers: headers, body: body})
	if replayed.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", replayed.Code)
	}

	tampered := doRawRequest(t, f.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/changes",
		headers: map[string]string{
			"X-Onelink-Timestamp": ts,
			"X-Onelink-Signature": signInternal("dev-internal-secret", ts, []byte("{}")),
		},
		body: body,
	})
	if tampered.Code != http.StatusUnauthorized {
		t.Fatalf("expected signature mismatch, got %d", tampered.Code)
	}

	update := []byte(`{"type":"UPDATE","table":"submissions","record":{"id":"sub_hook"}}`)
	updateTS := time.Now().UTC().Add(time.Second).Format(time.RFC3339)
	ignored := doRawRequest(t, f.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/changes",
		headers: map[string]string{
			"X-Onelink-Timestamp": updateTS,
			"X-Onelink-Signature": signInternal("dev-internal-secret", updateTS, update),
		},
		body: update,
	})
	if ignored.Code != http.StatusAccepted || !strings.Contains(ignored.Body.String(), `"accepted":false`) {
		t.Fatalf("expected update to be ignored, got %d (%s)", ignored.Code, ignored.Body.String())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ingested) != 1 {
		t.Fatalf("expected exactly one ingested change, got %v", f.ingested)
	}
}

func TestInternalChangeIngestDisabled(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	f.server.cfg.Ingest = nil
	resp := doRawRequest(t, f.server, rawRequest{method: http.MethodPost, path: "/v1/internal/changes", body: []byte(`{}`)})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when ingest is disabled, got %d", resp.Code)
	}
}

func TestNotificationStream(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	token := mustTestJWT(t, "dev-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/scopes/owner-a/notifications?topics=submissions&access_token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var ready StreamFrame
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != FrameReady || ready.ScopeKey != "owner-a" || len(ready.Topics) != 1 {
		t.Fatalf("unexpected ready frame: %+v", ready)
	}
	initial := readUntil(t, ctx, conn, FrameView)
	if initial.View == nil || len(initial.View.Rows) != 1 {
		t.Fatalf("expected initial view with one row, got %+v", initial)
	}
	if n := f.transport.Subscribers("submissions"); n != 1 {
		t.Fatalf("expected one live subscription, got %d", n)
	}

	row := store.Row{"id": "sub_live", "drop_id": "drop_inv", "actor_id": "visitor-7", "created_at": "2026-04-01T00:00:00Z"}
	if err := f.store.Put("submissions", row); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.transport.Publish("submissions", map[string]any(row))

	var gotNote, gotView bool
	for !(gotNote && gotView) {
		var frame StreamFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch frame.Type {
		case FrameNotification:
			if frame.Notification.Summary != `New submission in "Invoices"` {
				t.Fatalf("unexpected notification: %+v", frame.Notification)
			}
			gotNote = true
		case FrameView:
			if len(frame.View.Rows) == 2 {
				gotView = true
			}
		}
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.manager.Controller("owner-a", "submissions"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected disconnect to tear the pipeline down")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := f.transport.Subscribers("submissions"); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
}

func TestNotificationStreamClosesWhenManagerStops(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	token := mustTestJWT(t, "dev-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/scopes/owner-a/notifications", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	ready := readUntil(t, ctx, conn, FrameReady)
	if len(ready.Topics) != 2 {
		t.Fatalf("expected every topic by default, got %v", ready.Topics)
	}

	_ = f.manager.Close()
	for {
		var frame StreamFrame
		err := wsjson.Read(ctx, conn, &frame)
		if err == nil {
			continue
		}
		if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
			t.Fatalf("expected going-away close, got %v (%v)", status, err)
		}
		break
	}
}

func TestNotificationStreamRejectsUnknownTopic(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(time.Hour))
	resp := doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/owner-a/notifications?topics=submissions,comments",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown topic, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestRateLimiterDropsExpiredEntries(t *testing.T) {
	limiter := &rateLimiter{window: time.Minute, max: 1, entries: map[string]rateEntry{}}
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, key := range []string{"owner-a|u1", "owner-a|u2", "owner-b|u3"} {
		if !limiter.allow(key, start) {
			t.Fatalf("expected first request for %s to pass", key)
		}
	}
	if limiter.allow("owner-a|u1", start.Add(time.Second)) {
		t.Fatalf("expected second request inside the window to be limited")
	}
	if len(limiter.entries) != 3 {
		t.Fatalf("expected 3 live entries, got %d", len(limiter.entries))
	}

	if !limiter.allow("owner-c|u4", start.Add(2*time.Minute)) {
		t.Fatalf("expected request in a new window to pass")
	}
	if len(limiter.entries) != 1 {
		t.Fatalf("expected expired entries to be swept, got %d entries", len(limiter.entries))
	}
	if _, ok := limiter.entries["owner-c|u4"]; !ok {
		t.Fatalf("expected the new entry to be kept")
	}
}

func TestRateLimitingByScopeAndSubject(t *testing.T) {
	f := newFixture(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustTestJWT(t, "dev-secret", "owner-a", []string{"notifications:read"}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, f.server, request{
			method: http.MethodGet,
			path:   "/v1/scopes/owner-a/topics/submissions/view",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_rate_%d", i),
			},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, f.server, request{
		method: http.MethodGet,
		path:   "/v1/scopes/owner-a/topics/submissions/view",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_rate_denied",
		},
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}

func TestIssueTokenRoundTrip(t *testing.T) {
	token, err := IssueToken("s3cret", "owner-a", "user-a", []string{"notifications:read", "admin:read"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, authErr := authorizeBearer(token, "s3cret", "owner-a", "admin:read", time.Now())
	if authErr != nil {
		t.Fatalf("authorize: %v", authErr)
	}
	if claims.Subject != "user-a" {
		t.Fatalf("expected subject user-a, got %q", claims.Subject)
	}

	var spaced scopeSet
	if err := json.Unmarshal([]byte(`"notifications:read admin:read"`), &spaced); err != nil {
		t.Fatalf("unmarshal spaced scopes: %v", err)
	}
	if len(spaced) != 2 {
		t.Fatalf("expected two scopes, got %v", spaced)
	}
}

func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, frameType string) StreamFrame {
	t.Helper()
	for {
		var frame StreamFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read %s frame: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
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

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, scopeKey string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, scopeKey, scopes, "onelink", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, scopeKey string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"scope_key": scopeKey,
		"sub":       "tester",
		"scopes":    scopes,
		"exp":       exp.Unix(),
		"aud":       aud,
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}
