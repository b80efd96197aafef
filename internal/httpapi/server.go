package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/igorms-pro/onelink-sub002/internal/pipeline"
	"github.com/igorms-pro/onelink-sub002/internal/store"
)

// Logger is satisfied by *log.Logger and *logrus.Entry.
type Logger interface {
	Printf(format string, args ...any)
}

// IngestFunc hands an inserted row to the change feed the pipelines listen on.
type IngestFunc func(ctx context.Context, table string, record map[string]any) error

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64

	// Gatherer backs /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
	// Ingest enables POST /v1/internal/changes.
	Ingest IngestFunc

	StreamWriteTimeout time.Duration
	StreamPingInterval time.Duration
	OriginPatterns     []string
	Logger             Logger
}

type Server struct {
	manager            *pipeline.Manager
	hub                *pipeline.Broadcaster
	cfg                ServerConfig
	metrics            http.Handler
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	entries   map[string]rateEntry
	nextPrune time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(manager *pipeline.Manager, hub *pipeline.Broadcaster) *Server {
	return NewServerWithConfig(manager, hub, ServerConfig{})
}

func NewServerWithConfig(manager *pipeline.Manager, hub *pipeline.Broadcaster, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 10 * time.Second
	}
	if cfg.StreamPingInterval <= 0 {
		cfg.StreamPingInterval = 30 * time.Second
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		manager:            manager,
		hub:                hub,
		cfg:                cfg,
		metrics:            promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/changes" && r.Method == http.MethodPost {
		s.handleInternalChange(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/pipelines" && r.Method == http.MethodGet {
		s.handleAdminPipelines(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "scopes" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	scopeKey := parts[2]

	var route string
	switch {
	case len(parts) == 6 && parts[3] == "topics" && parts[5] == "view" && r.Method == http.MethodGet:
		route = "view"
	case len(parts) == 4 && parts[3] == "notifications" && r.Method == http.MethodGet:
		route = "notifications"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	raw, authErr := bearerToken(r)
	if authErr == nil {
		var claims tokenClaims
		claims, authErr = authorizeBearer(raw, s.cfg.JWTSecret, scopeKey, scopeNotificationsRead, time.Now().UTC())
		if authErr == nil && s.rateLimiter != nil {
			key := scopeKey + "|" + claims.Subject
			if !s.rateLimiter.allow(key, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
		}
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "view":
		s.handleView(w, r, scopeKey, parts[4], correlationID)
	case "notifications":
		s.handleNotifications(w, r, scopeKey, correlationID)
	}
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, scopeKey, topic, correlationID string) {
	teardown, err := s.manager.Setup(r.Context(), scopeKey, topic)
	if err != nil {
		writePipelineError(w, err, correlationID)
		return
	}
	defer teardown()
	view, ok := s.manager.View(scopeKey, topic)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "pipeline stopped", correlationID)
		return
	}
	snap := view.Snapshot()
	writeJSON(w, http.StatusOK, viewResponse{
		ScopeKey:     scopeKey,
		Topic:        topic,
		Version:      snap.Version,
		ReconciledAt: snap.ReconciledAt,
		Rows:         snap.Rows,
	})
}

type viewResponse struct {
	ScopeKey     string      `json:"scope_key"`
	Topic        string      `json:"topic"`
	Version      uint64      `json:"version"`
	ReconciledAt time.Time   `json:"reconciled_at"`
	Rows         []store.Row `json:"rows"`
}

func (s *Server) handleAdminPipelines(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	raw, authErr := bearerToken(r)
	if authErr == nil {
		_, authErr = authorizeBearer(raw, s.cfg.JWTSecret, "", scopeAdminRead, time.Now().UTC())
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topics":    s.manager.Topics(),
		"pipelines": s.manager.Statuses(),
	})
}

// changeEnvelope is the database webhook body: the inserted row and its table.
type changeEnvelope struct {
	Type   string         `json:"type"`
	Table  string         `json:"table"`
	Record map[string]any `json:"record"`
}

func (s *Server) handleInternalChange(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.cfg.Ingest == nil {
		writeError(w, http.StatusNotFound, "not_found", "change ingest is disabled", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Onelink-Timestamp")
	signature := r.Header.Get("X-Onelink-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	var env changeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if env.Type != "" && !strings.EqualFold(env.Type, "INSERT") {
		// Only inserts drive notifications.
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": false, "reason": "ignored change type " + env.Type})
		return
	}
	if env.Table == "" || env.Record == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "table and record are required", correlationID)
		return
	}
	if err := s.cfg.Ingest(r.Context(), env.Table, env.Record); err != nil {
		logf(s.cfg.Logger, "ingest change for %s failed: %v", env.Table, err)
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) requestedTopics(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return s.manager.Topics(), nil
	}
	seen := map[string]struct{}{}
	var topics []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := s.manager.Topic(name); !ok {
			return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownTopic, name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		topics = append(topics, name)
	}
	if len(topics) == 0 {
		return s.manager.Topics(), nil
	}
	return topics, nil
}

func writePipelineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, pipeline.ErrUnknownTopic):
		writeError(w, http.StatusNotFound, "unknown_topic", err.Error(), correlationID)
	case errors.Is(err, pipeline.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, pipeline.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Sweep expired windows at most once per window.
	if !now.Before(r.nextPrune) {
		for k, e := range r.entries {
			if now.After(e.resetAt) {
				delete(r.entries, k)
			}
		}
		r.nextPrune = now.Add(r.window)
	}

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func logf(logger Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
