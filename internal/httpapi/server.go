package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayindex/internal/indexer"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 1000
	storeTimeout           = 5 * time.Second

	scopeDeadLettersWrite = "dead-letters:write"
	scopeCursorsRead      = "cursors:read"
)

// Indexer is the part of *indexer.Service the status server reads.
type Indexer interface {
	Status() indexer.ServiceStatus
	Relays() []indexer.RelayStatus
	ConsumerName() string
	DeadLetters() indexer.DeadLetterQueue
	Cursors() *indexer.CursorManager
}

type ServerConfig struct {
	JWTSecret string
	// RequireAuthForReads extends bearer checks to the read routes.
	RequireAuthForReads bool
	RateLimitMax        int
	RateLimitWindow     time.Duration
	Metrics             http.Handler
	Logger              *slog.Logger
}

type Server struct {
	indexer     Indexer
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	entries   map[string]rateEntry
	lastSweep time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(ix Indexer) *Server {
	return NewServerWithConfig(ix, ServerConfig{})
}

func NewServerWithConfig(ix Indexer, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
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
		indexer:     ix,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger.With("component", "httpapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && s.cfg.Metrics != nil {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 2 && parts[1] == "relays" && r.Method == http.MethodGet:
		route = "relays"
	case len(parts) == 2 && parts[1] == "dead-letters" && r.Method == http.MethodGet:
		route = "dead_letters"
	case len(parts) == 3 && parts[1] == "dead-letters" && parts[2] == "count" && r.Method == http.MethodGet:
		route = "dead_letter_count"
	case len(parts) == 3 && parts[1] == "dead-letters" && r.Method == http.MethodDelete:
		requiredScope = scopeDeadLettersWrite
		route = "dead_letter_purge"
	case len(parts) == 2 && parts[1] == "cursors" && r.Method == http.MethodGet:
		if s.cfg.RequireAuthForReads {
			requiredScope = scopeCursorsRead
		}
		route = "cursors"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	caller := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		caller = host
	}
	if requiredScope != "" || s.cfg.RequireAuthForReads {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		caller = claims.Subject
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(caller, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		writeJSON(w, http.StatusOK, s.indexer.Status())
	case "relays":
		writeJSON(w, http.StatusOK, map[string]any{"relays": s.indexer.Relays()})
	case "dead_letters":
		s.handleDeadLetters(w, r, correlationID)
	case "dead_letter_count":
		s.handleDeadLetterCount(w, r, correlationID)
	case "dead_letter_purge":
		s.handleDeadLetterPurge(w, r, parts[2], correlationID)
	case "cursors":
		s.handleCursors(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), defaultDeadLetterLimit, 1, maxDeadLetterLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 1000", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	entries, err := s.indexer.DeadLetters().List(ctx, limit)
	if err != nil {
		s.storeError(w, "list dead letters", err, correlationID)
		return
	}
	if entries == nil {
		entries = []indexer.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"limit": limit,
	})
}

func (s *Server) handleDeadLetterCount(w http.ResponseWriter, r *http.Request, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	count, err := s.indexer.DeadLetters().Count(ctx)
	if err != nil {
		s.storeError(w, "count dead letters", err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleDeadLetterPurge(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing dead letter id", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.indexer.DeadLetters().Purge(ctx, id); err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "dead letter not found", correlationID)
			return
		}
		s.storeError(w, "purge dead letter", err, correlationID)
		return
	}
	s.logger.InfoContext(r.Context(), "dead letter purged", "id", id, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "purged"})
}

func (s *Server) handleCursors(w http.ResponseWriter, r *http.Request, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	consumer := s.indexer.ConsumerName()
	cursors, err := s.indexer.Cursors().List(ctx, consumer)
	if err != nil {
		s.storeError(w, "list cursors", err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consumer": consumer,
		"cursors":  cursors,
	})
}

func (s *Server) storeError(w http.ResponseWriter, action string, err error, correlationID string) {
	s.logger.Error(action+" failed", "error", err, "correlation_id", correlationID)
	writeError(w, http.StatusInternalServerError, "internal_error", action+" failed", correlationID)
}

// getCorrelationID echoes the caller's X-Correlation-Id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
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
	r.sweepLocked(now)

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

// sweepLocked drops expired windows, at most once per window.
func (r *rateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now
	for key, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, key)
		}
	}
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
