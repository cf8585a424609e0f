package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

// Middleware applies the limiter to HTTP requests.
type Middleware struct {
	limiter   *Limiter
	auth      *Authenticator
	ops       OperationClassifier
	catalog   *EndpointCatalog
	usage     *UsageRecorder
	clock     clockwork.Clock
	tagMaxLen int
	exempt    map[string]bool
	logger    *slog.Logger
}

// MiddlewareConfig groups the middleware's collaborators. Usage may be nil.
type MiddlewareConfig struct {
	Limiter         *Limiter
	Auth            *Authenticator
	Operations      OperationClassifier
	Catalog         *EndpointCatalog
	Usage           *UsageRecorder
	Clock           clockwork.Clock
	ClientTagMaxLen int
	// ExemptPaths are HTTP paths or gRPC full method names served without
	// classification or quota, e.g. /healthz.
	ExemptPaths []string
	Logger      *slog.Logger
}

func NewMiddleware(c MiddlewareConfig) *Middleware {
	exempt := make(map[string]bool, len(c.ExemptPaths))
	for _, p := range c.ExemptPaths {
		exempt[p] = true
	}
	if c.Catalog == nil {
		c.Catalog = NewEndpointCatalog()
	}
	return &Middleware{
		limiter:   c.Limiter,
		auth:      c.Auth,
		ops:       c.Operations,
		catalog:   c.Catalog,
		usage:     c.Usage,
		clock:     c.Clock,
		tagMaxLen: c.ClientTagMaxLen,
		exempt:    exempt,
		logger:    c.Logger,
	}
}

// patternResolver is satisfied by *http.ServeMux.
type patternResolver interface {
	Handler(r *http.Request) (http.Handler, string)
}

// Wrap returns next behind the limiter. When next is a ServeMux the matched
// route pattern names the endpoint in usage records.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		caller, err := m.auth.ResolveRequest(r)
		if err != nil {
			m.unavailable(w, r, err)
			return
		}
		tier := m.ops.Classify(r.URL.Path, r.Method)

		d, err := m.limiter.Check(r.Context(), caller, tier)
		if err != nil {
			m.unavailable(w, r, err)
			return
		}

		if !d.Bypass {
			setQuotaHeaders(w, d)
		}
		if !d.Allowed {
			m.logger.Warn("rate limit exceeded",
				slog.String("actor_class", string(caller.Class)),
				slog.String("actor_id", caller.ID),
				slog.String("tier", tier),
				slog.Int("limit", d.Limit),
			)
			writeRejection(w, d)
			return
		}

		r = r.WithContext(WithCaller(r.Context(), caller))
		if caller.Class != ClassKey || m.usage == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := m.clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.URL.Path
		if pr, ok := next.(patternResolver); ok {
			if _, p := pr.Handler(r); p != "" {
				pattern = p
			}
		}
		m.usage.Record(repository.UsageRecord{
			KeyID:      caller.ID,
			EndpointID: m.catalog.ID(pattern),
			Endpoint:   pattern,
			Method:     r.Method,
			StatusCode: rec.status,
			Latency:    m.clock.Since(start),
			ClientIP:   caller.IP,
			ClientTag:  truncate(r.Header.Get("X-Client-Tag"), m.tagMaxLen),
			CreatedAt:  start,
		})
	})
}

func (m *Middleware) unavailable(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.Error("rate limiter unavailable",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error": "service temporarily unavailable",
		"code":  apperr.CodeInternal,
	})
}

func setQuotaHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

func writeRejection(w http.ResponseWriter, d Decision) {
	w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":  "rate limit exceeded for " + d.Tier,
		"code":   apperr.CodeRateLimit,
		"tier":   d.Tier,
		"limit":  d.Limit,
		"window": d.Window.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	s = s[:n]
	for i := 1; i < utf8.UTFMax && len(s) > 0; i++ {
		if r, size := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
