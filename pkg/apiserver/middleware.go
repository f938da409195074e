package apiserver

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Peterbackson-desing/dashboard/pkg/auth"
	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

// contextKey is an unexported type for context keys in this package.
type contextKey int

const sessionContextKey contextKey = 1

const (
	// maxRequestBodyBytes limits JSON request bodies.
	maxRequestBodyBytes = 1 << 20
	// multipartOverhead is the slack allowed on top of the artifact cap for
	// multipart boundaries and part headers.
	multipartOverhead = 64 << 10
)

// applyMiddleware wraps the given handler with the standard middleware chain.
// Order (outermost to innermost): recovery -> requestID -> logging -> cors -> rateLimiter -> requestBodyLimit
func (s *Server) applyMiddleware(h http.Handler) http.Handler {
	h = s.requestBodyLimitMiddleware(h)
	h = s.rateLimitMiddleware(h)
	h = s.corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = requestIDMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}

// routePath strips the legacy /api prefix.
func routePath(r *http.Request) string {
	if p, ok := strings.CutPrefix(r.URL.Path, "/api/"); ok {
		return "/" + p
	}
	return r.URL.Path
}

// requestBodyLimitMiddleware wraps the request body with http.MaxBytesReader.
// The upload route gets the artifact cap plus multipart overhead instead.
func (s *Server) requestBodyLimitMiddleware(next http.Handler) http.Handler {
	uploadLimit := int64(maxRequestBodyBytes)
	if s.deps.Artifacts != nil {
		uploadLimit = s.deps.Artifacts.MaxSize() + multipartOverhead
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := int64(maxRequestBodyBytes)
		if routePath(r) == "/ota/upload" {
			limit = uploadLimit
		}
		if r.ContentLength > limit {
			s.metrics.IncError()
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestIDMiddleware adds a unique X-Request-ID header to each request and
// response if one is not already present.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request's method, path, status, and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)
		s.metrics.ObserveLatency(elapsed)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", elapsed,
			"request_id", r.Header.Get("X-Request-ID"),
		)
	})
}

// recoveryMiddleware catches panics in downstream handlers and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic", "error", rec, "stack", string(debug.Stack()))
				s.metrics.IncError()
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// tokenBucket is a simple, goroutine-safe token-bucket rate limiter.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	maxTok   float64
	ratePerS float64
	lastFill time.Time
}

func newTokenBucket(ratePerSec float64, burst float64) *tokenBucket {
	return &tokenBucket{
		tokens:   burst,
		maxTok:   burst,
		ratePerS: ratePerSec,
		lastFill: time.Now(),
	}
}

// allow returns true and consumes one token if the bucket is non-empty.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	tb.tokens += now.Sub(tb.lastFill).Seconds() * tb.ratePerS
	if tb.tokens > tb.maxTok {
		tb.tokens = tb.maxTok
	}
	tb.lastFill = now
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// rateLimitMiddleware enforces a global request rate. Firmware fetches by
// devices and probes are not limited.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.opts.RateLimit <= 0 {
		return next
	}
	burst := float64(s.opts.RateBurst)
	if burst < 1 {
		burst = 1
	}
	limiter := newTokenBucket(s.opts.RateLimit, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := routePath(r)
		exempt := p == "/health" || p == "/readyz" || strings.HasPrefix(p, "/ota/firmware/")
		if !exempt && !limiter.allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for the configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.opts.AllowedOrigins))
	for _, o := range s.opts.AllowedOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireSession authenticates the bearer token. A missing token is 401; an
// invalid or expired one is 403. allowQuery also accepts ?token= for clients
// that cannot set headers, such as browser websockets.
func (s *Server) requireSession(next http.HandlerFunc, allowQuery bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.IncRequest()
		token := bearerToken(r)
		if token == "" && allowQuery {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.metrics.IncError()
			writeError(w, http.StatusUnauthorized, auth.ErrTokenMissing.Error())
			return
		}
		sess, err := s.deps.Gate.Validate(token)
		if err != nil {
			s.metrics.IncError()
			writeError(w, http.StatusForbidden, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		next(w, r.WithContext(ctx))
	}
}

// requireRole rejects sessions without role with 403.
func (s *Server) requireRole(role model.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.RequireRole(sessionFrom(r), role); err != nil {
			s.metrics.IncError()
			writeError(w, http.StatusForbidden, "access denied: "+string(role)+" role required")
			return
		}
		next(w, r)
	}
}

func sessionFrom(r *http.Request) *auth.Session {
	sess, _ := r.Context().Value(sessionContextKey).(*auth.Session)
	return sess
}
