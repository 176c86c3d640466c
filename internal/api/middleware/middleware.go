// Package middleware implements the HTTP middleware stack from spec
// §4.K/§4.T: security headers, CORS, request logging/metrics, request-ID
// propagation, panic recovery, and brotli response compression, modeled
// closely on the teacher's middleware chain.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pcraw4d/fraud-serving/internal/observability"
)

// Chain wires every middleware used by the HTTP surface.
type Chain struct {
	logger      *observability.Logger
	metrics     *observability.Metrics
	corsOrigins []string
	production  bool
}

// NewChain constructs a middleware Chain.
func NewChain(logger *observability.Logger, metrics *observability.Metrics, corsOrigins []string, production bool) *Chain {
	return &Chain{
		logger:      logger.WithComponent("api"),
		metrics:     metrics,
		corsOrigins: corsOrigins,
		production:  production,
	}
}

// Wrap applies the full middleware stack in the teacher's order: each
// assignment wraps the previous handler, so recovery executes outermost
// and security headers execute last, right before the route handler.
func (c *Chain) Wrap(handler http.Handler) http.Handler {
	handler = c.securityHeaders(handler)
	handler = c.cors(handler)
	handler = c.compress(handler)
	handler = c.requestLogging(handler)
	handler = c.requestID(handler)
	handler = c.recovery(handler)
	return handler
}

func (c *Chain) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Server", "fraud-serving")
		if c.production {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Chain) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if c.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Chain) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range c.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (c *Chain) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusCapturingWriter{ResponseWriter: w, statusCode: http.StatusOK}

		c.metrics.RecordHTTPRequestStart(r.Method, r.URL.Path)
		next.ServeHTTP(rw, r)
		duration := time.Since(start)
		c.metrics.RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, duration)
		c.metrics.RecordHTTPRequestEnd(r.Method, r.URL.Path)

		c.logger.LogAPIRequest(r.Context(), r.Method, r.URL.Path, r.UserAgent(), rw.statusCode, duration)
		if duration > 300*time.Millisecond {
			c.logger.Warn("slow_request", "method", r.Method, "path", r.URL.Path, "duration_ms", duration.Milliseconds())
		}
	})
}

func (c *Chain) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = observability.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), observability.RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (c *Chain) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				c.logger.WithError(fmt.Errorf("panic: %v", err)).Error("panic recovered", "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"internal_server_error","message":"An unexpected error occurred"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// acceptsEncoding reports whether the client's Accept-Encoding header
// names the given encoding.
func acceptsEncoding(r *http.Request, encoding string) bool {
	header := r.Header.Get("Accept-Encoding")
	for _, part := range strings.Split(header, ",") {
		if strings.TrimSpace(strings.SplitN(part, ";", 2)[0]) == encoding {
			return true
		}
	}
	return false
}
