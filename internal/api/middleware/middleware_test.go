package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/pcraw4d/fraud-serving/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChain() *Chain {
	return NewChain(observability.NewLogger("error"), observability.NewMetrics(), []string{"https://dashboard.example.com"}, false)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	})
}

func TestChain_SecurityHeadersSet(t *testing.T) {
	c := testChain()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	c.Wrap(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestChain_CORSAllowsConfiguredOrigin(t *testing.T) {
	c := testChain()
	req := httptest.NewRequest(http.MethodGet, "/predict", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()

	c.Wrap(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestChain_CORSRejectsUnlistedOrigin(t *testing.T) {
	c := testChain()
	req := httptest.NewRequest(http.MethodGet, "/predict", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()

	c.Wrap(okHandler()).ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestChain_OPTIONSPreflightShortCircuits(t *testing.T) {
	c := testChain()
	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	rec := httptest.NewRecorder()

	called := false
	c.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
}

func TestChain_RequestIDGeneratedWhenAbsent(t *testing.T) {
	c := testChain()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	var seenID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = r.Context().Value(observability.RequestIDKey).(string)
	})
	c.Wrap(handler).ServeHTTP(rec, req)

	assert.NotEmpty(t, seenID)
	assert.Equal(t, seenID, rec.Header().Get("X-Request-ID"))
}

func TestChain_RequestIDPreservedWhenPresent(t *testing.T) {
	c := testChain()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rec := httptest.NewRecorder()

	c.Wrap(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied-id", rec.Header().Get("X-Request-ID"))
}

func TestChain_RecoveryCatchesPanic(t *testing.T) {
	c := testChain()
	req := httptest.NewRequest(http.MethodGet, "/predict", nil)
	rec := httptest.NewRecorder()

	panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	assert.NotPanics(t, func() {
		c.Wrap(panicker).ServeHTTP(rec, req)
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChain_CompressesWhenBrotliAccepted(t *testing.T) {
	c := testChain()
	req := httptest.NewRequest(http.MethodGet, "/dashboard/stats", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rec := httptest.NewRecorder()

	c.Wrap(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, "br", rec.Header().Get("Content-Encoding"))
	reader := brotli.NewReader(rec.Body)
	decoded, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(decoded))
}

func TestChain_NoCompressionWithoutAcceptEncoding(t *testing.T) {
	c := testChain()
	req := httptest.NewRequest(http.MethodGet, "/dashboard/stats", nil)
	rec := httptest.NewRecorder()

	c.Wrap(okHandler()).ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "hello world", rec.Body.String())
}

func TestAcceptsEncoding_ParsesQualityValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip;q=1.0, br;q=0.8")
	assert.True(t, acceptsEncoding(req, "br"))
	assert.True(t, acceptsEncoding(req, "gzip"))
	assert.False(t, acceptsEncoding(req, "identity"))
}
