package middleware

import (
	"net/http"

	"github.com/andybalholm/brotli"
)

// compress wraps the response writer in a brotli encoder when the client
// advertises support for it.
func (c *Chain) compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsEncoding(r, "br") {
			next.ServeHTTP(w, r)
			return
		}

		bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
		defer bw.Close()

		cw := &brotliResponseWriter{ResponseWriter: w, writer: bw}
		next.ServeHTTP(cw, r)
	})
}

// brotliResponseWriter transparently brotli-encodes everything written to
// it, deferring Content-Length since the compressed size isn't known until
// the body is fully written.
type brotliResponseWriter struct {
	http.ResponseWriter
	writer      *brotli.Writer
	wroteHeader bool
}

func (w *brotliResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.Header().Del("Content-Length")
		w.Header().Set("Content-Encoding", "br")
		w.Header().Set("Vary", "Accept-Encoding")
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *brotliResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.writer.Write(b)
}
