package api

import (
	"errors"
	"io"
	"net/http"
)

// maxRequestBodySize bounds request bodies across the whole HTTP surface.
// The largest legitimate payloads are wrapped KEK blobs and recovery
// shares, which sit far below this.
const maxRequestBodySize int64 = 1 << 20

// requestBodySizeLimitMiddleware refuses oversized request bodies. Bodies
// announced over the limit via Content-Length are rejected up front;
// chunked uploads are capped mid-read, and a handler error caused by the
// cap is reported as 413 rather than the handler's own status.
func requestBodySizeLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				respondBodyTooLarge(w)
				return
			}
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			body := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, limit)}
			r.Body = body
			next.ServeHTTP(&bodySizeResponseWriter{ResponseWriter: w, body: body}, r)
		})
	}
}

// limitedBody records whether a read tripped the size cap.
type limitedBody struct {
	io.ReadCloser
	breached bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		b.breached = true
	}
	return n, err
}

// bodySizeResponseWriter rewrites a handler's client-error status into 413
// when the body read tripped the cap, so callers see the real cause
// instead of a generic decode failure.
type bodySizeResponseWriter struct {
	http.ResponseWriter
	body        *limitedBody
	intercepted bool
}

func (w *bodySizeResponseWriter) WriteHeader(status int) {
	if w.body.breached && status >= 400 && status < 500 && status != http.StatusRequestEntityTooLarge {
		w.intercepted = true
		respondBodyTooLarge(w.ResponseWriter)
		return
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *bodySizeResponseWriter) Write(p []byte) (int, error) {
	if w.intercepted {
		return len(p), nil
	}
	return w.ResponseWriter.Write(p)
}

func respondBodyTooLarge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	_, _ = w.Write([]byte(`{"status":"error","message":"request body too large"}`))
}
