package registry

import (
	"io"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
)

const (
	MaxBytesRead = int64(1 << 20) // 1MB

	HeaderRequestID = "X-Request-Id"
)

// MaxBytesReadHandler returns a Handler that runs h with its ResponseWriter and Request.Body wrapped by a MaxBytesReader.
func MaxBytesReadHandler(h http.HandlerFunc, n int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := *r
		r2.Body = http.MaxBytesReader(w, r.Body, n)
		h.ServeHTTP(w, &r2)
	}
}

// LoggingFilter logs one line per request and tags it with a request id.
func LoggingFilter(log logr.Logger, next http.Handler) http.Handler {
	formatter := func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Info("request",
			"id", params.Request.Header.Get(HeaderRequestID),
			"method", params.Request.Method,
			"uri", params.URL.RequestURI(),
			"status", params.StatusCode,
			"size", params.Size,
			"remote", params.Request.RemoteAddr,
		)
	}
	logged := handlers.CustomLoggingHandler(io.Discard, next, formatter)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		logged.ServeHTTP(w, r.WithContext(logr.NewContext(r.Context(), log.WithValues("requestID", id))))
	})
}
