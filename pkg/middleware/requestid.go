package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates or mints a request id and stores it in the request
// context for logger.FromContext.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}
