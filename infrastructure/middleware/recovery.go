// Package middleware provides HTTP middleware for the strategy runtime.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/clmmrun/strategy-runtime/infrastructure/logging"
)

// RecoveryMiddleware recovers from panics, logs them with a stack trace, and
// writes an error envelope instead of letting the connection die.
type RecoveryMiddleware struct {
	logger *logging.Logger
}

// NewRecoveryMiddleware creates a new recovery middleware.
func NewRecoveryMiddleware(logger *logging.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger}
}

// Handler returns the recovery middleware handler.
func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				m.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
					"panic":       fmt.Sprintf("%v", err),
					"stack":       string(stack),
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Error("panic recovered")

				writePanicResponse(w, r, err)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// writePanicResponse mirrors internal/httpapi's envelope shape without
// importing it, avoiding an import cycle (httpapi wires this middleware in).
func writePanicResponse(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   false,
		"error":     "internal server error",
		"code":      "Internal",
		"details":   map[string]string{"panic": fmt.Sprintf("%v", recovered)},
		"timestamp": time.Now().UTC(),
		"path":      r.URL.Path,
		"method":    r.Method,
	})
}
