// Package httpapi implements the runtime's inbound HTTP surface: routing,
// the response envelope, and one handler per endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
)

// envelope is the uniform response shape for every endpoint:
// {success, data|error, code?, timestamp, path, method}.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Path      string      `json:"path"`
	Method    string      `json:"method"`
}

// writeJSON writes a successful envelope carrying data.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	env := envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Path:      r.URL.Path,
		Method:    r.Method,
	}
	writeEnvelope(w, status, env)
}

// writeError writes a failed envelope from any error, unwrapping a
// *errors.RuntimeError for its category/status/details when present.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	env := envelope{
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
		Path:      r.URL.Path,
		Method:    r.Method,
	}

	var rerr *rterrors.RuntimeError
	if rterrors.As(err, &rerr) {
		status = rerr.HTTPStatus
		env.Code = string(rerr.Category)
		env.Error = rerr.Reason
		env.Details = rerr.Details
	}

	writeEnvelope(w, status, env)
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
