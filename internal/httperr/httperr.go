// ABOUTME: Error taxonomy shared across the HTTP surface and its JSON translation
// ABOUTME: One boundary translator so handlers never hand-roll status codes

package httperr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// AuthenticationError means the request carried no credential or an
// invalid one. Translated to 401 with a minimal body.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string { return "authentication failed: " + e.Reason }

// PermissionError means the credential was valid but the action is not
// allowed. Translated to 403 with no detail about the target.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string { return "permission denied: " + e.Reason }

// NotFoundError covers both genuinely absent objects and objects that
// are deliberately hidden from the caller. The two cases must be
// indistinguishable on the wire.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

// ValidationError carries per-field messages for malformed input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	for f, msg := range e.Fields {
		return "invalid " + f + ": " + msg
	}
	return "invalid request"
}

// ConflictError reports that a platform identifier is already bound.
// Link is populated only when the conflicting object belongs to the
// caller's own team; cross-team conflicts carry no identifying detail.
type ConflictError struct {
	Message string
	Link    string
}

func (e *ConflictError) Error() string { return e.Message }

// TransientUpstreamError is a retryable provider failure that survived
// the internal retry policy. Translated to 503.
type TransientUpstreamError struct {
	Err error
}

func (e *TransientUpstreamError) Error() string { return "upstream unavailable: " + e.Err.Error() }

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// errorBody is the JSON shape every error response uses.
type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
	Link   string            `json:"link,omitempty"`
}

// Write translates an error into its HTTP response. Unknown errors are
// logged and surfaced as an opaque 500.
func Write(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		authErr      *AuthenticationError
		permErr      *PermissionError
		notFoundErr  *NotFoundError
		valErr       *ValidationError
		conflictErr  *ConflictError
		transientErr *TransientUpstreamError
	)

	switch {
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: authErr.Reason})
	case errors.As(err, &permErr):
		writeJSON(w, http.StatusForbidden, errorBody{Error: permErr.Reason})
	case errors.As(err, &notFoundErr):
		writeJSON(w, http.StatusNotFound, errorBody{Error: notFoundErr.Error()})
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: valErr.Fields})
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, errorBody{Error: conflictErr.Message, Link: conflictErr.Link})
	case errors.As(err, &transientErr):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "upstream temporarily unavailable"})
	default:
		if logger != nil {
			logger.Error("unhandled error", "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
