package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agenthub/aicp/internal/store"
)

// Stable error codes surfaced by the middleware chain. Handler-level
// failures map from the store sentinels instead.
const (
	CodeAuthRequired      = "auth.required"
	CodeAuthInvalid       = "auth.invalid"
	CodeAdminRequired     = "auth.admin_required"
	CodeTenantForbidden   = "tenant.forbidden"
	CodeMissingIdemKey    = "idempotency.missing_key"
	CodeIdemInProgress    = "idempotency.in_progress"
	CodeIdemKeyReused     = "idempotency.key_reused_with_different_payload"
	CodeBreakerOpen       = "breaker.open"
	CodeDelegationInvalid = "delegation.invalid"
	CodeScopeEscalation   = "delegation.scope_escalation"
	CodeInsufficientScope = "delegation.insufficient_scope"
	CodeRateLimited       = "rate.limited"
)

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra,omitempty"`
}

type errorEnvelope struct {
	Detail errorDetail `json:"detail"`
}

// writeJSON emits a JSON body with the given status. The X-Request-ID
// header is set by the request-id middleware before handlers run.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeStableError emits the stable error envelope clients key off:
// {"detail": {"code": ..., "message": ...}}.
func writeStableError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Detail: errorDetail{Code: code, Message: message}})
}

// writeStableErrorExtra is writeStableError with structured context
// (breaker reasons, attenuation hops) attached to the detail block.
func writeStableErrorExtra(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	writeJSON(w, status, errorEnvelope{Detail: errorDetail{Code: code, Message: message, Extra: extra}})
}

// codeForSentinel maps a store sentinel to its stable wire code.
func codeForSentinel(err error) (string, int) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return "ALREADY_EXISTS", http.StatusConflict
	case errors.Is(err, store.ErrConflict):
		return "CONFLICT", http.StatusConflict
	case errors.Is(err, store.ErrInvalidArgument):
		return "INVALID_ARGUMENT", http.StatusBadRequest
	case errors.Is(err, store.ErrPermissionDenied):
		return "PERMISSION_DENIED", http.StatusForbidden
	case errors.Is(err, store.ErrUnauthenticated):
		return "UNAUTHENTICATED", http.StatusUnauthorized
	default:
		return "INTERNAL", http.StatusInternalServerError
	}
}

// writeError maps a service error onto the stable envelope. Unknown
// errors become opaque 500s so internals never leak to callers.
func writeError(w http.ResponseWriter, err error) {
	code, status := codeForSentinel(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeStableError(w, status, code, msg)
}
