package httpapi

import (
	"bytes"
	"io"
	"net/http"

	"github.com/agenthub/aicp/internal/idempotency"
)

// ReplayHeader marks a response served from the idempotency cache.
const ReplayHeader = "X-AgentHub-Idempotent-Replay"

// IdempotencyMiddleware gives every mutating /v1 route exactly-once
// semantics. The first request under a key reserves a slot and runs the
// handler against a buffer; a 2xx outcome is cached and replayed
// byte-for-byte on retries, anything else releases the slot so the
// caller may retry. Concurrent duplicates and payload reuse are both
// rejected with 409.
func IdempotencyMiddleware(store *idempotency.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || !requiresIdempotency(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := r.Header.Get("Idempotency-Key")
			if idemKey == "" {
				writeStableError(w, http.StatusBadRequest, CodeMissingIdemKey, "missing Idempotency-Key header")
				return
			}

			p := PrincipalFromContext(r.Context())
			actor := p.Owner
			if actor == "" {
				actor = "anonymous"
			}
			key := idempotency.Key{
				TenantID:       p.TenantID,
				Actor:          actor,
				Method:         r.Method,
				Route:          r.URL.Path,
				IdempotencyKey: idemKey,
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeStableError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "unreadable request body")
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash := idempotency.RequestHash(r.Method, r.URL.Path, r.URL.RawQuery, body)
			reservation, err := store.Reserve(key, hash)
			if err != nil {
				writeError(w, err)
				return
			}

			switch reservation.State {
			case idempotency.StateResponse:
				replay(w, reservation.Response)
				return
			case idempotency.StateMismatch:
				writeStableError(w, http.StatusConflict, CodeIdemKeyReused,
					"idempotency key reused with a different payload")
				return
			case idempotency.StatePending:
				writeStableError(w, http.StatusConflict, CodeIdemInProgress,
					"a request with this idempotency key is still in progress")
				return
			}

			capture := newBufferedResponse()
			defer func() {
				if p := recover(); p != nil {
					store.Clear(key)
					panic(p)
				}
			}()
			next.ServeHTTP(capture, r)

			if capture.status < 300 {
				headers := make(map[string]string, len(capture.header))
				for name := range capture.header {
					headers[name] = capture.header.Get(name)
				}
				stored := &idempotency.StoredResponse{
					StatusCode:  capture.status,
					ContentType: capture.header.Get("Content-Type"),
					Headers:     headers,
					Body:        append([]byte(nil), capture.body.Bytes()...),
				}
				if err := store.Finalize(key, stored); err != nil {
					store.Clear(key)
				}
			} else {
				store.Clear(key)
			}

			capture.flushTo(w)
		})
	}
}

// replay writes a cached response. The replay marker tells callers the
// body came from the cache rather than a fresh execution.
func replay(w http.ResponseWriter, resp *idempotency.StoredResponse) {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
