package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/aicp/internal/idempotency"
)

func newIdemHandler(t *testing.T) (http.Handler, *atomic.Int32) {
	t.Helper()
	st, err := idempotency.Open(filepath.Join(t.TempDir(), "idempotency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var calls atomic.Int32
	h := IdempotencyMiddleware(st)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"execution":%d}`, n)
	}))
	return h, &calls
}

func postDelegation(h http.Handler, idemKey, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/delegations", strings.NewReader(body))
	if idemKey != "" {
		r.Header.Set("Idempotency-Key", idemKey)
	}
	h.ServeHTTP(rr, r)
	return rr
}

func TestIdempotencyMissingKey(t *testing.T) {
	h, calls := newIdemHandler(t)

	rr := postDelegation(h, "", `{"a":1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeMissingIdemKey, decodeEnvelope(t, rr).Detail.Code)
	assert.Zero(t, calls.Load())
}

func TestIdempotencyReplay(t *testing.T) {
	h, calls := newIdemHandler(t)

	first := postDelegation(h, "key-1", `{"a":1}`)
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(ReplayHeader))

	second := postDelegation(h, "key-1", `{"a":1}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayHeader))

	// Byte-for-byte replay; the handler ran exactly once.
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyPayloadMismatch(t *testing.T) {
	h, calls := newIdemHandler(t)

	postDelegation(h, "key-1", `{"a":1}`)
	rr := postDelegation(h, "key-1", `{"a":2}`)

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, CodeIdemKeyReused, decodeEnvelope(t, rr).Detail.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyDistinctActorsDoNotCollide(t *testing.T) {
	st, err := idempotency.Open(filepath.Join(t.TempDir(), "idempotency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var calls atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	h := IdempotencyMiddleware(st)(inner)

	send := func(owner string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/v1/leases", strings.NewReader(`{}`))
		r.Header.Set("Idempotency-Key", "shared-key")
		r = r.WithContext(withPrincipal(r.Context(), &Principal{Owner: owner, TenantID: "tenant-default"}))
		h.ServeHTTP(rr, r)
		return rr
	}

	a := send("owner-a")
	b := send("owner-b")
	assert.Equal(t, http.StatusCreated, a.Code)
	assert.Equal(t, http.StatusCreated, b.Code)
	assert.Empty(t, b.Header().Get(ReplayHeader))
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyErrorsAreNotCached(t *testing.T) {
	st, err := idempotency.Open(filepath.Join(t.TempDir(), "idempotency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var calls atomic.Int32
	h := IdempotencyMiddleware(st)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeStableError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "first attempt fails")
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := postDelegation(h, "key-1", `{"a":1}`)
	assert.Equal(t, http.StatusBadRequest, first.Code)

	// The failed attempt released the slot; the retry executes fresh.
	second := postDelegation(h, "key-1", `{"a":1}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Empty(t, second.Header().Get(ReplayHeader))
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyPanicClearsReservation(t *testing.T) {
	st, err := idempotency.Open(filepath.Join(t.TempDir(), "idempotency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var calls atomic.Int32
	h := IdempotencyMiddleware(st)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		w.WriteHeader(http.StatusCreated)
	}))

	require.Panics(t, func() {
		postDelegation(h, "key-1", `{"a":1}`)
	})

	// The reservation is gone, not stuck pending.
	rr := postDelegation(h, "key-1", `{"a":1}`)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencySkipsReadsAndVerifyRoutes(t *testing.T) {
	h, calls := newIdemHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/delegations/dg-1/status", nil))
	assert.Equal(t, http.StatusCreated, rr.Code) // inner handler always writes 201
	assert.Equal(t, int32(1), calls.Load())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/v1/identity/credentials/verify", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, int32(2), calls.Load())
}
