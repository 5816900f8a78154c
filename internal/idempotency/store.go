// Package idempotency implements the at-most-once reservation store for
// mutating requests. A slot is keyed by (tenant, actor, method, route,
// idempotency key); the first writer claims it, completed responses are
// cached for replay, and a different request hash on the same key is a
// deterministic rejection.
package idempotency

import (
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/agenthub/aicp/internal/store"
)

// Reservation states surfaced to the pipeline.
const (
	StateReserved = "reserved"
	StatePending  = "pending"
	StateMismatch = "mismatch"
	StateResponse = "response"
)

// Headers never cached: they describe the individual exchange, not the
// logical response.
var uncachedHeaders = map[string]bool{
	"date":           true,
	"server":         true,
	"content-length": true,
}

// Key identifies one reservation slot.
type Key struct {
	TenantID       string
	Actor          string
	Method         string
	Route          string
	IdempotencyKey string
}

// StoredResponse is a cached handler response, replayed byte-for-byte.
type StoredResponse struct {
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"-"`
}

// Reservation is the outcome of a reserve attempt. Response is non-nil
// only when State == StateResponse.
type Reservation struct {
	State    string
	Response *StoredResponse
}

// RequestHash digests the raw request. Raw body bytes go into the hash,
// so textually different retries of the same logical payload are treated
// as different requests.
func RequestHash(method, path, rawQuery string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write([]byte(rawQuery))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Store is the idempotency-scope persistence layer.
type Store struct {
	mu sync.Mutex
	db *sqlx.DB
}

// Open opens (or creates) the idempotency-scope database at path and
// applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := store.OpenScope(path, "idempotency")
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// NewStore wraps an already-opened idempotency-scope handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type reservationRow struct {
	RequestHash     string         `db:"request_hash"`
	Status          string         `db:"status"`
	HTTPStatus      sql.NullInt64  `db:"http_status"`
	ContentType     sql.NullString `db:"content_type"`
	HeadersJSON     sql.NullString `db:"headers_json"`
	ResponseBodyB64 sql.NullString `db:"response_body_b64"`
}

// Reserve claims the slot for key or reports why it cannot be claimed.
// The insert doubles as the mutual-exclusion point: exactly one caller
// per key ever sees StateReserved.
func (s *Store) Reserve(key Key, requestHash string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO idempotency_requests(tenant_id, actor, method, route, idempotency_key, request_hash, status)
		VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		key.TenantID, key.Actor, key.Method, key.Route, key.IdempotencyKey, requestHash)
	if err == nil {
		return &Reservation{State: StateReserved}, nil
	}
	if !store.IsUniqueViolation(err) {
		return nil, fmt.Errorf("idempotency: reserve: %w", err)
	}

	var row reservationRow
	err = s.db.Get(&row, `
		SELECT request_hash, status, http_status, content_type, headers_json, response_body_b64
		FROM idempotency_requests
		WHERE tenant_id = ? AND actor = ? AND method = ? AND route = ? AND idempotency_key = ?`,
		key.TenantID, key.Actor, key.Method, key.Route, key.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		// Cleared between the failed insert and this read; the caller
		// may retry, which will claim a fresh slot.
		return &Reservation{State: StateReserved}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: read slot: %w", err)
	}

	if row.RequestHash != requestHash {
		return &Reservation{State: StateMismatch}, nil
	}
	if !row.ResponseBodyB64.Valid {
		return &Reservation{State: StatePending}, nil
	}

	resp := &StoredResponse{
		StatusCode:  200,
		ContentType: "application/json",
		Headers:     map[string]string{},
	}
	if row.HTTPStatus.Valid {
		resp.StatusCode = int(row.HTTPStatus.Int64)
	}
	if row.ContentType.Valid && row.ContentType.String != "" {
		resp.ContentType = row.ContentType.String
	}
	if row.HeadersJSON.Valid && row.HeadersJSON.String != "" {
		if err := json.Unmarshal([]byte(row.HeadersJSON.String), &resp.Headers); err != nil {
			return nil, fmt.Errorf("idempotency: corrupt cached headers: %w", err)
		}
	}
	body, err := base64.StdEncoding.DecodeString(row.ResponseBodyB64.String)
	if err != nil {
		return nil, fmt.Errorf("idempotency: corrupt cached body: %w", err)
	}
	resp.Body = body

	return &Reservation{State: StateResponse, Response: resp}, nil
}

// Finalize caches the handler response against the slot. Exchange-scoped
// headers are dropped before storage.
func (s *Store) Finalize(key Key, resp *StoredResponse) error {
	filtered := map[string]string{}
	for name, value := range resp.Headers {
		if uncachedHeaders[strings.ToLower(name)] {
			continue
		}
		filtered[name] = value
	}
	headersJSON, err := json.Marshal(filtered)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		UPDATE idempotency_requests
		SET status = 'completed',
		    http_status = ?,
		    content_type = ?,
		    headers_json = ?,
		    response_body_b64 = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE tenant_id = ? AND actor = ? AND method = ? AND route = ? AND idempotency_key = ?`,
		resp.StatusCode, resp.ContentType, string(headersJSON),
		base64.StdEncoding.EncodeToString(resp.Body),
		key.TenantID, key.Actor, key.Method, key.Route, key.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("idempotency: finalize: %w", err)
	}
	return nil
}

// Clear releases the slot so a retry with the same key is accepted.
// Called on any non-cacheable outcome (status ≥ 300 or handler panic).
func (s *Store) Clear(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM idempotency_requests
		WHERE tenant_id = ? AND actor = ? AND method = ? AND route = ? AND idempotency_key = ?`,
		key.TenantID, key.Actor, key.Method, key.Route, key.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("idempotency: clear: %w", err)
	}
	return nil
}
