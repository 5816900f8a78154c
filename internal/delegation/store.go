package delegation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agenthub/aicp/internal/store"
)

// Store is the delegation-scope persistence layer: records, queue
// states, balances and usage signals share one WAL SQLite handle.
type Store struct {
	mu sync.Mutex
	db *sqlx.DB
}

// Open opens (or creates) the delegation-scope database at path and
// applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := store.OpenScope(path, "delegation")
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// NewStore wraps an already-opened delegation-scope handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// DB exposes the scope handle so the SQLite escrow can share it.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

type recordRow struct {
	DelegationID string `db:"delegation_id"`
	RecordJSON   string `db:"record_json"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

// InsertRecord persists the full delegation outcome. The typed columns
// exist for queries; record_json is authoritative for reads.
func (s *Store) InsertRecord(rec *Record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode delegation record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO delegation_records(
			delegation_id, requester_agent_id, delegate_agent_id, task_spec,
			status, estimated_cost_usd, max_budget_usd, actual_cost_usd,
			contract_version, record_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DelegationID, rec.RequesterAgentID, rec.DelegateAgentID, rec.TaskSpec,
		rec.Status, rec.EstimatedCostUSD, rec.MaxBudgetUSD, rec.ActualCostUSD,
		ContractVersion, string(encoded))
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("delegation record already exists: %s: %w", rec.DelegationID, store.ErrAlreadyExists)
	}
	return err
}

// GetRecord fetches one delegation by id.
func (s *Store) GetRecord(delegationID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row recordRow
	err := s.db.Get(&row, `
		SELECT delegation_id, record_json, created_at, updated_at
		FROM delegation_records WHERE delegation_id = ?`, delegationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delegation not found: %s: %w", delegationID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(row)
}

// ListRecent returns up to n records, newest first.
func (s *Store) ListRecent(n int) ([]Record, error) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []recordRow
	err := s.db.Select(&rows, `
		SELECT delegation_id, record_json, created_at, updated_at
		FROM delegation_records
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func decodeRecord(row recordRow) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(row.RecordJSON), &rec); err != nil {
		return nil, fmt.Errorf("corrupt delegation record %s: %w", row.DelegationID, err)
	}
	return &rec, nil
}

// --- Queue states ---

type queueRow struct {
	DelegationID string         `db:"delegation_id"`
	Status       string         `db:"status"`
	Attempts     int            `db:"attempts"`
	LastError    sql.NullString `db:"last_error"`
	UpdatedAt    string         `db:"updated_at"`
}

func (r queueRow) toState() *QueueState {
	out := &QueueState{
		DelegationID: r.DelegationID,
		Status:       r.Status,
		Attempts:     r.Attempts,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastError.Valid {
		out.LastError = r.LastError.String
	}
	return out
}

// UpsertQueueState transitions a delegation's queue slot, optionally
// counting a new attempt, and returns the stored state.
func (s *Store) UpsertQueueState(delegationID, status string, incrementAttempt bool, lastError string) (*QueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attemptDelta := 0
	if incrementAttempt {
		attemptDelta = 1
	}
	var errValue any
	if lastError != "" {
		errValue = lastError
	}

	_, err := s.db.Exec(`
		INSERT INTO delegation_queue_states(delegation_id, status, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(delegation_id) DO UPDATE SET
			status = excluded.status,
			attempts = delegation_queue_states.attempts + ?,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		delegationID, status, attemptDelta, errValue, attemptDelta)
	if err != nil {
		return nil, err
	}
	return s.getQueueStateLocked(delegationID)
}

// GetQueueState fetches the queue slot for a delegation, nil when the
// delegation never entered the queue.
func (s *Store) GetQueueState(delegationID string) (*QueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getQueueStateLocked(delegationID)
}

func (s *Store) getQueueStateLocked(delegationID string) (*QueueState, error) {
	var row queueRow
	err := s.db.Get(&row, `SELECT * FROM delegation_queue_states WHERE delegation_id = ?`, delegationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toState(), nil
}

// --- Usage signals ---

// UsageEvent is one settled outcome used as a delegate trust signal.
type UsageEvent struct {
	EventID    string  `json:"event_id" db:"event_id"`
	AgentID    string  `json:"agent_id" db:"agent_id"`
	Success    bool    `json:"success" db:"success"`
	CostUSD    float64 `json:"cost_usd" db:"cost_usd"`
	LatencyMS  float64 `json:"latency_ms" db:"latency_ms"`
	OccurredAt string  `json:"occurred_at" db:"occurred_at"`
}

// AppendUsageEvent records one outcome for an agent.
func (s *Store) AppendUsageEvent(agentID string, success bool, costUSD, latencyMS float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO usage_events(event_id, agent_id, success, cost_usd, latency_ms)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), agentID, success, costUSD, latencyMS)
	return err
}

// UsageStats aggregates an agent's usage history.
func (s *Store) UsageStats(agentID string) (total, successes int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := struct {
		Total     int `db:"total"`
		Successes int `db:"successes"`
	}{}
	err = s.db.Get(&row, `
		SELECT COUNT(*) AS total, COALESCE(SUM(success), 0) AS successes
		FROM usage_events WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, 0, err
	}
	return row.Total, row.Successes, nil
}
