package delegation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agenthub/aicp/internal/store"
)

// ErrInsufficientBalance rejects an escrow hold that exceeds the
// requester's balance.
var ErrInsufficientBalance = fmt.Errorf("insufficient requester balance for escrow: %w", store.ErrInvalidArgument)

// Escrow moves the estimated cost out of the requester's balance for
// the duration of a delegation and releases the unspent remainder at
// settlement. Unseen agents are seeded with a starting balance.
type Escrow interface {
	Balance(ctx context.Context, agentID string) (float64, error)
	Hold(ctx context.Context, agentID, delegationID string, amountUSD float64) error
	Refund(ctx context.Context, agentID, delegationID string, amountUSD float64) error
	Close() error
}

// EscrowConfig selects and parameterizes the escrow backend.
type EscrowConfig struct {
	Backend        string // "sqlite" or "spanner"
	SeedBalanceUSD float64
	SpannerDSN     string // projects/P/instances/I/databases/D
}

// NewEscrow creates the configured escrow backend. The SQLite backend
// shares the delegation scope handle; Spanner opens its own client.
func NewEscrow(db *sqlx.DB, cfg EscrowConfig) (Escrow, error) {
	seed := cfg.SeedBalanceUSD
	if seed <= 0 {
		seed = 1000.0
	}

	switch cfg.Backend {
	case "spanner":
		if cfg.SpannerDSN == "" {
			return nil, fmt.Errorf("spanner escrow requires a database path")
		}
		return NewSpannerEscrow(cfg.SpannerDSN, seed)

	case "sqlite", "":
		return NewSQLiteEscrow(db, seed), nil

	default:
		return nil, fmt.Errorf("unknown escrow backend: %s", cfg.Backend)
	}
}

// SQLiteEscrow keeps balances in the delegation scope database.
type SQLiteEscrow struct {
	mu   sync.Mutex
	db   *sqlx.DB
	seed float64
}

// NewSQLiteEscrow wraps the delegation scope handle.
func NewSQLiteEscrow(db *sqlx.DB, seedBalance float64) *SQLiteEscrow {
	return &SQLiteEscrow{db: db, seed: seedBalance}
}

// Close is a no-op; the shared scope handle is owned by the Store.
func (e *SQLiteEscrow) Close() error { return nil }

// seedLocked inserts the starting balance for an unseen agent. The
// seed shows up in the entry ledger so balances stay reconcilable.
func (e *SQLiteEscrow) seedLocked(tx *sqlx.Tx, agentID string) error {
	res, err := tx.Exec(`
		INSERT INTO agent_balances(agent_id, balance_usd)
		VALUES (?, ?)
		ON CONFLICT(agent_id) DO NOTHING`, agentID, e.seed)
	if err != nil {
		return err
	}
	inserted, err := res.RowsAffected()
	if err != nil || inserted == 0 {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO balance_entries(entry_id, agent_id, kind, amount_usd, memo)
		VALUES (?, ?, 'seed', ?, 'initial balance seed')`,
		uuid.NewString(), agentID, e.seed)
	return err
}

// Balance returns the agent's current balance, seeding on first sight.
func (e *SQLiteEscrow) Balance(ctx context.Context, agentID string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := e.seedLocked(tx, agentID); err != nil {
		return 0, err
	}
	var balance float64
	if err := tx.Get(&balance, `SELECT balance_usd FROM agent_balances WHERE agent_id = ?`, agentID); err != nil {
		return 0, err
	}
	return balance, tx.Commit()
}

// Hold atomically deducts amountUSD from the requester's balance. The
// guard rides on the UPDATE itself so a concurrent hold can never push
// the balance negative.
func (e *SQLiteEscrow) Hold(ctx context.Context, agentID, delegationID string, amountUSD float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.seedLocked(tx, agentID); err != nil {
		return err
	}

	res, err := tx.Exec(`
		UPDATE agent_balances
		SET balance_usd = balance_usd - ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE agent_id = ? AND balance_usd >= ?`,
		amountUSD, agentID, amountUSD)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(`
		INSERT INTO balance_entries(entry_id, agent_id, delegation_id, kind, amount_usd, memo)
		VALUES (?, ?, ?, 'escrow_hold', ?, 'estimated cost held in escrow')`,
		uuid.NewString(), agentID, delegationID, -amountUSD)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Refund credits the unspent escrow remainder back to the requester.
// Zero and negative amounts are ignored.
func (e *SQLiteEscrow) Refund(ctx context.Context, agentID, delegationID string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.seedLocked(tx, agentID); err != nil {
		return err
	}
	_, err = tx.Exec(`
		UPDATE agent_balances
		SET balance_usd = balance_usd + ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE agent_id = ?`,
		amountUSD, agentID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO balance_entries(entry_id, agent_id, delegation_id, kind, amount_usd, memo)
		VALUES (?, ?, ?, 'escrow_refund', ?, 'unspent escrow released at settlement')`,
		uuid.NewString(), agentID, delegationID, amountUSD)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Entries lists the balance ledger for an agent, oldest first.
func (e *SQLiteEscrow) Entries(ctx context.Context, agentID string) ([]BalanceEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rows []BalanceEntry
	err := e.db.SelectContext(ctx, &rows, `
		SELECT entry_id, agent_id, COALESCE(delegation_id, '') AS delegation_id,
		       kind, amount_usd, COALESCE(memo, '') AS memo, created_at
		FROM balance_entries WHERE agent_id = ?
		ORDER BY created_at, rowid`, agentID)
	return rows, err
}

// BalanceEntry is one signed movement in the escrow ledger.
type BalanceEntry struct {
	EntryID      string  `json:"entry_id" db:"entry_id"`
	AgentID      string  `json:"agent_id" db:"agent_id"`
	DelegationID string  `json:"delegation_id,omitempty" db:"delegation_id"`
	Kind         string  `json:"kind" db:"kind"`
	AmountUSD    float64 `json:"amount_usd" db:"amount_usd"`
	Memo         string  `json:"memo,omitempty" db:"memo"`
	CreatedAt    string  `json:"created_at" db:"created_at"`
}
