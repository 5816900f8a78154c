package delegation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/aicp/internal/store"
)

func newTestEscrow(t *testing.T) *SQLiteEscrow {
	t.Helper()
	return NewSQLiteEscrow(newTestStore(t).DB(), 1000.0)
}

func TestEscrowSeedsOnFirstSight(t *testing.T) {
	esc := newTestEscrow(t)
	ctx := context.Background()

	balance, err := esc.Balance(ctx, "agent-req")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, balance)

	entries, err := esc.Entries(ctx, "agent-req")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "seed", entries[0].Kind)
	assert.Equal(t, 1000.0, entries[0].AmountUSD)
}

func TestEscrowHoldAndRefund(t *testing.T) {
	esc := newTestEscrow(t)
	ctx := context.Background()

	require.NoError(t, esc.Hold(ctx, "agent-req", "dg-1", 10.0))
	balance, err := esc.Balance(ctx, "agent-req")
	require.NoError(t, err)
	assert.Equal(t, 990.0, balance)

	require.NoError(t, esc.Refund(ctx, "agent-req", "dg-1", 2.0))
	balance, err = esc.Balance(ctx, "agent-req")
	require.NoError(t, err)
	assert.Equal(t, 992.0, balance)

	// The ledger reconciles to the balance.
	entries, err := esc.Entries(ctx, "agent-req")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "seed", entries[0].Kind)
	assert.Equal(t, "escrow_hold", entries[1].Kind)
	assert.Equal(t, -10.0, entries[1].AmountUSD)
	assert.Equal(t, "dg-1", entries[1].DelegationID)
	assert.Equal(t, "escrow_refund", entries[2].Kind)
	assert.Equal(t, 2.0, entries[2].AmountUSD)

	sum := 0.0
	for _, entry := range entries {
		sum += entry.AmountUSD
	}
	assert.Equal(t, balance, sum)
}

func TestEscrowHoldInsufficientBalance(t *testing.T) {
	esc := newTestEscrow(t)
	ctx := context.Background()

	err := esc.Hold(ctx, "agent-req", "dg-1", 5000.0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.True(t, errors.Is(err, store.ErrInvalidArgument))

	// Nothing was deducted and no hold was ledgered.
	balance, err := esc.Balance(ctx, "agent-req")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, balance)

	entries, err := esc.Entries(ctx, "agent-req")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEscrowRefundIgnoresNonPositive(t *testing.T) {
	esc := newTestEscrow(t)
	ctx := context.Background()

	require.NoError(t, esc.Refund(ctx, "agent-req", "dg-1", 0))
	require.NoError(t, esc.Refund(ctx, "agent-req", "dg-1", -5))

	entries, err := esc.Entries(ctx, "agent-req")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewEscrowFactory(t *testing.T) {
	db := newTestStore(t).DB()

	esc, err := NewEscrow(db, EscrowConfig{Backend: "sqlite", SeedBalanceUSD: 500})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteEscrow{}, esc)

	esc, err = NewEscrow(db, EscrowConfig{})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteEscrow{}, esc)

	_, err = NewEscrow(db, EscrowConfig{Backend: "spanner"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database path")

	_, err = NewEscrow(db, EscrowConfig{Backend: "dynamo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown escrow backend")
}

func TestEscrowFactoryDefaultSeed(t *testing.T) {
	esc, err := NewEscrow(newTestStore(t).DB(), EscrowConfig{Backend: "sqlite"})
	require.NoError(t, err)

	balance, err := esc.Balance(context.Background(), "agent-req")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, balance)
}
