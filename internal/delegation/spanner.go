package delegation

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerEscrow implements Escrow on Cloud Spanner for deployments
// where balances outlive a single node. Tables:
//
//	AgentBalances(AgentID STRING, BalanceUSD FLOAT64, UpdatedAt TIMESTAMP)
//	BalanceEntries(EntryID STRING, AgentID STRING, DelegationID STRING,
//	               Kind STRING, AmountUSD FLOAT64, Memo STRING,
//	               CreatedAt TIMESTAMP)
type SpannerEscrow struct {
	client *spanner.Client
	seed   float64
	logger *log.Logger
}

// NewSpannerEscrow connects to the database at dbPath
// (projects/P/instances/I/databases/D).
func NewSpannerEscrow(dbPath string, seedBalance float64) (*SpannerEscrow, error) {
	client, err := spanner.NewClient(context.Background(), dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}
	return &SpannerEscrow{
		client: client,
		seed:   seedBalance,
		logger: log.New(log.Writer(), "[SpannerEscrow] ", log.LstdFlags),
	}, nil
}

// Close releases the Spanner client.
func (e *SpannerEscrow) Close() error {
	e.client.Close()
	return nil
}

// Balance reads the agent's balance with a bounded-staleness read,
// seeding unseen agents first.
func (e *SpannerEscrow) Balance(ctx context.Context, agentID string) (float64, error) {
	roTx := e.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	row, err := roTx.ReadRow(ctx, "AgentBalances", spanner.Key{agentID}, []string{"BalanceUSD"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			if err := e.initializeAgent(ctx, agentID); err != nil {
				return 0, err
			}
			return e.seed, nil
		}
		return 0, err
	}

	var balance float64
	if err := row.Columns(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// Hold deducts amountUSD inside a read-write transaction so the
// balance check and the deduction commit together.
func (e *SpannerEscrow) Hold(ctx context.Context, agentID, delegationID string, amountUSD float64) error {
	_, err := e.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		balance := e.seed
		seeding := false

		row, err := txn.ReadRow(ctx, "AgentBalances", spanner.Key{agentID}, []string{"BalanceUSD"})
		if err != nil {
			if spanner.ErrCode(err) != codes.NotFound {
				return err
			}
			seeding = true
		} else if err := row.Columns(&balance); err != nil {
			return err
		}

		if balance < amountUSD {
			e.logger.Printf("💸 Agent %s has insufficient balance: %.6f < %.6f", agentID, balance, amountUSD)
			return ErrInsufficientBalance
		}

		mutations := []*spanner.Mutation{}
		if seeding {
			mutations = append(mutations, spanner.Insert("BalanceEntries",
				[]string{"EntryID", "AgentID", "Kind", "AmountUSD", "Memo", "CreatedAt"},
				[]interface{}{uuid.NewString(), agentID, "seed", e.seed, "initial balance seed", spanner.CommitTimestamp},
			))
		}
		mutations = append(mutations,
			spanner.InsertOrUpdate("AgentBalances",
				[]string{"AgentID", "BalanceUSD", "UpdatedAt"},
				[]interface{}{agentID, balance - amountUSD, spanner.CommitTimestamp},
			),
			spanner.Insert("BalanceEntries",
				[]string{"EntryID", "AgentID", "DelegationID", "Kind", "AmountUSD", "Memo", "CreatedAt"},
				[]interface{}{uuid.NewString(), agentID, delegationID, "escrow_hold", -amountUSD, "estimated cost held in escrow", spanner.CommitTimestamp},
			),
		)
		return txn.BufferWrite(mutations)
	})
	return err
}

// Refund credits the unspent remainder back to the requester.
func (e *SpannerEscrow) Refund(ctx context.Context, agentID, delegationID string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}

	_, err := e.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var balance float64
		row, err := txn.ReadRow(ctx, "AgentBalances", spanner.Key{agentID}, []string{"BalanceUSD"})
		if err != nil {
			return err
		}
		if err := row.Columns(&balance); err != nil {
			return err
		}

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("AgentBalances",
				[]string{"AgentID", "BalanceUSD", "UpdatedAt"},
				[]interface{}{agentID, balance + amountUSD, spanner.CommitTimestamp},
			),
			spanner.Insert("BalanceEntries",
				[]string{"EntryID", "AgentID", "DelegationID", "Kind", "AmountUSD", "Memo", "CreatedAt"},
				[]interface{}{uuid.NewString(), agentID, delegationID, "escrow_refund", amountUSD, "unspent escrow released at settlement", spanner.CommitTimestamp},
			),
		})
	})
	return err
}

// Entries lists the balance ledger for an agent, oldest first.
func (e *SpannerEscrow) Entries(ctx context.Context, agentID string) ([]BalanceEntry, error) {
	stmt := spanner.Statement{
		SQL: `SELECT EntryID, AgentID, DelegationID, Kind, AmountUSD, Memo, CreatedAt
		      FROM BalanceEntries
		      WHERE AgentID = @agentID
		      ORDER BY CreatedAt`,
		Params: map[string]interface{}{"agentID": agentID},
	}

	iter := e.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var entries []BalanceEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var entry BalanceEntry
		var delegationID, memo spanner.NullString
		var createdAt time.Time
		if err := row.Columns(&entry.EntryID, &entry.AgentID, &delegationID, &entry.Kind, &entry.AmountUSD, &memo, &createdAt); err != nil {
			return nil, err
		}
		entry.DelegationID = delegationID.StringVal
		entry.Memo = memo.StringVal
		entry.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		entries = append(entries, entry)
	}
	return entries, nil
}

// initializeAgent seeds a fresh balance row outside a hold.
func (e *SpannerEscrow) initializeAgent(ctx context.Context, agentID string) error {
	_, err := e.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("AgentBalances",
			[]string{"AgentID", "BalanceUSD", "UpdatedAt"},
			[]interface{}{agentID, e.seed, spanner.CommitTimestamp},
		),
		spanner.Insert("BalanceEntries",
			[]string{"EntryID", "AgentID", "Kind", "AmountUSD", "Memo", "CreatedAt"},
			[]interface{}{uuid.NewString(), agentID, "seed", e.seed, "initial balance seed", spanner.CommitTimestamp},
		),
	})
	if err == nil {
		e.logger.Printf("✨ Seeded agent %s with starting balance %.2f", agentID, e.seed)
	}
	return err
}
