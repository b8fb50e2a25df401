package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extropy/ledger/ledger"
	"github.com/extropy/ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func dec(s string) ledger.Amount { return ledger.MustDecimal(s) }

func entry(account ledger.AccountID, amount, group string, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(fmt.Sprintf("e-%s-%s-%d", group, account, at.UnixNano())),
		AccountID: account,
		Amount:    dec(amount),
		Kind:      ledger.KindAward,
		GroupID:   ledger.GroupID(group),
		CreatedAt: at,
	}
}

// =============================================================================
// BALANCE CONSTRAINT TESTS
// =============================================================================

func TestSQLite_UnknownAccountReadsZero(t *testing.T) {
	st := newTestStore(t)

	balance, err := st.GetBalance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestSQLite_ApplyDeltaUpsertsAndAccumulates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	balance, err := st.ApplyDelta(ctx, "alice", dec("1.5"))
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("1.5")))

	balance, err = st.ApplyDelta(ctx, "alice", dec("0.00000001"))
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("1.50000001")))
}

func TestSQLite_CheckConstraintRejectsOverdraft(t *testing.T) {
	// GIVEN: An account holding 1
	// WHEN: Applying -1.00000001
	// THEN: The CHECK constraint fires and surfaces as InsufficientFundsError

	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.ApplyDelta(ctx, "alice", dec("1"))
	require.NoError(t, err)

	_, err = st.ApplyDelta(ctx, "alice", dec("-1.00000001"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var insufficientErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.True(t, insufficientErr.Available.Equal(dec("1")))

	balance, err := st.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("1")))
}

func TestSQLite_DebitToExactlyZero(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.ApplyDelta(ctx, "alice", dec("3.14159265"))
	require.NoError(t, err)

	balance, err := st.ApplyDelta(ctx, "alice", dec("-3.14159265"))
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestSQLite_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that credits an account and appends an entry
	// WHEN: The transaction function fails afterwards
	// THEN: Neither the balance nor the entry is durable

	st := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.ApplyDelta(ctx, "alice", dec("5")); err != nil {
			return err
		}
		if err := tx.Append(ctx, []ledger.Entry{entry("alice", "5", "g1", time.Now())}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	balance, _ := st.GetBalance(ctx, "alice")
	assert.True(t, balance.IsZero())

	entries, err := st.EntriesByGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_EntryRoundTrip(t *testing.T) {
	// GIVEN: An entry with every field populated
	// WHEN: It is appended and read back by group
	// THEN: All fields survive, including metadata and the assigned sequence

	st := newTestStore(t)
	ctx := context.Background()

	e := ledger.Entry{
		ID:             "entry-1",
		AccountID:      "alice",
		Amount:         dec("-0.5"),
		Kind:           ledger.KindTransferOut,
		Reason:         "tip",
		CounterpartyID: "bob",
		GroupID:        "g1",
		ReversesGroup:  "g0",
		Metadata:       map[string]string{"card_id": "card-7"},
		CreatedAt:      time.Date(2026, time.July, 4, 12, 0, 0, 123456789, time.UTC),
	}
	require.NoError(t, st.Append(ctx, []ledger.Entry{e}))

	got, err := st.EntriesByGroup(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, e.ID, got[0].ID)
	assert.True(t, got[0].Amount.Equal(dec("-0.5")))
	assert.Equal(t, ledger.KindTransferOut, got[0].Kind)
	assert.Equal(t, "tip", got[0].Reason)
	assert.Equal(t, ledger.AccountID("bob"), got[0].CounterpartyID)
	assert.Equal(t, ledger.GroupID("g0"), got[0].ReversesGroup)
	assert.Equal(t, "card-7", got[0].Metadata["card_id"])
	assert.True(t, got[0].CreatedAt.Equal(e.CreatedAt))
	assert.Positive(t, got[0].Sequence)
}

func TestSQLite_RecordOperationOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordOperation(ctx, "op-1", "g1"))
	err := st.RecordOperation(ctx, "op-1", "g2")
	assert.ErrorIs(t, err, ledger.ErrDuplicateOperation)
}

// =============================================================================
// HISTORY TESTS
// =============================================================================

func TestSQLite_HistoryPagination(t *testing.T) {
	// GIVEN: Seven entries with strictly increasing timestamps
	// WHEN: Paging three at a time
	// THEN: Newest first with exact cursor resume and a zero final cursor

	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 7; i++ {
		e := entry("alice", "1", fmt.Sprintf("g%d", i), base.Add(time.Duration(i)*time.Millisecond))
		e.Reason = fmt.Sprintf("award-%d", i)
		require.NoError(t, st.Append(ctx, []ledger.Entry{e}))
	}

	var seen []string
	cursor := ledger.Cursor{}
	pages := 0
	for {
		entries, next, err := st.History(ctx, "alice", cursor, 3)
		require.NoError(t, err)
		pages++
		for _, e := range entries {
			seen = append(seen, e.Reason)
		}
		if next.IsZero() {
			break
		}
		cursor = next
	}

	assert.Equal(t, 3, pages)
	require.Len(t, seen, 7)
	assert.Equal(t, "award-6", seen[0])
	assert.Equal(t, "award-0", seen[6])
}

func TestSQLite_HistoryTieBreaksOnSequence(t *testing.T) {
	// GIVEN: Three entries sharing one timestamp
	// WHEN: Paging one at a time
	// THEN: Insertion order is preserved in reverse with no entry lost

	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		e := entry("alice", "1", fmt.Sprintf("t%d", i), at)
		e.Reason = fmt.Sprintf("tied-%d", i)
		require.NoError(t, st.Append(ctx, []ledger.Entry{e}))
	}

	var seen []string
	cursor := ledger.Cursor{}
	for {
		entries, next, err := st.History(ctx, "alice", cursor, 1)
		require.NoError(t, err)
		for _, e := range entries {
			seen = append(seen, e.Reason)
		}
		if next.IsZero() {
			break
		}
		cursor = next
	}

	assert.Equal(t, []string{"tied-2", "tied-1", "tied-0"}, seen)
}

// =============================================================================
// COORDINATOR INTEGRATION
// =============================================================================

func TestSQLite_CoordinatorConcurrentDrain(t *testing.T) {
	// GIVEN: alice holds 20 in a sqlite-backed ledger and 40 goroutines each
	//        try to transfer 1
	// WHEN: All transfers run concurrently
	// THEN: Exactly 20 commit and alice lands on exactly zero

	st := newTestStore(t)
	coord := ledger.NewCoordinator(st)
	coord.RetryBackoff = time.Millisecond
	ctx := context.Background()

	_, err := coord.Award(ctx, "alice", dec("20"), "seed", nil, "")
	require.NoError(t, err)

	const attempts = 40
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := coord.Transfer(ctx, "alice", ledger.AccountID(fmt.Sprintf("sink-%d", i%4)), dec("1"), "drain", "")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 20, succeeded)

	balance, err := st.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "got %s", balance)
}

func TestSQLite_CoordinatorReverseRoundTrip(t *testing.T) {
	// GIVEN: A sqlite-backed award and transfer
	// WHEN: The transfer is reversed
	// THEN: Balances match the pre-transfer state and the audit is clean

	st := newTestStore(t)
	coord := ledger.NewCoordinator(st)
	ctx := context.Background()

	_, err := coord.Award(ctx, "alice", dec("10"), "seed", nil, "")
	require.NoError(t, err)
	transfer, err := coord.Transfer(ctx, "alice", "bob", dec("4"), "tip", "")
	require.NoError(t, err)

	result, err := coord.Reverse(ctx, transfer.Group, "takedown")
	require.NoError(t, err)
	assert.True(t, result.Balances["alice"].Equal(dec("10")))
	assert.True(t, result.Balances["bob"].IsZero())

	_, err = coord.Reverse(ctx, transfer.Group, "again")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)

	report, err := ledger.NewAuditor(st).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}
