package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extropy/ledger/ledger"
	"github.com/extropy/ledger/ledger/store"
)

func TestAudit_CleanLedger(t *testing.T) {
	// GIVEN: A ledger built only through coordinator operations
	// WHEN: The completeness audit runs
	// THEN: Every balance equals its replay-sum

	mem := store.NewMemory()
	coord := ledger.NewCoordinator(mem)
	ctx := context.Background()

	_, err := coord.Award(ctx, "alice", dec("10"), "seed", nil, "")
	require.NoError(t, err)
	transfer, err := coord.Transfer(ctx, "alice", "bob", dec("4"), "tip", "")
	require.NoError(t, err)
	_, err = coord.Reverse(ctx, transfer.Group, "takedown")
	require.NoError(t, err)

	report, err := ledger.NewAuditor(mem).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 2, report.CheckedAccounts)
}

func TestAudit_DetectsDrift(t *testing.T) {
	// GIVEN: A balance mutated outside any ledger operation
	// WHEN: The audit runs
	// THEN: The drifted account is reported with the exact delta

	mem := store.NewMemory()
	coord := ledger.NewCoordinator(mem)
	ctx := context.Background()

	_, err := coord.Award(ctx, "alice", dec("10"), "seed", nil, "")
	require.NoError(t, err)

	// Corrupt the projection without an entry.
	_, err = mem.ApplyDelta(ctx, "alice", dec("5"))
	require.NoError(t, err)

	report, err := ledger.NewAuditor(mem).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)

	drift := report.Drifts[0]
	assert.Equal(t, ledger.AccountID("alice"), drift.AccountID)
	assert.True(t, drift.Balance.Equal(dec("15")))
	assert.True(t, drift.LedgerSum.Equal(dec("10")))
	assert.True(t, drift.Delta.Equal(dec("5")))
}

func TestAudit_EmptyLedger(t *testing.T) {
	// GIVEN: No accounts at all
	// WHEN: The audit runs
	// THEN: A clean report over zero accounts

	report, err := ledger.NewAuditor(store.NewMemory()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Zero(t, report.CheckedAccounts)
}
