package ledger_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extropy/ledger/ledger"
	"github.com/extropy/ledger/ledger/store"
)

// =============================================================================
// BALANCE QUERY TESTS
// =============================================================================

func TestQuery_UnknownAccountReadsZero(t *testing.T) {
	// GIVEN: An account never touched by any operation
	// WHEN: Querying its balance
	// THEN: Zero, not an error - accounts exist implicitly

	query := ledger.NewQueryService(store.NewMemory())

	balance, err := query.Balance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestQuery_BalanceReflectsCommittedOperations(t *testing.T) {
	// GIVEN: An award and a partial transfer out
	// WHEN: Querying the balance
	// THEN: It equals the net of both

	mem := store.NewMemory()
	coord := ledger.NewCoordinator(mem)
	query := ledger.NewQueryService(mem)
	ctx := context.Background()

	_, err := coord.Award(ctx, "alice", dec("10"), "seed", nil, "")
	require.NoError(t, err)
	_, err = coord.Transfer(ctx, "alice", "bob", dec("3.5"), "tip", "")
	require.NoError(t, err)

	balance, err := query.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("6.5")))
}

// =============================================================================
// HISTORY PAGINATION TESTS
// =============================================================================

func seedHistory(t *testing.T, coord *ledger.Coordinator, id ledger.AccountID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := coord.Award(context.Background(), id, dec("1"), fmt.Sprintf("award-%d", i), nil, "")
		require.NoError(t, err)
	}
}

func TestHistory_NewestFirstWithCursorResume(t *testing.T) {
	// GIVEN: 25 awards to one account
	// WHEN: Paging with limit 10 until the cursor is exhausted
	// THEN: Pages are 10/10/5, newest first, no gaps or duplicates

	mem := store.NewMemory()
	coord := ledger.NewCoordinator(mem)
	query := ledger.NewQueryService(mem)
	ctx := context.Background()
	seedHistory(t, coord, "alice", 25)

	var seen []string
	cursor := ledger.Cursor{}
	sizes := []int{}
	for {
		entries, next, err := query.History(ctx, "alice", cursor, 10)
		require.NoError(t, err)
		sizes = append(sizes, len(entries))
		for _, e := range entries {
			seen = append(seen, e.Reason)
		}
		if next.IsZero() {
			break
		}
		cursor = next
	}

	assert.Equal(t, []int{10, 10, 5}, sizes)
	require.Len(t, seen, 25)
	assert.Equal(t, "award-24", seen[0], "newest first")
	assert.Equal(t, "award-0", seen[24], "oldest last")

	unique := make(map[string]bool, len(seen))
	for _, r := range seen {
		unique[r] = true
	}
	assert.Len(t, unique, 25, "no duplicates across pages")
}

func TestHistory_CursorSurvivesEncoding(t *testing.T) {
	// GIVEN: A first page and its cursor token
	// WHEN: The token is encoded, decoded, and reused
	// THEN: The second page continues exactly where the first ended

	mem := store.NewMemory()
	coord := ledger.NewCoordinator(mem)
	query := ledger.NewQueryService(mem)
	ctx := context.Background()
	seedHistory(t, coord, "alice", 6)

	first, next, err := query.History(ctx, "alice", ledger.Cursor{}, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.False(t, next.IsZero())

	decoded, err := ledger.DecodeCursor(next.Encode())
	require.NoError(t, err)

	second, _, err := query.History(ctx, "alice", decoded, 3)
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Less(t, second[0].Sequence, first[2].Sequence)
}

func TestHistory_LimitClamping(t *testing.T) {
	// GIVEN: More entries than the maximum page size
	// WHEN: Requesting limit 0 and an oversized limit
	// THEN: The defaults and the cap apply

	mem := store.NewMemory()
	coord := ledger.NewCoordinator(mem)
	query := ledger.NewQueryService(mem)
	ctx := context.Background()
	seedHistory(t, coord, "alice", ledger.MaxHistoryLimit+20)

	entries, _, err := query.History(ctx, "alice", ledger.Cursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, entries, ledger.DefaultHistoryLimit)

	entries, _, err = query.History(ctx, "alice", ledger.Cursor{}, 10_000)
	require.NoError(t, err)
	assert.Len(t, entries, ledger.MaxHistoryLimit)
}

func TestHistory_EmptyAccount(t *testing.T) {
	// GIVEN: An account with no entries
	// WHEN: Reading its history
	// THEN: An empty page with a zero cursor

	query := ledger.NewQueryService(store.NewMemory())

	entries, next, err := query.History(context.Background(), "ghost", ledger.Cursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, next.IsZero())
}

func TestDecodeCursor_RejectsGarbage(t *testing.T) {
	// GIVEN: Malformed cursor tokens
	// WHEN: Decoding them
	// THEN: Each fails; the empty token is the zero cursor

	for _, token := range []string{"not-base64!!", "bm9zZXBhcmF0b3I", "fHw"} {
		_, err := ledger.DecodeCursor(token)
		assert.Error(t, err, "token %q", token)
	}

	c, err := ledger.DecodeCursor("")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
}
