/*
query.go - Read-only balance and history projections

PURPOSE:
  QueryService answers "what is the balance?" and "what happened?" without
  ever participating in the transactional boundary. It may read from a
  weaker-consistency replica as an explicit trade-off: these reads never
  authorize mutations - ApplyDelta is the only overdraft guard.

SEE ALSO:
  - store.go: Store contract this delegates to
  - audit.go: Batch replay-sum consistency check
*/
package ledger

import "context"

type QueryService struct {
	Store Store
}

func NewQueryService(store Store) *QueryService {
	return &QueryService{Store: store}
}

// Balance returns the current balance; zero for unknown accounts.
func (q *QueryService) Balance(ctx context.Context, id AccountID) (Balance, error) {
	return q.Store.GetBalance(ctx, id)
}

// History returns one page of an account's ledger, newest first, and the
// cursor to resume from. Limit is clamped to MaxHistoryLimit.
func (q *QueryService) History(ctx context.Context, id AccountID, cursor Cursor, limit int) ([]Entry, Cursor, error) {
	return q.Store.History(ctx, id, cursor, ClampHistoryLimit(limit))
}
