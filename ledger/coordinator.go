/*
coordinator.go - The transactional core

PURPOSE:
  The Coordinator owns all cross-entity invariants. It exposes three
  operations - Award, Transfer, Reverse - each an atomic unit of work:
  success means all effects are visible, failure means none are.

FAILURE SEMANTICS:
  - InvalidAmount / SelfTransfer: rejected before any storage call.
  - InsufficientFunds: authoritative at the storage layer's conditional
    write; the whole transaction rolls back.
  - StorageUnavailable: the enclosing transaction is retried a bounded
    number of times with exponential backoff. Retrying is safe because
    WithTx leaves durable state untouched on failure.
  - Once a commit has begun it runs to a determinate outcome; a caller
    that times out must re-query rather than assume failure.

IDEMPOTENCY:
  Callers may supply an operation id. It is claimed inside the same
  transaction under a uniqueness constraint, so a retried call that already
  committed fails with ErrDuplicateOperation instead of double-applying.
  An empty operation id means at-least-once; dedup is then the caller's
  responsibility.

SCALING:
  The Coordinator is stateless over an injected TxStore handle. Mutual
  exclusion lives in the storage engine (row lock / conditional write),
  scoped to one account, so the design stays correct when several service
  instances run concurrently.

SEE ALSO:
  - store.go: TxStore contract
  - errors.go: Failure taxonomy
  - events.go: Post-commit event publication
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	Store TxStore

	// Publisher receives a TransactionCommitted event after each successful
	// commit. Publish failures are logged, never surfaced: the operation is
	// already durable.
	Publisher EventPublisher

	Log *logrus.Logger

	// MaxRetries bounds re-execution on ErrStorageUnavailable.
	MaxRetries int

	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration

	// Clock is overridable for tests.
	Clock func() time.Time
}

// NewCoordinator creates a coordinator with default retry policy, a no-op
// publisher, and the standard logger.
func NewCoordinator(store TxStore) *Coordinator {
	return &Coordinator{
		Store:        store,
		Publisher:    NopPublisher{},
		Log:          logrus.StandardLogger(),
		MaxRetries:   3,
		RetryBackoff: 50 * time.Millisecond,
		Clock:        func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// RESULTS
// =============================================================================

// AwardResult carries the post-award balance and the transaction group that
// a later Reverse can target.
type AwardResult struct {
	AccountID AccountID
	Balance   Balance
	Group     GroupID
}

// TransferResult carries both post-transfer balances and the shared group.
type TransferResult struct {
	FromID      AccountID
	ToID        AccountID
	FromBalance Balance
	ToBalance   Balance
	Group       GroupID
}

// ReverseResult carries the balances of every affected account and the
// group of the newly appended reversal entries.
type ReverseResult struct {
	Balances map[AccountID]Balance
	Group    GroupID
}

// =============================================================================
// AWARD
// =============================================================================

// Award credits amount to an account and appends a single award entry.
// operationID is optional; see the idempotency note above.
func (c *Coordinator) Award(ctx context.Context, accountID AccountID, amount decimal.Decimal, reason string, metadata map[string]string, operationID string) (AwardResult, error) {
	if err := ValidateAmount(amount); err != nil {
		return AwardResult{}, err
	}

	group := c.newGroupID()
	var result AwardResult

	err := c.withRetry(ctx, "award", func(s Store) error {
		if operationID != "" {
			if err := s.RecordOperation(ctx, operationID, group); err != nil {
				return err
			}
		}

		balance, err := s.ApplyDelta(ctx, accountID, amount)
		if err != nil {
			return err
		}

		entry := Entry{
			ID:        c.newEntryID(),
			AccountID: accountID,
			Amount:    amount,
			Kind:      KindAward,
			Reason:    reason,
			GroupID:   group,
			Metadata:  metadata,
			CreatedAt: c.Clock(),
		}
		if err := s.Append(ctx, []Entry{entry}); err != nil {
			return err
		}

		result = AwardResult{AccountID: accountID, Balance: balance, Group: group}
		return nil
	})
	if err != nil {
		return AwardResult{}, err
	}

	c.publish(ctx, TransactionCommitted{
		Group:      group,
		Operation:  OpAward,
		Accounts:   []AccountID{accountID},
		Amount:     amount,
		Reason:     reason,
		OccurredAt: c.Clock(),
	})
	return result, nil
}

// =============================================================================
// TRANSFER
// =============================================================================

// Transfer moves amount from one account to another, appending a
// transfer_out/transfer_in pair that shares one group. The sender's balance
// check happens inside the same atomic unit as the debit, so concurrent
// transfers from one sender serialize at the storage layer and exactly one
// observes the post-debit balance of the other.
func (c *Coordinator) Transfer(ctx context.Context, fromID, toID AccountID, amount decimal.Decimal, reason string, operationID string) (TransferResult, error) {
	if err := ValidateAmount(amount); err != nil {
		return TransferResult{}, err
	}
	if fromID == toID {
		return TransferResult{}, ErrSelfTransfer
	}

	group := c.newGroupID()
	var result TransferResult

	err := c.withRetry(ctx, "transfer", func(s Store) error {
		if operationID != "" {
			if err := s.RecordOperation(ctx, operationID, group); err != nil {
				return err
			}
		}

		// Deltas apply in lexicographic account order so two opposing
		// transfers cannot deadlock on row locks.
		balances, err := applyOrdered(ctx, s,
			accountDelta{fromID, amount.Neg()},
			accountDelta{toID, amount})
		if err != nil {
			return err
		}

		now := c.Clock()
		entries := []Entry{
			{
				ID:             c.newEntryID(),
				AccountID:      fromID,
				Amount:         amount.Neg(),
				Kind:           KindTransferOut,
				Reason:         reason,
				CounterpartyID: toID,
				GroupID:        group,
				CreatedAt:      now,
			},
			{
				ID:             c.newEntryID(),
				AccountID:      toID,
				Amount:         amount,
				Kind:           KindTransferIn,
				Reason:         reason,
				CounterpartyID: fromID,
				GroupID:        group,
				CreatedAt:      now,
			},
		}
		if err := s.Append(ctx, entries); err != nil {
			return err
		}

		result = TransferResult{
			FromID:      fromID,
			ToID:        toID,
			FromBalance: balances[fromID],
			ToBalance:   balances[toID],
			Group:       group,
		}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}

	c.publish(ctx, TransactionCommitted{
		Group:      group,
		Operation:  OpTransfer,
		Accounts:   []AccountID{fromID, toID},
		Amount:     amount,
		Reason:     reason,
		OccurredAt: c.Clock(),
	})
	return result, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// Reverse appends compensating entries for every entry of the given group
// and re-applies the inverse deltas. The originals are never touched. A
// second Reverse on the same group fails with ErrAlreadyReversed.
func (c *Coordinator) Reverse(ctx context.Context, group GroupID, reason string) (ReverseResult, error) {
	newGroup := c.newGroupID()
	var result ReverseResult
	var accounts []AccountID
	var total decimal.Decimal

	err := c.withRetry(ctx, "reverse", func(s Store) error {
		originals, err := s.EntriesByGroup(ctx, group)
		if err != nil {
			return err
		}
		if len(originals) == 0 {
			return ErrNotFound
		}

		reversed, err := s.GroupReversed(ctx, group)
		if err != nil {
			return err
		}
		if reversed {
			return ErrAlreadyReversed
		}

		deltas := make([]accountDelta, len(originals))
		for i, orig := range originals {
			deltas[i] = accountDelta{orig.AccountID, orig.Amount.Neg()}
		}
		balances, err := applyOrdered(ctx, s, deltas...)
		if err != nil {
			return err
		}

		now := c.Clock()
		entries := make([]Entry, len(originals))
		accounts = accounts[:0]
		total = decimal.Zero
		for i, orig := range originals {
			entries[i] = Entry{
				ID:             c.newEntryID(),
				AccountID:      orig.AccountID,
				Amount:         orig.Amount.Neg(),
				Kind:           KindReversal,
				Reason:         reason,
				CounterpartyID: orig.CounterpartyID,
				GroupID:        newGroup,
				ReversesGroup:  group,
				Metadata:       map[string]string{"reverses_group": string(group)},
				CreatedAt:      now,
			}
			accounts = append(accounts, orig.AccountID)
			total = total.Add(orig.Amount.Abs())
		}
		if err := s.Append(ctx, entries); err != nil {
			return err
		}

		result = ReverseResult{Balances: balances, Group: newGroup}
		return nil
	})
	if err != nil {
		return ReverseResult{}, err
	}

	c.publish(ctx, TransactionCommitted{
		Group:      newGroup,
		Operation:  OpReversal,
		Accounts:   accounts,
		Amount:     total,
		Reason:     reason,
		OccurredAt: c.Clock(),
	})
	return result, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

type accountDelta struct {
	id    AccountID
	delta decimal.Decimal
}

// applyOrdered applies deltas sorted by account id and returns the resulting
// balances. Deltas against the same account coalesce in order.
func applyOrdered(ctx context.Context, s Store, deltas ...accountDelta) (map[AccountID]Balance, error) {
	ordered := make([]accountDelta, len(deltas))
	copy(ordered, deltas)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].id < ordered[j-1].id; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	balances := make(map[AccountID]Balance, len(ordered))
	for _, d := range ordered {
		balance, err := s.ApplyDelta(ctx, d.id, d.delta)
		if err != nil {
			return nil, err
		}
		balances[d.id] = balance
	}
	return balances, nil
}

// withRetry runs one atomic unit of work, re-executing the whole transaction
// on transient storage failures. Permanent errors return immediately.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func(Store) error) error {
	backoff := c.RetryBackoff
	var err error

	for attempt := 0; ; attempt++ {
		err = c.Store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt >= c.MaxRetries {
			c.Log.WithFields(logrus.Fields{
				"operation": op,
				"attempts":  attempt + 1,
			}).WithError(err).Error("ledger: giving up after transient storage failures")
			return err
		}

		c.Log.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt + 1,
			"backoff":   backoff.String(),
		}).WithError(err).Warn("ledger: transient storage failure, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Coordinator) publish(ctx context.Context, event TransactionCommitted) {
	if c.Publisher == nil {
		return
	}
	if err := c.Publisher.Publish(ctx, event); err != nil {
		c.Log.WithFields(logrus.Fields{
			"operation": event.Operation,
			"group_id":  event.Group,
		}).WithError(err).Warn("ledger: event publish failed")
	}
}

func (c *Coordinator) newGroupID() GroupID { return GroupID(uuid.NewString()) }
func (c *Coordinator) newEntryID() EntryID { return EntryID(uuid.NewString()) }
