// events.go - Post-commit event publication.
//
// The coordinator emits one TransactionCommitted event per successful atomic
// unit. Publication happens after the commit and is best-effort: downstream
// consumers (notification fan-out, analytics) must tolerate missing events
// and can rebuild from the ledger itself.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Operation names the logical operation behind a transaction group.
type Operation string

const (
	OpAward    Operation = "award"
	OpTransfer Operation = "transfer"
	OpReversal Operation = "reversal"
)

// TransactionCommitted describes one committed transaction group.
type TransactionCommitted struct {
	Group      GroupID         `json:"transaction_group_id"`
	Operation  Operation       `json:"operation"`
	Accounts   []AccountID     `json:"accounts"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// EventPublisher delivers committed-transaction events to an external bus.
type EventPublisher interface {
	Publish(ctx context.Context, event TransactionCommitted) error
}

// NopPublisher discards events. Default when no bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TransactionCommitted) error { return nil }
