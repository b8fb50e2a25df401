/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNT ENCODING:
  All token amounts cross the wire as decimal strings ("0.10000000"),
  never JSON numbers: clients in float-based languages must not be handed
  a value they will silently round.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/extropy/ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// AwardRequest credits an account. OperationID is optional; supplying one
// makes the call safely retryable.
type AwardRequest struct {
	AccountID   string            `json:"account_id"`
	Amount      string            `json:"amount"`
	Reason      string            `json:"reason"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OperationID string            `json:"operation_id,omitempty"`
}

// TransferRequest moves tokens between two accounts.
type TransferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason"`
	OperationID   string `json:"operation_id,omitempty"`
}

// ReverseRequest undoes a previously committed transaction group.
type ReverseRequest struct {
	GroupID string `json:"group_id"`
	Reason  string `json:"reason"`
}

// PublishRequest settles the publish reward for a new card.
type PublishRequest struct {
	CardID   string `json:"card_id"`
	AuthorID string `json:"author_id"`
}

// AttributionRequest settles the reward for one reuse event.
type AttributionRequest struct {
	Kind       string `json:"kind"`
	TargetCard string `json:"target_card"`
	ActorID    string `json:"actor_id"`
	AuthorID   string `json:"author_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BalanceDTO is the current balance of one account.
type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
}

// TransactionDTO reports the outcome of an award or transfer.
type TransactionDTO struct {
	GroupID  string            `json:"group_id"`
	Balances map[string]string `json:"balances"`
}

// SettlementDTO reports the outcome of a publish or attribution settlement.
type SettlementDTO struct {
	Settled bool   `json:"settled"`
	Reason  string `json:"reason,omitempty"`
	Amount  string `json:"amount,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// EntryDTO is one ledger entry in a history page.
type EntryDTO struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	Amount         string            `json:"amount"`
	Kind           string            `json:"kind"`
	Reason         string            `json:"reason,omitempty"`
	CounterpartyID string            `json:"counterparty_id,omitempty"`
	GroupID        string            `json:"group_id"`
	ReversesGroup  string            `json:"reverses_group_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// HistoryDTO is one newest-first page of an account's ledger. NextCursor is
// empty on the last page.
type HistoryDTO struct {
	AccountID  string     `json:"account_id"`
	Entries    []EntryDTO `json:"entries"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// ErrorResponse is the uniform error body. Code is one of the stable codes
// from the ledger error taxonomy.
type ErrorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             string(e.ID),
		AccountID:      string(e.AccountID),
		Amount:         e.Amount.StringFixed(ledger.Scale),
		Kind:           string(e.Kind),
		Reason:         e.Reason,
		CounterpartyID: string(e.CounterpartyID),
		GroupID:        string(e.GroupID),
		ReversesGroup:  string(e.ReversesGroup),
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
	}
}

func toBalanceMap(balances map[ledger.AccountID]ledger.Balance) map[string]string {
	out := make(map[string]string, len(balances))
	for id, b := range balances {
		out[string(id)] = b.StringFixed(ledger.Scale)
	}
	return out
}
