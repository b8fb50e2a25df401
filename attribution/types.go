/*
Package attribution settles $EXTROPY rewards for creative reuse.

PURPOSE:
  When a card is published, or an existing card is cited, remixed, or
  replied to, the platform owes the upstream author a reward. This package
  maps those attribution events to ledger awards through a fixed policy
  and settles them exactly once.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: The recognized attribution kinds (citation, remix, reply)
  - Attribution: One reuse event as reported by the publishing pipeline
  - Settlement: The outcome of settling one event

SEE ALSO:
  - policy.go: Reward schedule
  - settler.go: Settlement against the ledger
*/
package attribution

import (
	"github.com/extropy/ledger/ledger"
)

// Kind classifies how a downstream card reuses an upstream one.
type Kind string

const (
	KindCitation Kind = "citation"
	KindRemix    Kind = "remix"
	KindReply    Kind = "reply"
)

// Attribution is one reuse event. Actor is the account that performed the
// reuse; Author is the upstream card's owner, who receives the reward.
type Attribution struct {
	Kind       Kind
	TargetCard string
	Actor      ledger.AccountID
	Author     ledger.AccountID
}

// Settlement reports what happened to one attribution event. Settled is
// false when the policy awards nothing, when the actor is the author, or
// when the event was already settled under its operation id.
type Settlement struct {
	Settled bool
	Reason  string
	Amount  ledger.Amount
	Group   ledger.GroupID
}
