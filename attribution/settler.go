/*
settler.go - Exactly-once settlement of attribution rewards

PURPOSE:
  Turns attribution events into ledger awards. Every settlement carries a
  deterministic operation id derived from the event itself, so redelivered
  events (the publishing pipeline is at-least-once) settle exactly once.

OPERATION IDS:
  publish:<card-id>                 one publish reward per card, ever
  <kind>:<target-card>:<actor>      one reward per (reuse, actor) pair

FUNDING:
  The publish reward is a one-sided award to the author. Attribution
  rewards are transfers: the actor pays the upstream author out of their
  own balance, so reuse redistributes credit rather than minting it. An
  actor who cannot cover the reward fails with insufficient funds.

SKIP RULES:
  - Zero-reward kinds settle as no-ops.
  - Self-attribution (actor == author) earns nothing; citing your own card
    is not creative reuse.
  - A duplicate operation id is a successful no-op, not an error: the
    reward already exists in the ledger.

SEE ALSO:
  - ledger/coordinator.go: Award, Transfer
  - api/handlers.go: HTTP entry points
*/
package attribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/extropy/ledger/ledger"
)

type Settler struct {
	Coordinator *ledger.Coordinator
	Policy      RewardPolicy
	Log         *logrus.Logger
}

func NewSettler(coordinator *ledger.Coordinator) *Settler {
	return &Settler{
		Coordinator: coordinator,
		Policy:      DefaultPolicy(),
		Log:         logrus.StandardLogger(),
	}
}

// SettlePublish credits the publish reward to a card's author. Safe to call
// on every delivery of the publish event.
func (s *Settler) SettlePublish(ctx context.Context, cardID string, author ledger.AccountID) (Settlement, error) {
	if s.Policy.Publish.IsZero() {
		return Settlement{Reason: "publish reward disabled"}, nil
	}

	operationID := "publish:" + cardID
	result, err := s.Coordinator.Award(ctx, author, s.Policy.Publish,
		"publish:"+cardID,
		map[string]string{"card_id": cardID},
		operationID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateOperation) {
			return Settlement{Reason: "already settled"}, nil
		}
		return Settlement{}, err
	}

	s.Log.WithFields(logrus.Fields{
		"card_id": cardID,
		"author":  author,
		"amount":  s.Policy.Publish.String(),
	}).Info("attribution: publish reward settled")

	return Settlement{Settled: true, Amount: s.Policy.Publish, Group: result.Group}, nil
}

// SettleAttribution transfers the reuse reward from the actor to the
// upstream author.
func (s *Settler) SettleAttribution(ctx context.Context, a Attribution) (Settlement, error) {
	reward := s.Policy.RewardFor(a.Kind)
	if reward.IsZero() {
		return Settlement{Reason: fmt.Sprintf("no reward for kind %q", a.Kind)}, nil
	}
	if a.Actor == a.Author {
		return Settlement{Reason: "self-attribution"}, nil
	}

	operationID := fmt.Sprintf("%s:%s:%s", a.Kind, a.TargetCard, a.Actor)
	result, err := s.Coordinator.Transfer(ctx, a.Actor, a.Author, reward,
		fmt.Sprintf("%s:%s", a.Kind, a.TargetCard),
		operationID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateOperation) {
			return Settlement{Reason: "already settled"}, nil
		}
		return Settlement{}, err
	}

	s.Log.WithFields(logrus.Fields{
		"kind":    a.Kind,
		"card_id": a.TargetCard,
		"actor":   a.Actor,
		"author":  a.Author,
		"amount":  reward.String(),
	}).Info("attribution: reuse reward settled")

	return Settlement{Settled: true, Amount: reward, Group: result.Group}, nil
}
