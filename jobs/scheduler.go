/*
Package jobs runs the ledger's periodic background work.

PURPOSE:
  Hosts the cron-driven completeness audit: every scheduled run replays the
  ledger per account and compares the sum against the stored balance. A
  clean run is logged once; any drift is logged per account at error level
  so it pages.

SCHEDULING:
  Uses robfig/cron with standard cron expressions plus the @every / @hourly
  descriptors. The schedule comes from configuration (LEDGER_AUDIT_SCHEDULE).

SEE ALSO:
  - ledger/audit.go: The audit itself
  - cmd/server/main.go: Wiring and lifecycle
*/
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/extropy/ledger/ledger"
)

// auditTimeout bounds one audit run so a wedged store cannot pile up
// overlapping runs.
const auditTimeout = 5 * time.Minute

type Scheduler struct {
	cron    *cron.Cron
	auditor *ledger.Auditor
	log     *logrus.Logger
}

func NewScheduler(auditor *ledger.Auditor, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		cron:    cron.New(),
		auditor: auditor,
		log:     log,
	}
}

// Start registers the audit at the given cron schedule and starts the
// scheduler in the background.
func (s *Scheduler) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.runAudit); err != nil {
		return err
	}
	s.cron.Start()
	s.log.WithField("schedule", schedule).Info("jobs: completeness audit scheduled")
	return nil
}

// Stop halts the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	report, err := s.auditor.Run(ctx)
	if err != nil {
		s.log.WithError(err).Error("jobs: completeness audit failed")
		return
	}

	if report.Clean() {
		s.log.WithField("accounts", report.CheckedAccounts).Info("jobs: completeness audit clean")
		return
	}

	for _, d := range report.Drifts {
		s.log.WithFields(logrus.Fields{
			"account_id": d.AccountID,
			"balance":    d.Balance.String(),
			"ledger_sum": d.LedgerSum.String(),
			"delta":      d.Delta.String(),
		}).Error("jobs: balance drift detected")
	}
}
