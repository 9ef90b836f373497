// Package jobs runs the periodic billing and fee passes.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/vpnledger/internal/service"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBillingSchedule = "@every 40s"
	DefaultFeeSchedule     = "@every 1h"
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpnledger_job_runs_total",
		Help: "Scheduled job runs by outcome",
	}, []string{"job", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vpnledger_job_duration_seconds",
		Help:    "Scheduled job duration",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"job"})

	billsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnledger_bills_settled_total",
		Help: "Bills settled by the billing pass",
	})

	feesCharged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnledger_fees_charged_total",
		Help: "Monthly fees charged by the fee pass",
	})
)

type BillingRunner interface {
	DiscardStaleBills(ctx context.Context) (int64, error)
	ReconcileAllPendingBills(ctx context.Context) (service.ReconcileResult, error)
}

type FeeRunner interface {
	WithdrawMonthlyFee(ctx context.Context) (service.WithdrawResult, error)
}

type Schedules struct {
	Billing string
	Fees    string
}

// Scheduler owns the cron loop. A run that is still going when its next tick
// fires is skipped, and a panic in a run is logged instead of killing the loop.
type Scheduler struct {
	cron    *cron.Cron
	billing BillingRunner
	fees    FeeRunner
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(billing BillingRunner, fees FeeRunner, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cl := cronLogger{log: log.WithField("component", "cron")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		billing: billing,
		fees:    fees,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds both passes. Empty schedules fall back to the defaults.
func (s *Scheduler) Register(sch Schedules) error {
	if sch.Billing == "" {
		sch.Billing = DefaultBillingSchedule
	}
	if sch.Fees == "" {
		sch.Fees = DefaultFeeSchedule
	}
	if _, err := s.cron.AddFunc(sch.Billing, func() { _ = s.RunBillingPass(s.ctx) }); err != nil {
		return fmt.Errorf("schedule billing pass %q: %w", sch.Billing, err)
	}
	if _, err := s.cron.AddFunc(sch.Fees, func() { _ = s.RunFeePass(s.ctx) }); err != nil {
		return fmt.Errorf("schedule fee pass %q: %w", sch.Fees, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("entries", len(s.cron.Entries())).Info("scheduler started")
}

// Stop cancels running passes and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunBillingPass discards stale bills and then reconciles what is left, so a
// discarded bill can never be credited in the same pass.
func (s *Scheduler) RunBillingPass(ctx context.Context) error {
	return s.observe("billing", func() error {
		discarded, err := s.billing.DiscardStaleBills(ctx)
		if err != nil {
			return err
		}
		res, err := s.billing.ReconcileAllPendingBills(ctx)
		billsSettled.Add(float64(res.Settled))
		s.log.WithFields(logrus.Fields{
			"discarded": discarded,
			"accounts":  res.Accounts,
			"settled":   res.Settled,
			"failed":    res.Failed,
		}).Debug("billing pass finished")
		return err
	})
}

func (s *Scheduler) RunFeePass(ctx context.Context) error {
	return s.observe("fees", func() error {
		res, err := s.fees.WithdrawMonthlyFee(ctx)
		feesCharged.Add(float64(res.Charged))
		s.log.WithFields(logrus.Fields{
			"due":     res.Due,
			"charged": res.Charged,
			"skipped": res.Skipped,
			"failed":  res.Failed,
		}).Info("fee pass finished")
		return err
	})
}

func (s *Scheduler) observe(job string, run func() error) error {
	start := time.Now()
	err := run()
	jobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	if err != nil {
		jobRuns.WithLabelValues(job, "error").Inc()
		s.log.WithError(err).WithField("job", job).Error("job failed")
		return err
	}
	jobRuns.WithLabelValues(job, "ok").Inc()
	return nil
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []any) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
