/*
scheduler.go - Automated batch payment scheduler

PURPOSE:
  Periodically converts open batch runs into bills by running every
  applicable rule in the BatchPayment context, so bills appear without an
  orchestrator calling /calculate for each plan.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Lists open batch runs and payment plans on every tick
  - Asks the registry which rules govern each plan in BatchPayment
  - Calculates each (plan, batch run) pair for the batch run's period and
    location; conversions are idempotent, so repeated ticks only report
    already_converted

CONFIGURATION:
  - Interval:    How often to check (scheduler.interval, default 1 hour)
  - Enabled:     Whether scheduler is active (scheduler.enabled)
  - AuditUserID: Audit user recorded on the bills (scheduler.audit_user_id)

USAGE:
  scheduler := NewBatchScheduler(store, registry, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Calculate endpoint (manual trigger)
  - capitation/rule.go: What one calculation does
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/generic"
	"github.com/warp/calcrule-engine/logger"
)

// SchedulerStore is the part of the store the scheduler reads.
type SchedulerStore interface {
	ListOpenBatchRuns(ctx context.Context) ([]generic.BatchRun, error)
	ListPaymentPlans(ctx context.Context) ([]generic.PaymentPlan, error)
}

// BatchScheduler runs BatchPayment calculations for open batch runs.
type BatchScheduler struct {
	Store       SchedulerStore
	Registry    *generic.Registry
	Interval    time.Duration
	Enabled     bool
	AuditUserID int
	Logger      *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SchedulerRun summarizes one pass over the open batch runs.
type SchedulerRun struct {
	BatchRuns    int
	Calculations int
	Converted    int
	Skipped      int
	Failed       int
}

// NewBatchScheduler creates a new scheduler.
func NewBatchScheduler(store SchedulerStore, registry *generic.Registry, log *zap.Logger) *BatchScheduler {
	return &BatchScheduler{
		Store:    store,
		Registry: registry,
		Interval: time.Hour,
		Enabled:  true,
		Logger:   logger.OrNop(log).Named("scheduler"),
	}
}

// Start begins the scheduler.
func (bs *BatchScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	log := logger.OrNop(bs.Logger)
	if !bs.Enabled {
		log.Info("scheduler disabled, not starting")
		return
	}
	if bs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs.cancel = cancel
	bs.stop = make(chan struct{})
	bs.ticker = time.NewTicker(bs.Interval)
	bs.wg.Add(1)

	go bs.run(ctx)

	log.Info("scheduler started", zap.Duration("interval", bs.Interval))
}

// Stop stops the scheduler and waits for an in-flight pass to return.
func (bs *BatchScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker == nil {
		return
	}
	bs.ticker.Stop()
	bs.cancel()
	close(bs.stop)
	bs.wg.Wait()
	bs.ticker = nil
	logger.OrNop(bs.Logger).Info("scheduler stopped")
}

func (bs *BatchScheduler) run(ctx context.Context) {
	defer bs.wg.Done()

	// Run immediately on start
	bs.RunOnce(ctx)

	for {
		select {
		case <-bs.ticker.C:
			bs.RunOnce(ctx)
		case <-bs.stop:
			return
		}
	}
}

// RunOnce performs a single pass. Errors of one calculation are logged and
// do not stop the pass.
func (bs *BatchScheduler) RunOnce(ctx context.Context) SchedulerRun {
	log := logger.OrNop(bs.Logger)
	var summary SchedulerRun

	runs, err := bs.Store.ListOpenBatchRuns(ctx)
	if err != nil {
		log.Error("failed to list open batch runs", zap.Error(err))
		return summary
	}
	if len(runs) == 0 {
		log.Debug("no open batch runs")
		return summary
	}
	summary.BatchRuns = len(runs)

	plans, err := bs.Store.ListPaymentPlans(ctx)
	if err != nil {
		log.Error("failed to list payment plans", zap.Error(err))
		return summary
	}

	for i := range plans {
		plan := &plans[i]
		rules, err := bs.Registry.Applicable(ctx, plan, generic.ContextBatchPayment)
		if err != nil {
			log.Warn("applicability check failed", zap.String("payment_plan", string(plan.ID)), zap.Error(err))
			summary.Failed++
			continue
		}

		for _, rh := range rules {
			for _, br := range runs {
				if ctx.Err() != nil {
					return summary
				}
				summary.Calculations++
				bs.calculate(ctx, rh, plan, br, &summary)
			}
		}
	}

	log.Info("scheduler pass complete",
		zap.Int("batch_runs", summary.BatchRuns),
		zap.Int("calculations", summary.Calculations),
		zap.Int("converted", summary.Converted),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary
}

func (bs *BatchScheduler) calculate(ctx context.Context, rh generic.RuleHandlers, plan *generic.PaymentPlan, br generic.BatchRun, summary *SchedulerRun) {
	log := logger.OrNop(bs.Logger).With(
		zap.String("rule", string(rh.Config.ID())),
		zap.String("payment_plan", string(plan.ID)),
		zap.String("batch_run", string(br.ID)),
	)

	result, err := rh.Calculate(ctx, plan, generic.CalcRequest{
		Context:     generic.ContextBatchPayment,
		AuditUserID: bs.AuditUserID,
		LocationID:  br.LocationID,
		Period:      generic.PeriodOf(&br),
	})
	cr, _ := result.(*capitation.CalculationResult)
	if err != nil {
		log.Error("scheduled calculation failed", zap.Error(err))
		if cr == nil {
			summary.Failed++
			return
		}
	}
	if cr == nil {
		return
	}
	summary.Converted += cr.Count(capitation.OutcomeConverted)
	summary.Skipped += cr.Count(capitation.OutcomeAlreadyConverted)
	summary.Failed += cr.Count(capitation.OutcomeFailed)
}
