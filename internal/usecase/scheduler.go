package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
)

// interBatchPause throttles consecutive full batches so a deep backlog does
// not monopolize the store or the broker.
const interBatchPause = 100 * time.Millisecond

// batchDispatcher is the slice of Dispatcher the scheduler needs; split out
// so tests can substitute outcomes without a producer.
type batchDispatcher interface {
	Dispatch(ctx domain.Context, batch []domain.ClaimedRequest) []domain.Outcome
}

// Scheduler drives the claim -> dispatch -> reconcile cycle on a fixed tick.
// Many scheduler processes may run against the same store; the skip-locked
// claim keeps their batches disjoint.
type Scheduler struct {
	Requests   domain.RequestRepository
	Dispatcher batchDispatcher
	BatchSize  int
	Interval   time.Duration
}

// NewScheduler constructs a Scheduler.
func NewScheduler(requests domain.RequestRepository, d batchDispatcher, batchSize int, interval time.Duration) *Scheduler {
	return &Scheduler{Requests: requests, Dispatcher: d, BatchSize: batchSize, Interval: interval}
}

// Run loops until ctx is cancelled. Ticks that fire while a cycle is still
// running are coalesced (time.Ticker drops missed ticks rather than queueing
// them). Cancellation is honored at the tick wait and the inter-batch pause;
// a batch already claimed always completes its dispatch and reconciliation.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started",
		slog.Int("batch_size", s.BatchSize),
		slog.Duration("interval", s.Interval))

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return
		case <-ticker.C:
			start := time.Now()
			processed := s.processDue(ctx)
			if processed > 0 {
				slog.Info("scheduler cycle completed",
					slog.Int("processed", processed),
					slog.Duration("duration", time.Since(start)))
			} else {
				slog.Debug("scheduler cycle completed: no requests due")
			}
		}
	}
}

// processDue drains the backlog: it keeps claiming as long as full batches
// come back, pausing briefly between them, and stops on a partial or empty
// batch. Returns the number of requests processed this tick.
func (s *Scheduler) processDue(ctx context.Context) int {
	total := 0
	// Once a batch is claimed it must be dispatched and reconciled even if
	// shutdown is requested mid-cycle; otherwise its rows strand in
	// Processing. New claims stop as soon as ctx is done.
	cycleCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return total
		}
		batchStart := time.Now()

		batch, err := s.Requests.Claim(cycleCtx, s.BatchSize, time.Now().UTC())
		if err != nil {
			slog.Error("claim failed; waiting for next tick", slog.Any("error", err))
			return total
		}
		if len(batch) == 0 {
			return total
		}
		observability.RecordClaimed(len(batch))

		outcomes := s.Dispatcher.Dispatch(cycleCtx, batch)

		published := 0
		for _, o := range outcomes {
			if o.Published() {
				published++
			}
		}
		if err := s.Requests.ApplyOutcomes(cycleCtx, outcomes, time.Now().UTC()); err != nil {
			// Rows stay in Processing; the stranded-request policy owns them.
			slog.Error("reconcile failed; batch left in processing", slog.Any("error", err))
			return total
		}
		observability.BatchDuration.Observe(time.Since(batchStart).Seconds())
		slog.Info("batch processed",
			slog.Int("claimed", len(batch)),
			slog.Int("published", published),
			slog.Int("failed", len(outcomes)-published),
			slog.Duration("duration", time.Since(batchStart)))

		total += len(batch)
		if len(batch) < s.BatchSize {
			return total
		}
		select {
		case <-time.After(interBatchPause):
		case <-ctx.Done():
			return total
		}
	}
}
