package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
)

// StrandedRequestSweeper periodically fails Processing rows that have sat
// untouched past a maximum age. A crash between claim and reconcile leaves
// such rows behind and nothing in the core pipeline will ever revisit them.
// The sweeper is optional and disabled unless a max age is configured.
type StrandedRequestSweeper struct {
	requests         domain.RequestRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStrandedRequestSweeper constructs a sweeper, or nil when maxProcessingAge
// is not positive.
func NewStrandedRequestSweeper(requests domain.RequestRepository, maxProcessingAge, interval time.Duration) *StrandedRequestSweeper {
	if requests == nil || maxProcessingAge <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StrandedRequestSweeper{
		requests:         requests,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

// Run sweeps once immediately and then on every interval until ctx ends.
func (s *StrandedRequestSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stranded request sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StrandedRequestSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("requests.sweeper")
	ctx, span := tracer.Start(ctx, "StrandedRequestSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.maxProcessingAge)
	reason := fmt.Sprintf("request stuck in processing longer than %v; failed by sweeper", s.maxProcessingAge)
	swept, err := s.requests.SweepStranded(ctx, cutoff, reason)
	if err != nil {
		span.RecordError(err)
		slog.Error("stranded request sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("requests.swept", swept))
	if swept > 0 {
		observability.StrandedSweptTotal.Add(float64(swept))
		slog.Warn("stranded requests failed by sweeper",
			slog.Int64("swept", swept),
			slog.Duration("max_processing_age", s.maxProcessingAge))
	}
}
