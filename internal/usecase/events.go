package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
)

// openResultStatus is the result status recorded for tracking-pixel fetches.
const openResultStatus = "Open"

// EventService records delivery-lifecycle events from the tracking pixel and
// the provider webhook.
type EventService struct {
	Results domain.ResultRepository
}

// NewEventService constructs an EventService with the given repository.
func NewEventService(results domain.ResultRepository) EventService {
	return EventService{Results: results}
}

// RecordOpen appends an "Open" result for the request. Repeated opens are
// idempotent via the (request_id, status) unique key. Errors are logged, not
// returned: the caller serves the pixel regardless.
func (s EventService) RecordOpen(ctx domain.Context, requestID uuid.UUID) {
	raw, _ := json.Marshal(map[string]any{
		"timestamp":  time.Now().UTC(),
		"user_agent": "tracking-pixel",
	})
	inserted, err := s.Results.Append(ctx, requestID, openResultStatus, raw)
	switch {
	case err != nil:
		slog.Warn("failed to record open event",
			slog.String("request_id", requestID.String()),
			slog.Any("error", err))
	case inserted:
		observability.RecordResult(openResultStatus)
		slog.Debug("open event recorded", slog.String("request_id", requestID.String()))
	default:
		slog.Debug("open event already recorded", slog.String("request_id", requestID.String()))
	}
}

// RecordProviderEvent appends a provider-reported result (e.g. "Bounce",
// "Delivery", "Complaint") with its raw envelope. Duplicate deliveries of the
// same (request, status) pair are silently idempotent.
func (s EventService) RecordProviderEvent(ctx domain.Context, requestID uuid.UUID, status string, raw []byte) error {
	if status == "" {
		return fmt.Errorf("%w: result status must not be empty", domain.ErrInvalidArgument)
	}
	inserted, err := s.Results.Append(ctx, requestID, status, raw)
	if err != nil {
		return fmt.Errorf("op=events.record_provider: %w", err)
	}
	if inserted {
		observability.RecordResult(status)
	}
	slog.Info("provider result event saved",
		slog.String("request_id", requestID.String()),
		slog.String("status", status),
		slog.Bool("inserted", inserted))
	return nil
}
