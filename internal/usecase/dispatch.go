// Package usecase contains the scheduler pipeline and ingress services.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
)

// maxInFlight caps concurrent publishes within one batch.
const maxInFlight = 10

// publishPayload is the wire schema consumed by the downstream SMTP workers.
// Encoding is JSON; uuid, email, subject, and body are the required fields,
// topic_id and timestamp ride along for consumer-side bookkeeping.
type publishPayload struct {
	UUID      string    `json:"uuid"`
	Email     string    `json:"email"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	TopicID   string    `json:"topic_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans a claimed batch out to the message bus. It never touches
// the store; per-request outcomes are handed back for reconciliation.
type Dispatcher struct {
	Producer   domain.Producer
	ServerHost string
}

// NewDispatcher constructs a Dispatcher publishing through the given producer.
func NewDispatcher(p domain.Producer, serverHost string) *Dispatcher {
	return &Dispatcher{Producer: p, ServerHost: serverHost}
}

// Dispatch publishes every request in the batch with at most maxInFlight
// publishes in flight at once. Initiation follows batch order; completions
// may land in any order. A failed publish yields a failed outcome for that
// request alone. A panicking task yields no outcome at all, leaving the row
// in Processing for the stranded-request policy.
func (d *Dispatcher) Dispatch(ctx domain.Context, batch []domain.ClaimedRequest) []domain.Outcome {
	results := make([]*domain.Outcome, len(batch))
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup

	for i, req := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, req domain.ClaimedRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("dispatch task panicked; request left in processing",
						slog.String("request_id", req.ID.String()),
						slog.Any("recover", rec))
				}
			}()
			o := d.publishOne(ctx, req)
			results[i] = &o
		}(i, req)
	}
	wg.Wait()

	outcomes := make([]domain.Outcome, 0, len(batch))
	for _, o := range results {
		if o == nil {
			continue
		}
		observability.RecordPublish(o.Published())
		outcomes = append(outcomes, *o)
	}
	return outcomes
}

func (d *Dispatcher) publishOne(ctx domain.Context, req domain.ClaimedRequest) domain.Outcome {
	payload := publishPayload{
		UUID:      req.ID.String(),
		Email:     req.ToEmail,
		Subject:   req.SubjectOrEmpty(),
		Body:      req.BodyWithTracking(d.ServerHost),
		TopicID:   req.TopicID,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.FailedOutcome(req.ID, fmt.Sprintf("marshal payload: %v", err))
	}

	seq, err := d.Producer.Publish(ctx, data)
	if err != nil {
		slog.Warn("publish failed",
			slog.String("request_id", req.ID.String()),
			slog.Any("error", err))
		return domain.FailedOutcome(req.ID, err.Error())
	}
	slog.Debug("message published",
		slog.String("request_id", req.ID.String()),
		slog.Uint64("stream_seq", seq))
	return domain.PublishedOutcome(req.ID, seq)
}
