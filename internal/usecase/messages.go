package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
)

// maxSchedulePast bounds how far in the past a scheduledAt may lie before the
// request is rejected; small clock skew between client and server is fine.
const maxSchedulePast = time.Hour

// MessageService handles ingress enqueueing and the read-side counters.
type MessageService struct {
	Requests domain.RequestRepository
	Results  domain.ResultRepository
}

// NewMessageService constructs a MessageService with the given repositories.
func NewMessageService(requests domain.RequestRepository, results domain.ResultRepository) MessageService {
	return MessageService{Requests: requests, Results: results}
}

// Enqueue validates and persists a batch of messages in one transaction,
// returning the number of requests created. Subjects, bodies, and addresses
// are stored trimmed; a missing topic id is stored as the empty string.
func (s MessageService) Enqueue(ctx domain.Context, msgs []domain.NewMessage) (int, error) {
	now := time.Now().UTC()
	for i := range msgs {
		m := &msgs[i]
		if m.ScheduledAt != nil {
			utc := m.ScheduledAt.UTC()
			if utc.Before(now.Add(-maxSchedulePast)) {
				return 0, fmt.Errorf("%w: scheduled time cannot be more than 1 hour in the past", domain.ErrInvalidArgument)
			}
			m.ScheduledAt = &utc
		}
		m.TopicID = strings.TrimSpace(m.TopicID)
		m.Subject = strings.TrimSpace(m.Subject)
		m.Body = strings.TrimSpace(m.Body)
		for j, e := range m.Emails {
			m.Emails[j] = strings.TrimSpace(e)
		}
	}

	count, err := s.Requests.EnqueueBatch(ctx, msgs, now)
	if err != nil {
		return 0, fmt.Errorf("op=messages.enqueue: %w", err)
	}
	slog.Info("messages enqueued", slog.Int("messages", len(msgs)), slog.Int("requests", count))
	return count, nil
}

// TopicCounts returns per-status request counts and distinct-request result
// counts for one topic. An unknown topic yields zero counts, not an error.
func (s MessageService) TopicCounts(ctx domain.Context, topicID string) (domain.RequestCounts, map[string]int64, error) {
	counts, err := s.Requests.CountsByTopic(ctx, topicID)
	if err != nil {
		return domain.RequestCounts{}, nil, fmt.Errorf("op=messages.topic_counts: %w", err)
	}
	if counts.Total == 0 {
		return counts, map[string]int64{}, nil
	}
	statuses, err := s.Results.CountDistinctByTopic(ctx, topicID)
	if err != nil {
		return domain.RequestCounts{}, nil, fmt.Errorf("op=messages.topic_counts.results: %w", err)
	}
	return counts, statuses, nil
}

// SentCount counts requests sent within the last `hours` hours (1..168).
func (s MessageService) SentCount(ctx domain.Context, hours int) (int64, error) {
	if hours <= 0 || hours > 168 {
		return 0, fmt.Errorf("%w: hours must be between 1 and 168", domain.ErrInvalidArgument)
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	n, err := s.Requests.SentCountSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("op=messages.sent_count: %w", err)
	}
	return n, nil
}
