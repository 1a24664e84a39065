package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// RequestRepo persists email requests and implements the claim/reconcile
// protocol on PostgreSQL.
type RequestRepo struct{ Pool PgxPool }

// NewRequestRepo constructs a RequestRepo with the given pool.
func NewRequestRepo(p PgxPool) *RequestRepo { return &RequestRepo{Pool: p} }

// claimSQL selects due Created rows with skip-locked semantics, marks them
// Processing, and returns them joined with content. Contending claimers skip
// each other's locked rows instead of blocking, so concurrent schedulers see
// disjoint batches. The final SELECT re-applies the dispatch order because
// UPDATE ... RETURNING does not guarantee row order.
const claimSQL = `
WITH due AS (
    SELECT er.id
    FROM email_requests er
    WHERE er.status = $1
      AND (er.scheduled_at <= $2 OR er.scheduled_at IS NULL)
    ORDER BY
        CASE WHEN er.scheduled_at IS NULL THEN 0 ELSE 1 END,
        er.scheduled_at ASC NULLS FIRST,
        er.created_at ASC,
        er.id ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
), claimed AS (
    UPDATE email_requests er
    SET status = $4, updated_at = $5
    FROM due
    WHERE er.id = due.id
    RETURNING er.id, er.topic_id, er.to_email, er.content_id, er.scheduled_at, er.created_at
)
SELECT c.id, c.topic_id, c.to_email, c.scheduled_at, ec.subject, ec.content
FROM claimed c
LEFT JOIN email_contents ec ON ec.id = c.content_id
ORDER BY
    CASE WHEN c.scheduled_at IS NULL THEN 0 ELSE 1 END,
    c.scheduled_at ASC NULLS FIRST,
    c.created_at ASC,
    c.id ASC`

// Claim atomically claims up to batchSize due requests in a single
// transaction and returns them in dispatch order.
func (r *RequestRepo) Claim(ctx domain.Context, batchSize int, now time.Time) ([]domain.ClaimedRequest, error) {
	tracer := otel.Tracer("repo.requests")
	ctx, span := tracer.Start(ctx, "requests.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "email_requests"),
		attribute.Int("claim.batch_size", batchSize),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=requests.claim.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				slog.Error("claim rollback failed", slog.Any("error", rbErr))
			}
		}
	}()

	rows, err := tx.Query(ctx, claimSQL,
		domain.StatusCreated, now, batchSize, domain.StatusProcessing, now)
	if err != nil {
		return nil, fmt.Errorf("op=requests.claim.query: %w", err)
	}
	batch := make([]domain.ClaimedRequest, 0, batchSize)
	for rows.Next() {
		var c domain.ClaimedRequest
		if err := rows.Scan(&c.ID, &c.TopicID, &c.ToEmail, &c.ScheduledAt, &c.Subject, &c.Body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=requests.claim.scan: %w", err)
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=requests.claim.rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=requests.claim.commit: %w", err)
	}
	committed = true

	span.SetAttributes(attribute.Int("claim.claimed", len(batch)))
	return batch, nil
}

// ApplyOutcomes moves each claimed request to its terminal state in a single
// transaction: published -> Sent (error cleared), failed -> Failed with the
// reason. A missing row is logged and skipped.
func (r *RequestRepo) ApplyOutcomes(ctx domain.Context, outcomes []domain.Outcome, now time.Time) error {
	if len(outcomes) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.requests")
	ctx, span := tracer.Start(ctx, "requests.ApplyOutcomes")
	defer span.End()
	span.SetAttributes(attribute.Int("reconcile.outcomes", len(outcomes)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=requests.apply_outcomes.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				slog.Error("reconcile rollback failed", slog.Any("error", rbErr))
			}
		}
	}()

	const q = `UPDATE email_requests SET status = $1, error = $2, updated_at = $3 WHERE id = $4`
	for _, o := range outcomes {
		status := domain.StatusSent
		var errMsg any // untyped nil clears the column
		if !o.Published() {
			status = domain.StatusFailed
			errMsg = o.Failure
		}
		tag, err := tx.Exec(ctx, q, status, errMsg, now, o.RequestID)
		if err != nil {
			return fmt.Errorf("op=requests.apply_outcomes.exec: %w", err)
		}
		if tag.RowsAffected() == 0 {
			slog.Warn("reconcile skipped missing request",
				slog.String("request_id", o.RequestID.String()),
				slog.String("status", status.String()))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=requests.apply_outcomes.commit: %w", err)
	}
	committed = true
	return nil
}

// EnqueueBatch inserts the messages' contents and requests in one transaction
// and returns the number of requests created. Request ids are UUIDv7 so id
// order follows creation order.
func (r *RequestRepo) EnqueueBatch(ctx domain.Context, msgs []domain.NewMessage, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.requests")
	ctx, span := tracer.Start(ctx, "requests.EnqueueBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("enqueue.messages", len(msgs)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=requests.enqueue.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				slog.Error("enqueue rollback failed", slog.Any("error", rbErr))
			}
		}
	}()

	total := 0
	for _, m := range msgs {
		var contentID int32
		err := tx.QueryRow(ctx,
			`INSERT INTO email_contents (subject, content, created_at, updated_at) VALUES ($1, $2, $3, $3) RETURNING id`,
			m.Subject, m.Body, now,
		).Scan(&contentID)
		if err != nil {
			return 0, fmt.Errorf("op=requests.enqueue.content: %w", err)
		}
		for _, email := range m.Emails {
			id, err := uuid.NewV7()
			if err != nil {
				return 0, fmt.Errorf("op=requests.enqueue.uuid: %w", err)
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO email_requests (id, topic_id, to_email, content_id, scheduled_at, status, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
				id, m.TopicID, email, contentID, m.ScheduledAt, domain.StatusCreated, now,
			)
			if err != nil {
				return 0, fmt.Errorf("op=requests.enqueue.request: %w", err)
			}
			total++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=requests.enqueue.commit: %w", err)
	}
	committed = true
	return total, nil
}

// CountsByTopic aggregates request rows for one topic. Processing rows are
// counted in the total but not reported separately.
func (r *RequestRepo) CountsByTopic(ctx domain.Context, topicID string) (domain.RequestCounts, error) {
	tracer := otel.Tracer("repo.requests")
	ctx, span := tracer.Start(ctx, "requests.CountsByTopic")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM email_requests WHERE topic_id = $1 GROUP BY status`, topicID)
	if err != nil {
		return domain.RequestCounts{}, fmt.Errorf("op=requests.counts_by_topic: %w", err)
	}
	defer rows.Close()

	var counts domain.RequestCounts
	for rows.Next() {
		var status domain.RequestStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.RequestCounts{}, fmt.Errorf("op=requests.counts_by_topic.scan: %w", err)
		}
		counts.Total += n
		switch status {
		case domain.StatusCreated:
			counts.Created = n
		case domain.StatusProcessing:
			// reported as pending via Total only
		case domain.StatusSent:
			counts.Sent = n
		case domain.StatusFailed:
			counts.Failed = n
		case domain.StatusStopped:
			counts.Stopped = n
		default:
			slog.Warn("unknown request status", slog.Int("status", int(status)))
		}
	}
	if err := rows.Err(); err != nil {
		return domain.RequestCounts{}, fmt.Errorf("op=requests.counts_by_topic.rows: %w", err)
	}
	return counts, nil
}

// SentCountSince counts requests moved to Sent after the given instant.
func (r *RequestRepo) SentCountSince(ctx domain.Context, since time.Time) (int64, error) {
	tracer := otel.Tracer("repo.requests")
	ctx, span := tracer.Start(ctx, "requests.SentCountSince")
	defer span.End()

	var n int64
	err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM email_requests WHERE updated_at > $1 AND status = $2`,
		since, domain.StatusSent,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=requests.sent_count: %w", err)
	}
	return n, nil
}

// SweepStranded marks Processing rows last touched before cutoff as Failed
// with the given reason and returns how many were swept. Used by the optional
// stranded-request sweeper; a crash between claim and reconcile leaves rows
// in Processing that nothing else will ever touch.
func (r *RequestRepo) SweepStranded(ctx domain.Context, cutoff time.Time, reason string) (int64, error) {
	tracer := otel.Tracer("repo.requests")
	ctx, span := tracer.Start(ctx, "requests.SweepStranded")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE email_requests SET status = $1, error = $2, updated_at = $3 WHERE status = $4 AND updated_at < $5`,
		domain.StatusFailed, reason, time.Now().UTC(), domain.StatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("op=requests.sweep_stranded: %w", err)
	}
	return tag.RowsAffected(), nil
}
