package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
)

// ResultRepo appends delivery-lifecycle events reported by the mail provider
// and the tracking pixel.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// Append inserts a result row. Duplicate (request_id, status) pairs are
// silently ignored so that webhook redeliveries and repeated pixel fetches
// stay idempotent. Returns whether a row was actually inserted.
func (r *ResultRepo) Append(ctx domain.Context, requestID uuid.UUID, status string, raw []byte) (bool, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "email_results"),
		attribute.String("result.status", status),
	)

	now := time.Now().UTC()
	tag, err := r.Pool.Exec(ctx,
		`INSERT INTO email_results (request_id, status, raw, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (request_id, status) DO NOTHING`,
		requestID, status, raw, now,
	)
	if err != nil {
		return false, fmt.Errorf("op=results.append: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountDistinctByTopic counts distinct requests per result status for all
// requests belonging to a topic.
func (r *ResultRepo) CountDistinctByTopic(ctx domain.Context, topicID string) (map[string]int64, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.CountDistinctByTopic")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT status, COUNT(DISTINCT request_id)
		 FROM email_results
		 WHERE request_id IN (SELECT id FROM email_requests WHERE topic_id = $1)
		 GROUP BY status`, topicID)
	if err != nil {
		return nil, fmt.Errorf("op=results.count_by_topic: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=results.count_by_topic.scan: %w", err)
		}
		statuses[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=results.count_by_topic.rows: %w", err)
	}
	return statuses, nil
}
