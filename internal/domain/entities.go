// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrConflict        = errors.New("conflict")
	ErrDatabase        = errors.New("database error")
	ErrMessageBus      = errors.New("message bus error")
	ErrInternal        = errors.New("internal error")
)

// RequestStatus captures the lifecycle state of an email request. The integer
// codes are persisted and part of the storage contract; never renumber.
type RequestStatus int16

// Request status values.
const (
	// StatusCreated is the initial state set by the ingress.
	StatusCreated RequestStatus = 0
	// StatusProcessing marks a request claimed by a scheduler cycle.
	StatusProcessing RequestStatus = 1
	// StatusSent marks a request whose publish was acknowledged by the bus.
	StatusSent RequestStatus = 2
	// StatusFailed marks a request whose publish failed; never retried.
	StatusFailed RequestStatus = 3
	// StatusStopped marks a request cancelled administratively.
	StatusStopped RequestStatus = 4
)

// String returns the lowercase human-readable name of the status.
func (s RequestStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusProcessing:
		return "processing"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	}
	return fmt.Sprintf("unknown(%d)", int16(s))
}

// IsTerminal reports whether no further transitions are permitted.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusStopped
}

// CanTransitionTo reports whether the transition s -> next is permitted.
// Created -> Processing (claim), Processing -> Sent|Failed (reconcile), and
// Created|Processing -> Stopped (administrative) are the only legal moves.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	switch s {
	case StatusCreated:
		return next == StatusProcessing || next == StatusStopped
	case StatusProcessing:
		return next == StatusSent || next == StatusFailed || next == StatusStopped
	}
	return false
}

// Content is a subject+body pair referenced by one or more requests.
// Contents are immutable once created and are never deleted while referenced.
type Content struct {
	ID        int32
	Subject   string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Request is a single email-to-address send intent.
type Request struct {
	// ID is a time-ordered UUID (v7) so that id order matches creation order.
	ID uuid.UUID
	// TopicID is an opaque grouping tag; empty when the client sent none.
	TopicID string
	// ToEmail is the recipient address.
	ToEmail string
	// ContentID references the shared Content row.
	ContentID int32
	// ScheduledAt is the earliest send instant (UTC); nil means send ASAP.
	ScheduledAt *time.Time
	// Status follows the request state machine.
	Status RequestStatus
	// Error holds the failure reason when Status is Failed.
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result is a delivery-lifecycle event reported by the mail provider or the
// tracking pixel. (RequestID, Status) is unique; duplicate deliveries are
// idempotent.
type Result struct {
	ID        int32
	RequestID uuid.UUID
	Status    string
	Raw       []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClaimedRequest is a request claimed for dispatch, joined with its content.
// Subject and Body are nullable: content rows cannot normally go missing, but
// a foreign-key repair must not break dispatch, so nils are treated as empty.
type ClaimedRequest struct {
	ID          uuid.UUID
	TopicID     string
	ToEmail     string
	ScheduledAt *time.Time
	Subject     *string
	Body        *string
}

// TrackingPixel returns the 1x1 open-tracking img tag for this request.
func (c ClaimedRequest) TrackingPixel(serverHost string) string {
	return fmt.Sprintf(
		`<img src="%s/v1/events/open?requestId=%s" width="1" height="1" style="display:none;" alt="">`,
		serverHost, c.ID,
	)
}

// BodyWithTracking appends the tracking pixel to the content body. A missing
// body yields the pixel alone.
func (c ClaimedRequest) BodyWithTracking(serverHost string) string {
	body := ""
	if c.Body != nil {
		body = *c.Body
	}
	return body + c.TrackingPixel(serverHost)
}

// SubjectOrEmpty returns the content subject, or "" when the join found none.
func (c ClaimedRequest) SubjectOrEmpty() string {
	if c.Subject == nil {
		return ""
	}
	return *c.Subject
}

// Outcome is the per-request result of one dispatch attempt. Exactly one of
// the two cases holds: published (StreamSeq set) or failed (Failure set).
type Outcome struct {
	RequestID uuid.UUID
	StreamSeq uint64
	Failure   string
}

// Published reports whether the publish was acknowledged by the bus.
func (o Outcome) Published() bool { return o.Failure == "" }

// PublishedOutcome builds a successful outcome carrying the broker's stream
// sequence.
func PublishedOutcome(id uuid.UUID, seq uint64) Outcome {
	return Outcome{RequestID: id, StreamSeq: seq}
}

// FailedOutcome builds a failed outcome carrying the failure reason.
func FailedOutcome(id uuid.UUID, reason string) Outcome {
	if reason == "" {
		reason = "publish failed"
	}
	return Outcome{RequestID: id, Failure: reason}
}

// NewMessage is one ingress message: a content shared by a batch of
// recipients, optionally scheduled.
type NewMessage struct {
	TopicID     string
	Emails      []string
	Subject     string
	Body        string
	ScheduledAt *time.Time
}

// RequestCounts aggregates request rows by status for a topic. Processing is
// deliberately not reported; callers see it as still pending.
type RequestCounts struct {
	Total   int64
	Created int64
	Sent    int64
	Failed  int64
	Stopped int64
}

// Repositories (ports)

// RequestRepository persists email requests and drives the claim/reconcile
// protocol.
type RequestRepository interface {
	// Claim transactionally selects up to batchSize due Created rows with
	// skip-locked semantics, marks them Processing, and returns them joined
	// with content. Ordering: send-ASAP rows (nil scheduled_at) first, then
	// scheduled_at ascending, then created_at, then id.
	Claim(ctx Context, batchSize int, now time.Time) ([]ClaimedRequest, error)
	// ApplyOutcomes commits all per-request outcomes of one batch in a single
	// transaction: published -> Sent, failed -> Failed with the reason.
	ApplyOutcomes(ctx Context, outcomes []Outcome, now time.Time) error
	// EnqueueBatch inserts the messages' contents and requests in one
	// transaction and returns the number of requests created.
	EnqueueBatch(ctx Context, msgs []NewMessage, now time.Time) (int, error)
	// CountsByTopic aggregates request rows for one topic.
	CountsByTopic(ctx Context, topicID string) (RequestCounts, error)
	// SentCountSince counts requests moved to Sent after the given instant.
	SentCountSince(ctx Context, since time.Time) (int64, error)
	// SweepStranded marks Processing rows last touched before cutoff as
	// Failed and returns how many were swept.
	SweepStranded(ctx Context, cutoff time.Time, reason string) (int64, error)
}

// ResultRepository appends delivery-lifecycle events.
type ResultRepository interface {
	// Append inserts a result; duplicate (request_id, status) pairs are
	// silently ignored. Returns whether a row was actually inserted.
	Append(ctx Context, requestID uuid.UUID, status string, raw []byte) (bool, error)
	// CountDistinctByTopic counts distinct requests per result status for
	// requests belonging to a topic.
	CountDistinctByTopic(ctx Context, topicID string) (map[string]int64, error)
}

// Producer (port)

// Producer publishes payloads onto the durable message stream. Publish blocks
// until the broker acknowledges durable storage and returns the stream
// sequence. Implementations must be safe for concurrent use.
type Producer interface {
	Publish(ctx Context, data []byte) (uint64, error)
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
