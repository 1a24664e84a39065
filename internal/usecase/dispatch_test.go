package usecase_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/usecase"
)

// stubProducer records published payloads and can fail or panic per payload.
type stubProducer struct {
	mu        sync.Mutex
	published [][]byte
	seq       uint64
	delay     time.Duration
	failFor   map[string]error // keyed by payload uuid
	panicFor  map[string]bool  // keyed by payload uuid
	inFlight  atomic.Int64
	maxSeen   atomic.Int64
}

func (p *stubProducer) Publish(_ domain.Context, data []byte) (uint64, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		max := p.maxSeen.Load()
		if cur <= max || p.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	var payload struct {
		UUID string `json:"uuid"`
	}
	_ = json.Unmarshal(data, &payload)
	if p.panicFor[payload.UUID] {
		panic("producer exploded")
	}
	if err, ok := p.failFor[payload.UUID]; ok {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, data)
	p.seq++
	return p.seq, nil
}

func strptr(s string) *string { return &s }

func claimed(topic, email, subject, body string) domain.ClaimedRequest {
	return domain.ClaimedRequest{
		ID:      uuid.Must(uuid.NewV7()),
		TopicID: topic,
		ToEmail: email,
		Subject: strptr(subject),
		Body:    strptr(body),
	}
}

type wirePayload struct {
	UUID      string    `json:"uuid"`
	Email     string    `json:"email"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	TopicID   string    `json:"topic_id"`
	Timestamp time.Time `json:"timestamp"`
}

func TestDispatcher_HappyPath(t *testing.T) {
	t.Parallel()
	prod := &stubProducer{}
	d := usecase.NewDispatcher(prod, "https://mail.example.com")

	batch := []domain.ClaimedRequest{
		claimed("news", "a@example.com", "Hi A", "<p>a</p>"),
		claimed("news", "b@example.com", "Hi B", "<p>b</p>"),
		claimed("", "c@example.com", "Hi C", "<p>c</p>"),
	}
	outcomes := d.Dispatch(context.Background(), batch)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.True(t, o.Published(), "outcome for %s", o.RequestID)
		assert.NotZero(t, o.StreamSeq)
	}
	require.Len(t, prod.published, 3)

	byUUID := make(map[string]wirePayload)
	for _, data := range prod.published {
		var p wirePayload
		require.NoError(t, json.Unmarshal(data, &p))
		byUUID[p.UUID] = p
	}
	for _, req := range batch {
		p, ok := byUUID[req.ID.String()]
		require.True(t, ok, "payload for %s", req.ID)
		assert.Equal(t, req.ToEmail, p.Email)
		assert.Equal(t, *req.Subject, p.Subject)
		assert.Equal(t, req.TopicID, p.TopicID)
		assert.Equal(t, req.BodyWithTracking("https://mail.example.com"), p.Body)
		assert.False(t, p.Timestamp.IsZero())
	}
}

func TestDispatcher_BodyEndsWithPixel(t *testing.T) {
	t.Parallel()
	prod := &stubProducer{}
	d := usecase.NewDispatcher(prod, "http://localhost:3000")

	req := claimed("t", "x@example.com", "s", "<p>content</p>")
	outcomes := d.Dispatch(context.Background(), []domain.ClaimedRequest{req})
	require.Len(t, outcomes, 1)

	var p wirePayload
	require.NoError(t, json.Unmarshal(prod.published[0], &p))
	pixel := fmt.Sprintf(
		`<img src="http://localhost:3000/v1/events/open?requestId=%s" width="1" height="1" style="display:none;" alt="">`,
		req.ID)
	assert.Equal(t, "<p>content</p>"+pixel, p.Body)
}

func TestDispatcher_PixelOnlyBody(t *testing.T) {
	t.Parallel()
	prod := &stubProducer{}
	d := usecase.NewDispatcher(prod, "http://localhost:3000")

	// Empty content: the published body is exactly the pixel tag.
	req := domain.ClaimedRequest{ID: uuid.Must(uuid.NewV7()), ToEmail: "x@example.com", Body: strptr("")}
	outcomes := d.Dispatch(context.Background(), []domain.ClaimedRequest{req})
	require.Len(t, outcomes, 1)

	var p wirePayload
	require.NoError(t, json.Unmarshal(prod.published[0], &p))
	assert.Equal(t, req.TrackingPixel("http://localhost:3000"), p.Body)
	assert.Equal(t, "", p.Subject)
}

func TestDispatcher_NilContentStillDispatches(t *testing.T) {
	t.Parallel()
	prod := &stubProducer{}
	d := usecase.NewDispatcher(prod, "http://localhost:3000")

	req := domain.ClaimedRequest{ID: uuid.Must(uuid.NewV7()), ToEmail: "x@example.com"}
	outcomes := d.Dispatch(context.Background(), []domain.ClaimedRequest{req})
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Published())

	var p wirePayload
	require.NoError(t, json.Unmarshal(prod.published[0], &p))
	assert.Equal(t, "", p.Subject)
	assert.Equal(t, req.TrackingPixel("http://localhost:3000"), p.Body)
}

func TestDispatcher_PerRequestFailure(t *testing.T) {
	t.Parallel()
	bad := claimed("t", "bad@example.com", "s", "b")
	good := claimed("t", "good@example.com", "s", "b")

	prod := &stubProducer{failFor: map[string]error{
		bad.ID.String(): fmt.Errorf("broker nack"),
	}}
	d := usecase.NewDispatcher(prod, "http://localhost:3000")

	outcomes := d.Dispatch(context.Background(), []domain.ClaimedRequest{bad, good})
	require.Len(t, outcomes, 2)

	byID := map[uuid.UUID]domain.Outcome{}
	for _, o := range outcomes {
		byID[o.RequestID] = o
	}
	assert.False(t, byID[bad.ID].Published())
	assert.Contains(t, byID[bad.ID].Failure, "broker nack")
	assert.True(t, byID[good.ID].Published())
}

func TestDispatcher_PanicYieldsNoOutcome(t *testing.T) {
	t.Parallel()
	boom := claimed("t", "boom@example.com", "s", "b")
	ok := claimed("t", "ok@example.com", "s", "b")

	prod := &stubProducer{panicFor: map[string]bool{boom.ID.String(): true}}
	d := usecase.NewDispatcher(prod, "http://localhost:3000")

	outcomes := d.Dispatch(context.Background(), []domain.ClaimedRequest{boom, ok})
	require.Len(t, outcomes, 1)
	assert.Equal(t, ok.ID, outcomes[0].RequestID)
	assert.True(t, outcomes[0].Published())
}

func TestDispatcher_BoundedConcurrency(t *testing.T) {
	t.Parallel()
	prod := &stubProducer{delay: 5 * time.Millisecond}
	d := usecase.NewDispatcher(prod, "http://localhost:3000")

	batch := make([]domain.ClaimedRequest, 0, 60)
	for i := 0; i < 60; i++ {
		batch = append(batch, claimed("t", fmt.Sprintf("u%d@example.com", i), "s", "b"))
	}
	outcomes := d.Dispatch(context.Background(), batch)
	require.Len(t, outcomes, 60)
	assert.LessOrEqual(t, prod.maxSeen.Load(), int64(10), "in-flight publishes must be capped at 10")
	assert.Greater(t, prod.maxSeen.Load(), int64(1), "publishes should overlap")
}
