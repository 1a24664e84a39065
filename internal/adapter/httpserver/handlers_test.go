package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/config"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/usecase"
)

type appendedResult struct {
	requestID uuid.UUID
	status    string
}

// memResultRepo is an in-memory ResultRepository enforcing the unique
// (request_id, status) key.
type memResultRepo struct {
	mu       sync.Mutex
	rows     map[string]bool
	appended chan appendedResult
}

func newMemResultRepo() *memResultRepo {
	return &memResultRepo{rows: map[string]bool{}, appended: make(chan appendedResult, 16)}
}

func (r *memResultRepo) Append(_ domain.Context, requestID uuid.UUID, status string, _ []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := requestID.String() + "/" + status
	inserted := !r.rows[key]
	r.rows[key] = true
	r.appended <- appendedResult{requestID: requestID, status: status}
	return inserted, nil
}

func (r *memResultRepo) CountDistinctByTopic(domain.Context, string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

type memRequestRepo struct {
	enqueued []domain.NewMessage
	count    int
	sent     int64
	counts   domain.RequestCounts
}

func (r *memRequestRepo) Claim(domain.Context, int, time.Time) ([]domain.ClaimedRequest, error) {
	return nil, nil
}
func (r *memRequestRepo) ApplyOutcomes(domain.Context, []domain.Outcome, time.Time) error { return nil }
func (r *memRequestRepo) EnqueueBatch(_ domain.Context, msgs []domain.NewMessage, _ time.Time) (int, error) {
	r.enqueued = append(r.enqueued, msgs...)
	n := 0
	for _, m := range msgs {
		n += len(m.Emails)
	}
	r.count = n
	return n, nil
}
func (r *memRequestRepo) CountsByTopic(domain.Context, string) (domain.RequestCounts, error) {
	return r.counts, nil
}
func (r *memRequestRepo) SentCountSince(domain.Context, time.Time) (int64, error) {
	return r.sent, nil
}
func (r *memRequestRepo) SweepStranded(domain.Context, time.Time, string) (int64, error) {
	return 0, nil
}

func newTestServer(reqRepo *memRequestRepo, resRepo *memResultRepo) *httpserver.Server {
	cfg := config.Config{ServerHost: "http://localhost:3000", APIKey: "k"}
	messages := usecase.NewMessageService(reqRepo, resRepo)
	events := usecase.NewEventService(resRepo)
	return httpserver.NewServer(cfg, messages, events, func(context.Context) error { return nil })
}

func TestOpenEventHandler_ServesPixelAndRecords(t *testing.T) {
	t.Parallel()
	resRepo := newMemResultRepo()
	srv := newTestServer(&memRequestRepo{}, resRepo)

	id := uuid.Must(uuid.NewV7())
	req := httptest.NewRequest(http.MethodGet, "/v1/events/open?requestId="+id.String(), nil)
	w := httptest.NewRecorder()
	srv.OpenEventHandler()(w, req)

	res := w.Result()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/png", res.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", res.Header.Get("Cache-Control"))
	body := w.Body.Bytes()
	require.NotEmpty(t, body)
	// PNG signature
	assert.Equal(t, []byte{0x89, 0x50, 0x4E, 0x47}, body[:4])

	// The append happens off the request path.
	select {
	case got := <-resRepo.appended:
		assert.Equal(t, id, got.requestID)
		assert.Equal(t, "Open", got.status)
	case <-time.After(time.Second):
		t.Fatal("open event was not recorded")
	}
}

func TestOpenEventHandler_InvalidIDStillServesPixel(t *testing.T) {
	t.Parallel()
	resRepo := newMemResultRepo()
	srv := newTestServer(&memRequestRepo{}, resRepo)

	req := httptest.NewRequest(http.MethodGet, "/v1/events/open?requestId=not-a-uuid", nil)
	w := httptest.NewRecorder()
	srv.OpenEventHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Result().Header.Get("Content-Type"))
	select {
	case <-resRepo.appended:
		t.Fatal("malformed id must not be recorded")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateMessagesHandler_Success(t *testing.T) {
	t.Parallel()
	reqRepo := &memRequestRepo{}
	srv := newTestServer(reqRepo, newMemResultRepo())

	payload := map[string]any{
		"messages": []map[string]any{{
			"topicId": "promo",
			"emails":  []string{"a@example.com", "b@example.com"},
			"subject": "Hello",
			"content": "<p>hi</p>",
		}},
	}
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(b))
	w := httptest.NewRecorder()
	srv.CreateMessagesHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Count)
	require.Len(t, reqRepo.enqueued, 1)
	assert.Equal(t, "promo", reqRepo.enqueued[0].TopicID)
}

func TestCreateMessagesHandler_ScheduledAtRFC3339(t *testing.T) {
	t.Parallel()
	reqRepo := &memRequestRepo{}
	srv := newTestServer(reqRepo, newMemResultRepo())

	when := time.Now().Add(time.Hour).Format(time.RFC3339)
	body := fmt.Sprintf(`{"messages":[{"emails":["a@example.com"],"subject":"s","content":"c","scheduledAt":%q}]}`, when)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.CreateMessagesHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, reqRepo.enqueued, 1)
	require.NotNil(t, reqRepo.enqueued[0].ScheduledAt)
}

func TestCreateMessagesHandler_ValidationFailures(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&memRequestRepo{}, newMemResultRepo())

	cases := map[string]string{
		"empty body":      `{}`,
		"no messages":     `{"messages":[]}`,
		"no emails":       `{"messages":[{"subject":"s","content":"c","emails":[]}]}`,
		"bad email":       `{"messages":[{"subject":"s","content":"c","emails":["nope"]}]}`,
		"empty subject":   `{"messages":[{"subject":"","content":"c","emails":["a@example.com"]}]}`,
		"bad topic id":    `{"messages":[{"topicId":"has space","subject":"s","content":"c","emails":["a@example.com"]}]}`,
		"bad scheduledAt": `{"messages":[{"subject":"s","content":"c","emails":["a@example.com"],"scheduledAt":"tomorrow"}]}`,
		"not json":        `not json`,
	}
	for name, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
		w := httptest.NewRecorder()
		srv.CreateMessagesHandler()(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "case %q: %s", name, w.Body.String())
	}
}

func TestCreateMessagesHandler_RejectsFarPastSchedule(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&memRequestRepo{}, newMemResultRepo())

	when := time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	body := fmt.Sprintf(`{"messages":[{"emails":["a@example.com"],"subject":"s","content":"c","scheduledAt":%q}]}`, when)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.CreateMessagesHandler()(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSentCountHandler(t *testing.T) {
	t.Parallel()
	reqRepo := &memRequestRepo{sent: 5}
	srv := newTestServer(reqRepo, newMemResultRepo())

	req := httptest.NewRequest(http.MethodGet, "/v1/events/counts/sent", nil)
	w := httptest.NewRecorder()
	srv.SentCountHandler()(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Count int64 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, int64(5), out.Count)
}

func TestSentCountHandler_BadHours(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&memRequestRepo{}, newMemResultRepo())

	for _, q := range []string{"hours=abc", "hours=0", "hours=200"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/events/counts/sent?"+q, nil)
		w := httptest.NewRecorder()
		srv.SentCountHandler()(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func snsBody(t *testing.T, id uuid.UUID, notifType string) string {
	t.Helper()
	inner, err := json.Marshal(map[string]any{
		"notificationType": notifType,
		"mail": map[string]any{
			"tags": map[string][]string{"request_id": {id.String()}},
		},
	})
	require.NoError(t, err)
	outer, err := json.Marshal(map[string]any{
		"Type":      "Notification",
		"MessageId": "m-1",
		"Message":   string(inner),
	})
	require.NoError(t, err)
	return string(outer)
}

func TestResultEventHandler_Notification(t *testing.T) {
	t.Parallel()
	resRepo := newMemResultRepo()
	srv := newTestServer(&memRequestRepo{}, resRepo)

	id := uuid.Must(uuid.NewV7())
	req := httptest.NewRequest(http.MethodPost, "/v1/events/results", strings.NewReader(snsBody(t, id, "Bounce")))
	w := httptest.NewRecorder()
	srv.ResultEventHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := <-resRepo.appended
	assert.Equal(t, id, got.requestID)
	assert.Equal(t, "Bounce", got.status)
}

func TestResultEventHandler_DuplicateDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	resRepo := newMemResultRepo()
	srv := newTestServer(&memRequestRepo{}, resRepo)

	id := uuid.Must(uuid.NewV7())
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/events/results", strings.NewReader(snsBody(t, id, "Delivery")))
		w := httptest.NewRecorder()
		srv.ResultEventHandler()(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
	// All three deliveries succeeded; the unique key kept one row.
	resRepo.mu.Lock()
	defer resRepo.mu.Unlock()
	assert.Len(t, resRepo.rows, 1)
}

func TestResultEventHandler_SubscriptionConfirmation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&memRequestRepo{}, newMemResultRepo())

	url := "https://sns.example.com/confirm"
	body, _ := json.Marshal(map[string]any{
		"Type": "SubscriptionConfirmation", "MessageId": "m-1", "Message": "", "SubscribeURL": url,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/events/results", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ResultEventHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Subscription confirmation required")
}

func TestResultEventHandler_OtherTypeAcknowledged(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&memRequestRepo{}, newMemResultRepo())

	body, _ := json.Marshal(map[string]any{"Type": "UnsubscribeConfirmation", "MessageId": "m-1", "Message": ""})
	req := httptest.NewRequest(http.MethodPost, "/v1/events/results", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ResultEventHandler()(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestResultEventHandler_Rejections(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&memRequestRepo{}, newMemResultRepo())

	noTags, _ := json.Marshal(map[string]any{
		"Type": "Notification", "MessageId": "m-1",
		"Message": `{"notificationType":"Bounce","mail":{"tags":{}}}`,
	})
	badTag, _ := json.Marshal(map[string]any{
		"Type": "Notification", "MessageId": "m-1",
		"Message": `{"notificationType":"Bounce","mail":{"tags":{"request_id":["nope"]}}}`,
	})
	nonSES, _ := json.Marshal(map[string]any{
		"Type": "Notification", "MessageId": "m-1", "Message": "plain text",
	})
	for name, body := range map[string][]byte{"missing tag": noTags, "bad tag": badTag, "non-SES": nonSES, "bad json": []byte("{")} {
		req := httptest.NewRequest(http.MethodPost, "/v1/events/results", bytes.NewReader(body))
		w := httptest.NewRecorder()
		srv.ResultEventHandler()(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestHealthzHandler(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&memRequestRepo{}, newMemResultRepo())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.HealthzHandler()(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHealthzHandler_DBDown(t *testing.T) {
	t.Parallel()
	cfg := config.Config{APIKey: "k"}
	srv := httpserver.NewServer(cfg,
		usecase.NewMessageService(&memRequestRepo{}, newMemResultRepo()),
		usecase.NewEventService(newMemResultRepo()),
		func(context.Context) error { return fmt.Errorf("connection refused") })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.HealthzHandler()(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	// Cause stays server-side; the body carries a generic message.
	assert.NotContains(t, w.Body.String(), "connection refused")
}
