// Package httpserver contains HTTP handlers and middleware.
//
// It provides the ingress REST endpoints (batch enqueue, per-topic counters),
// the public event surface (tracking pixel, provider webhook), and health
// checks. HTTP concerns stay here; business logic lives in the usecases.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/config"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/usecase"
)

// transparentPNG is a pre-encoded 1x1 transparent PNG served by the tracking
// pixel endpoint.
var transparentPNG = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, // PNG signature
	0x00, 0x00, 0x00, 0x0D, // IHDR length
	0x49, 0x48, 0x44, 0x52, // IHDR
	0x00, 0x00, 0x00, 0x01, // width: 1
	0x00, 0x00, 0x00, 0x01, // height: 1
	0x08, 0x06, 0x00, 0x00, 0x00, // bit depth, color type, compression, filter, interlace
	0x1F, 0x15, 0xC4, 0x89, // CRC
	0x00, 0x00, 0x00, 0x0A, // IDAT length
	0x49, 0x44, 0x41, 0x54, // IDAT
	0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00, 0x05, 0x00, 0x01, // compressed data
	0x0D, 0x0A, 0x2D, 0xB4, // CRC
	0x00, 0x00, 0x00, 0x00, // IEND length
	0x49, 0x45, 0x4E, 0x44, // IEND
	0xAE, 0x42, 0x60, 0x82, // CRC
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Messages usecase.MessageService
	Events   usecase.EventService
	DBCheck  func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, messages usecase.MessageService, events usecase.EventService, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Messages: messages, Events: events, DBCheck: dbCheck}
}

// CreateMessagesHandler validates and enqueues a batch of messages.
func (s *Server) CreateMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req CreateMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: invalid JSON: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		msgs := make([]domain.NewMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			msgs = append(msgs, domain.NewMessage{
				TopicID:     m.TopicID,
				Emails:      m.Emails,
				Subject:     m.Subject,
				Body:        m.Content,
				ScheduledAt: m.ScheduledAt,
			})
		}

		count, err := s.Messages.Enqueue(r.Context(), msgs)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, CreateMessageResponse{
			Count:   count,
			Elapsed: time.Since(start).String(),
		})
	}
}

// TopicCountsHandler reports request and result counts for one topic.
func (s *Server) TopicCountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topicID := chi.URLParam(r, "topicID")
		counts, statuses, err := s.Messages.TopicCounts(r.Context(), topicID)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, TopicCountsResponse{
			Request: RequestCountsDTO{
				Total:   counts.Total,
				Created: counts.Created,
				Sent:    counts.Sent,
				Failed:  counts.Failed,
				Stopped: counts.Stopped,
			},
			Result: ResultCountsDTO{Statuses: statuses},
		})
	}
}

// SentCountHandler reports how many requests were sent in the last N hours.
func (s *Server) SentCountHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := 24
		if raw := r.URL.Query().Get("hours"); raw != "" {
			h, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, fmt.Errorf("%w: hours must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			hours = h
		}
		count, err := s.Messages.SentCount(r.Context(), hours)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, SentCountResponse{Count: count})
	}
}

// OpenEventHandler records an open event and serves the tracking pixel. The
// append happens off the request path so pixel delivery never waits on the
// store; malformed ids are logged and still get the pixel.
func (s *Server) OpenEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if raw := r.URL.Query().Get("requestId"); raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				ctx := context.WithoutCancel(r.Context())
				go s.Events.RecordOpen(ctx, id)
			} else {
				slog.Warn("invalid request id in open event", slog.String("request_id", raw))
			}
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Content-Length", strconv.Itoa(len(transparentPNG)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(transparentPNG)
	}
}

// ResultEventHandler ingests provider delivery notifications (SNS-style
// envelope carrying an SES-style notification).
func (s *Server) ResultEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var envelope SNSMessage
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			writeError(w, fmt.Errorf("%w: invalid JSON: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		switch envelope.Type {
		case "SubscriptionConfirmation":
			url := ""
			if envelope.SubscribeURL != nil {
				url = *envelope.SubscribeURL
			}
			slog.Info("subscription confirmation required", slog.String("subscribe_url", url))
			writeJSON(w, http.StatusOK, map[string]string{"message": "Subscription confirmation required"})
			return
		case "Notification":
		default:
			slog.Info("non-notification envelope received", slog.String("type", envelope.Type))
			writeJSON(w, http.StatusOK, map[string]string{"message": "Other message type received"})
			return
		}

		var notif SESNotification
		if err := json.Unmarshal([]byte(envelope.Message), &notif); err != nil {
			writeError(w, fmt.Errorf("%w: non-SES notification received", domain.ErrInvalidArgument), nil)
			return
		}
		tags, ok := notif.Mail.Tags["request_id"]
		if !ok || len(tags) == 0 {
			writeError(w, fmt.Errorf("%w: request_id not found in mail tags", domain.ErrInvalidArgument), nil)
			return
		}
		id, err := uuid.Parse(tags[0])
		if err != nil {
			writeError(w, fmt.Errorf("%w: malformed request_id tag", domain.ErrInvalidArgument), nil)
			return
		}

		raw, _ := json.Marshal(envelope.Message)
		if err := s.Events.RecordProviderEvent(r.Context(), id, notif.NotificationType, raw); err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
	}
}

// HealthzHandler verifies store connectivity.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				writeError(w, fmt.Errorf("%w: %v", domain.ErrDatabase, err), nil)
				return
			}
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to HTTP codes. Server-side failures get a
// generic message; the cause is logged, never leaked.
func writeError(w http.ResponseWriter, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
		msg = "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrMessageBus):
		codeStr = "MESSAGE_BUS"
		msg = "message queue error"
	case errors.Is(err, domain.ErrDatabase):
		codeStr = "DATABASE"
		msg = "database error"
	}
	if code == http.StatusInternalServerError {
		slog.Error("request failed", slog.Any("error", err))
		if codeStr == "INTERNAL" {
			msg = "internal error"
		}
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: msg, Details: details}})
}
