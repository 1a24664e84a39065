package httpserver

import (
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// CreateMessageRequest is the batch-enqueue request body.
type CreateMessageRequest struct {
	Messages []MessageRequest `json:"messages" validate:"required,min=1,max=100,dive"`
}

// MessageRequest is one message: a shared content fanned out to a list of
// recipients, optionally scheduled. scheduledAt must be RFC3339; it is
// normalized to UTC downstream.
type MessageRequest struct {
	TopicID     string     `json:"topicId" validate:"omitempty,max=50,topic_id"`
	Emails      []string   `json:"emails" validate:"required,min=1,max=1000,dive,required,max=254,email"`
	Subject     string     `json:"subject" validate:"required,min=1,max=255"`
	Content     string     `json:"content" validate:"required,min=1,max=65535"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

// CreateMessageResponse reports how many requests were enqueued.
type CreateMessageResponse struct {
	Count   int    `json:"count"`
	Elapsed string `json:"elapsed"`
}

// RequestCountsDTO mirrors domain.RequestCounts on the wire.
type RequestCountsDTO struct {
	Total   int64 `json:"total"`
	Created int64 `json:"created"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Stopped int64 `json:"stopped"`
}

// ResultCountsDTO carries distinct-request counts per result status.
type ResultCountsDTO struct {
	Statuses map[string]int64 `json:"statuses"`
}

// TopicCountsResponse is the per-topic counter envelope.
type TopicCountsResponse struct {
	Request RequestCountsDTO `json:"request"`
	Result  ResultCountsDTO  `json:"result"`
}

// SentCountResponse reports the recent sent-count window.
type SentCountResponse struct {
	Count int64 `json:"count"`
}

// HealthResponse is the health-check body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SNSMessage is the provider's webhook envelope (SNS-style).
type SNSMessage struct {
	Type         string  `json:"Type"`
	MessageID    string  `json:"MessageId"`
	Message      string  `json:"Message"`
	SubscribeURL *string `json:"SubscribeURL"`
}

// SESNotification is the inner notification payload carried in Message.
type SESNotification struct {
	NotificationType string `json:"notificationType"`
	Mail             struct {
		Tags map[string][]string `json:"tags"`
	} `json:"mail"`
}

var topicIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New()
		// topic_id: alphanumeric plus hyphen/underscore; empty handled by omitempty
		_ = vld.RegisterValidation("topic_id", func(fl validator.FieldLevel) bool {
			return topicIDRe.MatchString(fl.Field().String())
		})
	})
	return vld
}
