// Package nats provides the NATS JetStream message bus producer.
//
// It publishes dispatch payloads onto a single durable subject and ensures
// the backing stream exists with the expected retention properties. The
// underlying connection is safe for concurrent publishes.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/config"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
)

const (
	streamMaxAge   = 24 * time.Hour
	streamMaxMsgs  = 1_000_000
	streamMaxBytes = 1_000_000_000 // 1 GB
	publishTimeout = 10 * time.Second
)

// Producer publishes onto the configured JetStream subject and implements
// domain.Producer.
type Producer struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  string
	subject string
}

// NewProducer connects to NATS and idempotently gets-or-creates the stream.
// Any failure here is returned to the caller, which treats it as fatal: a
// process that cannot publish must not start claiming requests.
func NewProducer(ctx context.Context, cfg config.Config) (*Producer, error) {
	slog.Info("connecting to NATS", slog.String("url", cfg.NATSURL))

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name(cfg.OTELServiceName),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("op=nats.connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("op=nats.jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.NATSStream,
		Subjects: []string{cfg.NATSSubject},
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
		MaxBytes: streamMaxBytes,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("op=nats.ensure_stream %s: %w", cfg.NATSStream, err)
	}
	slog.Info("NATS stream ready", slog.String("stream", cfg.NATSStream), slog.String("subject", cfg.NATSSubject))

	return &Producer{nc: nc, js: js, stream: cfg.NATSStream, subject: cfg.NATSSubject}, nil
}

// Publish sends data onto the configured subject and blocks until the broker
// acknowledges durable storage, returning the stream sequence from the ack.
func (p *Producer) Publish(ctx domain.Context, data []byte) (uint64, error) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	ack, err := p.js.Publish(pubCtx, p.subject, data)
	if err != nil {
		return 0, fmt.Errorf("op=nats.publish: %w: %w", domain.ErrMessageBus, err)
	}
	return ack.Sequence, nil
}

// HealthCheck verifies the stream is still reachable.
func (p *Producer) HealthCheck(ctx domain.Context) error {
	if _, err := p.js.Stream(ctx, p.stream); err != nil {
		return fmt.Errorf("op=nats.health: %w", err)
	}
	return nil
}

// Close closes the connection without draining pending messages.
func (p *Producer) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
