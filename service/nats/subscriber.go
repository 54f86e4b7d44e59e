package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber streams distribution events back out of JetStream. Reviewers'
// tooling and the CLI use it.
type Subscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS.
func NewSubscriber(natsURL string, logger *slog.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("ecoride-subscriber"),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Subscriber{nc: nc, js: js, logger: logger}, nil
}

// ConsumeOptions controls the consumer created for a subscription.
type ConsumeOptions struct {
	// ReceiptID narrows the subscription to one receipt. Empty means all.
	ReceiptID string
	// Durable names a durable consumer that survives restarts. Empty
	// creates an ephemeral consumer.
	Durable string
}

// Reviews calls fn for every review request until ctx is done.
func (s *Subscriber) Reviews(ctx context.Context, opts ConsumeOptions, fn func(*ReviewEvent) error) error {
	return consume(ctx, s, reviewPrefix, opts, fn)
}

// Alerts calls fn for every integrity alert until ctx is done.
func (s *Subscriber) Alerts(ctx context.Context, opts ConsumeOptions, fn func(*AlertEvent) error) error {
	return consume(ctx, s, alertPrefix, opts, fn)
}

// Close closes the connection to NATS.
func (s *Subscriber) Close() {
	s.nc.Close()
}

// filterSubject builds the consumer filter for kind, optionally narrowed to
// one receipt.
func filterSubject(kind, receiptID string) string {
	if receiptID == "" {
		return kind + ".*"
	}
	return kind + "." + SubjectToken(receiptID)
}

func consume[T any](ctx context.Context, s *Subscriber, kind string, opts ConsumeOptions, fn func(*T) error) error {
	cfg := jetstream.ConsumerConfig{
		FilterSubject: filterSubject(kind, opts.ReceiptID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if opts.Durable != "" {
		cfg.Durable = opts.Durable
	}

	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event T
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.Warn("dropping undecodable event",
				"subject", msg.Subject(),
				"error", err,
			)
			_ = msg.Term()
			return
		}
		if err := fn(&event); err != nil {
			s.logger.Warn("event handler failed",
				"subject", msg.Subject(),
				"error", err,
			)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}
