package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/ecoride/service/metrics"
	"github.com/brojonat/ecoride/service/reward"
)

// Publisher delivers review requests and integrity alerts. It satisfies both
// reward.ReviewSink and reward.AlertSink.
type Publisher interface {
	// SubmitReview publishes to "reviews.{receipt_id}".
	SubmitReview(ctx context.Context, req *reward.ReviewRequest) error

	// PublishAlert publishes to "alerts.{receipt_id}".
	PublishAlert(ctx context.Context, alert *reward.IntegrityAlert) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes distribution events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
}

const (
	// StreamName is the name of the JetStream stream for distribution events.
	StreamName = "DISTRIBUTIONS"

	reviewPrefix = "reviews"
	alertPrefix  = "alerts"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour

	// DuplicateWindow bounds JetStream's message-id deduplication, which
	// absorbs review requests re-emitted by the reconciler.
	DuplicateWindow = 24 * time.Hour
)

// StreamSubjects are the subject patterns captured by the stream.
var StreamSubjects = []string{reviewPrefix + ".*", alertPrefix + ".*"}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists. m may be nil.
func NewPublisher(natsURL string, logger *slog.Logger, m *metrics.Metrics) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("ecoride-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		logger:  logger,
		metrics: m,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// StreamConfig is the configuration the publisher creates the stream with.
func StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Reward distribution review requests and integrity alerts",
		Subjects:    StreamSubjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Duplicates:  DuplicateWindow,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}
}

func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)
	if _, err := p.js.CreateStream(ctx, StreamConfig()); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// SubmitReview publishes a review request. The message id is derived from the
// receipt and attempt so a re-emitted request is dropped as a duplicate.
func (p *JetStreamPublisher) SubmitReview(ctx context.Context, req *reward.ReviewRequest) error {
	event := &ReviewEvent{ReviewRequest: *req, PublishedAt: time.Now().UTC()}
	msgID := fmt.Sprintf("review-%s-%d", req.ReceiptID, req.Attempt)
	return p.publish(ctx, reviewPrefix, ReviewSubject(req.ReceiptID), msgID, event)
}

// PublishAlert publishes an integrity alert.
func (p *JetStreamPublisher) PublishAlert(ctx context.Context, alert *reward.IntegrityAlert) error {
	event := &AlertEvent{IntegrityAlert: *alert, PublishedAt: time.Now().UTC()}
	msgID := fmt.Sprintf("alert-%s-%d-%s", alert.ReceiptID, alert.Attempt, alert.FailedLeg)
	return p.publish(ctx, alertPrefix, AlertSubject(alert.ReceiptID), msgID, event)
}

func (p *JetStreamPublisher) publish(ctx context.Context, kind, subject, msgID string, event any) error {
	start := time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}

	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(kind, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", kind, err)
	}

	p.logger.DebugContext(ctx, "published distribution event",
		"subject", subject,
		"msg_id", msgID,
		"duplicate", ack.Duplicate,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
