package nats

import (
	"context"
	"sync"

	"github.com/brojonat/ecoride/service/reward"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu          sync.RWMutex
	reviews     []*reward.ReviewRequest
	alerts      []*reward.IntegrityAlert
	reviewError error
	alertError  error
	closed      bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// SubmitReview records the request and returns any configured error.
func (m *MockPublisher) SubmitReview(ctx context.Context, req *reward.ReviewRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reviewError != nil {
		return m.reviewError
	}
	m.reviews = append(m.reviews, req)
	return nil
}

// PublishAlert records the alert and returns any configured error.
func (m *MockPublisher) PublishAlert(ctx context.Context, alert *reward.IntegrityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.alertError != nil {
		return m.alertError
	}
	m.alerts = append(m.alerts, alert)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetReviews returns all submitted review requests.
func (m *MockPublisher) GetReviews() []*reward.ReviewRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*reward.ReviewRequest, len(m.reviews))
	copy(out, m.reviews)
	return out
}

// GetAlerts returns all published alerts.
func (m *MockPublisher) GetAlerts() []*reward.IntegrityAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*reward.IntegrityAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// SetReviewError configures the mock to return an error on SubmitReview.
func (m *MockPublisher) SetReviewError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviewError = err
}

// SetAlertError configures the mock to return an error on PublishAlert.
func (m *MockPublisher) SetAlertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertError = err
}

// Reset clears all recorded events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews = nil
	m.alerts = nil
	m.reviewError = nil
	m.alertError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

var (
	_ Publisher = (*MockPublisher)(nil)
	_ Publisher = (*JetStreamPublisher)(nil)
)
