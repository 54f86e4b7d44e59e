package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brojonat/ecoride/service/reward"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	started   map[string]reward.ReceiptContext // map[workflowID]input
	interval  time.Duration
	limit     int
	scheduled bool
	startErr  error
	createErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		started: make(map[string]reward.ReceiptContext),
	}
}

// StartDistribution records the started workflow.
func (m *MockScheduler) StartDistribution(ctx context.Context, rc reward.ReceiptContext) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return "", m.startErr
	}
	id := DistributionWorkflowID(rc.ReceiptID)
	if _, running := m.started[id]; !running {
		m.started[id] = rc
	}
	return id, nil
}

// UpsertReconcileSchedule records the schedule interval.
func (m *MockScheduler) UpsertReconcileSchedule(ctx context.Context, interval time.Duration, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	m.interval = interval
	m.limit = limit
	m.scheduled = true
	return nil
}

// DeleteReconcileSchedule records that the schedule was deleted.
func (m *MockScheduler) DeleteReconcileSchedule(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	if !m.scheduled {
		return fmt.Errorf("schedule %q not found", ReconcileScheduleID)
	}
	m.scheduled = false
	return nil
}

// SetStartError makes StartDistribution return an error.
func (m *MockScheduler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetCreateError makes UpsertReconcileSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteError makes DeleteReconcileSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// Started returns the input a workflow was started with.
func (m *MockScheduler) Started(workflowID string) (reward.ReceiptContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.started[workflowID]
	return rc, ok
}

// StartedCount returns the number of distinct workflows started.
func (m *MockScheduler) StartedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}

// ReconcileSchedule returns the schedule interval and limit, if scheduled.
func (m *MockScheduler) ReconcileSchedule() (time.Duration, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval, m.limit, m.scheduled
}

// Reset clears all state and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = make(map[string]reward.ReceiptContext)
	m.interval = 0
	m.limit = 0
	m.scheduled = false
	m.startErr = nil
	m.createErr = nil
	m.deleteErr = nil
}

var (
	_ Scheduler = (*MockScheduler)(nil)
	_ Scheduler = (*Client)(nil)
)
