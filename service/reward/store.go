package reward

import (
	"context"
	"sort"
	"sync"
)

// RecordStore persists distribution records keyed by receipt id.
// Implementations must make Create and Update atomic per receipt id.
type RecordStore interface {
	// Create inserts rec unless a record for its receipt id exists.
	// It reports whether the insert happened.
	Create(ctx context.Context, rec *DistributionRecord) (bool, error)

	// Update applies fn to the stored record under the store's lock or row
	// lock and persists the result. If fn returns an error nothing is written
	// and that error is returned. Returns ErrRecordNotFound if absent.
	Update(ctx context.Context, receiptID string, fn func(*DistributionRecord) error) (*DistributionRecord, error)

	// Get returns ErrRecordNotFound if absent.
	Get(ctx context.Context, receiptID string) (*DistributionRecord, error)

	// ListUnsettled returns up to limit records, oldest first, that are not
	// terminal or still need their review request emitted.
	ListUnsettled(ctx context.Context, limit int) ([]*DistributionRecord, error)
}

// MemoryStore is an in-process RecordStore. Records are cloned on the way in
// and out so callers never share memory with the store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*DistributionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*DistributionRecord)}
}

func (s *MemoryStore) Create(ctx context.Context, rec *DistributionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ReceiptID]; ok {
		return false, nil
	}
	s.records[rec.ReceiptID] = rec.Clone()
	return true, nil
}

func (s *MemoryStore) Update(ctx context.Context, receiptID string, fn func(*DistributionRecord) error) (*DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[receiptID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.records[receiptID] = next.Clone()
	return next, nil
}

func (s *MemoryStore) Get(ctx context.Context, receiptID string) (*DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[receiptID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListUnsettled(ctx context.Context, limit int) ([]*DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DistributionRecord
	for _, rec := range s.records {
		if rec.NeedsReconcile() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
