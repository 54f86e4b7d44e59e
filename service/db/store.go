package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/ecoride/service/metrics"
	"github.com/brojonat/ecoride/service/reward"
)

const table = "distribution_records"

// Store persists distribution records in Postgres. It implements
// reward.RecordStore.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// m may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

const selectColumns = `
	SELECT receipt_id, attempt, mode, context, split, recipient_outcome, fund_outcome,
	       review, review_queued, in_flight, lease_id, lease_expires_at, created_at, updated_at
	FROM distribution_records`

// Create inserts rec unless a record for the receipt already exists.
func (s *Store) Create(ctx context.Context, rec *reward.DistributionRecord) (created bool, err error) {
	defer s.observe("create", time.Now(), &err)

	params, err := toRow(rec)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO distribution_records (
			receipt_id, attempt, mode, status, context, split, recipient_outcome, fund_outcome,
			review, review_queued, in_flight, lease_id, lease_expires_at, needs_reconcile,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (receipt_id) DO NOTHING`,
		params.args()...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert distribution record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Update locks the row, applies fn, and writes the result in one transaction.
func (s *Store) Update(ctx context.Context, receiptID string, fn func(*reward.DistributionRecord) error) (out *reward.DistributionRecord, err error) {
	defer s.observe("update", time.Now(), &err)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec, err := scanRecord(tx.QueryRow(ctx, selectColumns+` WHERE receipt_id = $1 FOR UPDATE`, receiptID))
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}

	params, err := toRow(rec)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE distribution_records SET
			attempt = $2, mode = $3, status = $4, context = $5, split = $6,
			recipient_outcome = $7, fund_outcome = $8, review = $9, review_queued = $10,
			in_flight = $11, lease_id = $12, lease_expires_at = $13, needs_reconcile = $14,
			created_at = $15, updated_at = $16
		WHERE receipt_id = $1`,
		params.args()...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update distribution record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit distribution record: %w", err)
	}
	return rec, nil
}

// Get returns reward.ErrRecordNotFound if no record exists.
func (s *Store) Get(ctx context.Context, receiptID string) (rec *reward.DistributionRecord, err error) {
	defer s.observe("get", time.Now(), &err)
	return scanRecord(s.pool.QueryRow(ctx, selectColumns+` WHERE receipt_id = $1`, receiptID))
}

// ListUnsettled returns records the reconciler still has work for, oldest first.
// A limit of 0 means no limit.
func (s *Store) ListUnsettled(ctx context.Context, limit int) (out []*reward.DistributionRecord, err error) {
	defer s.observe("list_unsettled", time.Now(), &err)

	query := selectColumns + ` WHERE needs_reconcile ORDER BY created_at ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list unsettled records: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of records in each derived status.
func (s *Store) CountByStatus(ctx context.Context) (counts map[reward.Status]int64, err error) {
	defer s.observe("count_by_status", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM distribution_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts = make(map[reward.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[reward.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) observe(op string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), *err)
	}
}

// row is a DistributionRecord flattened into column values.
type row struct {
	receiptID        string
	attempt          int32
	mode             string
	status           string
	context          []byte
	split            []byte
	recipientOutcome []byte
	fundOutcome      []byte
	review           []byte // nil stores NULL
	reviewQueued     bool
	inFlight         bool
	leaseID          string
	leaseExpiresAt   pgtype.Timestamptz
	needsReconcile   bool
	createdAt        time.Time
	updatedAt        time.Time
}

func (r row) args() []any {
	return []any{
		r.receiptID, r.attempt, r.mode, r.status, r.context, r.split, r.recipientOutcome, r.fundOutcome,
		r.review, r.reviewQueued, r.inFlight, r.leaseID, r.leaseExpiresAt, r.needsReconcile,
		r.createdAt, r.updatedAt,
	}
}

func toRow(rec *reward.DistributionRecord) (row, error) {
	r := row{
		receiptID:      rec.ReceiptID,
		attempt:        int32(rec.Attempt),
		mode:           string(rec.Mode),
		status:         string(rec.Status()),
		reviewQueued:   rec.ReviewQueued,
		inFlight:       rec.InFlight,
		leaseID:        rec.LeaseID,
		leaseExpiresAt: pgTimestamptz(rec.LeaseExpiresAt),
		needsReconcile: rec.NeedsReconcile(),
		createdAt:      rec.CreatedAt,
		updatedAt:      rec.UpdatedAt,
	}

	var err error
	if r.context, err = json.Marshal(rec.Context); err != nil {
		return row{}, fmt.Errorf("failed to encode receipt context: %w", err)
	}
	if r.split, err = json.Marshal(rec.Split); err != nil {
		return row{}, fmt.Errorf("failed to encode split: %w", err)
	}
	if r.recipientOutcome, err = json.Marshal(rec.RecipientOutcome); err != nil {
		return row{}, fmt.Errorf("failed to encode recipient outcome: %w", err)
	}
	if r.fundOutcome, err = json.Marshal(rec.FundOutcome); err != nil {
		return row{}, fmt.Errorf("failed to encode fund outcome: %w", err)
	}
	if rec.Review != nil {
		if r.review, err = json.Marshal(rec.Review); err != nil {
			return row{}, fmt.Errorf("failed to encode review: %w", err)
		}
	}
	return r, nil
}

func scanRecord(src pgx.Row) (*reward.DistributionRecord, error) {
	var (
		rec                                reward.DistributionRecord
		attempt                            int32
		mode                               string
		ctxJSON, splitJSON, recJSON, fJSON []byte
		reviewJSON                         []byte
		leaseExpiresAt                     pgtype.Timestamptz
	)
	err := src.Scan(
		&rec.ReceiptID, &attempt, &mode, &ctxJSON, &splitJSON, &recJSON, &fJSON,
		&reviewJSON, &rec.ReviewQueued, &rec.InFlight, &rec.LeaseID, &leaseExpiresAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reward.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan distribution record: %w", err)
	}

	rec.Attempt = int(attempt)
	rec.Mode = reward.Mode(mode)
	if leaseExpiresAt.Valid {
		rec.LeaseExpiresAt = leaseExpiresAt.Time
	}
	if err := json.Unmarshal(ctxJSON, &rec.Context); err != nil {
		return nil, fmt.Errorf("failed to decode receipt context: %w", err)
	}
	if err := json.Unmarshal(splitJSON, &rec.Split); err != nil {
		return nil, fmt.Errorf("failed to decode split: %w", err)
	}
	if err := json.Unmarshal(recJSON, &rec.RecipientOutcome); err != nil {
		return nil, fmt.Errorf("failed to decode recipient outcome: %w", err)
	}
	if err := json.Unmarshal(fJSON, &rec.FundOutcome); err != nil {
		return nil, fmt.Errorf("failed to decode fund outcome: %w", err)
	}
	if reviewJSON != nil {
		rec.Review = &reward.ReviewDecision{}
		if err := json.Unmarshal(reviewJSON, rec.Review); err != nil {
			return nil, fmt.Errorf("failed to decode review: %w", err)
		}
	}
	return &rec, nil
}

func pgTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
