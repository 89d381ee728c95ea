package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// SpendingLimits are the caps enforced per peer by a SpendingLimitStore.
type SpendingLimits struct {
	MaxPerTransaction uint64
	MaxPerDay         uint64
	MaxPerMonth       uint64
}

// SpendingLimitStore tracks accumulated spend per peer against configured
// caps. The storage schema is implementation-specific (spec §9 leaves it
// unspecified); this interface is the only contract the core depends on.
type SpendingLimitStore interface {
	Limits(ctx context.Context, peerID string) (SpendingLimits, error)
	RecordAndCheck(ctx context.Context, peerID string, amount uint64, now time.Time) (allowed bool, err error)
}

// InMemorySpendingLimitStore is the default, process-local implementation.
type InMemorySpendingLimitStore struct {
	mu      sync.Mutex
	limits  map[string]SpendingLimits
	daily   map[string]daySpend
	monthly map[string]monthSpend
	deflt   SpendingLimits
}

type daySpend struct {
	day   time.Time
	total uint64
}

type monthSpend struct {
	month time.Time
	total uint64
}

// NewInMemorySpendingLimitStore constructs a store with a default limit
// applied to peers without an explicit override.
func NewInMemorySpendingLimitStore(deflt SpendingLimits) *InMemorySpendingLimitStore {
	return &InMemorySpendingLimitStore{
		limits:  make(map[string]SpendingLimits),
		daily:   make(map[string]daySpend),
		monthly: make(map[string]monthSpend),
		deflt:   deflt,
	}
}

// SetLimits installs a per-peer override.
func (s *InMemorySpendingLimitStore) SetLimits(peerID string, limits SpendingLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[peerID] = limits
}

func (s *InMemorySpendingLimitStore) Limits(_ context.Context, peerID string) (SpendingLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limits[peerID]; ok {
		return l, nil
	}
	return s.deflt, nil
}

func (s *InMemorySpendingLimitStore) RecordAndCheck(_ context.Context, peerID string, amount uint64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits, ok := s.limits[peerID]
	if !ok {
		limits = s.deflt
	}

	if limits.MaxPerTransaction > 0 && amount > limits.MaxPerTransaction {
		return false, nil
	}

	dayStart := now.Truncate(24 * time.Hour)
	ds := s.daily[peerID]
	if !ds.day.Equal(dayStart) {
		ds = daySpend{day: dayStart}
	}
	if limits.MaxPerDay > 0 && ds.total+amount > limits.MaxPerDay {
		return false, nil
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	ms := s.monthly[peerID]
	if !ms.month.Equal(monthStart) {
		ms = monthSpend{month: monthStart}
	}
	if limits.MaxPerMonth > 0 && ms.total+amount > limits.MaxPerMonth {
		return false, nil
	}

	ds.total += amount
	ms.total += amount
	s.daily[peerID] = ds
	s.monthly[peerID] = ms
	return true, nil
}

// PostgresSpendingLimitStore persists spend accumulators in Postgres,
// reusing the lib/pq wiring already justified for the Event Store (C11).
// Schema (created by the operator's migration, not by this package):
//
//	CREATE TABLE spending_limits (
//	  peer_id text PRIMARY KEY,
//	  max_per_transaction bigint, max_per_day bigint, max_per_month bigint);
//	CREATE TABLE spending_ledger (
//	  peer_id text, period_start date, bucket text, total bigint,
//	  PRIMARY KEY (peer_id, period_start, bucket));
type PostgresSpendingLimitStore struct {
	db *sql.DB
}

// NewPostgresSpendingLimitStore wraps an existing *sql.DB (opened with the
// lib/pq driver by the caller).
func NewPostgresSpendingLimitStore(db *sql.DB) *PostgresSpendingLimitStore {
	return &PostgresSpendingLimitStore{db: db}
}

func (p *PostgresSpendingLimitStore) Limits(ctx context.Context, peerID string) (SpendingLimits, error) {
	var l SpendingLimits
	row := p.db.QueryRowContext(ctx,
		`SELECT max_per_transaction, max_per_day, max_per_month FROM spending_limits WHERE peer_id = $1`,
		peerID)
	err := row.Scan(&l.MaxPerTransaction, &l.MaxPerDay, &l.MaxPerMonth)
	if err == sql.ErrNoRows {
		return SpendingLimits{}, nil
	}
	if err != nil {
		return SpendingLimits{}, fmt.Errorf("spending limits lookup for %s: %w", peerID, err)
	}
	return l, nil
}

func (p *PostgresSpendingLimitStore) RecordAndCheck(ctx context.Context, peerID string, amount uint64, now time.Time) (bool, error) {
	limits, err := p.Limits(ctx, peerID)
	if err != nil {
		return false, err
	}
	if limits.MaxPerTransaction > 0 && amount > limits.MaxPerTransaction {
		return false, nil
	}

	dayStart := now.Truncate(24 * time.Hour)
	var dayTotal uint64
	row := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(total, 0) FROM spending_ledger WHERE peer_id = $1 AND period_start = $2 AND bucket = 'day'`,
		peerID, dayStart)
	_ = row.Scan(&dayTotal)
	if limits.MaxPerDay > 0 && dayTotal+amount > limits.MaxPerDay {
		return false, nil
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO spending_ledger (peer_id, period_start, bucket, total)
		VALUES ($1, $2, 'day', $3)
		ON CONFLICT (peer_id, period_start, bucket)
		DO UPDATE SET total = spending_ledger.total + EXCLUDED.total`,
		peerID, dayStart, amount)
	if err != nil {
		return false, fmt.Errorf("spending ledger update for %s: %w", peerID, err)
	}
	return true, nil
}
