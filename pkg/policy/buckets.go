package policy

import (
	"context"
	"sync"
	"time"
)

// BucketStore maintains sliding-window action counters. Allow records one
// attempt against the key's window and reports whether the attempt stayed
// under the limit; a rejected attempt is not recorded.
type BucketStore interface {
	Allow(ctx context.Context, key string, windowMs int64, limit int) (allowed bool, remaining int64, err error)
	Reset(ctx context.Context) error
}

// SpendLedger maintains sliding-window lamport spend. TrySpend admits the
// amount when the window total stays at or under the limit; a rejected
// amount is not recorded.
type SpendLedger interface {
	TrySpend(ctx context.Context, key string, amount uint64, windowMs int64, limit uint64) (allowed bool, remaining uint64, err error)
	Reset(ctx context.Context) error
}

// MemoryBuckets is the in-process BucketStore. Timestamps older than the
// window are dropped lazily on access.
type MemoryBuckets struct {
	mu      sync.Mutex
	buckets map[string][]int64
	clock   func() time.Time
}

// NewMemoryBuckets creates an empty store. A nil clock uses time.Now.
func NewMemoryBuckets(clock func() time.Time) *MemoryBuckets {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryBuckets{buckets: make(map[string][]int64), clock: clock}
}

func (m *MemoryBuckets) Allow(_ context.Context, key string, windowMs int64, limit int) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UnixMilli()
	cutoff := now - windowMs
	kept := m.buckets[key][:0]
	for _, ts := range m.buckets[key] {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		m.buckets[key] = kept
		return false, 0, nil
	}
	m.buckets[key] = append(kept, now)
	return true, int64(limit - len(m.buckets[key])), nil
}

func (m *MemoryBuckets) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string][]int64)
	return nil
}

type spendEntry struct {
	ts     int64
	amount uint64
}

// MemorySpendLedger is the in-process SpendLedger.
type MemorySpendLedger struct {
	mu      sync.Mutex
	entries map[string][]spendEntry
	clock   func() time.Time
}

// NewMemorySpendLedger creates an empty ledger. A nil clock uses time.Now.
func NewMemorySpendLedger(clock func() time.Time) *MemorySpendLedger {
	if clock == nil {
		clock = time.Now
	}
	return &MemorySpendLedger{entries: make(map[string][]spendEntry), clock: clock}
}

func (m *MemorySpendLedger) TrySpend(_ context.Context, key string, amount uint64, windowMs int64, limit uint64) (bool, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UnixMilli()
	cutoff := now - windowMs
	kept := m.entries[key][:0]
	var total uint64
	for _, e := range m.entries[key] {
		if e.ts > cutoff {
			kept = append(kept, e)
			total += e.amount
		}
	}
	m.entries[key] = kept

	if total+amount > limit {
		remaining := uint64(0)
		if limit > total {
			remaining = limit - total
		}
		return false, remaining, nil
	}
	m.entries[key] = append(kept, spendEntry{ts: now, amount: amount})
	return true, limit - total - amount, nil
}

func (m *MemorySpendLedger) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string][]spendEntry)
	return nil
}
