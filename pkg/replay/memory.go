package replay

import (
	"context"
	"sync"
	"time"

	"github.com/agenc-labs/agenc-core/pkg/metrics"
)

// MemoryStore keeps the whole timeline in process memory. Suitable for
// tests and short-lived runs; degrades past roughly one million records.
type MemoryStore struct {
	mu     sync.Mutex
	cfg    StoreConfig
	clock  func() time.Time
	sink   metrics.Provider
	writes int

	records []Record // seq order
	seen    map[string]struct{}
	nextSeq uint64
	cursor  *Cursor
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock injects a time source for retention tests.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// WithMemoryMetrics installs a metrics sink.
func WithMemoryMetrics(m metrics.Provider) MemoryOption {
	return func(s *MemoryStore) { s.sink = m }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg StoreConfig, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		cfg:     cfg,
		clock:   time.Now,
		sink:    metrics.Nop{},
		seen:    make(map[string]struct{}),
		nextSeq: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Save(ctx context.Context, records []Record) (SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return SaveResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SaveResult
	for _, r := range records {
		key := r.DedupKey()
		if _, dup := s.seen[key]; dup {
			result.Duplicates++
			result.DuplicateKeys = append(result.DuplicateKeys, key)
			continue
		}
		prepared, err := prepareInsert(r, s.nextSeq)
		if err != nil {
			return result, err
		}
		s.nextSeq++
		s.seen[key] = struct{}{}
		s.records = append(s.records, copyRecord(prepared))
		result.Inserted++
	}

	s.retain()
	s.writes++
	if s.cfg.Compaction.Enabled && s.cfg.Compaction.CompactAfterWrites > 0 &&
		s.writes%s.cfg.Compaction.CompactAfterWrites == 0 {
		s.compactLocked()
	}

	s.sink.Counter("agenc.replay.store.inserted", float64(result.Inserted), nil)
	s.sink.Counter("agenc.replay.store.duplicates", float64(result.Duplicates), nil)
	s.sink.Gauge("agenc.replay.store.size", float64(len(s.records)), nil)
	return result, nil
}

func (s *MemoryStore) retain() {
	before := len(s.records)
	s.records = applyRetention(s.records, s.cfg.Retention, s.clock())
	if dropped := before - len(s.records); dropped > 0 {
		s.seen = make(map[string]struct{}, len(s.records))
		for _, r := range s.records {
			s.seen[r.DedupKey()] = struct{}{}
		}
		s.sink.Counter("agenc.replay.store.retained_out", float64(dropped), nil)
	}
}

// compactLocked re-packs the backing slice. Ordering, sequence numbers,
// and the cursor are untouched.
func (s *MemoryStore) compactLocked() {
	compacted := make([]Record, len(s.records))
	copy(compacted, s.records)
	s.records = compacted
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(queryRecords(s.records, f)), nil
}

func (s *MemoryStore) Cursor(ctx context.Context) (*Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return nil, nil
	}
	c := *s.cursor
	return &c, nil
}

func (s *MemoryStore) SaveCursor(ctx context.Context, c Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &c
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.seen = make(map[string]struct{})
	s.nextSeq = 1
	s.cursor = nil
	return nil
}

func (s *MemoryStore) Flush(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
