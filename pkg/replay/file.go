package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agenc-labs/agenc-core/pkg/metrics"
)

// fileEnvelope is the on-disk shape of a FileStore.
type fileEnvelope struct {
	NextSeq uint64   `json:"nextSeq"`
	Cursor  *Cursor  `json:"cursor,omitempty"`
	Records []Record `json:"records"`
}

// FileStore persists the timeline as a single JSON file, rewritten on
// every mutation. Simple and crash-safe via rename; acceptable for small
// and medium stores (degrades past roughly 512 MiB).
type FileStore struct {
	mu     sync.Mutex
	path   string
	cfg    StoreConfig
	clock  func() time.Time
	sink   metrics.Provider
	writes int

	records []Record
	seen    map[string]struct{}
	nextSeq uint64
	cursor  *Cursor
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileClock injects a time source for retention tests.
func WithFileClock(clock func() time.Time) FileOption {
	return func(s *FileStore) { s.clock = clock }
}

// WithFileMetrics installs a metrics sink.
func WithFileMetrics(m metrics.Provider) FileOption {
	return func(s *FileStore) { s.sink = m }
}

// OpenFileStore loads an existing store file or starts empty when the file
// does not exist yet.
func OpenFileStore(path string, cfg StoreConfig, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		cfg:     cfg,
		clock:   time.Now,
		sink:    metrics.Nop{},
		seen:    make(map[string]struct{}),
		nextSeq: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay: read store file: %w", err)
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("replay: decode store file %s: %w", s.path, err)
	}
	s.records = env.Records
	s.cursor = env.Cursor
	s.nextSeq = env.NextSeq
	if s.nextSeq == 0 {
		s.nextSeq = 1
	}
	for _, r := range s.records {
		s.seen[r.DedupKey()] = struct{}{}
	}
	return nil
}

// persist writes the whole store to a temp file and renames it into place.
func (s *FileStore) persist() error {
	env := fileEnvelope{NextSeq: s.nextSeq, Cursor: s.cursor, Records: s.records}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("replay: encode store file: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".replay-*")
	if err != nil {
		return fmt.Errorf("replay: create temp store file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("replay: write store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replay: close store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replay: replace store file: %w", err)
	}
	return nil
}

func (s *FileStore) Save(ctx context.Context, records []Record) (SaveResult, error) {
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

	before := len(s.records)
	s.records = applyRetention(s.records, s.cfg.Retention, s.clock())
	if before != len(s.records) {
		s.seen = make(map[string]struct{}, len(s.records))
		for _, r := range s.records {
			s.seen[r.DedupKey()] = struct{}{}
		}
	}

	if err := s.persist(); err != nil {
		return result, err
	}
	s.writes++

	s.sink.Counter("agenc.replay.store.inserted", float64(result.Inserted), nil)
	s.sink.Counter("agenc.replay.store.duplicates", float64(result.Duplicates), nil)
	s.sink.Gauge("agenc.replay.store.size", float64(len(s.records)), nil)
	return result, nil
}

func (s *FileStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(queryRecords(s.records, f)), nil
}

func (s *FileStore) Cursor(ctx context.Context) (*Cursor, error) {
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

func (s *FileStore) SaveCursor(ctx context.Context, c Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &c
	return s.persist()
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.seen = make(map[string]struct{})
	s.nextSeq = 1
	s.cursor = nil
	return s.persist()
}

func (s *FileStore) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

func (s *FileStore) Close() error { return nil }
