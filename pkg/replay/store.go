package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrHashMismatch is returned when a record arrives with a projection hash
// that does not match its recomputed value.
var ErrHashMismatch = errors.New("replay: projection hash mismatch")

// SaveResult reports the outcome of one batch save.
type SaveResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	// DuplicateKeys lists the composite keys of rejected duplicates in
	// encounter order.
	DuplicateKeys []string `json:"duplicateKeys,omitempty"`
}

// Filter selects records from a store. Zero fields match everything.
type Filter struct {
	TaskID          string `json:"taskId,omitempty"`
	DisputeID       string `json:"disputeId,omitempty"`
	FromSlot        uint64 `json:"fromSlot,omitempty"`
	ToSlot          uint64 `json:"toSlot,omitempty"`
	FromTimestampMs int64  `json:"fromTimestampMs,omitempty"`
	ToTimestampMs   int64  `json:"toTimestampMs,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
}

// RetentionConfig bounds store growth. Zero fields disable the
// corresponding stage.
type RetentionConfig struct {
	TTLMs               int64 `json:"ttlMs,omitempty" yaml:"ttlMs,omitempty"`
	MaxEventsPerTask    int   `json:"maxEventsPerTask,omitempty" yaml:"maxEventsPerTask,omitempty"`
	MaxEventsPerDispute int   `json:"maxEventsPerDispute,omitempty" yaml:"maxEventsPerDispute,omitempty"`
	MaxEventsTotal      int   `json:"maxEventsTotal,omitempty" yaml:"maxEventsTotal,omitempty"`
}

// CompactionConfig triggers store compaction every CompactAfterWrites
// saves.
type CompactionConfig struct {
	Enabled            bool `json:"enabled" yaml:"enabled"`
	CompactAfterWrites int  `json:"compactAfterWrites,omitempty" yaml:"compactAfterWrites,omitempty"`
}

// StoreConfig is shared by every store implementation.
type StoreConfig struct {
	Retention  RetentionConfig  `json:"retention" yaml:"retention"`
	Compaction CompactionConfig `json:"compaction" yaml:"compaction"`
}

// Store is the timeline persistence interface.
type Store interface {
	// Save inserts records in input order, skipping duplicates. Sequence
	// numbers are assigned serially on first insertion.
	Save(ctx context.Context, records []Record) (SaveResult, error)
	// Query returns matching records in (slot, sourceEventSequence)
	// ascending order.
	Query(ctx context.Context, f Filter) ([]Record, error)
	Cursor(ctx context.Context) (*Cursor, error)
	SaveCursor(ctx context.Context, c Cursor) error
	Clear(ctx context.Context) error
	// Flush forces buffered state to durable storage; a no-op for stores
	// that write through.
	Flush(ctx context.Context) error
	Close() error
}

// prepareInsert validates or computes the projection hash for a record
// about to be inserted under the given sequence number.
func prepareInsert(r Record, seq uint64) (Record, error) {
	r.Seq = seq
	if r.ProjectionHash == "" {
		h, err := ComputeProjectionHash(r)
		if err != nil {
			return Record{}, err
		}
		r.ProjectionHash = h
		return r, nil
	}
	h, err := ComputeProjectionHash(r)
	if err != nil {
		return Record{}, err
	}
	if h != r.ProjectionHash {
		return Record{}, fmt.Errorf("%w: key %s", ErrHashMismatch, r.DedupKey())
	}
	return r, nil
}

// applyRetention runs the four-stage pipeline in its fixed order: TTL,
// per-task cap, per-dispute cap, total cap. "Newest" means (slot, seq)
// descending. The input slice is in seq order and the result preserves it.
func applyRetention(records []Record, cfg RetentionConfig, now time.Time) []Record {
	if len(records) == 0 {
		return records
	}

	if cfg.TTLMs > 0 {
		cutoff := now.UnixMilli() - cfg.TTLMs
		kept := records[:0]
		for _, r := range records {
			if r.TimestampMs >= cutoff {
				kept = append(kept, r)
			}
		}
		records = kept
	}

	if cfg.MaxEventsPerTask > 0 {
		records = capByGroup(records, cfg.MaxEventsPerTask, func(r Record) (string, bool) {
			return r.TaskID, r.TaskID != ""
		})
	}
	if cfg.MaxEventsPerDispute > 0 {
		records = capByGroup(records, cfg.MaxEventsPerDispute, func(r Record) (string, bool) {
			return r.DisputeID, r.DisputeID != ""
		})
	}

	if cfg.MaxEventsTotal > 0 && len(records) > cfg.MaxEventsTotal {
		drop := dropOldest(records, len(records)-cfg.MaxEventsTotal, func(Record) bool { return true })
		records = without(records, drop)
	}
	return records
}

// capByGroup keeps the newest limit records per group key.
func capByGroup(records []Record, limit int, key func(Record) (string, bool)) []Record {
	counts := make(map[string]int)
	for _, r := range records {
		if k, ok := key(r); ok {
			counts[k]++
		}
	}

	drop := make(map[uint64]struct{})
	for group, n := range counts {
		if n <= limit {
			continue
		}
		excess := dropOldest(records, n-limit, func(r Record) bool {
			k, ok := key(r)
			return ok && k == group
		})
		for seq := range excess {
			drop[seq] = struct{}{}
		}
	}
	return without(records, drop)
}

// dropOldest marks the n oldest matching records by (slot, seq) ascending.
func dropOldest(records []Record, n int, match func(Record) bool) map[uint64]struct{} {
	matching := make([]Record, 0, len(records))
	for _, r := range records {
		if match(r) {
			matching = append(matching, r)
		}
	}
	sort.SliceStable(matching, func(i, j int) bool {
		if matching[i].Slot != matching[j].Slot {
			return matching[i].Slot < matching[j].Slot
		}
		return matching[i].Seq < matching[j].Seq
	})
	if n > len(matching) {
		n = len(matching)
	}
	drop := make(map[uint64]struct{}, n)
	for _, r := range matching[:n] {
		drop[r.Seq] = struct{}{}
	}
	return drop
}

func without(records []Record, drop map[uint64]struct{}) []Record {
	if len(drop) == 0 {
		return records
	}
	kept := records[:0]
	for _, r := range records {
		if _, gone := drop[r.Seq]; !gone {
			kept = append(kept, r)
		}
	}
	return kept
}

func matchFilter(r Record, f Filter) bool {
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if f.DisputeID != "" && r.DisputeID != f.DisputeID {
		return false
	}
	if f.FromSlot > 0 && r.Slot < f.FromSlot {
		return false
	}
	if f.ToSlot > 0 && r.Slot > f.ToSlot {
		return false
	}
	if f.FromTimestampMs > 0 && r.TimestampMs < f.FromTimestampMs {
		return false
	}
	if f.ToTimestampMs > 0 && r.TimestampMs > f.ToTimestampMs {
		return false
	}
	return true
}

// queryRecords filters, orders, and pages an in-memory record slice.
func queryRecords(records []Record, f Filter) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if matchFilter(r, f) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].SourceEventSequence < out[j].SourceEventSequence
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// copyRecords deep-copies payloads so callers cannot mutate store state.
func copyRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = copyRecord(r)
	}
	return out
}

func copyRecord(r Record) Record {
	if r.Payload != nil {
		payload := make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			payload[k] = v
		}
		r.Payload = payload
	}
	if r.Trace != nil {
		trace := *r.Trace
		r.Trace = &trace
	}
	return r
}
