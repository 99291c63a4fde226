// Package audit keeps a tamper-evident trail of operator and runtime
// actions. Entries form a hash chain starting from a 64-zero genesis hash;
// any mutation of a stored entry breaks verification from that point on.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agenc-labs/agenc-core/pkg/canonicalize"
	"github.com/agenc-labs/agenc-core/pkg/metrics"
)

// GenesisHash anchors the chain before the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one immutable trail record. Seq, PrevHash, and EntryHash are
// assigned by Append; callers fill the rest.
type Entry struct {
	Seq         int            `json:"seq"`
	TimestampMs int64          `json:"timestampMs"`
	Actor       string         `json:"actor"`
	Role        string         `json:"role"`
	Action      string         `json:"action"`
	Permission  string         `json:"permission"`
	InputHash   string         `json:"inputHash"`
	OutputHash  string         `json:"outputHash"`
	PrevHash    string         `json:"prevHash"`
	EntryHash   string         `json:"entryHash"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// hashableView is the entry without its own hash, the exact shape the
// chain hash covers.
func (e Entry) hashableView() map[string]any {
	v := map[string]any{
		"seq":         e.Seq,
		"timestampMs": e.TimestampMs,
		"actor":       e.Actor,
		"role":        e.Role,
		"action":      e.Action,
		"permission":  e.Permission,
		"inputHash":   e.InputHash,
		"outputHash":  e.OutputHash,
		"prevHash":    e.PrevHash,
	}
	if e.Metadata != nil {
		v["metadata"] = e.Metadata
	}
	return v
}

// ComputeEntryHash returns the canonical SHA-256 of the entry with its
// EntryHash field excluded.
func ComputeEntryHash(e Entry) (string, error) {
	h, err := canonicalize.SHA256Hex(e.hashableView())
	if err != nil {
		return "", fmt.Errorf("audit: hash entry %d: %w", e.Seq, err)
	}
	return h, nil
}

// VerifyResult reports a full chain walk.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors"`
	EntriesVerified int      `json:"entriesVerified"`
}

// Trail is an append-only hash-chained log. Appends are serialized behind
// a mutex; readers get snapshot copies.
type Trail struct {
	mu      sync.Mutex
	entries []Entry

	logger  *slog.Logger
	metrics metrics.Provider
	clock   func() time.Time
	sink    Sink
}

// Option configures a Trail.
type Option func(*Trail)

func WithLogger(l *slog.Logger) Option        { return func(t *Trail) { t.logger = l } }
func WithMetrics(p metrics.Provider) Option   { return func(t *Trail) { t.metrics = p } }
func WithClock(clock func() time.Time) Option { return func(t *Trail) { t.clock = clock } }

// WithSink mirrors every appended entry to the sink. Sink failures are
// logged; the append itself still succeeds.
func WithSink(s Sink) Option { return func(t *Trail) { t.sink = s } }

// NewTrail creates an empty trail.
func NewTrail(opts ...Option) *Trail {
	t := &Trail{
		logger:  slog.Default(),
		metrics: metrics.Nop{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append links the entry to the chain head and stores it. Seq, PrevHash,
// and EntryHash are overwritten; TimestampMs is stamped when zero.
func (t *Trail) Append(e Entry) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.Seq = len(t.entries) + 1
	if e.TimestampMs == 0 {
		e.TimestampMs = t.clock().UnixMilli()
	}
	e.PrevHash = GenesisHash
	if n := len(t.entries); n > 0 {
		e.PrevHash = t.entries[n-1].EntryHash
	}

	hash, err := ComputeEntryHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = hash

	t.entries = append(t.entries, e)
	if t.sink != nil {
		if err := t.sink.Write(e); err != nil {
			t.logger.Warn("audit sink write failed", "seq", e.Seq, "error", err)
		}
	}
	t.metrics.Counter("agenc.audit.appends", 1, nil)
	t.metrics.Gauge("agenc.audit.entries", float64(len(t.entries)), nil)
	t.logger.Debug("audit entry appended",
		"seq", e.Seq, "actor", e.Actor, "action", e.Action)
	return e, nil
}

// Len returns the number of entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ChainHead returns the hash of the latest entry, or the genesis hash for
// an empty trail.
func (t *Trail) ChainHead() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 {
		return GenesisHash
	}
	return t.entries[len(t.entries)-1].EntryHash
}

// Entries returns a snapshot copy in insertion order.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyEntries(t.entries)
}

// Verify walks the chain forward, recomputing every link and every entry
// hash. All problems are collected; verification does not stop at the
// first broken entry.
func (t *Trail) Verify() VerifyResult {
	t.mu.Lock()
	entries := copyEntries(t.entries)
	t.mu.Unlock()

	res := verifyEntries(entries)
	t.metrics.Counter("agenc.audit.verifications", 1, nil)
	if !res.Valid {
		t.metrics.Counter("agenc.audit.verify_failures", 1, nil)
		t.logger.Warn("audit chain verification failed", "errors", res.Errors)
	}
	return res
}

func verifyEntries(entries []Entry) VerifyResult {
	res := VerifyResult{Valid: true, Errors: []string{}}
	prev := GenesisHash
	for i, e := range entries {
		ok := true
		if e.Seq != i+1 {
			res.Errors = append(res.Errors, fmt.Sprintf("entry %d sequence mismatch", i+1))
			ok = false
		}
		if e.PrevHash != prev {
			res.Errors = append(res.Errors, fmt.Sprintf("entry %d prev hash mismatch", i+1))
			ok = false
		}
		computed, err := ComputeEntryHash(e)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("entry %d unhashable: %v", i+1, err))
			ok = false
		} else if computed != e.EntryHash {
			res.Errors = append(res.Errors, fmt.Sprintf("entry %d hash mismatch", i+1))
			ok = false
		}
		if ok {
			res.EntriesVerified++
		}
		prev = e.EntryHash
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// ExportJSON serializes the trail as a JSON array in insertion order.
func (t *Trail) ExportJSON() ([]byte, error) {
	data, err := json.Marshal(t.Entries())
	if err != nil {
		return nil, fmt.Errorf("audit: export trail: %w", err)
	}
	return data, nil
}

// ImportJSON loads a serialized trail as-is, replacing current contents.
// Hashes are not recomputed; run Verify afterwards to validate the chain.
func (t *Trail) ImportJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("audit: import trail: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = entries
	t.metrics.Gauge("agenc.audit.entries", float64(len(t.entries)), nil)
	return nil
}

func copyEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	for i := range out {
		if out[i].Metadata == nil {
			continue
		}
		md := make(map[string]any, len(out[i].Metadata))
		for k, v := range out[i].Metadata {
			md[k] = v
		}
		out[i].Metadata = md
	}
	return out
}
