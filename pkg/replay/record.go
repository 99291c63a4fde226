// Package replay persists the projected on-chain event timeline. Three
// store implementations share one interface: in-memory, file-backed, and
// SQLite-backed. All of them deduplicate on the composite key
// {slot, signature, sourceEventType}, assign monotone 1-based sequence
// numbers, and apply the retention pipeline after every save.
package replay

import (
	"fmt"
	"strings"

	"github.com/agenc-labs/agenc-core/pkg/canonicalize"
)

// TraceContext carries optional distributed-trace correlation.
type TraceContext struct {
	TraceID      string `json:"traceId"`
	SpanID       string `json:"spanId"`
	ParentSpanID string `json:"parentSpanId,omitempty"`
	Sampled      bool   `json:"sampled,omitempty"`
}

// Record is one projected timeline event. Seq is assigned by the store on
// first insertion and is unique per store.
type Record struct {
	Seq                 uint64         `json:"seq"`
	SourceEventName     string         `json:"sourceEventName"`
	SourceEventType     string         `json:"sourceEventType"`
	SourceEventSequence uint64         `json:"sourceEventSequence"`
	TaskID              string         `json:"taskId"`
	TimestampMs         int64          `json:"timestampMs"`
	Slot                uint64         `json:"slot"`
	Signature           string         `json:"signature"`
	Payload             map[string]any `json:"payload"`
	ProjectionHash      string         `json:"projectionHash"`
	DisputeID           string         `json:"disputeId,omitempty"`
	Trace               *TraceContext  `json:"traceContext,omitempty"`
}

// DedupKey is the composite identity used for duplicate detection.
func (r Record) DedupKey() string {
	return fmt.Sprintf("%d:%s:%s", r.Slot, r.Signature, r.SourceEventType)
}

// ComputeProjectionHash returns the canonical hash binding a record to its
// position and payload. Stores recompute it on insert when absent and
// validate it when present.
func ComputeProjectionHash(r Record) (string, error) {
	h, err := canonicalize.SHA256Hex(map[string]any{
		"slot":                r.Slot,
		"signature":           r.Signature,
		"sourceEventName":     r.SourceEventName,
		"sourceEventSequence": r.SourceEventSequence,
		"payload":             r.Payload,
		"seq":                 r.Seq,
		"taskId":              r.TaskID,
		"timestampMs":         r.TimestampMs,
		"type":                r.SourceEventType,
	})
	if err != nil {
		return "", fmt.Errorf("replay: projection hash failed: %w", err)
	}
	return h, nil
}

// Cursor marks the last successfully ingested position.
type Cursor struct {
	Slot      uint64 `json:"slot"`
	Signature string `json:"signature"`
	EventName string `json:"eventName"`
	TraceID   string `json:"traceId,omitempty"`
	SpanID    string `json:"spanId,omitempty"`
}

// String renders the stable cursor form
// "slot:signature:eventName[:traceId:spanId]".
func (c Cursor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%s:%s", c.Slot, c.Signature, c.EventName)
	if c.TraceID != "" && c.SpanID != "" {
		fmt.Fprintf(&b, ":%s:%s", c.TraceID, c.SpanID)
	}
	return b.String()
}

// SamePosition reports whether two cursors point at the same ingestion
// position. Trace fields are correlation metadata and do not participate.
func (c Cursor) SamePosition(other Cursor) bool {
	return c.Slot == other.Slot && c.Signature == other.Signature && c.EventName == other.EventName
}
