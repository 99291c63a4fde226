package backfill

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agenc-labs/agenc-core/pkg/replay"
)

const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["eventName", "slot", "signature", "event"],
	"properties": {
		"eventName": {"type": "string", "minLength": 1},
		"slot": {"type": "integer", "minimum": 0},
		"signature": {"type": "string", "minLength": 1},
		"event": {"type": "object"},
		"timestampMs": {"type": "integer", "minimum": 0},
		"sourceEventSequence": {"type": "integer", "minimum": 0},
		"traceContext": {
			"type": "object",
			"required": ["traceId", "spanId"],
			"properties": {
				"traceId": {"type": "string"},
				"spanId": {"type": "string"},
				"parentSpanId": {"type": "string"},
				"sampled": {"type": "boolean"}
			}
		}
	}
}`

var eventSchema = jsonschema.MustCompileString("replay-event.v1.schema.json", eventSchemaJSON)

// knownEvents maps event names the projector understands to their source
// event type.
var knownEvents = map[string]string{
	"taskCreated":     "task",
	"taskClaimed":     "task",
	"taskSubmitted":   "task",
	"taskValidated":   "task",
	"taskCompleted":   "task",
	"taskCancelled":   "task",
	"disputeOpened":   "dispute",
	"disputeResolved": "dispute",
}

// ErrUnknownEvent marks an event name the projector has no mapping for.
type ErrUnknownEvent struct {
	Name string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("backfill: unknown event name %q", e.Name)
}

// ValidateEvent checks one raw event against the v1 replay event schema.
func ValidateEvent(raw map[string]any) error {
	// Round-trip so numeric types match what the schema validator expects.
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("backfill: encode event for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("backfill: decode event for validation: %w", err)
	}
	if err := eventSchema.Validate(doc); err != nil {
		return fmt.Errorf("backfill: event schema violation: %w", err)
	}
	return nil
}

// Project turns one raw fetched event into a timeline record. The store
// assigns seq and the projection hash on insert.
func Project(raw map[string]any) (replay.Record, error) {
	if err := ValidateEvent(raw); err != nil {
		return replay.Record{}, err
	}

	name, _ := raw["eventName"].(string)
	eventType, known := knownEvents[name]
	if !known {
		return replay.Record{}, &ErrUnknownEvent{Name: name}
	}

	payload, _ := raw["event"].(map[string]any)
	r := replay.Record{
		SourceEventName:     name,
		SourceEventType:     eventType,
		SourceEventSequence: asUint64(raw["sourceEventSequence"]),
		TimestampMs:         int64(asUint64(raw["timestampMs"])),
		Slot:                asUint64(raw["slot"]),
		Signature:           stringField(raw, "signature"),
		Payload:             payload,
		TaskID:              stringField(payload, "taskId"),
		DisputeID:           stringField(payload, "disputeId"),
	}
	if r.SourceEventSequence == 0 {
		r.SourceEventSequence = r.Slot
	}

	if tc, ok := raw["traceContext"].(map[string]any); ok {
		r.Trace = &replay.TraceContext{
			TraceID:      stringField(tc, "traceId"),
			SpanID:       stringField(tc, "spanId"),
			ParentSpanID: stringField(tc, "parentSpanId"),
		}
		if sampled, ok := tc["sampled"].(bool); ok {
			r.Trace.Sampled = sampled
		}
	}
	return r, nil
}

// EventName extracts the dispatch name from a raw event, best effort.
func EventName(raw map[string]any) string {
	name, _ := raw["eventName"].(string)
	return strings.TrimSpace(name)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func asUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case float64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0
		}
		return uint64(i)
	default:
		return 0
	}
}
