package replay

import (
	"encoding/json"
	"fmt"
)

// TraceSchemaVersion is the current trajectory trace format.
const TraceSchemaVersion = 1

// TrajectoryTrace is a locally-recorded event sequence, the comparator's
// counterpart to the projected chain timeline.
//
// Version history: v0 traces were a bare JSON array of records (no
// envelope); v1 wraps them with a schema version and task id. Migration
// preserves record order and payloads exactly.
type TrajectoryTrace struct {
	SchemaVersion int      `json:"schemaVersion"`
	TaskID        string   `json:"taskId,omitempty"`
	Records       []Record `json:"records"`
}

// ParseTrace loads a trace in either format. v0 input (a bare array) is
// migrated to v1 in place.
func ParseTrace(data []byte) (*TrajectoryTrace, error) {
	var v1 TrajectoryTrace
	if err := json.Unmarshal(data, &v1); err == nil && v1.SchemaVersion != 0 {
		if v1.SchemaVersion != TraceSchemaVersion {
			return nil, fmt.Errorf("replay: unsupported trace schema version %d", v1.SchemaVersion)
		}
		return &v1, nil
	}

	var v0 []Record
	if err := json.Unmarshal(data, &v0); err != nil {
		return nil, fmt.Errorf("replay: parse trace: %w", err)
	}
	return MigrateTrace(v0), nil
}

// MigrateTrace lifts a v0 record list into the v1 envelope. The task id
// is taken from the first record that carries one; ordering and payloads
// are untouched.
func MigrateTrace(records []Record) *TrajectoryTrace {
	t := &TrajectoryTrace{
		SchemaVersion: TraceSchemaVersion,
		Records:       records,
	}
	for _, r := range records {
		if r.TaskID != "" {
			t.TaskID = r.TaskID
			break
		}
	}
	return t
}

// Marshal serializes the trace in the v1 format.
func (t *TrajectoryTrace) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("replay: marshal trace: %w", err)
	}
	return data, nil
}
