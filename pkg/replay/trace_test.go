package replay_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/replay"
)

func traceRecords() []replay.Record {
	return []replay.Record{
		{Seq: 1, Slot: 5, Signature: "A", TaskID: "T1", SourceEventType: "task",
			Payload: map[string]any{"status": "open"}},
		{Seq: 2, Slot: 7, Signature: "B", TaskID: "T1", SourceEventType: "task",
			Payload: map[string]any{"status": "in-progress"}},
	}
}

func TestParseTrace_V1RoundTrip(t *testing.T) {
	orig := replay.MigrateTrace(traceRecords())
	data, err := orig.Marshal()
	require.NoError(t, err)

	parsed, err := replay.ParseTrace(data)
	require.NoError(t, err)
	assert.Equal(t, replay.TraceSchemaVersion, parsed.SchemaVersion)
	assert.Equal(t, "T1", parsed.TaskID)
	assert.Equal(t, orig.Records, parsed.Records)
}

func TestParseTrace_MigratesV0BareArray(t *testing.T) {
	v0, err := json.Marshal(traceRecords())
	require.NoError(t, err)

	parsed, err := replay.ParseTrace(v0)
	require.NoError(t, err)
	assert.Equal(t, replay.TraceSchemaVersion, parsed.SchemaVersion)
	assert.Equal(t, "T1", parsed.TaskID)

	// Ordering and payloads survive migration untouched.
	require.Len(t, parsed.Records, 2)
	assert.Equal(t, "A", parsed.Records[0].Signature)
	assert.Equal(t, "B", parsed.Records[1].Signature)
	assert.Equal(t, "open", parsed.Records[0].Payload["status"])
	assert.Equal(t, "in-progress", parsed.Records[1].Payload["status"])
}

func TestParseTrace_RejectsUnknownVersion(t *testing.T) {
	_, err := replay.ParseTrace([]byte(`{"schemaVersion":7,"records":[]}`))
	assert.Error(t, err)
}

func TestParseTrace_RejectsGarbage(t *testing.T) {
	_, err := replay.ParseTrace([]byte(`"not a trace"`))
	assert.Error(t, err)
}
