package replay_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/replay"
)

func traced(seq uint64, sig, eventType, hash string) replay.Record {
	return replay.Record{
		Seq:             seq,
		Signature:       sig,
		SourceEventType: eventType,
		ProjectionHash:  hash,
		Payload:         map[string]any{},
	}
}

func TestCompare_IdenticalTimelinesAreClean(t *testing.T) {
	timeline := []replay.Record{
		traced(1, "A", "task", "h1"),
		traced(2, "B", "task", "h2"),
	}
	res, err := replay.Compare(timeline, timeline, replay.ModeLenient)
	require.NoError(t, err)
	assert.True(t, res.Clean())
	assert.Equal(t, 2, res.Matched)
}

func TestCompare_HashMismatch(t *testing.T) {
	projected := []replay.Record{traced(1, "A", "task", "h1")}
	local := []replay.Record{traced(1, "A", "task", "h1-tampered")}

	res, err := replay.Compare(projected, local, replay.ModeLenient)
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, replay.AnomalyHashMismatch, res.Anomalies[0].Code)
	assert.Equal(t, replay.SeverityError, res.Anomalies[0].Severity)
}

func TestCompare_MissingAndUnexpected(t *testing.T) {
	projected := []replay.Record{traced(1, "A", "task", "h1"), traced(2, "B", "task", "h2")}
	local := []replay.Record{traced(1, "A", "task", "h1"), traced(3, "C", "task", "h3")}

	res, err := replay.Compare(projected, local, replay.ModeLenient)
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 2)
	assert.Equal(t, replay.AnomalyMissingEvent, res.Anomalies[0].Code)
	assert.Equal(t, uint64(2), res.Anomalies[0].Seq)
	assert.Equal(t, replay.AnomalyUnexpectedEvent, res.Anomalies[1].Code)
	assert.Equal(t, replay.SeverityWarning, res.Anomalies[1].Severity)
}

func TestCompare_StrictModeJoinsOnSignature(t *testing.T) {
	projected := []replay.Record{traced(1, "A", "task", "h1")}
	local := []replay.Record{traced(1, "B", "task", "h1")}

	// Lenient joins them; strict does not.
	res, err := replay.Compare(projected, local, replay.ModeLenient)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)

	res, err = replay.Compare(projected, local, replay.ModeStrict)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
	assert.Len(t, res.Anomalies, 2) // missing + unexpected
}

func TestCompare_TypeMismatch(t *testing.T) {
	projected := []replay.Record{traced(1, "A", "task", "h1")}
	local := []replay.Record{traced(1, "A", "dispute", "h1")}

	res, err := replay.Compare(projected, local, replay.ModeLenient)
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, replay.AnomalyTypeMismatch, res.Anomalies[0].Code)
}

func TestCompare_DuplicateSequence(t *testing.T) {
	projected := []replay.Record{
		traced(1, "A", "task", "h1"),
		traced(1, "B", "task", "h2"),
	}
	res, err := replay.Compare(projected, projected[:1], replay.ModeLenient)
	require.NoError(t, err)

	var codes []replay.AnomalyCode
	for _, a := range res.Anomalies {
		codes = append(codes, a.Code)
	}
	assert.Contains(t, codes, replay.AnomalyDuplicateSequence)
}

func TestCompare_TransitionInvalid(t *testing.T) {
	open := traced(1, "A", "task", "h1")
	open.TaskID = "T"
	open.Payload = map[string]any{"status": "open"}

	completed := traced(2, "B", "task", "h2")
	completed.TaskID = "T"
	completed.Payload = map[string]any{"status": "completed"}

	projected := []replay.Record{open, completed}
	res, err := replay.Compare(projected, projected, replay.ModeLenient)
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, replay.AnomalyTransitionInvalid, res.Anomalies[0].Code)
	assert.Equal(t, uint64(2), res.Anomalies[0].Seq)
}

func TestCompare_AnomaliesSortedAndHashed(t *testing.T) {
	projected := []replay.Record{
		traced(2, "B", "task", "h2"),
		traced(1, "A", "task", "h1"),
	}
	local := []replay.Record{traced(3, "C", "task", "h3")}

	first, err := replay.Compare(projected, local, replay.ModeLenient)
	require.NoError(t, err)
	second, err := replay.Compare(projected, local, replay.ModeLenient)
	require.NoError(t, err)

	require.Len(t, first.Anomalies, 3)
	assert.Equal(t, uint64(1), first.Anomalies[0].Seq)
	assert.Equal(t, uint64(2), first.Anomalies[1].Seq)
	assert.Equal(t, first.AnomaliesHash, second.AnomaliesHash)
	assert.NotEmpty(t, first.AnomaliesHash)
}
