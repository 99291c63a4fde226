package alerts_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/alerts"
	"github.com/agenc-labs/agenc-core/pkg/metrics"
)

func validAlert() alerts.Alert {
	return alerts.Alert{
		SchemaVersion: 1,
		Code:          "replay.backfill.stalled",
		Severity:      alerts.SeverityError,
		Kind:          alerts.KindReplayIngestionLag,
		TimestampMs:   1700000000000,
	}
}

func TestValidate_AcceptsWellFormedAlert(t *testing.T) {
	assert.NoError(t, alerts.Validate(validAlert()))

	full := validAlert()
	full.TaskID = "T"
	full.DisputeID = "D"
	full.AnomaliesHash = "abc"
	full.Metadata = map[string]any{"cursor": "1:A:taskCreated"}
	assert.NoError(t, alerts.Validate(full))
}

func TestValidate_RejectsMalformedAlerts(t *testing.T) {
	cases := map[string]func(*alerts.Alert){
		"bad version":    func(a *alerts.Alert) { a.SchemaVersion = 2 },
		"empty code":     func(a *alerts.Alert) { a.Code = "" },
		"bad severity":   func(a *alerts.Alert) { a.Severity = "fatal" },
		"bad kind":       func(a *alerts.Alert) { a.Kind = "unknown_kind" },
		"zero timestamp": func(a *alerts.Alert) { a.TimestampMs = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := validAlert()
			mutate(&a)
			assert.Error(t, alerts.Validate(a))
		})
	}
}

func TestDispatch_StampsAndDelivers(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	mem := metrics.NewMemory()
	d := alerts.NewDispatcher(
		alerts.WithClock(func() time.Time { return fixed }),
		alerts.WithMetrics(mem),
	)

	var got []alerts.Alert
	d.Subscribe(alerts.HandlerFunc(func(_ context.Context, a alerts.Alert) error {
		got = append(got, a)
		return nil
	}))

	err := d.Dispatch(context.Background(), alerts.Alert{
		Code:     "replay.backfill.resume_after_crash",
		Severity: alerts.SeverityInfo,
		Kind:     alerts.KindReplayIngestionLag,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].SchemaVersion)
	assert.Equal(t, fixed.UnixMilli(), got[0].TimestampMs)

	labels := map[string]string{"kind": "replay_ingestion_lag", "severity": "info"}
	assert.Equal(t, 1.0, mem.CounterValue("agenc.replay.alerts", labels))
}

func TestDispatch_AllHandlersSeeAlertDespiteFailure(t *testing.T) {
	d := alerts.NewDispatcher()
	calls := 0
	d.Subscribe(alerts.HandlerFunc(func(context.Context, alerts.Alert) error {
		calls++
		return errors.New("sink down")
	}))
	d.Subscribe(alerts.HandlerFunc(func(context.Context, alerts.Alert) error {
		calls++
		return nil
	}))

	err := d.Dispatch(context.Background(), validAlert())
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDispatch_RejectsInvalidAlert(t *testing.T) {
	d := alerts.NewDispatcher()
	delivered := false
	d.Subscribe(alerts.HandlerFunc(func(context.Context, alerts.Alert) error {
		delivered = true
		return nil
	}))

	bad := validAlert()
	bad.Kind = "nope"
	err := d.Dispatch(context.Background(), bad)
	assert.Error(t, err)
	assert.False(t, delivered)
}
