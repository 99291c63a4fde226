// Package alerts defines the v1 alert envelope emitted by the replay and
// policy subsystems, schema-validates it, and fans alerts out to
// subscribed handlers.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agenc-labs/agenc-core/pkg/metrics"
)

// SchemaVersion is the only supported alert schema version.
const SchemaVersion = 1

// Severity grades an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Kind classifies an alert for routing.
type Kind string

const (
	KindReplayAnomalyRepeat  Kind = "replay_anomaly_repeat"
	KindReplayHashMismatch   Kind = "replay_hash_mismatch"
	KindReplayIngestionLag   Kind = "replay_ingestion_lag"
	KindTransitionValidation Kind = "transition_validation"
)

// Alert is the v1 envelope.
type Alert struct {
	SchemaVersion int            `json:"schemaVersion"`
	Code          string         `json:"code"`
	Severity      Severity       `json:"severity"`
	Kind          Kind           `json:"kind"`
	TaskID        string         `json:"taskId,omitempty"`
	DisputeID     string         `json:"disputeId,omitempty"`
	AnomaliesHash string         `json:"anomaliesHash,omitempty"`
	TimestampMs   int64          `json:"timestampMs"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

const alertSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schemaVersion", "code", "severity", "kind", "timestampMs"],
	"properties": {
		"schemaVersion": {"const": 1},
		"code": {"type": "string", "minLength": 1},
		"severity": {"enum": ["info", "warning", "error"]},
		"kind": {"enum": [
			"replay_anomaly_repeat",
			"replay_hash_mismatch",
			"replay_ingestion_lag",
			"transition_validation"
		]},
		"taskId": {"type": "string"},
		"disputeId": {"type": "string"},
		"anomaliesHash": {"type": "string"},
		"timestampMs": {"type": "integer", "minimum": 1},
		"metadata": {"type": "object"}
	},
	"additionalProperties": false
}`

var alertSchema = jsonschema.MustCompileString("alert.v1.schema.json", alertSchemaJSON)

// Validate checks an alert against the v1 schema.
func Validate(a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerts: encode for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("alerts: decode for validation: %w", err)
	}
	if err := alertSchema.Validate(doc); err != nil {
		return fmt.Errorf("alerts: schema violation: %w", err)
	}
	return nil
}

// Handler consumes dispatched alerts.
type Handler interface {
	Handle(ctx context.Context, a Alert) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, a Alert) error

func (f HandlerFunc) Handle(ctx context.Context, a Alert) error { return f(ctx, a) }

// Dispatcher validates and fans alerts out to every subscribed handler.
type Dispatcher struct {
	mu       sync.Mutex
	handlers []Handler
	logger   *slog.Logger
	sink     metrics.Provider
	clock    func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) DispatcherOption { return func(d *Dispatcher) { d.logger = l } }

// WithMetrics installs a metrics sink.
func WithMetrics(m metrics.Provider) DispatcherOption { return func(d *Dispatcher) { d.sink = m } }

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

// NewDispatcher creates a dispatcher with no subscribers.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger: slog.Default(),
		sink:   metrics.Nop{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers a handler for all future dispatches.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Dispatch stamps, validates, and delivers one alert. Handler errors are
// joined; every handler sees the alert regardless of earlier failures.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) error {
	if a.SchemaVersion == 0 {
		a.SchemaVersion = SchemaVersion
	}
	if a.TimestampMs == 0 {
		a.TimestampMs = d.clock().UnixMilli()
	}
	if err := Validate(a); err != nil {
		return err
	}

	d.mu.Lock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	d.logger.Log(ctx, levelOf(a.Severity), "alert dispatched",
		"code", a.Code, "kind", string(a.Kind), "severity", string(a.Severity))
	d.sink.Counter("agenc.replay.alerts", 1, map[string]string{
		"kind": string(a.Kind), "severity": string(a.Severity),
	})

	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("alerts: handler failed for %s: %w", a.Code, err))
		}
	}
	return errors.Join(errs...)
}

func levelOf(s Severity) slog.Level {
	switch s {
	case SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
