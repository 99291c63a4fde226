// Package incident builds deterministic case objects from projected
// replay timelines. Two builds over the same records and anomalies yield
// byte-identical cases; the case id depends only on the trace window and
// the task id.
package incident

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/agenc-labs/agenc-core/pkg/canonicalize"
	"github.com/agenc-labs/agenc-core/pkg/metrics"
	"github.com/agenc-labs/agenc-core/pkg/replay"
)

// SchemaVersion of the case wire format.
const SchemaVersion = 1

// Status is the case lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusArchived Status = "archived"
)

// TraceWindow is the slot span the case covers.
type TraceWindow struct {
	FromSlot uint64 `json:"fromSlot"`
	ToSlot   uint64 `json:"toSlot"`
}

// Transition is one observed status change, in encounter order. The first
// observation has an empty From.
type Transition struct {
	Seq       uint64 `json:"seq"`
	Slot      uint64 `json:"slot"`
	Signature string `json:"signature"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// ActorActivity summarizes one actor's appearance in the window.
type ActorActivity struct {
	Actor         string   `json:"actor"`
	Roles         []string `json:"roles"`
	FirstSeenSlot uint64   `json:"firstSeenSlot"`
	LastSeenSlot  uint64   `json:"lastSeenSlot"`
}

// AnomalyRef points at a comparator finding without embedding it.
type AnomalyRef struct {
	Seq      uint64             `json:"seq"`
	Code     replay.AnomalyCode `json:"code"`
	Severity replay.Severity    `json:"severity"`
}

// Case is the deterministic incident object. Actors serialize as a
// sorted array; the keyed map is rebuilt on demand.
type Case struct {
	SchemaVersion int             `json:"schemaVersion"`
	CaseID        string          `json:"caseId"`
	TaskID        string          `json:"taskId"`
	TraceWindow   TraceWindow     `json:"traceWindow"`
	Transitions   []Transition    `json:"transitions"`
	Actors        []ActorActivity `json:"actorMap"`
	AnomalyRefs   []AnomalyRef    `json:"anomalyRefs"`
	EvidenceHash  string          `json:"evidenceHash"`
	CaseStatus    Status          `json:"caseStatus"`
	Annotations   []string        `json:"annotations,omitempty"`

	actorIndex map[string]*ActorActivity
}

// ActorMap returns the keyed view of the actor array, rebuilding it after
// deserialization.
func (c *Case) ActorMap() map[string]ActorActivity {
	if c.actorIndex == nil {
		c.actorIndex = make(map[string]*ActorActivity, len(c.Actors))
		for i := range c.Actors {
			c.actorIndex[c.Actors[i].Actor] = &c.Actors[i]
		}
	}
	out := make(map[string]ActorActivity, len(c.actorIndex))
	for k, v := range c.actorIndex {
		out[k] = *v
	}
	return out
}

// Annotate appends an operator note. Archived cases are immutable.
func (c *Case) Annotate(note string) error {
	if c.CaseStatus == StatusArchived {
		return fmt.Errorf("incident: case %s is archived", c.CaseID)
	}
	c.Annotations = append(c.Annotations, note)
	return nil
}

// Resolve moves an open case to resolved.
func (c *Case) Resolve() error {
	if c.CaseStatus != StatusOpen {
		return fmt.Errorf("incident: cannot resolve case in status %q", c.CaseStatus)
	}
	c.CaseStatus = StatusResolved
	return nil
}

// Archive terminates the case from any non-archived status.
func (c *Case) Archive() error {
	if c.CaseStatus == StatusArchived {
		return fmt.Errorf("incident: case %s already archived", c.CaseID)
	}
	c.CaseStatus = StatusArchived
	return nil
}

// Serialize stable-stringifies the case: key order and number formatting
// are canonical, so equal cases serialize identically.
func (c *Case) Serialize() ([]byte, error) {
	s, err := canonicalize.StableString(c)
	if err != nil {
		return nil, fmt.Errorf("incident: serialize case: %w", err)
	}
	return []byte(s), nil
}

// ParseCase loads a serialized case and rebuilds the actor index.
func ParseCase(data []byte) (*Case, error) {
	var c Case
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("incident: parse case: %w", err)
	}
	if c.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("incident: unsupported schema version %d", c.SchemaVersion)
	}
	c.ActorMap()
	return &c, nil
}

// actorRoles are the payload fields inspected for actor identities.
var actorRoles = []string{"creator", "worker", "validator", "resolver", "disputer"}

// Builder constructs cases from projected timelines.
type Builder struct {
	logger  *slog.Logger
	metrics metrics.Provider
	clock   func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

func WithLogger(l *slog.Logger) BuilderOption        { return func(b *Builder) { b.logger = l } }
func WithMetrics(p metrics.Provider) BuilderOption   { return func(b *Builder) { b.metrics = p } }
func WithClock(clock func() time.Time) BuilderOption { return func(b *Builder) { b.clock = clock } }

// NewBuilder creates a case builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		logger:  slog.Default(),
		metrics: metrics.Nop{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build derives a case from the records and optional anomalies. Records
// are consumed in the order given (encounter order); the window spans
// their minimum and maximum slots.
func (b *Builder) Build(taskID string, records []replay.Record, anomalies []replay.Anomaly) (*Case, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("incident: no records for task %s", taskID)
	}

	window := TraceWindow{FromSlot: records[0].Slot, ToSlot: records[0].Slot}
	for _, r := range records[1:] {
		if r.Slot < window.FromSlot {
			window.FromSlot = r.Slot
		}
		if r.Slot > window.ToSlot {
			window.ToSlot = r.Slot
		}
	}

	caseID, err := canonicalize.SHA256Hex(map[string]any{
		"traceWindow": window,
		"taskId":      taskID,
	})
	if err != nil {
		return nil, fmt.Errorf("incident: derive case id: %w", err)
	}

	c := &Case{
		SchemaVersion: SchemaVersion,
		CaseID:        caseID,
		TaskID:        taskID,
		TraceWindow:   window,
		Transitions:   buildTransitions(records),
		Actors:        buildActors(records),
		AnomalyRefs:   buildAnomalyRefs(anomalies),
		CaseStatus:    StatusOpen,
	}

	evidence, err := canonicalize.SHA256Hex(map[string]any{
		"taskId":      taskID,
		"traceWindow": window,
		"transitions": c.Transitions,
		"actorMap":    c.Actors,
		"anomalyRefs": c.AnomalyRefs,
	})
	if err != nil {
		return nil, fmt.Errorf("incident: derive evidence hash: %w", err)
	}
	c.EvidenceHash = evidence

	b.metrics.Counter("agenc.replay.incident.built", 1, nil)
	b.logger.Debug("incident case built",
		"caseId", c.CaseID, "taskId", taskID,
		"transitions", len(c.Transitions), "anomalies", len(c.AnomalyRefs))
	return c, nil
}

func buildTransitions(records []replay.Record) []Transition {
	var out []Transition
	prev := ""
	for _, r := range records {
		status, ok := r.Payload["status"].(string)
		if !ok || status == prev {
			continue
		}
		out = append(out, Transition{
			Seq:       r.Seq,
			Slot:      r.Slot,
			Signature: r.Signature,
			From:      prev,
			To:        status,
		})
		prev = status
	}
	return out
}

func buildActors(records []replay.Record) []ActorActivity {
	index := make(map[string]*ActorActivity)
	for _, r := range records {
		for _, role := range actorRoles {
			actor, ok := r.Payload[role].(string)
			if !ok || actor == "" {
				continue
			}
			a, seen := index[actor]
			if !seen {
				a = &ActorActivity{Actor: actor, FirstSeenSlot: r.Slot, LastSeenSlot: r.Slot}
				index[actor] = a
			}
			if r.Slot < a.FirstSeenSlot {
				a.FirstSeenSlot = r.Slot
			}
			if r.Slot > a.LastSeenSlot {
				a.LastSeenSlot = r.Slot
			}
			if !containsString(a.Roles, role) {
				a.Roles = append(a.Roles, role)
			}
		}
	}

	out := make([]ActorActivity, 0, len(index))
	for _, a := range index {
		sort.Strings(a.Roles)
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Actor < out[j].Actor })
	return out
}

func buildAnomalyRefs(anomalies []replay.Anomaly) []AnomalyRef {
	if len(anomalies) == 0 {
		return nil
	}
	out := make([]AnomalyRef, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, AnomalyRef{Seq: a.Seq, Code: a.Code, Severity: a.Severity})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Code < out[j].Code
	})
	return out
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
