package replay

import (
	"fmt"
	"sort"

	"github.com/agenc-labs/agenc-core/pkg/canonicalize"
	"github.com/agenc-labs/agenc-core/pkg/task"
)

// CompareMode selects the join key used by Compare.
type CompareMode string

const (
	// ModeLenient joins records by sequence number alone.
	ModeLenient CompareMode = "lenient"
	// ModeStrict joins by (sequence, signature).
	ModeStrict CompareMode = "strict"
)

// AnomalyCode classifies a divergence between the projected and the local
// timeline.
type AnomalyCode string

const (
	AnomalyHashMismatch      AnomalyCode = "hash_mismatch"
	AnomalyMissingEvent      AnomalyCode = "missing_event"
	AnomalyUnexpectedEvent   AnomalyCode = "unexpected_event"
	AnomalyTypeMismatch      AnomalyCode = "type_mismatch"
	AnomalyTransitionInvalid AnomalyCode = "transition_invalid"
	AnomalyDuplicateSequence AnomalyCode = "duplicate_sequence"
)

// Severity grades an anomaly for alert routing.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// severityOf is the fixed severity table. Everything is an error except an
// unexpected local event, which may simply postdate the projection.
func severityOf(code AnomalyCode) Severity {
	if code == AnomalyUnexpectedEvent {
		return SeverityWarning
	}
	return SeverityError
}

// Anomaly is one classified divergence.
type Anomaly struct {
	Code      AnomalyCode `json:"code"`
	Severity  Severity    `json:"severity"`
	Seq       uint64      `json:"seq"`
	Signature string      `json:"signature,omitempty"`
	TaskID    string      `json:"taskId,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// CompareResult is the deterministic comparator output. Anomalies are
// sorted by (seq, code); AnomaliesHash is the canonical hash of the sorted
// list.
type CompareResult struct {
	Mode          CompareMode `json:"mode"`
	Matched       int         `json:"matched"`
	Anomalies     []Anomaly   `json:"anomalies"`
	AnomaliesHash string      `json:"anomaliesHash"`
}

// Clean reports whether no anomalies were found.
func (r CompareResult) Clean() bool { return len(r.Anomalies) == 0 }

// validStatusTransitions is the task lifecycle the projected timeline must
// respect.
var validStatusTransitions = map[task.Status][]task.Status{
	task.StatusOpen:              {task.StatusInProgress, task.StatusCancelled},
	task.StatusInProgress:        {task.StatusPendingValidation, task.StatusCancelled},
	task.StatusPendingValidation: {task.StatusCompleted, task.StatusDisputed, task.StatusInProgress},
	task.StatusDisputed:          {task.StatusCompleted, task.StatusCancelled},
}

// Compare diffs a projected timeline against a locally recorded one.
func Compare(projected, local []Record, mode CompareMode) (CompareResult, error) {
	if mode == "" {
		mode = ModeLenient
	}
	joinKey := func(r Record) string {
		if mode == ModeStrict {
			return fmt.Sprintf("%d:%s", r.Seq, r.Signature)
		}
		return fmt.Sprintf("%d", r.Seq)
	}

	var anomalies []Anomaly
	report := func(code AnomalyCode, r Record, detail string) {
		anomalies = append(anomalies, Anomaly{
			Code:      code,
			Severity:  severityOf(code),
			Seq:       r.Seq,
			Signature: r.Signature,
			TaskID:    r.TaskID,
			Detail:    detail,
		})
	}

	projectedByKey := indexByKey(projected, joinKey, func(r Record) {
		report(AnomalyDuplicateSequence, r, "duplicate in projected timeline")
	})
	localByKey := indexByKey(local, joinKey, func(r Record) {
		report(AnomalyDuplicateSequence, r, "duplicate in local timeline")
	})

	matched := 0
	for _, p := range projected {
		l, ok := localByKey[joinKey(p)]
		if !ok {
			report(AnomalyMissingEvent, p, "present in projection, absent locally")
			continue
		}
		matched++
		if p.SourceEventType != l.SourceEventType {
			report(AnomalyTypeMismatch, p,
				fmt.Sprintf("projected type %q, local type %q", p.SourceEventType, l.SourceEventType))
		}
		if p.ProjectionHash != l.ProjectionHash {
			report(AnomalyHashMismatch, p,
				fmt.Sprintf("projected hash %s, local hash %s", short(p.ProjectionHash), short(l.ProjectionHash)))
		}
	}
	for _, l := range local {
		if _, ok := projectedByKey[joinKey(l)]; !ok {
			report(AnomalyUnexpectedEvent, l, "present locally, absent in projection")
		}
	}

	anomalies = append(anomalies, checkTransitions(projected)...)

	sort.SliceStable(anomalies, func(i, j int) bool {
		if anomalies[i].Seq != anomalies[j].Seq {
			return anomalies[i].Seq < anomalies[j].Seq
		}
		return anomalies[i].Code < anomalies[j].Code
	})

	hash, err := canonicalize.SHA256Hex(anomalies)
	if err != nil {
		return CompareResult{}, fmt.Errorf("replay: anomalies hash failed: %w", err)
	}
	return CompareResult{
		Mode:          mode,
		Matched:       matched,
		Anomalies:     anomalies,
		AnomaliesHash: hash,
	}, nil
}

// checkTransitions walks per-task status changes in encounter order and
// flags illegal jumps.
func checkTransitions(projected []Record) []Anomaly {
	lastStatus := make(map[string]task.Status)
	var anomalies []Anomaly
	for _, r := range projected {
		status, ok := statusOf(r)
		if !ok || r.TaskID == "" {
			continue
		}
		prev, seen := lastStatus[r.TaskID]
		lastStatus[r.TaskID] = status
		if !seen || prev == status {
			continue
		}
		if !transitionAllowed(prev, status) {
			anomalies = append(anomalies, Anomaly{
				Code:     AnomalyTransitionInvalid,
				Severity: severityOf(AnomalyTransitionInvalid),
				Seq:      r.Seq, Signature: r.Signature, TaskID: r.TaskID,
				Detail: fmt.Sprintf("illegal status transition %s -> %s", prev, status),
			})
		}
	}
	return anomalies
}

func transitionAllowed(from, to task.Status) bool {
	for _, allowed := range validStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func statusOf(r Record) (task.Status, bool) {
	raw, ok := r.Payload["status"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	return task.Status(s), true
}

func indexByKey(records []Record, key func(Record) string, onDuplicate func(Record)) map[string]Record {
	index := make(map[string]Record, len(records))
	for _, r := range records {
		k := key(r)
		if _, dup := index[k]; dup {
			onDuplicate(r)
			continue
		}
		index[k] = r
	}
	return index
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
