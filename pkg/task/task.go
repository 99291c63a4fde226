// Package task defines the externally-originated work item consumed by
// the verifier lane and the policy engine. Tasks are value types: they are
// immutable within a single lane invocation and cross subsystem boundaries
// by copy.
package task

import (
	"encoding/hex"
	"time"
)

// Type partitions tasks by claim semantics.
type Type string

const (
	TypeExclusive     Type = "exclusive"
	TypeCollaborative Type = "collaborative"
	TypeCompetitive   Type = "competitive"
)

// Status is the coordination-substrate lifecycle state.
type Status string

const (
	StatusOpen              Status = "open"
	StatusInProgress        Status = "in-progress"
	StatusPendingValidation Status = "pending-validation"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusDisputed          Status = "disputed"
)

// ID is the stable 32-byte task identifier.
type ID [32]byte

// Hex returns the lowercase hex form of the identifier.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// IDFromHex parses a 64-character hex identifier. Short input is rejected
// by returning the zero id and false.
func IDFromHex(s string) (ID, bool) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return ID{}, false
	}
	copy(id[:], b)
	return id, true
}

// Task is one unit of claimed work.
type Task struct {
	ID              ID     `json:"id"`
	Creator         string `json:"creator"`
	RequiredCaps    uint64 `json:"requiredCaps"`
	RewardLamports  uint64 `json:"rewardLamports"`
	DeadlineSeconds int64  `json:"deadlineSeconds"` // unix seconds, 0 = none
	MaxWorkers      uint32 `json:"maxWorkers"`
	CurrentClaims   uint32 `json:"currentClaims"`
	Type            Type   `json:"type"`
	Status          Status `json:"status"`
	// ConstraintHash is set for private tasks whose constraints live off-chain.
	ConstraintHash *[32]byte `json:"constraintHash,omitempty"`
}

// HasDeadline reports whether a deadline is set.
func (t Task) HasDeadline() bool {
	return t.DeadlineSeconds > 0
}

// DeadlinePassed reports whether the deadline is set and already behind now.
func (t Task) DeadlinePassed(now time.Time) bool {
	return t.HasDeadline() && now.Unix() >= t.DeadlineSeconds
}

// RemainingSeconds returns seconds until the deadline, clamped at 0.
func (t Task) RemainingSeconds(now time.Time) int64 {
	if !t.HasDeadline() {
		return 0
	}
	rem := t.DeadlineSeconds - now.Unix()
	if rem < 0 {
		return 0
	}
	return rem
}
