// Package rbac evaluates operator permissions against an explicit
// (role, command) matrix. Roles form a monotone lattice: every command a
// role allows is also allowed for every stronger role. Inheritance is
// resolved once when the matrix is built; call-time evaluation is a plain
// lookup.
package rbac

import (
	"fmt"
	"sort"
)

// Role is an operator trust level, weakest to strongest.
type Role string

const (
	RoleRead        Role = "read"
	RoleInvestigate Role = "investigate"
	RoleExecute     Role = "execute"
	RoleAdmin       Role = "admin"
)

// roleOrder fixes the lattice: each role subsumes everything before it.
var roleOrder = []Role{RoleRead, RoleInvestigate, RoleExecute, RoleAdmin}

// Command is an operator-facing command category.
type Command string

const (
	CommandReplayBackfill   Command = "replay.backfill"
	CommandReplayCompare    Command = "replay.compare"
	CommandReplayIncident   Command = "replay.incident"
	CommandReplayExport     Command = "replay.export"
	CommandIncidentAnnotate Command = "incident.annotate"
	CommandIncidentResolve  Command = "incident.resolve"
	CommandIncidentArchive  Command = "incident.archive"
	CommandConfigUpdate     Command = "config.update"
	CommandPolicyUpdate     Command = "policy.update"
)

// Commands lists every known command category in stable order.
func Commands() []Command {
	return []Command{
		CommandReplayBackfill,
		CommandReplayCompare,
		CommandReplayIncident,
		CommandReplayExport,
		CommandIncidentAnnotate,
		CommandIncidentResolve,
		CommandIncidentArchive,
		CommandConfigUpdate,
		CommandPolicyUpdate,
	}
}

// Roles lists every role, weakest first.
func Roles() []Role {
	out := make([]Role, len(roleOrder))
	copy(out, roleOrder)
	return out
}

// grants holds the commands a role introduces on top of the weaker roles.
var grants = map[Role][]Command{
	RoleRead: {
		CommandReplayCompare,
		CommandReplayExport,
	},
	RoleInvestigate: {
		CommandReplayBackfill,
		CommandReplayIncident,
		CommandIncidentAnnotate,
	},
	RoleExecute: {
		CommandIncidentResolve,
		CommandIncidentArchive,
	},
	RoleAdmin: {
		CommandConfigUpdate,
		CommandPolicyUpdate,
	},
}

// Matrix is a fully-materialized permission table: every (role, command)
// pair has an explicit entry.
type Matrix struct {
	entries map[Role]map[Command]bool
}

// NewMatrix builds the default matrix by folding the lattice: each role
// receives its own grants plus every weaker role's.
func NewMatrix() *Matrix {
	m := &Matrix{entries: make(map[Role]map[Command]bool, len(roleOrder))}
	inherited := make(map[Command]bool)
	for _, role := range roleOrder {
		for _, cmd := range grants[role] {
			inherited[cmd] = true
		}
		row := make(map[Command]bool, len(Commands()))
		for _, cmd := range Commands() {
			row[cmd] = inherited[cmd]
		}
		m.entries[role] = row
	}
	return m
}

// Allowed reports whether the role may run the command. Unknown roles and
// unknown commands are denied.
func (m *Matrix) Allowed(role Role, cmd Command) bool {
	row, ok := m.entries[role]
	if !ok {
		return false
	}
	return row[cmd]
}

// Require returns a PermissionError when the role may not run the command.
func (m *Matrix) Require(role Role, cmd Command) error {
	if m.Allowed(role, cmd) {
		return nil
	}
	return &PermissionError{Role: role, Command: cmd}
}

// AllowedCommands returns the commands the role may run, in stable order.
func (m *Matrix) AllowedCommands(role Role) []Command {
	var out []Command
	for _, cmd := range Commands() {
		if m.Allowed(role, cmd) {
			out = append(out, cmd)
		}
	}
	return out
}

// Entries flattens the matrix into sorted (role, command, allowed) rows,
// for export and diffing.
func (m *Matrix) Entries() []Entry {
	var out []Entry
	for _, role := range roleOrder {
		for _, cmd := range Commands() {
			out = append(out, Entry{Role: role, Command: cmd, Allowed: m.Allowed(role, cmd)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return rank(out[i].Role) < rank(out[j].Role)
		}
		return out[i].Command < out[j].Command
	})
	return out
}

// Entry is one explicit matrix cell.
type Entry struct {
	Role    Role    `json:"role"`
	Command Command `json:"command"`
	Allowed bool    `json:"allowed"`
}

func rank(r Role) int {
	for i, role := range roleOrder {
		if role == r {
			return i
		}
	}
	return len(roleOrder)
}

// PermissionError reports a denied (role, command) lookup.
type PermissionError struct {
	Role    Role
	Command Command
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("rbac: role %q may not run %q", e.Role, e.Command)
}
