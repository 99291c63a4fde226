// Package config carries the pure-data construction options for every
// subsystem, an environment loader for process-level settings, and a
// YAML profile loader gated by a semver requirement.
package config

import (
	"os"
	"strconv"

	"github.com/agenc-labs/agenc-core/pkg/agent"
	"github.com/agenc-labs/agenc-core/pkg/policy"
	"github.com/agenc-labs/agenc-core/pkg/replay"
	"github.com/agenc-labs/agenc-core/pkg/validation"
	"github.com/agenc-labs/agenc-core/pkg/verifierlane"
)

// RuntimeVersion is what profile `requires` constraints are checked
// against.
const RuntimeVersion = "1.0.0"

// Runtime aggregates the recognized construction options. All fields are
// plain data; wiring happens in the daemon.
type Runtime struct {
	Verifier verifierlane.Config `yaml:"verifier" json:"verifier"`
	Store    replay.StoreConfig  `yaml:"store" json:"store"`
	Policy   policy.Config       `yaml:"policy" json:"policy"`
	Tools    []policy.ToolRule   `yaml:"tools,omitempty" json:"tools,omitempty"`
	Agent    agent.Config        `yaml:"agent" json:"agent"`
}

// Validate rejects option combinations no subsystem would accept.
func (r Runtime) Validate() error {
	errs := validation.NewErrors()
	errs.AddIf(r.Verifier.Base.MaxRetries < 0,
		"verifier.maxVerificationRetries", "must be >= 0")
	errs.AddIf(r.Verifier.Base.MaxDurationMs < 0,
		"verifier.maxVerificationDurationMs", "must be >= 0")
	errs.AddIf(r.Verifier.Base.MinConfidence < 0 || r.Verifier.Base.MinConfidence > 1,
		"verifier.minConfidence", "must be within [0,1]")
	errs.AddIf(r.Store.Retention.TTLMs < 0,
		"store.retention.ttlMs", "must be >= 0")
	errs.AddIf(r.Store.Compaction.Enabled && r.Store.Compaction.CompactAfterWrites <= 0,
		"store.compaction.compactAfterWrites", "must be > 0 when compaction is enabled")
	for i, b := range r.Policy.ActionBudgets {
		errs.AddIf(b.Pattern == "", "policy.actionBudgets", "entry %d has an empty pattern", i)
		errs.AddIf(b.WindowMs <= 0, "policy.actionBudgets", "entry %d has a non-positive window", i)
	}
	errs.AddIf(r.Agent.Workers < 0, "agent.workers", "must be >= 0")
	return errs.Err()
}

// Process holds process-level settings sourced from the environment, as
// opposed to the construction data in Runtime.
type Process struct {
	LogLevel     string
	ProfilesDir  string
	Profile      string
	StorePath    string // empty = in-memory store
	RedisAddr    string // empty = in-memory policy buckets
	PostgresDSN  string // empty = in-memory spend ledger
	OTLPEndpoint string // empty = no metrics export
	Workers      int
}

// LoadProcess reads process settings from AGENC_* environment variables.
func LoadProcess() *Process {
	logLevel := os.Getenv("AGENC_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	profilesDir := os.Getenv("AGENC_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	workers := 0
	if v := os.Getenv("AGENC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			workers = n
		}
	}

	return &Process{
		LogLevel:     logLevel,
		ProfilesDir:  profilesDir,
		Profile:      os.Getenv("AGENC_PROFILE"),
		StorePath:    os.Getenv("AGENC_STORE_PATH"),
		RedisAddr:    os.Getenv("AGENC_REDIS_ADDR"),
		PostgresDSN:  os.Getenv("AGENC_POSTGRES_DSN"),
		OTLPEndpoint: os.Getenv("AGENC_OTLP_ENDPOINT"),
		Workers:      workers,
	}
}
