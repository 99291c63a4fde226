package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Profile is a named runtime configuration bundle. Requires, when set,
// is a semver constraint the running binary must satisfy before the
// profile is accepted.
type Profile struct {
	Name     string  `yaml:"name" json:"name"`
	Requires string  `yaml:"requires,omitempty" json:"requires,omitempty"`
	Runtime  Runtime `yaml:"runtime" json:"runtime"`
}

// LoadProfile loads profiles/<profile_name>.yaml, checks its version
// constraint against RuntimeVersion, and validates the options.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	return ParseProfile(data, name)
}

// ParseProfile parses and gates a profile document.
func ParseProfile(data []byte, name string) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}

	if p.Requires != "" {
		constraint, err := semver.NewConstraint(p.Requires)
		if err != nil {
			return nil, fmt.Errorf("profile %q requires %q: %w", p.Name, p.Requires, err)
		}
		current, err := semver.NewVersion(RuntimeVersion)
		if err != nil {
			return nil, fmt.Errorf("parse runtime version: %w", err)
		}
		if !constraint.Check(current) {
			return nil, fmt.Errorf("profile %q requires runtime %q, running %s",
				p.Name, p.Requires, RuntimeVersion)
		}
	}

	if err := p.Runtime.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", p.Name, err)
	}
	return &p, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by
// profile name. Profiles failing the version gate are rejected, not
// skipped.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		base := filepath.Base(path)
		name := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		p, err := ParseProfile(data, name)
		if err != nil {
			return nil, err
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}
