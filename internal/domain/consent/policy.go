package consent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UrgencyPolicy holds the windows applied to one urgency level.
// A zero ContractValidity issues contracts without expiry; a nil
// MaxAccessCount falls back to Policy.DefaultMaxAccessCount.
type UrgencyPolicy struct {
	ResponseWindow   time.Duration `yaml:"response_window"`
	ContractValidity time.Duration `yaml:"contract_validity"`
	MaxAccessCount   *int          `yaml:"max_access_count"`
}

// Policy is the injected configuration of the request lifecycle.
type Policy struct {
	ScopeTags []string                  `yaml:"scope_tags"`
	Urgency   map[Urgency]UrgencyPolicy `yaml:"urgency"`
	// DefaultMaxAccessCount of 0 issues unlimited contracts.
	DefaultMaxAccessCount int `yaml:"default_max_access_count"`
	WriteRetries          int `yaml:"write_retries"`
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		ScopeTags: []string{"demographics", "lab_results", "prescriptions", "imaging",
			"diagnoses", "immunizations", "clinical_notes", "allergies", "vitals"},
		Urgency: map[Urgency]UrgencyPolicy{
			UrgencyNormal:    {ResponseWindow: 72 * time.Hour, ContractValidity: 30 * 24 * time.Hour},
			UrgencyUrgent:    {ResponseWindow: 24 * time.Hour, ContractValidity: 7 * 24 * time.Hour},
			UrgencyEmergency: {ResponseWindow: time.Hour, ContractValidity: 24 * time.Hour},
		},
		DefaultMaxAccessCount: 10,
		WriteRetries:          3,
	}
}

// KnowsScope reports whether tag is a recognized scope tag.
func (p Policy) KnowsScope(tag string) bool {
	for _, t := range p.ScopeTags {
		if t == tag {
			return true
		}
	}
	return false
}

// ResponseWindow is the time a patient has to answer a request.
func (p Policy) ResponseWindow(u Urgency) time.Duration {
	return p.Urgency[u].ResponseWindow
}

// ContractValidity is the lifetime of a contract issued at the given urgency.
func (p Policy) ContractValidity(u Urgency) time.Duration {
	return p.Urgency[u].ContractValidity
}

// MaxAccessCount returns the access budget for a new contract, nil for unlimited.
func (p Policy) MaxAccessCount(u Urgency) *int {
	if up, ok := p.Urgency[u]; ok && up.MaxAccessCount != nil {
		n := *up.MaxAccessCount
		return &n
	}
	if p.DefaultMaxAccessCount <= 0 {
		return nil
	}
	n := p.DefaultMaxAccessCount
	return &n
}

func (p Policy) retries() int {
	if p.WriteRetries < 1 {
		return 1
	}
	return p.WriteRetries
}

// Validate checks that every urgency level has a positive response window.
func (p Policy) Validate() error {
	if len(p.ScopeTags) == 0 {
		return fmt.Errorf("policy: at least one scope tag is required")
	}
	for u := range validUrgencies {
		if p.ResponseWindow(u) <= 0 {
			return fmt.Errorf("policy: response window for %s urgency must be positive", u)
		}
		if p.ContractValidity(u) < 0 {
			return fmt.Errorf("policy: contract validity for %s urgency must not be negative", u)
		}
	}
	return nil
}

// LoadPolicyFile overlays the YAML policy at path onto base. Fields absent
// from the file keep their base values.
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read policy file: %w", err)
	}

	var file Policy
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return base, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	out := base
	out.Urgency = make(map[Urgency]UrgencyPolicy, len(base.Urgency))
	for u, up := range base.Urgency {
		out.Urgency[u] = up
	}
	if len(file.ScopeTags) > 0 {
		out.ScopeTags = file.ScopeTags
	}
	for u, up := range file.Urgency {
		if !validUrgencies[u] {
			return base, fmt.Errorf("policy file %s: unknown urgency %q", path, u)
		}
		cur := out.Urgency[u]
		if up.ResponseWindow > 0 {
			cur.ResponseWindow = up.ResponseWindow
		}
		if up.ContractValidity > 0 {
			cur.ContractValidity = up.ContractValidity
		}
		if up.MaxAccessCount != nil {
			cur.MaxAccessCount = up.MaxAccessCount
		}
		out.Urgency[u] = cur
	}
	if file.DefaultMaxAccessCount > 0 {
		out.DefaultMaxAccessCount = file.DefaultMaxAccessCount
	}
	if file.WriteRetries > 0 {
		out.WriteRetries = file.WriteRetries
	}
	return out, out.Validate()
}
