package retry

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Policy is the retry budget and backoff schedule of one class.
type Policy struct {
	MaxRetries int
	Backoff    []time.Duration
}

// Delay returns the wait before retry number spent+1. The last schedule entry
// repeats once the schedule is used up.
func (p Policy) Delay(spent int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if spent < 0 {
		spent = 0
	}
	if spent >= len(p.Backoff) {
		spent = len(p.Backoff) - 1
	}
	return p.Backoff[spent]
}

// Policies maps classes to their policy.
type Policies map[Class]Policy

// DefaultPolicies is the built-in policy table.
func DefaultPolicies() Policies {
	return Policies{
		ClassValidation:         {MaxRetries: 0},
		ClassTransient:          {MaxRetries: 3, Backoff: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}},
		ClassRateLimited:        {MaxRetries: 8, Backoff: []time.Duration{10 * time.Second, 30 * time.Second, time.Minute, 2 * time.Minute}},
		ClassStorageConsistency: {MaxRetries: 1, Backoff: []time.Duration{30 * time.Second}},
		ClassTimeout:            {MaxRetries: 2, Backoff: []time.Duration{30 * time.Second, 2 * time.Minute}},
		ClassSystem:             {MaxRetries: 2, Backoff: []time.Duration{30 * time.Second, 2 * time.Minute}},
	}
}

// Lookup returns the policy for c, falling back to the system policy.
func (ps Policies) Lookup(c Class) Policy {
	if p, ok := ps[c]; ok {
		return p
	}
	return ps[ClassSystem]
}

// Merge returns a copy of ps with the entries of over replacing its own.
func (ps Policies) Merge(over Policies) Policies {
	out := make(Policies, len(ps)+len(over))
	for c, p := range ps {
		out[c] = p
	}
	for c, p := range over {
		out[c] = p
	}
	return out
}

// EffectiveMax is the retry budget of a job after a failure of policy p:
// the policy's budget capped by ceiling, never below retries already spent.
func EffectiveMax(retryCount, ceiling int, p Policy) int {
	limit := min(p.MaxRetries, ceiling)
	return max(retryCount, limit)
}

type policyFile struct {
	Policies map[string]policyEntry `toml:"policies"`
}

type policyEntry struct {
	MaxRetries int      `toml:"max_retries"`
	Backoff    []string `toml:"backoff"`
}

// ParsePolicies decodes a TOML policy file and merges it over the defaults.
func ParsePolicies(data []byte) (Policies, error) {
	var f policyFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode retry policies: %w", err)
	}

	over := make(Policies, len(f.Policies))
	for name, entry := range f.Policies {
		c, err := ParseClass(name)
		if err != nil {
			return nil, err
		}
		if entry.MaxRetries < 0 {
			return nil, fmt.Errorf("policy %s: max_retries must not be negative", name)
		}
		if c == ClassValidation && entry.MaxRetries != 0 {
			return nil, fmt.Errorf("policy %s: validation errors are never retried", name)
		}
		p := Policy{MaxRetries: entry.MaxRetries}
		for _, s := range entry.Backoff {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("policy %s: backoff %q: %w", name, s, err)
			}
			p.Backoff = append(p.Backoff, d)
		}
		if p.MaxRetries > 0 && len(p.Backoff) == 0 {
			return nil, fmt.Errorf("policy %s: backoff schedule required when retries are allowed", name)
		}
		over[c] = p
	}
	return DefaultPolicies().Merge(over), nil
}

// LoadPolicies reads a TOML policy file. An empty path yields the defaults.
func LoadPolicies(path string) (Policies, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retry policies: %w", err)
	}
	return ParsePolicies(data)
}
