// Package buildstate persists the checkpoint of a multi-unit batch run so an
// interrupted run can resume without redoing completed units or skipping
// outstanding ones.
package buildstate

import (
	"fmt"
	"slices"
	"time"
)

// Version is the current record format version.
const Version = 1

// FileName is the default build state file name.
const FileName = "build-state.json"

// Record is the persisted checkpoint of one batch run.
type Record struct {
	Version           int       `json:"version" yaml:"version" toml:"version"`
	RunID             string    `json:"run_id" yaml:"run_id" toml:"run_id"`
	Timestamp         time.Time `json:"timestamp" yaml:"timestamp" toml:"timestamp"`
	UpdatedAt         time.Time `json:"updated_at" yaml:"updated_at" toml:"updated_at"`
	IntegrationBranch string    `json:"integration_branch" yaml:"integration_branch" toml:"integration_branch"`
	TotalUnits        int       `json:"total_units" yaml:"total_units" toml:"total_units"`
	Completed         []string  `json:"completed" yaml:"completed" toml:"completed"`
	Failed            *string   `json:"failed" yaml:"failed" toml:"failed,omitempty"`
	Remaining         []string  `json:"remaining" yaml:"remaining" toml:"remaining"`
	Skipped           []string  `json:"skipped,omitempty" yaml:"skipped,omitempty" toml:"skipped,omitempty"`
}

// FailedUnit returns the failed unit id, or an empty string.
func (r *Record) FailedUnit() string {
	if r == nil || r.Failed == nil {
		return ""
	}
	return *r.Failed
}

// Phase derives the run phase from the record contents.
func (r *Record) Phase() Phase {
	switch {
	case r == nil:
		return PhaseNone
	case r.Failed != nil:
		return PhaseFailed
	case len(r.Remaining) == 0:
		return PhaseCompleted
	default:
		return PhaseInProgress
	}
}

// Snapshot is the caller-supplied state written by Save. Run identity and
// timestamps are managed by the tracker.
type Snapshot struct {
	IntegrationBranch string
	TotalUnits        int
	Completed         []string
	Failed            string
	Remaining         []string
	Skipped           []string
}

// Validate checks the record invariants: no unit in more than one of
// completed, failed, remaining and skipped, and together those sets account
// for exactly total_units units. A record that lost units is invalid, so a
// resume can never silently drop them.
func (r *Record) Validate() error {
	if r.Version < 1 {
		return fmt.Errorf("unsupported version %d", r.Version)
	}
	if r.IntegrationBranch == "" {
		return fmt.Errorf("integration branch is empty")
	}
	if r.TotalUnits < 0 {
		return fmt.Errorf("total units is negative")
	}

	seen := make(map[string]string)
	claim := func(set, unit string) error {
		if unit == "" {
			return fmt.Errorf("empty unit id in %s", set)
		}
		if prev, ok := seen[unit]; ok {
			if prev == set {
				return fmt.Errorf("unit %q listed twice in %s", unit, set)
			}
			return fmt.Errorf("unit %q is both %s and %s", unit, prev, set)
		}
		seen[unit] = set
		return nil
	}

	for _, u := range r.Completed {
		if err := claim("completed", u); err != nil {
			return err
		}
	}
	if r.Failed != nil {
		if err := claim("failed", *r.Failed); err != nil {
			return err
		}
	}
	for _, u := range r.Remaining {
		if err := claim("remaining", u); err != nil {
			return err
		}
	}
	for _, u := range r.Skipped {
		if err := claim("skipped", u); err != nil {
			return err
		}
	}

	if len(seen) != r.TotalUnits {
		return fmt.Errorf("%d units accounted for but total_units is %d", len(seen), r.TotalUnits)
	}
	return nil
}

func (s Snapshot) apply(r *Record) {
	r.IntegrationBranch = s.IntegrationBranch
	r.TotalUnits = s.TotalUnits
	r.Completed = nonNil(s.Completed)
	r.Remaining = nonNil(s.Remaining)
	r.Skipped = slices.Clone(s.Skipped)
	r.Failed = nil
	if s.Failed != "" {
		f := s.Failed
		r.Failed = &f
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}
