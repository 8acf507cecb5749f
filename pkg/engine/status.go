package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a convergence run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every resource converged and every target flushed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some resources failed or some targets could not be flushed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates nothing converged.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the caller cancelled the run before it finished.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial ||
		s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// OutcomeKind is the result of converging one resource.
type OutcomeKind string

const (
	// OutcomeNoChange indicates current state already matched desired state.
	OutcomeNoChange OutcomeKind = "no_change"

	// OutcomeChanged indicates properties of an existing entry were updated.
	OutcomeChanged OutcomeKind = "changed"

	// OutcomeCreated indicates a new entry was created.
	OutcomeCreated OutcomeKind = "created"

	// OutcomeRemoved indicates an entry was deleted.
	OutcomeRemoved OutcomeKind = "removed"

	// OutcomeFailed indicates the resource could not be converged.
	OutcomeFailed OutcomeKind = "failed"
)

// IsMutation returns true for outcomes that changed the backing store.
func (k OutcomeKind) IsMutation() bool {
	return k == OutcomeChanged || k == OutcomeCreated || k == OutcomeRemoved
}

// Validate checks if the outcome kind is valid.
func (k OutcomeKind) Validate() error {
	switch k {
	case OutcomeNoChange, OutcomeChanged, OutcomeCreated, OutcomeRemoved, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome kind: %s", k)
	}
}

// Ensure is the desired existence state of a resource. Values other than
// present and absent are aliases the provider expands into properties.
type Ensure string

const (
	// EnsurePresent requires the entry to exist with the declared properties.
	EnsurePresent Ensure = "present"

	// EnsureAbsent requires the entry not to exist.
	EnsureAbsent Ensure = "absent"
)

// IsAbsent returns true if the resource must not exist.
func (e Ensure) IsAbsent() bool {
	return e == EnsureAbsent
}

// IsAlias returns true if ensure names a provider-specific alias.
func (e Ensure) IsAlias() bool {
	return e != "" && e != EnsurePresent && e != EnsureAbsent
}

// Normalize returns present for the empty value.
func (e Ensure) Normalize() Ensure {
	if e == "" {
		return EnsurePresent
	}
	return e
}

// MarshalJSON implements json.Marshaler for Ensure.
func (e Ensure) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(e.Normalize()))
}

// UnmarshalJSON implements json.Unmarshaler for Ensure.
func (e *Ensure) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*e = Ensure(s).Normalize()
	return nil
}
