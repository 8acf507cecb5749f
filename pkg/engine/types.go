package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is one desired entry handed to the engine.
type Resource struct {
	// Type is the resource kind, e.g. "cron".
	Type string `json:"type" yaml:"type"`

	// Name identifies the resource; unique per type within a run.
	Name string `json:"name" yaml:"name"`

	// Target identifies the backing store instance. Empty means the
	// default target bound for the type.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Provider selects the provider by tag. Empty means the default
	// provider bound for the type.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Ensure is the desired existence state or an alias.
	Ensure Ensure `json:"ensure" yaml:"ensure"`

	// Properties are the declared property values.
	Properties Properties `json:"properties" yaml:"-"`
}

// Key returns the identifier used in reports, e.g. "cron[backup]".
func (r *Resource) Key() string {
	return fmt.Sprintf("%s[%s]", r.Type, r.Name)
}

// Validate checks the fields every resource must carry.
func (r *Resource) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("resource %q has no type", r.Name)
	}
	if r.Name == "" {
		return fmt.Errorf("resource of type %s has no name", r.Type)
	}
	return nil
}

// Delta is a property-level change between current and desired state.
type Delta struct {
	// Property is the property name.
	Property string `json:"property"`

	// Before is the current value.
	Before Value `json:"before"`

	// After is the desired value.
	After Value `json:"after"`
}

// String renders the delta for reports.
func (d Delta) String() string {
	return fmt.Sprintf("%s: %s -> %s", d.Property, d.Before, d.After)
}

// ComputeDeltas compares desired against current for every property the
// desired set declares. Properties only present in current are ignored.
func ComputeDeltas(desired, current Properties) []Delta {
	var deltas []Delta
	for _, name := range desired.Keys() {
		want, _ := desired.Get(name)
		have, _ := current.Get(name)
		if want.Equal(have) {
			continue
		}
		deltas = append(deltas, Delta{Property: name, Before: have, After: want})
	}
	return deltas
}

// Entry is a provider-visible entry that no desired resource claimed.
type Entry struct {
	// ID is the provider-internal identifier of the entry.
	ID int `json:"id"`

	// Target is the backing store holding the entry.
	Target string `json:"target"`

	// Name is the entry name, empty for unnamed entries.
	Name string `json:"name,omitempty"`

	// Properties are the entry's current properties.
	Properties Properties `json:"properties"`
}

// Label returns the entry name or a positional label for unnamed entries.
func (e Entry) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("unmanaged#%d", e.ID)
}

// Outcome is the result of converging one resource or purging one entry.
type Outcome struct {
	// Resource is the resource key, e.g. "cron[backup]".
	Resource string `json:"resource"`

	// Type is the resource type.
	Type string `json:"type"`

	// Name is the resource or entry name.
	Name string `json:"name"`

	// Provider is the provider tag that handled the resource.
	Provider string `json:"provider"`

	// Target is the backing store instance.
	Target string `json:"target"`

	// Kind is the outcome kind.
	Kind OutcomeKind `json:"kind"`

	// Deltas lists property changes for changed and created outcomes.
	Deltas []Delta `json:"deltas,omitempty"`

	// Purged marks removals performed by the purge pass.
	Purged bool `json:"purged,omitempty"`

	// Err is set for failed outcomes.
	Err error `json:"-"`

	// Duration is how long converging the resource took.
	Duration time.Duration `json:"duration"`
}

// Error returns the error description of a failed outcome.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// MarshalJSON adds the error message of failed outcomes.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type outcome Outcome
	return json.Marshal(struct {
		outcome
		Error string `json:"error,omitempty"`
	}{outcome(o), o.Error()})
}

// TargetError is a fatal error scoped to one target.
type TargetError struct {
	// Provider is the provider tag owning the target.
	Provider string `json:"provider"`

	// Target is the backing store instance.
	Target string `json:"target"`

	// Phase is "prefetch" or "flush".
	Phase string `json:"phase"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e TargetError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Phase, e.Provider, e.Target, e.Err)
}

// MarshalJSON adds the error message.
func (e TargetError) MarshalJSON() ([]byte, error) {
	type targetError TargetError
	var msg string
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		targetError
		Error string `json:"error,omitempty"`
	}{targetError(e), msg})
}

// Preview is the pending content of a target in a no-op run.
type Preview struct {
	// Provider is the provider tag owning the target.
	Provider string `json:"provider"`

	// Target is the backing store instance.
	Target string `json:"target"`

	// Before is the content read at prefetch.
	Before string `json:"before"`

	// After is the content a real run would write.
	After string `json:"after"`
}

// Changed returns true if the preview differs from the current content.
func (p Preview) Changed() bool {
	return p.Before != p.After
}

// Report is the result of one convergence run.
type Report struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Noop is true when nothing was written.
	Noop bool `json:"noop"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`

	// Outcomes holds one outcome per resource, followed by purge outcomes.
	Outcomes []Outcome `json:"outcomes"`

	// TargetErrors lists targets that failed to prefetch or flush.
	TargetErrors []TargetError `json:"target_errors,omitempty"`

	// Flushed lists targets that were written.
	Flushed []string `json:"flushed,omitempty"`

	// Previews holds the pending content of each target in no-op runs.
	Previews []Preview `json:"previews,omitempty"`
}

// Counts returns the number of outcomes per kind.
func (r *Report) Counts() map[OutcomeKind]int {
	counts := make(map[OutcomeKind]int)
	for i := range r.Outcomes {
		counts[r.Outcomes[i].Kind]++
	}
	return counts
}

// Failed returns the failed outcomes.
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for i := range r.Outcomes {
		if r.Outcomes[i].Kind == OutcomeFailed {
			out = append(out, r.Outcomes[i])
		}
	}
	return out
}

// Outcome returns the outcome for a resource key.
func (r *Report) Outcome(resource string) (Outcome, bool) {
	for i := range r.Outcomes {
		if r.Outcomes[i].Resource == resource && !r.Outcomes[i].Purged {
			return r.Outcomes[i], true
		}
	}
	return Outcome{}, false
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}
