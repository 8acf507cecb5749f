package policy

import (
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block a run.
	SeverityCritical Severity = "critical"
)

// Blocks returns true if violations of this severity reject a desired set.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The package must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the key of the violating resource, e.g. "cron[backup]".
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// String renders the violation for logs and errors.
func (v PolicyViolation) String() string {
	if v.Resource == "" {
		return v.Policy + ": " + v.Message
	}
	return v.Policy + ": " + v.Resource + ": " + v.Message
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when any violation blocks the desired set.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that don't block a run.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// ResourceInput is the policy view of a desired resource.
type ResourceInput struct {
	Key        string                 `json:"key"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Target     string                 `json:"target"`
	Provider   string                 `json:"provider"`
	Ensure     string                 `json:"ensure"`
	Properties map[string]interface{} `json:"properties"`
}

// NewResourceInput converts a resource. Single values become strings,
// lists string arrays and absent values null.
func NewResourceInput(res *engine.Resource) *ResourceInput {
	return &ResourceInput{
		Key:        res.Key(),
		Type:       res.Type,
		Name:       res.Name,
		Target:     res.Target,
		Provider:   res.Provider,
		Ensure:     string(res.Ensure.Normalize()),
		Properties: res.Properties.Map(),
	}
}

// PolicyInput represents the input data for policy evaluation.
type PolicyInput struct {
	// Resource is the resource being evaluated.
	Resource *ResourceInput `json:"resource"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being performed, e.g. "admit".
	Operation string `json:"operation,omitempty"`

	// Resources is the number of resources in the desired set.
	Resources int `json:"resources"`
}
