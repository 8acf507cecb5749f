package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Manifest is a desired-resource feed with the bindings it needs.
type Manifest struct {
	// Defaults maps a resource type to its default provider and target.
	Defaults map[string]TypeDefaults `json:"defaults,omitempty" yaml:"defaults,omitempty" validate:"dive,keys,resourcetype,endkeys"`

	// Bindings are additional root bindings, e.g. "crontab.header".
	Bindings map[string]interface{} `json:"bindings,omitempty" yaml:"bindings,omitempty"`

	// Resources are the desired resources in convergence order.
	Resources []ResourceSpec `json:"resources,omitempty" yaml:"resources,omitempty" validate:"dive"`

	// Purge lists the scopes whose unclaimed entries are removed.
	Purge []engine.PurgeScope `json:"purge,omitempty" yaml:"purge,omitempty" validate:"dive"`

	// PurgeFilter restricts which unclaimed entries purge removes.
	PurgeFilter string `json:"purge_filter,omitempty" yaml:"purge_filter,omitempty"`

	// Sources are the files the manifest was loaded from.
	Sources []string `json:"-" yaml:"-"`
}

// TypeDefaults holds the default provider and target of a resource type.
type TypeDefaults struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Target   string `json:"target,omitempty" yaml:"target,omitempty"`
}

// ResourceSpec is one desired resource as written in a manifest.
type ResourceSpec struct {
	// Type is the resource type (e.g., "cron").
	Type string `json:"type" yaml:"type" validate:"required,resourcetype"`

	// Name identifies the resource within its type.
	Name string `json:"name" yaml:"name" validate:"required,singleline"`

	// Target overrides the default target of the type.
	Target string `json:"target,omitempty" yaml:"target,omitempty" validate:"omitempty,singleline"`

	// Provider overrides the default provider of the type.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Ensure is present, absent or a provider alias. Empty means present.
	Ensure string `json:"ensure,omitempty" yaml:"ensure,omitempty" validate:"omitempty,singleline"`

	// Properties are the declared property values. Lists are kept in order
	// and null declares a property absent.
	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Key returns the resource key, e.g. "cron[backup]".
func (r ResourceSpec) Key() string {
	return fmt.Sprintf("%s[%s]", r.Type, r.Name)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the manifest path to the error (e.g., "resources[2].name").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String formats the error with its location.
func (e ValidationError) String() string {
	var loc []string
	if e.File != "" {
		pos := e.File
		if e.Line > 0 {
			pos = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		}
		loc = append(loc, pos)
	}
	if e.Path != "" {
		loc = append(loc, e.Path)
	}
	if len(loc) == 0 {
		return e.Message
	}
	return strings.Join(loc, ": ") + ": " + e.Message
}

// ManifestError collects every validation error of a manifest.
type ManifestError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *ManifestError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid manifest: " + e.Errors[0].String()
	}
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = "  " + ve.String()
	}
	return fmt.Sprintf("invalid manifest: %d errors:\n%s", len(e.Errors), strings.Join(msgs, "\n"))
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// ToResources converts the resource specs into engine resources.
func (m *Manifest) ToResources() ([]engine.Resource, error) {
	resources := make([]engine.Resource, 0, len(m.Resources))
	var errs []ValidationError

	for i, spec := range m.Resources {
		res := engine.Resource{
			Type:     spec.Type,
			Name:     spec.Name,
			Target:   spec.Target,
			Provider: spec.Provider,
			Ensure:   engine.Ensure(spec.Ensure).Normalize(),
		}

		names := make([]string, 0, len(spec.Properties))
		for name := range spec.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			v, err := engine.ValueOf(spec.Properties[name])
			if err != nil {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("resources[%d].properties.%s", i, name),
					Message: err.Error(),
				})
				continue
			}
			res.Properties.Set(name, v)
		}
		resources = append(resources, res)
	}

	if len(errs) > 0 {
		return nil, &ManifestError{Errors: errs}
	}
	return resources, nil
}

// BindingsRoot returns the root bindings frame: the type defaults under
// their engine keys followed by the extra bindings.
func (m *Manifest) BindingsRoot() map[string]any {
	root := make(map[string]any, 2*len(m.Defaults)+len(m.Bindings))
	for typ, d := range m.Defaults {
		if d.Provider != "" {
			root[engine.ProviderKey(typ)] = d.Provider
		}
		if d.Target != "" {
			root[engine.TargetKey(typ)] = d.Target
		}
	}
	for k, v := range m.Bindings {
		root[k] = v
	}
	return root
}

// RunOptions returns the purge settings of the manifest as run options.
func (m *Manifest) RunOptions() (engine.RunOptions, error) {
	opts := engine.RunOptions{Purge: m.Purge}
	if m.PurgeFilter != "" {
		filter, err := engine.CompilePurgeFilter(m.PurgeFilter)
		if err != nil {
			return engine.RunOptions{}, &ManifestError{Errors: []ValidationError{{
				Path:    "purge_filter",
				Message: err.Error(),
			}}}
		}
		opts.PurgeFilter = filter
	}
	return opts, nil
}

// merge adds other into m. Resources and purge scopes are appended;
// defaults, bindings and the purge filter must not conflict.
func (m *Manifest) merge(other *Manifest) error {
	if other.Defaults != nil && m.Defaults == nil {
		m.Defaults = make(map[string]TypeDefaults)
	}
	for typ, d := range other.Defaults {
		cur := m.Defaults[typ]
		if (cur.Provider != "" && d.Provider != "" && cur.Provider != d.Provider) ||
			(cur.Target != "" && d.Target != "" && cur.Target != d.Target) {
			return fmt.Errorf("conflicting defaults for type %s", typ)
		}
		if d.Provider != "" {
			cur.Provider = d.Provider
		}
		if d.Target != "" {
			cur.Target = d.Target
		}
		m.Defaults[typ] = cur
	}

	if other.Bindings != nil && m.Bindings == nil {
		m.Bindings = make(map[string]interface{})
	}
	for k, v := range other.Bindings {
		if cur, ok := m.Bindings[k]; ok && fmt.Sprint(cur) != fmt.Sprint(v) {
			return fmt.Errorf("conflicting binding %s", k)
		}
		m.Bindings[k] = v
	}

	if other.PurgeFilter != "" {
		if m.PurgeFilter != "" && m.PurgeFilter != other.PurgeFilter {
			return fmt.Errorf("conflicting purge filters %q and %q", m.PurgeFilter, other.PurgeFilter)
		}
		m.PurgeFilter = other.PurgeFilter
	}

	m.Resources = append(m.Resources, other.Resources...)
	m.Purge = append(m.Purge, other.Purge...)
	m.Sources = append(m.Sources, other.Sources...)
	return nil
}
