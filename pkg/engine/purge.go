package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// PurgeScope requests a purge pass for the targets of one resource type.
type PurgeScope struct {
	// Type is the resource type whose provider enumerates entries.
	Type string `json:"type" yaml:"type" validate:"required"`

	// Target restricts the purge to one target. Empty means every target
	// of Type touched by the run, or the default target when none is.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// PurgeFilter restricts which unclaimed entries a purge pass removes.
//
// The expression sees the entry fields name, target and id, a properties
// map, and every property as a top-level variable: single values as strings,
// lists as string slices and absent values as nil.
//
//	command startsWith "/opt/legacy/" && name == ""
type PurgeFilter struct {
	source  string
	program *vm.Program
}

// CompilePurgeFilter compiles a boolean expression.
func CompilePurgeFilter(source string) (*PurgeFilter, error) {
	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid purge filter %q: %w", source, err)
	}
	return &PurgeFilter{source: source, program: program}, nil
}

// String returns the expression source.
func (f *PurgeFilter) String() string {
	return f.source
}

// Match evaluates the filter against an entry. A nil filter matches everything.
func (f *PurgeFilter) Match(e Entry) (bool, error) {
	if f == nil {
		return true, nil
	}

	props := e.Properties.Map()
	env := make(map[string]interface{}, len(props)+4)
	for k, v := range props {
		env[k] = v
	}
	env["name"] = e.Name
	env["target"] = e.Target
	env["id"] = e.ID
	env["properties"] = props

	out, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("purge filter %q: %w", f.source, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("purge filter %q returned %T", f.source, out)
	}
	return matched, nil
}
