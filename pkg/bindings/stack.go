// Package bindings provides the scoped service-lookup context used to resolve
// default providers, default targets and other run-wide settings.
//
// A Stack holds an ordered list of frames. Lookups walk the frames from the
// most recently pushed to the root. Frames are copied on push and never
// exposed, so callers only ever observe bindings through the read-only View
// interface.
package bindings

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	// ErrStackUnderflow is returned when popping the root frame.
	ErrStackUnderflow = errors.New("bindings: cannot pop the root frame")

	// ErrUndefinedBinding matches every UndefinedBindingError.
	ErrUndefinedBinding = errors.New("bindings: undefined binding")
)

// UndefinedBindingError reports a lookup of a key no frame defines.
type UndefinedBindingError struct {
	Key string
}

// Error implements the error interface.
func (e *UndefinedBindingError) Error() string {
	return fmt.Sprintf("bindings: undefined binding %q", e.Key)
}

// Is reports whether target is ErrUndefinedBinding.
func (e *UndefinedBindingError) Is(target error) bool {
	return target == ErrUndefinedBinding
}

// View is a read-only view over bindings.
type View interface {
	// Lookup returns the value bound to key or an UndefinedBindingError.
	Lookup(key string) (any, error)

	// LookupOr returns the value bound to key, or the result of fallback
	// when the key is undefined.
	LookupOr(key string, fallback func() any) any
}

type frame struct {
	name   string
	values map[string]any
}

// Stack is a stack of binding frames.
type Stack struct {
	mu     sync.RWMutex
	frames []frame
}

// New returns a stack whose root frame holds a copy of root.
func New(root map[string]any) *Stack {
	return &Stack{
		frames: []frame{{name: "root", values: copyValues(root)}},
	}
}

// Push adds a frame holding a copy of values. A nil map pushes an empty frame.
func (s *Stack) Push(name string, values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = append(s.frames, frame{name: name, values: copyValues(values)})
}

// Pop removes the most recently pushed frame.
func (s *Stack) Pop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) <= 1 {
		return ErrStackUnderflow
	}
	s.frames = s.frames[:len(s.frames)-1]
	return nil
}

// Depth returns the number of frames, including the root.
func (s *Stack) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.frames)
}

// Override runs fn with values pushed as a new frame. When fn returns,
// errors or panics, the stack is restored to the frames it held before the
// call, whatever fn pushed or popped.
func (s *Stack) Override(name string, values map[string]any, fn func() error) error {
	s.mu.Lock()
	saved := slices.Clone(s.frames)
	s.frames = append(s.frames, frame{name: name, values: copyValues(values)})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.frames = saved
		s.mu.Unlock()
	}()

	return fn()
}

// Lookup returns the value bound to key in the nearest frame defining it.
func (s *Stack) Lookup(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i].values[key]; ok {
			return v, nil
		}
	}
	return nil, &UndefinedBindingError{Key: key}
}

// LookupOr returns the value bound to key, or fallback() when undefined.
func (s *Stack) LookupOr(key string, fallback func() any) any {
	v, err := s.Lookup(key)
	if err != nil {
		if fallback == nil {
			return nil
		}
		return fallback()
	}
	return v
}

// Snapshot returns a frozen view of the current bindings. Later pushes and
// pops do not affect it.
func (s *Stack) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flat := make(map[string]any)
	for _, f := range s.frames {
		maps.Copy(flat, f.values)
	}
	return snapshot(flat)
}

type snapshot map[string]any

func (m snapshot) Lookup(key string) (any, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return nil, &UndefinedBindingError{Key: key}
}

func (m snapshot) LookupOr(key string, fallback func() any) any {
	if v, ok := m[key]; ok {
		return v
	}
	if fallback == nil {
		return nil
	}
	return fallback()
}

// String looks up key and requires a non-empty string value.
func String(v View, key string) (string, error) {
	raw, err := v.Lookup(key)
	if err != nil {
		return "", err
	}

	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("bindings: %q is bound to %T, not a string", key, raw)
	}
	if s == "" {
		return "", fmt.Errorf("bindings: %q is bound to an empty string", key)
	}
	return s, nil
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	maps.Copy(out, values)
	return out
}
