package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// Format is a manifest source format.
type Format string

const (
	// FormatYAML is a YAML manifest.
	FormatYAML Format = "yaml"

	// FormatJSON is a JSON manifest.
	FormatJSON Format = "json"

	// FormatCUE is a CUE manifest checked against the manifest schema.
	FormatCUE Format = "cue"

	// FormatStarlark is a Starlark script whose globals form the manifest.
	FormatStarlark Format = "starlark"
)

// FormatOf returns the format of a file by extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	case ".cue":
		return FormatCUE, true
	case ".star", ".starlark":
		return FormatStarlark, true
	default:
		return "", false
	}
}

var resourceTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Loader reads manifests from files and directories.
type Loader struct {
	cue       *CUEParser
	starlark  *StarlarkEvaluator
	validator *validator.Validate
	vars      map[string]interface{}
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithVars sets the input values Starlark manifests see as vars.
func WithVars(vars map[string]interface{}) LoaderOption {
	return func(l *Loader) {
		l.vars = vars
	}
}

// WithStarlarkTimeout bounds the execution time of each Starlark manifest.
func WithStarlarkTimeout(timeout time.Duration) LoaderOption {
	return func(l *Loader) {
		l.starlark = NewStarlarkEvaluator(timeout)
	}
}

// NewLoader creates a manifest loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		cue:       NewCUEParser(),
		starlark:  NewStarlarkEvaluator(30 * time.Second),
		validator: newValidator(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CUE returns the CUE parser, e.g. to register another manifest schema.
func (l *Loader) CUE() *CUEParser {
	return l.cue
}

// Load reads every path, walking directories in lexical order, and merges
// the manifests. The result is validated.
func (l *Loader) Load(ctx context.Context, paths ...string) (*Manifest, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no manifest paths provided")
	}

	files, err := l.expand(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no manifests found in %s", strings.Join(paths, ", "))
	}

	log := telemetry.FromContext(ctx).NewComponentLogger("config")
	merged := &Manifest{}
	for _, file := range files {
		m, err := l.LoadFile(ctx, file)
		if err != nil {
			return nil, err
		}
		if err := merged.merge(m); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		log.WithField("file", file).WithField("resources", len(m.Resources)).Debug("Manifest loaded")
	}

	if err := l.Validate(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// LoadFile reads one manifest file. It is not validated.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Manifest, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, fmt.Errorf("unsupported manifest format: %s", path)
	}

	if format == FormatCUE {
		return l.cue.ParseFile(path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return l.Parse(ctx, format, path, content)
}

// Parse decodes manifest content of the given format. The name is used in
// error positions.
func (l *Loader) Parse(ctx context.Context, format Format, name string, content []byte) (*Manifest, error) {
	switch format {
	case FormatYAML:
		return decodeManifest(content, name)
	case FormatJSON:
		return decodeJSONManifest(content, name)
	case FormatCUE:
		return l.cue.parse(string(content), name)
	case FormatStarlark:
		return l.evalStarlark(ctx, name, content)
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", format)
	}
}

// Validate checks a manifest with struct validation and duplicate
// detection, reporting every problem found.
func (l *Loader) Validate(m *Manifest) error {
	var errs []ValidationError

	if err := l.validator.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate manifest: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fieldMessage(fe),
			})
		}
	}

	seen := make(map[string]int, len(m.Resources))
	for i, spec := range m.Resources {
		if spec.Type == "" || spec.Name == "" {
			continue
		}
		if first, ok := seen[spec.Key()]; ok {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("resources[%d]", i),
				Message: fmt.Sprintf("duplicate resource %s, first declared at resources[%d]", spec.Key(), first),
			})
			continue
		}
		seen[spec.Key()] = i
	}

	if m.PurgeFilter != "" {
		if _, err := m.RunOptions(); err != nil {
			var merr *ManifestError
			if errors.As(err, &merr) {
				errs = append(errs, merr.Errors...)
			}
		}
	}

	if len(errs) > 0 {
		return &ManifestError{Errors: errs}
	}
	return nil
}

func (l *Loader) expand(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		var found []string
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if _, ok := FormatOf(p); ok {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", path, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

func (l *Loader) evalStarlark(ctx context.Context, name string, content []byte) (*Manifest, error) {
	input := map[string]interface{}{"vars": map[string]interface{}{}}
	if l.vars != nil {
		input["vars"] = l.vars
	}

	result, err := l.starlark.EvaluateFile(ctx, name, string(content), input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	out := make(map[string]interface{})
	for _, key := range []string{"defaults", "bindings", "resources", "purge", "purge_filter"} {
		if v, ok := result.Output[key]; ok {
			out[key] = v
		}
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode starlark output: %w", name, err)
	}
	return decodeManifest(data, name)
}

// decodeManifest decodes YAML or JSON content, rejecting unknown fields.
func decodeManifest(content []byte, name string) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		ve := ValidationError{File: name, Message: err.Error()}
		var te *yaml.TypeError
		if errors.As(err, &te) {
			ve.Message = strings.Join(te.Errors, "; ")
		}
		return nil, &ManifestError{Errors: []ValidationError{ve}}
	}
	m.Sources = []string{name}
	return &m, nil
}

// decodeJSONManifest decodes JSON content, rejecting unknown fields.
func decodeJSONManifest(content []byte, name string) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		ve := ValidationError{File: name, Message: err.Error()}
		var se *json.SyntaxError
		if errors.As(err, &se) {
			ve.Line, ve.Column = position(content, se.Offset)
		}
		return nil, &ManifestError{Errors: []ValidationError{ve}}
	}
	m.Sources = []string{name}
	return &m, nil
}

// position converts a byte offset into a 1-indexed line and column.
func position(content []byte, offset int64) (int, int) {
	if offset > int64(len(content)) {
		offset = int64(len(content))
	}
	before := content[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := len(before) - bytes.LastIndexByte(before, '\n')
	return line, col
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("resourcetype", func(fl validator.FieldLevel) bool {
		return resourceTypePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("singleline", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), "\r\n")
	})
	return v
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "resourcetype":
		return fmt.Sprintf("invalid resource type %q", fe.Value())
	case "singleline":
		return "must not contain line breaks"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
