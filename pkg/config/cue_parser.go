package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser parses CUE manifests and checks them against the registered
// manifest schema.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	schema         string
}

// NewCUEParser creates a new CUE parser using the built-in manifest schema.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
		schema:         ManifestSchema,
	}
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// UseSchema selects the registered schema manifests are checked against.
func (cp *CUEParser) UseSchema(name string) error {
	if _, err := cp.schemaRegistry.Definition(name); err != nil {
		return err
	}
	cp.schema = name
	return nil
}

// ParseFile parses one CUE file.
func (cp *CUEParser) ParseFile(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cp.parse(string(content), path)
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(content string) (*Manifest, error) {
	return cp.parse(content, "inline")
}

func (cp *CUEParser) parse(content, filename string) (*Manifest, error) {
	val := cp.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &ManifestError{Errors: cp.convertCUEErrors(err)}
	}

	def, err := cp.schemaRegistry.Definition(cp.schema)
	if err != nil {
		return nil, err
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &ManifestError{Errors: cp.convertCUEErrors(err)}
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, &ManifestError{Errors: cp.convertCUEErrors(err)}
	}

	return decodeManifest(data, filename)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}

	return validationErrors
}
