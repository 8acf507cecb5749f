// Package flatfile implements the provider contract over text files holding
// one entry per record, mixed with comments and entries the engine does not
// manage. The store-specific format is supplied by a Schema.
package flatfile

import (
	"context"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/filetype"
	"github.com/openfroyo/converge/pkg/records"
)

// Schema describes one flat record file format.
type Schema interface {
	// Grammar classifies the lines of a file.
	Grammar() records.Grammar

	// Header returns the header lines written at the top of a target on
	// every write, or nil for none.
	Header(target string) ([]string, error)

	// Canonicalize expands aliases and normalizes the declared properties
	// of a resource.
	Canonicalize(res *engine.Resource) (engine.Properties, error)

	// Properties extracts the current properties of an entry.
	Properties(entry records.Entry) (engine.Properties, error)

	// Key returns the signature index key of a property set, or the empty
	// string when the set cannot be matched by signature.
	Key(props engine.Properties) string

	// Match reports whether an unnamed entry's current properties satisfy
	// the identity signature of the desired properties.
	Match(desired, current engine.Properties) bool

	// Render builds a new entry for a resource from canonical properties.
	Render(res *engine.Resource, props engine.Properties) (records.Entry, error)

	// Update returns the entry with deltas applied.
	Update(res *engine.Resource, current records.Entry, deltas []engine.Delta) (records.Entry, error)
}

// Opener resolves target identifiers to backing files.
type Opener interface {
	Open(ctx context.Context, target string) (filetype.FileType, error)
}

// Bucket stores the previous content of a target before it is overwritten.
type Bucket interface {
	Backup(ctx context.Context, target string, content []byte) (string, error)
}
