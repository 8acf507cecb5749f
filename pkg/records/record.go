package records

import "fmt"

// Kind classifies a parsed record.
type Kind int

const (
	// KindBlank is an empty or whitespace-only line.
	KindBlank Kind = iota

	// KindComment is a comment line, including name lines that do not
	// precede an entry.
	KindComment

	// KindHeader is a line of the managed header block.
	KindHeader

	// KindVerbatim is a line the grammar could not attach to an entry:
	// orphaned prefix lines and unclassifiable text.
	KindVerbatim

	// KindData is an entry: optional name line, prefix lines and a data line.
	KindData
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindComment:
		return "comment"
	case KindHeader:
		return "header"
	case KindVerbatim:
		return "verbatim"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsPassive returns true for records that carry no entry.
func (k Kind) IsPassive() bool {
	return k != KindData
}

// Entry is the mutable content of a data record.
type Entry struct {
	// Name is the entry name carried by the name line, if any.
	Name string

	// Prefix holds the lines owned by the entry that precede the data line.
	Prefix []string

	// Body is the data line.
	Body string
}

// Record is one parsed unit of a flat record file.
type Record struct {
	id    int
	kind  Kind
	raw   []string
	entry Entry
	dirty bool
}

// ID returns the stable identifier of the record within its document.
func (r *Record) ID() int {
	return r.id
}

// Kind returns the record kind.
func (r *Record) Kind() Kind {
	return r.kind
}

// Name returns the entry name, empty for unnamed entries and passive records.
func (r *Record) Name() string {
	return r.entry.Name
}

// Prefix returns a copy of the prefix lines owned by the entry.
func (r *Record) Prefix() []string {
	return append([]string(nil), r.entry.Prefix...)
}

// Body returns the data line of an entry, or the text of a passive record.
func (r *Record) Body() string {
	return r.entry.Body
}

// Entry returns a copy of the record content.
func (r *Record) Entry() Entry {
	return Entry{
		Name:   r.entry.Name,
		Prefix: r.Prefix(),
		Body:   r.entry.Body,
	}
}

// Raw returns a copy of the lines the record was parsed from.
func (r *Record) Raw() []string {
	return append([]string(nil), r.raw...)
}

// Modified returns true if the record will be re-rendered on serialization.
func (r *Record) Modified() bool {
	return r.dirty
}

// lines returns the serialized lines of the record.
func (r *Record) lines(g Grammar) []string {
	if !r.dirty {
		return r.raw
	}

	out := make([]string, 0, len(r.entry.Prefix)+2)
	if r.entry.Name != "" {
		out = append(out, r.nameLine(g))
	}
	out = append(out, r.entry.Prefix...)
	out = append(out, r.entry.Body)
	return out
}

// nameLine keeps the parsed name line while the name is unchanged.
func (r *Record) nameLine(g Grammar) string {
	if len(r.raw) > 0 {
		if class, name := g.Classify(r.raw[0]); class == ClassName && name == r.entry.Name {
			return r.raw[0]
		}
	}
	return g.NameLine(r.entry.Name)
}
