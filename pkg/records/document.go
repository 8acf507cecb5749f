package records

import (
	"slices"
	"strings"
)

// Document is an ordered sequence of records parsed from one file.
type Document struct {
	grammar         Grammar
	records         []*Record
	byID            map[int]*Record
	nextID          int
	trailingNewline bool
	modified        bool
}

// ParseOption configures parsing.
type ParseOption func(*parseOptions)

type parseOptions struct {
	strict bool
}

// Strict makes Parse fail on lines the grammar cannot classify instead of
// keeping them as verbatim records.
func Strict() ParseOption {
	return func(o *parseOptions) {
		o.strict = true
	}
}

// New returns an empty document.
func New(g Grammar) *Document {
	return &Document{
		grammar: g,
		byID:    make(map[int]*Record),
		nextID:  1,
	}
}

// Parse splits text into records using the grammar.
func Parse(text string, g Grammar, opts ...ParseOption) (*Document, error) {
	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}

	doc := New(g)
	if text == "" {
		return doc, nil
	}

	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		doc.trailingNewline = true
		lines = lines[:len(lines)-1]
	}

	classes := make([]Class, len(lines))
	names := make([]string, len(lines))
	for i, line := range lines {
		classes[i], names[i] = g.Classify(line)
	}

	for i := 0; i < len(lines); {
		switch classes[i] {
		case ClassBlank:
			doc.add(KindBlank, lines[i:i+1], Entry{Body: lines[i]})
			i++
		case ClassComment:
			doc.add(KindComment, lines[i:i+1], Entry{Body: lines[i]})
			i++
		case ClassHeader:
			doc.add(KindHeader, lines[i:i+1], Entry{Body: lines[i]})
			i++
		case ClassUnknown:
			if o.strict {
				return nil, &ParseError{Line: i + 1, Text: lines[i]}
			}
			doc.add(KindVerbatim, lines[i:i+1], Entry{Body: lines[i]})
			i++
		default:
			end, ok := foldEntry(classes, i)
			if !ok {
				kind := KindVerbatim
				if classes[i] == ClassName {
					kind = KindComment
				}
				doc.add(kind, lines[i:i+1], Entry{Body: lines[i]})
				i++
				continue
			}

			entry := Entry{Body: lines[end]}
			start := i
			if classes[i] == ClassName {
				entry.Name = names[i]
				start++
			}
			entry.Prefix = append([]string(nil), lines[start:end]...)
			doc.add(KindData, lines[i:end+1], entry)
			i = end + 1
		}
	}

	return doc, nil
}

// foldEntry finds the data line closing the entry that starts at i. An entry
// is an optional name line, any number of prefix lines and one data line.
func foldEntry(classes []Class, i int) (int, bool) {
	j := i
	if classes[j] == ClassName {
		j++
	}
	for j < len(classes) && classes[j] == ClassPrefix {
		j++
	}
	if j < len(classes) && classes[j] == ClassData {
		return j, true
	}
	return 0, false
}

func (d *Document) add(kind Kind, raw []string, entry Entry) *Record {
	r := &Record{
		id:    d.nextID,
		kind:  kind,
		raw:   append([]string(nil), raw...),
		entry: entry,
	}
	d.nextID++
	d.records = append(d.records, r)
	d.byID[r.id] = r
	return r
}

// Records returns the records in file order.
func (d *Document) Records() []*Record {
	return slices.Clone(d.records)
}

// Data returns the data records in file order.
func (d *Document) Data() []*Record {
	var out []*Record
	for _, r := range d.records {
		if r.kind == KindData {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the record with the given ID.
func (d *Document) Get(id int) (*Record, bool) {
	r, ok := d.byID[id]
	return r, ok
}

// Len returns the number of records.
func (d *Document) Len() int {
	return len(d.records)
}

// Modified returns true if any record was added, removed or rewritten.
func (d *Document) Modified() bool {
	return d.modified
}

// Append adds a data record at the end of the document.
func (d *Document) Append(entry Entry) *Record {
	r := d.add(KindData, nil, Entry{
		Name:   entry.Name,
		Prefix: append([]string(nil), entry.Prefix...),
		Body:   entry.Body,
	})
	r.dirty = true
	d.trailingNewline = true
	d.modified = true
	return r
}

// Replace rewrites the content of a data record in place.
func (d *Document) Replace(id int, entry Entry) error {
	r, ok := d.byID[id]
	if !ok {
		return ErrRecordNotFound
	}
	if r.kind != KindData {
		return ErrNotData
	}

	r.entry = Entry{
		Name:   entry.Name,
		Prefix: append([]string(nil), entry.Prefix...),
		Body:   entry.Body,
	}
	r.dirty = true
	d.modified = true
	return nil
}

// Remove deletes a record. The order of the remaining records is unchanged.
func (d *Document) Remove(id int) error {
	idx := slices.IndexFunc(d.records, func(r *Record) bool { return r.id == id })
	if idx < 0 {
		return ErrRecordNotFound
	}

	d.records = slices.Delete(d.records, idx, idx+1)
	delete(d.byID, id)
	d.modified = true
	return nil
}

// EnsureHeader makes lines the leading header block of the document,
// replacing any existing leading header records. It returns true if the
// document changed.
func (d *Document) EnsureHeader(lines []string) bool {
	n := 0
	for n < len(d.records) && d.records[n].kind == KindHeader {
		n++
	}

	if n == len(lines) {
		same := true
		for i := range lines {
			if d.records[i].entry.Body != lines[i] {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}

	for _, r := range d.records[:n] {
		delete(d.byID, r.id)
	}

	header := make([]*Record, 0, len(lines))
	for _, line := range lines {
		r := &Record{
			id:    d.nextID,
			kind:  KindHeader,
			raw:   []string{line},
			entry: Entry{Body: line},
		}
		d.nextID++
		d.byID[r.id] = r
		header = append(header, r)
	}

	d.records = append(header, d.records[n:]...)
	if len(lines) > 0 {
		d.trailingNewline = true
	}
	d.modified = true
	return true
}

// Lines returns the serialized lines of the document.
func (d *Document) Lines() []string {
	var out []string
	for _, r := range d.records {
		out = append(out, r.lines(d.grammar)...)
	}
	return out
}

// String serializes the document.
func (d *Document) String() string {
	lines := d.Lines()
	if len(lines) == 0 {
		return ""
	}

	text := strings.Join(lines, "\n")
	if d.trailingNewline {
		text += "\n"
	}
	return text
}

// Bytes serializes the document.
func (d *Document) Bytes() []byte {
	return []byte(d.String())
}
