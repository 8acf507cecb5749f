// Package records parses flat record files into an ordered sequence of typed
// records and serializes them back.
//
// A file is split on line boundaries and every line is classified by a
// Grammar. Lines the grammar considers part of an entry (an optional name
// line, optional prefix lines such as environment assignments, and the data
// line itself) are folded into a single data record. Everything else is a
// passive record: blank lines, comments, header lines and lines the grammar
// cannot classify. Passive records are never interpreted and never dropped.
//
// Serialization emits the original bytes of every record that was not
// modified, so
//
//	doc, _ := records.Parse(text, grammar)
//	doc.String() == text
//
// holds for any input. Modified and newly appended records are rendered by
// the grammar.
//
// Records carry a stable numeric ID assigned when they are parsed or
// appended. Callers index records by ID rather than by position, so removing
// or inserting records never invalidates an index held elsewhere.
package records
