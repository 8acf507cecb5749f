package records

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned when a record ID is not part of the document.
var ErrRecordNotFound = errors.New("record not found")

// ErrNotData is returned when an entry operation targets a passive record.
var ErrNotData = errors.New("record is not a data record")

// ParseError reports a line that strict parsing refused to keep as passive text.
type ParseError struct {
	// Line is the 1-based line number.
	Line int

	// Text is the offending line.
	Text string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: unrecognized content %q", e.Line, e.Text)
}
