package records

// Class is the grammar's classification of a single line.
type Class int

const (
	// ClassBlank is an empty or whitespace-only line.
	ClassBlank Class = iota

	// ClassComment is a comment line.
	ClassComment

	// ClassHeader is a line of the managed header block.
	ClassHeader

	// ClassName is a comment naming the entry that follows it.
	ClassName

	// ClassPrefix is a line owned by the entry that follows it.
	ClassPrefix

	// ClassData is the data line of an entry.
	ClassData

	// ClassUnknown is a line the grammar does not understand.
	ClassUnknown
)

// Grammar classifies the lines of one flat record file format.
type Grammar interface {
	// Classify returns the class of a line. For ClassName lines the second
	// return value is the entry name.
	Classify(line string) (Class, string)

	// NameLine renders the name line for an entry.
	NameLine(name string) string
}
