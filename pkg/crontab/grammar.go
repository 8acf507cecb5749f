package crontab

import (
	"regexp"
	"strings"

	"github.com/openfroyo/converge/pkg/records"
)

const (
	// NamePrefix marks the comment naming the entry that follows it.
	NamePrefix = "# converge: "

	// HeaderPrefix marks the lines of the managed header.
	HeaderPrefix = "# HEADER:"
)

var (
	envPattern     = regexp.MustCompile(`^\s*(\w+)\s*=\s*(.*)$`)
	specialPattern = regexp.MustCompile(`^\s*@(\w+)\s+(\S.*?)\s*$`)
	dataPattern    = regexp.MustCompile(`^\s*(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S.*?)\s*$`)
)

// grammar classifies crontab lines.
type grammar struct{}

// Classify implements records.Grammar.
func (grammar) Classify(line string) (records.Class, string) {
	trimmed := strings.TrimSpace(line)

	switch {
	case trimmed == "":
		return records.ClassBlank, ""
	case strings.HasPrefix(trimmed, HeaderPrefix):
		return records.ClassHeader, ""
	case strings.HasPrefix(trimmed, strings.TrimSpace(NamePrefix)):
		name := strings.TrimSpace(strings.TrimPrefix(trimmed, strings.TrimSpace(NamePrefix)))
		if name == "" {
			return records.ClassComment, ""
		}
		return records.ClassName, name
	case strings.HasPrefix(trimmed, "#"):
		return records.ClassComment, ""
	case envPattern.MatchString(line):
		return records.ClassPrefix, ""
	case specialPattern.MatchString(line), dataPattern.MatchString(line):
		return records.ClassData, ""
	default:
		return records.ClassUnknown, ""
	}
}

// NameLine implements records.Grammar.
func (grammar) NameLine(name string) string {
	return NamePrefix + name
}
