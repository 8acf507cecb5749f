package report

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContext is the number of unchanged lines shown around a change.
const DefaultContext = 3

// LineKind marks a diff line.
type LineKind byte

// Line kinds, rendered as the line prefix.
const (
	LineEqual  LineKind = ' '
	LineDelete LineKind = '-'
	LineInsert LineKind = '+'
)

// Line is one line of a diff.
type Line struct {
	Kind LineKind
	Text string
}

// Hunk is a run of changed lines with surrounding context.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
	Lines              []Line
}

// Header renders the hunk range line.
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%s +%s @@", hunkRange(h.OldStart, h.OldLines), hunkRange(h.NewStart, h.NewLines))
}

func hunkRange(start, n int) string {
	if n == 1 {
		return fmt.Sprintf("%d", start)
	}
	if n == 0 {
		start--
	}
	return fmt.Sprintf("%d,%d", start, n)
}

// DiffLines computes a line diff of before and after.
func DiffLines(before, after string) []Line {
	dmp := diffmatchpatch.New()
	a, b, c := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), c)

	var lines []Line
	for _, d := range diffs {
		kind := LineEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = LineInsert
		case diffmatchpatch.DiffDelete:
			kind = LineDelete
		}
		for _, text := range splitLines(d.Text) {
			lines = append(lines, Line{Kind: kind, Text: text})
		}
	}
	return lines
}

// Hunks groups a line diff into hunks with n lines of context. Changes
// separated by at most 2n unchanged lines share a hunk.
func Hunks(lines []Line, n int) []Hunk {
	include := make([]bool, len(lines))
	for i, l := range lines {
		if l.Kind == LineEqual {
			continue
		}
		for j := max(i-n, 0); j <= min(i+n, len(lines)-1); j++ {
			include[j] = true
		}
	}

	var hunks []Hunk
	var cur *Hunk
	oldLine, newLine := 1, 1

	for i, l := range lines {
		if include[i] {
			if cur == nil {
				cur = &Hunk{OldStart: oldLine, NewStart: newLine}
			}
			cur.Lines = append(cur.Lines, l)
		} else if cur != nil {
			hunks = append(hunks, *cur)
			cur = nil
		}

		switch l.Kind {
		case LineEqual:
			oldLine++
			newLine++
			if cur != nil {
				cur.OldLines++
				cur.NewLines++
			}
		case LineDelete:
			oldLine++
			cur.OldLines++
		case LineInsert:
			newLine++
			cur.NewLines++
		}
	}

	if cur != nil {
		hunks = append(hunks, *cur)
	}
	return hunks
}

// Unified renders a unified diff of before and after for a target.
// It returns an empty string when the contents are equal.
func Unified(name, before, after string, n int) string {
	if before == after {
		return ""
	}
	lines := DiffLines(before, after)
	hunks := Hunks(lines, n)

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", name, name)
	for _, h := range hunks {
		b.WriteString(h.Header())
		b.WriteByte('\n')
		for _, l := range h.Lines {
			b.WriteByte(byte(l.Kind))
			b.WriteString(l.Text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
