package crontab

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// Property names of a cron resource.
const (
	PropMinute      = "minute"
	PropHour        = "hour"
	PropMonthday    = "monthday"
	PropMonth       = "month"
	PropWeekday     = "weekday"
	PropSpecial     = "special"
	PropCommand     = "command"
	PropEnvironment = "environment"
)

// scheduleField describes one of the five schedule columns.
type scheduleField struct {
	name     string
	min, max int
	names    map[string]int
}

var scheduleFields = []scheduleField{
	{name: PropMinute, min: 0, max: 59},
	{name: PropHour, min: 0, max: 23},
	{name: PropMonthday, min: 1, max: 31},
	{name: PropMonth, min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}},
	{name: PropWeekday, min: 0, max: 7, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}},
}

func isScheduleField(name string) bool {
	for _, f := range scheduleFields {
		if f.name == name {
			return true
		}
	}
	return false
}

// specials maps special keywords to the schedule columns they stand for.
// reboot has no schedule equivalent.
var specials = map[string][]string{
	"reboot":   nil,
	"yearly":   {"0", "0", "1", "1", "*"},
	"annually": {"0", "0", "1", "1", "*"},
	"monthly":  {"0", "0", "1", "*", "*"},
	"weekly":   {"0", "0", "*", "*", "0"},
	"daily":    {"0", "0", "*", "*", "*"},
	"midnight": {"0", "0", "*", "*", "*"},
	"hourly":   {"0", "*", "*", "*", "*"},
}

// Reboot is the special keyword that runs a job at startup.
const Reboot = "reboot"

// IsSpecial returns true if keyword is a known special keyword.
func IsSpecial(keyword string) bool {
	_, ok := specials[keyword]
	return ok
}

// isTimeKeyword returns true for specials that expand to schedule columns.
func isTimeKeyword(keyword string) bool {
	return specials[keyword] != nil
}

// expansion returns the schedule values a time keyword stands for.
func expansion(keyword string) []engine.Value {
	cols := specials[keyword]
	if cols == nil {
		return nil
	}
	out := make([]engine.Value, len(cols))
	for i, c := range cols {
		out[i] = columnValue(c)
	}
	return out
}

// columnValue converts one column of a cron line into a property value.
func columnValue(col string) engine.Value {
	if col == "*" {
		return engine.Absent()
	}
	return engine.List(strings.Split(col, ",")...)
}

// keyword normalizes a special keyword as written by users.
func keyword(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

// normalizeField validates a declared schedule value and returns its
// canonical form: names become numbers, comma lists become list items and
// a lone "*" becomes absent.
func normalizeField(f scheduleField, v engine.Value) (engine.Value, error) {
	if v.IsAbsent() {
		return engine.Absent(), nil
	}

	var items []string
	for _, raw := range v.Items() {
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			items = append(items, item)
		}
	}

	if len(items) == 0 || (len(items) == 1 && items[0] == "*") {
		return engine.Absent(), nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		norm, err := normalizeItem(f, item)
		if err != nil {
			return engine.Value{}, err
		}
		out = append(out, norm)
	}
	return engine.List(out...), nil
}

// readField parses a schedule column from a file. Values that do not
// validate are kept as written.
func readField(f scheduleField, col string) engine.Value {
	v := columnValue(col)
	if v.IsAbsent() {
		return v
	}

	items := v.Items()
	for i, item := range items {
		if norm, err := normalizeItem(f, item); err == nil {
			items[i] = norm
		}
	}
	return engine.List(items...)
}

// normalizeItem validates one list item: a value, a range or "*", with an
// optional step.
func normalizeItem(f scheduleField, item string) (string, error) {
	base, step, hasStep := strings.Cut(item, "/")

	if hasStep {
		n, err := strconv.Atoi(step)
		if err != nil || n < 1 || n > f.max {
			return "", fmt.Errorf("%s: invalid step %q in %q", f.name, step, item)
		}
		step = strconv.Itoa(n)
	}

	switch {
	case base == "*":
		// any value
	case strings.Contains(base, "-"):
		lo, hi, _ := strings.Cut(base, "-")
		a, err := fieldNumber(f, lo)
		if err != nil {
			return "", fmt.Errorf("%s: %w in %q", f.name, err, item)
		}
		b, err := fieldNumber(f, hi)
		if err != nil {
			return "", fmt.Errorf("%s: %w in %q", f.name, err, item)
		}
		if a > b {
			return "", fmt.Errorf("%s: range %q is reversed", f.name, base)
		}
		base = strconv.Itoa(a) + "-" + strconv.Itoa(b)
	default:
		if hasStep {
			return "", fmt.Errorf("%s: step needs a range or * in %q", f.name, item)
		}
		n, err := fieldNumber(f, base)
		if err != nil {
			return "", fmt.Errorf("%s: %w", f.name, err)
		}
		base = strconv.Itoa(n)
	}

	if hasStep {
		return base + "/" + step, nil
	}
	return base, nil
}

// fieldNumber parses a number or a month or weekday name within range.
func fieldNumber(f scheduleField, s string) (int, error) {
	if f.names != nil {
		if n, ok := f.names[strings.ToLower(s)]; ok {
			return n, nil
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if n < f.min || n > f.max {
		return 0, fmt.Errorf("value %d out of range %d-%d", n, f.min, f.max)
	}
	return n, nil
}
