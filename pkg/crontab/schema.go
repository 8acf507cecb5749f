package crontab

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/records"
)

// Schema implements flatfile.Schema for crontab files.
type Schema struct {
	header *template.Template
}

// SchemaOption configures a Schema.
type SchemaOption func(*Schema) error

// WithHeader sets the header template. An empty template disables the
// header.
func WithHeader(text string) SchemaOption {
	return func(s *Schema) error {
		if strings.TrimSpace(text) == "" {
			s.header = nil
			return nil
		}
		tmpl, err := parseHeader(text)
		if err != nil {
			return err
		}
		s.header = tmpl
		return nil
	}
}

// NewSchema returns the crontab schema.
func NewSchema(opts ...SchemaOption) (*Schema, error) {
	tmpl, err := parseHeader(DefaultHeader)
	if err != nil {
		return nil, err
	}
	s := &Schema{header: tmpl}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Grammar returns the crontab line grammar.
func (s *Schema) Grammar() records.Grammar {
	return grammar{}
}

// Header renders the header lines for target.
func (s *Schema) Header(target string) ([]string, error) {
	if s.header == nil {
		return nil, nil
	}
	return renderHeader(s.header, target)
}

// Canonicalize validates the declared properties of a cron resource and
// expands special time keywords into schedule fields.
func (s *Schema) Canonicalize(res *engine.Resource) (engine.Properties, error) {
	if strings.ContainsAny(res.Name, "\r\n") {
		return engine.Properties{}, fmt.Errorf("name %q spans multiple lines", res.Name)
	}

	props := engine.NewProperties()
	for _, name := range res.Properties.Keys() {
		v, _ := res.Properties.Get(name)

		switch {
		case isScheduleField(name):
			norm, err := normalizeField(fieldByName(name), v)
			if err != nil {
				return engine.Properties{}, err
			}
			props.Set(name, norm)

		case name == PropSpecial:
			if v.IsAbsent() {
				props.Set(name, engine.Absent())
				continue
			}
			kw := keyword(v.First())
			if !IsSpecial(kw) {
				return engine.Properties{}, fmt.Errorf("unknown special %q", v.First())
			}
			props.Set(name, engine.Scalar(kw))

		case name == PropCommand:
			if v.IsAbsent() {
				props.Set(name, engine.Absent())
				continue
			}
			cmd := strings.TrimSpace(v.First())
			if strings.ContainsAny(cmd, "\r\n") {
				return engine.Properties{}, fmt.Errorf("command spans multiple lines")
			}
			props.Set(name, engine.Scalar(cmd))

		case name == PropEnvironment:
			items := v.Items()
			for i, item := range items {
				if strings.ContainsAny(item, "\r\n") || !envPattern.MatchString(item) {
					return engine.Properties{}, fmt.Errorf("invalid environment setting %q", item)
				}
				items[i] = strings.TrimSpace(item)
			}
			props.Set(name, engine.List(items...))

		default:
			return engine.Properties{}, fmt.Errorf("unknown property %q", name)
		}
	}

	if res.Ensure.IsAlias() {
		kw := keyword(string(res.Ensure))
		if !IsSpecial(kw) {
			return engine.Properties{}, fmt.Errorf("unknown ensure value %q", res.Ensure)
		}
		if declared, ok := props.Get(PropSpecial); ok && !declared.IsAbsent() && declared.First() != kw {
			return engine.Properties{}, fmt.Errorf("ensure %q conflicts with special %q", res.Ensure, declared.First())
		}
		props.Set(PropSpecial, engine.Scalar(kw))
	}

	special, ok := props.Get(PropSpecial)
	if !ok || special.IsAbsent() {
		return props, nil
	}

	kw := special.First()
	if kw == Reboot {
		for _, f := range scheduleFields {
			if v, ok := props.Get(f.name); ok && !v.IsAbsent() {
				return engine.Properties{}, fmt.Errorf("special %q cannot be combined with %s", kw, f.name)
			}
			props.Set(f.name, engine.Absent())
		}
		return props, nil
	}

	props.Delete(PropSpecial)
	for i, want := range expansion(kw) {
		f := scheduleFields[i]
		if v, ok := props.Get(f.name); ok && !v.Equal(want) {
			return engine.Properties{}, fmt.Errorf("special %q conflicts with %s %s", kw, f.name, v)
		}
		props.Set(f.name, want)
	}
	return props, nil
}

// Properties extracts the properties of a crontab entry.
func (s *Schema) Properties(entry records.Entry) (engine.Properties, error) {
	props := engine.NewProperties()

	if m := specialPattern.FindStringSubmatch(entry.Body); m != nil {
		kw := keyword(m[1])
		cols := expansion(kw)
		for i, f := range scheduleFields {
			if cols != nil {
				props.Set(f.name, cols[i])
			} else {
				props.Set(f.name, engine.Absent())
			}
		}
		props.Set(PropSpecial, engine.Scalar(kw))
		props.Set(PropCommand, engine.Scalar(m[2]))
	} else if m := dataPattern.FindStringSubmatch(entry.Body); m != nil {
		for i, f := range scheduleFields {
			props.Set(f.name, readField(f, m[i+1]))
		}
		props.Set(PropSpecial, engine.Absent())
		props.Set(PropCommand, engine.Scalar(m[6]))
	} else {
		return engine.Properties{}, fmt.Errorf("not a cron entry: %q", entry.Body)
	}

	if len(entry.Prefix) > 0 {
		env := make([]string, len(entry.Prefix))
		for i, line := range entry.Prefix {
			env[i] = strings.TrimSpace(line)
		}
		props.Set(PropEnvironment, engine.List(env...))
	} else {
		props.Set(PropEnvironment, engine.Absent())
	}
	return props, nil
}

// Key returns the command, which indexes unnamed entries.
func (s *Schema) Key(props engine.Properties) string {
	v, ok := props.Get(PropCommand)
	if !ok || v.IsAbsent() {
		return ""
	}
	return strings.TrimSpace(v.First())
}

// Match reports whether an unnamed entry has the desired command and agrees
// with every declared schedule field and special. Environment is ignored.
func (s *Schema) Match(desired, current engine.Properties) bool {
	if s.Key(desired) == "" || s.Key(desired) != s.Key(current) {
		return false
	}

	for _, f := range scheduleFields {
		if !matches(desired, current, f.name) {
			return false
		}
	}
	return matches(desired, current, PropSpecial)
}

func matches(desired, current engine.Properties, name string) bool {
	want, ok := desired.Get(name)
	if !ok {
		return true
	}
	have, _ := current.Get(name)
	return want.Equal(have)
}

// Render builds the entry for a resource from properties.
func (s *Schema) Render(res *engine.Resource, props engine.Properties) (records.Entry, error) {
	cmd := s.Key(props)
	if cmd == "" {
		return records.Entry{}, fmt.Errorf("%s has no command", res.Key())
	}

	body, err := schedule(hint(res), props)
	if err != nil {
		return records.Entry{}, fmt.Errorf("%s: %w", res.Key(), err)
	}

	entry := records.Entry{
		Name: res.Name,
		Body: body + " " + cmd,
	}
	if env, ok := props.Get(PropEnvironment); ok {
		entry.Prefix = env.Items()
	}
	return entry, nil
}

// Update applies deltas to the current entry. Only the columns, command
// and environment lines named by deltas are rewritten; the rest of the
// entry keeps its original text. Switching between a special keyword and
// schedule columns re-renders the schedule. Changing a schedule field
// without declaring special drops the entry's special keyword.
func (s *Schema) Update(res *engine.Resource, current records.Entry, deltas []engine.Delta) (records.Entry, error) {
	props, err := s.Properties(current)
	if err != nil {
		return records.Entry{}, err
	}

	changed := make(map[string]bool, len(deltas))
	var scheduleChanged, specialChanged bool
	for _, d := range deltas {
		props.Set(d.Property, d.After)
		changed[d.Property] = true
		switch {
		case isScheduleField(d.Property):
			scheduleChanged = true
		case d.Property == PropSpecial:
			specialChanged = true
		}
	}
	if scheduleChanged && !specialChanged {
		props.Set(PropSpecial, engine.Absent())
	}

	cmd := s.Key(props)
	if cmd == "" {
		return records.Entry{}, fmt.Errorf("%s has no command", res.Key())
	}
	sched, err := schedule(hint(res), props)
	if err != nil {
		return records.Entry{}, fmt.Errorf("%s: %w", res.Key(), err)
	}

	entry := records.Entry{
		Name:   res.Name,
		Prefix: current.Prefix,
		Body:   patchBody(current.Body, sched, cmd, changed),
	}
	if changed[PropEnvironment] {
		env, _ := props.Get(PropEnvironment)
		entry.Prefix = patchPrefix(current.Prefix, env.Items())
	}
	return entry, nil
}

var (
	columnsPattern = regexp.MustCompile(`^(\s*)(\S+)(\s+)(\S+)(\s+)(\S+)(\s+)(\S+)(\s+)(\S+)(\s+)(.*)$`)
	keywordPattern = regexp.MustCompile(`^(\s*)(@\w+)(\s+)(.*)$`)
)

// patchBody rewrites the changed parts of a data line. sched is the
// rendered schedule of the updated entry.
func patchBody(body, sched, cmd string, changed map[string]bool) string {
	command := func(raw string) string {
		if changed[PropCommand] {
			return cmd
		}
		return raw
	}

	if strings.HasPrefix(sched, "@") {
		m := keywordPattern.FindStringSubmatch(body)
		if m == nil || keyword(m[2]) != keyword(sched) {
			return sched + " " + cmd
		}
		return m[1] + m[2] + m[3] + command(m[4])
	}

	m := columnsPattern.FindStringSubmatch(body)
	if m == nil || strings.HasPrefix(m[2], "@") {
		return sched + " " + cmd
	}

	cols := strings.Fields(sched)
	var b strings.Builder
	b.WriteString(m[1])
	for i, f := range scheduleFields {
		col, sep := m[2+2*i], m[3+2*i]
		if changed[f.name] {
			col = cols[i]
		}
		b.WriteString(col)
		b.WriteString(sep)
	}
	b.WriteString(command(m[12]))
	return b.String()
}

// patchPrefix builds the environment lines for items, reusing the raw line
// of every setting that is already present.
func patchPrefix(raw []string, items []string) []string {
	used := make([]bool, len(raw))
	out := make([]string, 0, len(items))
	for _, item := range items {
		line := item
		for i, r := range raw {
			if !used[i] && strings.TrimSpace(r) == item {
				used[i] = true
				line = r
				break
			}
		}
		out = append(out, line)
	}
	return out
}

// hint returns the special keyword a resource asked for, if any.
func hint(res *engine.Resource) string {
	if res.Ensure.IsAlias() {
		return keyword(string(res.Ensure))
	}
	if v, ok := res.Properties.Get(PropSpecial); ok && !v.IsAbsent() {
		return keyword(v.First())
	}
	return ""
}

// schedule renders the time part of a cron line.
func schedule(hint string, props engine.Properties) (string, error) {
	var special string
	if v, ok := props.Get(PropSpecial); ok && !v.IsAbsent() {
		special = keyword(v.First())
	}

	for _, kw := range []string{hint, special} {
		if isTimeKeyword(kw) && expandsTo(kw, props) {
			return "@" + kw, nil
		}
	}

	if special == Reboot {
		for _, f := range scheduleFields {
			if v, ok := props.Get(f.name); ok && !v.IsAbsent() {
				return "", fmt.Errorf("special %q cannot be combined with %s", special, f.name)
			}
		}
		return "@" + Reboot, nil
	}
	if special != "" && !IsSpecial(special) {
		return "", fmt.Errorf("unknown special %q", special)
	}

	cols := make([]string, len(scheduleFields))
	for i, f := range scheduleFields {
		v, _ := props.Get(f.name)
		if v.IsAbsent() {
			cols[i] = "*"
		} else {
			cols[i] = strings.Join(v.Items(), ",")
		}
	}
	return strings.Join(cols, " "), nil
}

// expandsTo reports whether the schedule fields equal the expansion of a
// time keyword.
func expandsTo(kw string, props engine.Properties) bool {
	for i, want := range expansion(kw) {
		have, _ := props.Get(scheduleFields[i].name)
		if !want.Equal(have) {
			return false
		}
	}
	return true
}

func fieldByName(name string) scheduleField {
	for _, f := range scheduleFields {
		if f.name == name {
			return f
		}
	}
	return scheduleField{name: name}
}
