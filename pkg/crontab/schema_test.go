package crontab

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/records"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(WithHeader("test header"))
	require.NoError(t, err)
	return s
}

func resource(name string, ensure engine.Ensure, pairs ...interface{}) *engine.Resource {
	return &engine.Resource{
		Type:       ResourceType,
		Name:       name,
		Ensure:     ensure,
		Properties: engine.NewProperties(pairs...),
	}
}

func TestGrammar_Classify(t *testing.T) {
	tests := []struct {
		line     string
		want     records.Class
		wantName string
	}{
		{line: "", want: records.ClassBlank},
		{line: "   ", want: records.ClassBlank},
		{line: "# HEADER: generated", want: records.ClassHeader},
		{line: "# converge: backup job", want: records.ClassName, wantName: "backup job"},
		{line: "# converge:", want: records.ClassComment},
		{line: "# plain comment", want: records.ClassComment},
		{line: "MAILTO=root", want: records.ClassPrefix},
		{line: "  PATH = /usr/bin:/bin", want: records.ClassPrefix},
		{line: "@daily /bin/true", want: records.ClassData},
		{line: "*/5 * * * 1-5 /bin/check --all", want: records.ClassData},
		{line: "0 0 * * *", want: records.ClassUnknown},
		{line: "garbage", want: records.ClassUnknown},
	}

	g := grammar{}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			class, name := g.Classify(tt.line)
			assert.Equal(t, tt.want, class)
			assert.Equal(t, tt.wantName, name)
		})
	}

	assert.Equal(t, "# converge: backup", g.NameLine("backup"))
}

func TestNormalizeField(t *testing.T) {
	minute := fieldByName(PropMinute)
	month := fieldByName(PropMonth)
	weekday := fieldByName(PropWeekday)

	tests := []struct {
		name    string
		field   scheduleField
		in      engine.Value
		want    engine.Value
		wantErr bool
	}{
		{name: "star is absent", field: minute, in: engine.Scalar("*"), want: engine.Absent()},
		{name: "absent", field: minute, in: engine.Absent(), want: engine.Absent()},
		{name: "single", field: minute, in: engine.Scalar("05"), want: engine.List("5")},
		{name: "comma list", field: minute, in: engine.Scalar("0,15, 30"), want: engine.List("0", "15", "30")},
		{name: "list value", field: minute, in: engine.List("0", "30"), want: engine.List("0", "30")},
		{name: "range with step", field: minute, in: engine.Scalar("0-30/10"), want: engine.List("0-30/10")},
		{name: "star step", field: minute, in: engine.Scalar("*/5"), want: engine.List("*/5")},
		{name: "month name", field: month, in: engine.Scalar("Jan"), want: engine.List("1")},
		{name: "month range", field: month, in: engine.Scalar("jan-mar"), want: engine.List("1-3")},
		{name: "weekday name", field: weekday, in: engine.List("mon", "fri"), want: engine.List("1", "5")},
		{name: "sunday as seven", field: weekday, in: engine.Scalar("7"), want: engine.List("7")},
		{name: "out of range", field: minute, in: engine.Scalar("60"), wantErr: true},
		{name: "negative", field: minute, in: engine.Scalar("-1"), wantErr: true},
		{name: "reversed range", field: minute, in: engine.Scalar("30-10"), wantErr: true},
		{name: "bad step", field: minute, in: engine.Scalar("*/0"), wantErr: true},
		{name: "step on value", field: minute, in: engine.Scalar("5/2"), wantErr: true},
		{name: "not a number", field: minute, in: engine.Scalar("often"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeField(tt.field, tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestCanonicalize(t *testing.T) {
	s := testSchema(t)

	t.Run("special expands to fields", func(t *testing.T) {
		props, err := s.Canonicalize(resource("a", engine.EnsurePresent, "special", "daily", "command", "/bin/a"))
		require.NoError(t, err)
		assert.False(t, props.Has(PropSpecial))
		assertField(t, props, PropMinute, engine.List("0"))
		assertField(t, props, PropHour, engine.List("0"))
		assertField(t, props, PropMonthday, engine.Absent())
		assertField(t, props, PropMonth, engine.Absent())
		assertField(t, props, PropWeekday, engine.Absent())
	})

	t.Run("ensure alias", func(t *testing.T) {
		props, err := s.Canonicalize(resource("a", "weekly", "command", "/bin/a"))
		require.NoError(t, err)
		assertField(t, props, PropWeekday, engine.List("0"))
		assertField(t, props, PropMinute, engine.List("0"))
	})

	t.Run("alias agrees with declared field", func(t *testing.T) {
		_, err := s.Canonicalize(resource("a", "daily", "command", "/bin/a", "minute", "0"))
		assert.NoError(t, err)
	})

	t.Run("reboot keeps special", func(t *testing.T) {
		props, err := s.Canonicalize(resource("a", engine.EnsurePresent, "special", "@reboot", "command", "/bin/a"))
		require.NoError(t, err)
		assertField(t, props, PropSpecial, engine.Scalar("reboot"))
		assertField(t, props, PropMinute, engine.Absent())
	})

	t.Run("special absent is kept", func(t *testing.T) {
		props, err := s.Canonicalize(resource("a", engine.EnsurePresent, "special", nil, "command", "/bin/a"))
		require.NoError(t, err)
		assert.True(t, props.Has(PropSpecial))
		assertField(t, props, PropSpecial, engine.Absent())
	})

	t.Run("missing command is allowed", func(t *testing.T) {
		_, err := s.Canonicalize(resource("a", engine.EnsureAbsent, "minute", "5"))
		assert.NoError(t, err)
	})

	errorCases := []struct {
		name string
		res  *engine.Resource
	}{
		{name: "unknown property", res: resource("a", engine.EnsurePresent, "user", "root")},
		{name: "unknown special", res: resource("a", engine.EnsurePresent, "special", "fortnightly")},
		{name: "unknown ensure", res: resource("a", "sometimes")},
		{name: "alias conflicts with special", res: resource("a", "daily", "special", "hourly")},
		{name: "alias conflicts with field", res: resource("a", "daily", "hour", "3")},
		{name: "reboot with schedule", res: resource("a", engine.EnsurePresent, "special", "reboot", "minute", "1")},
		{name: "bad environment", res: resource("a", engine.EnsurePresent, "environment", "not an assignment")},
		{name: "multi-line command", res: resource("a", engine.EnsurePresent, "command", "a\nb")},
		{name: "multi-line name", res: resource("a\nb", engine.EnsurePresent, "command", "/bin/a")},
		{name: "invalid field", res: resource("a", engine.EnsurePresent, "hour", "24")},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Canonicalize(tt.res)
			assert.Error(t, err)
		})
	}
}

func TestProperties(t *testing.T) {
	s := testSchema(t)

	props, err := s.Properties(records.Entry{
		Name:   "job",
		Prefix: []string{"MAILTO=root", " PATH=/bin"},
		Body:   "*/5 9-17 * jan,feb Mon /bin/job --flag",
	})
	require.NoError(t, err)
	assertField(t, props, PropMinute, engine.List("*/5"))
	assertField(t, props, PropHour, engine.List("9-17"))
	assertField(t, props, PropMonthday, engine.Absent())
	assertField(t, props, PropMonth, engine.List("1", "2"))
	assertField(t, props, PropWeekday, engine.List("1"))
	assertField(t, props, PropSpecial, engine.Absent())
	assertField(t, props, PropCommand, engine.Scalar("/bin/job --flag"))
	assertField(t, props, PropEnvironment, engine.List("MAILTO=root", "PATH=/bin"))

	props, err = s.Properties(records.Entry{Body: "@hourly /bin/tick"})
	require.NoError(t, err)
	assertField(t, props, PropSpecial, engine.Scalar("hourly"))
	assertField(t, props, PropMinute, engine.List("0"))
	assertField(t, props, PropHour, engine.Absent())
	assertField(t, props, PropEnvironment, engine.Absent())

	props, err = s.Properties(records.Entry{Body: "@reboot /bin/boot"})
	require.NoError(t, err)
	assertField(t, props, PropSpecial, engine.Scalar("reboot"))
	assertField(t, props, PropMinute, engine.Absent())

	_, err = s.Properties(records.Entry{Body: "nonsense"})
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	s := testSchema(t)

	current, err := s.Properties(records.Entry{Body: "@daily /bin/a", Prefix: []string{"X=1"}})
	require.NoError(t, err)

	desired, err := s.Canonicalize(resource("a", engine.EnsurePresent, "command", "/bin/a", "minute", "0", "hour", "0"))
	require.NoError(t, err)
	assert.True(t, s.Match(desired, current), "numeric desired should match @daily")

	desired, err = s.Canonicalize(resource("a", "daily", "command", "/bin/a", "environment", "Y=2"))
	require.NoError(t, err)
	assert.True(t, s.Match(desired, current), "environment is not part of the signature")

	desired, err = s.Canonicalize(resource("a", engine.EnsurePresent, "command", "/bin/a", "hour", "3"))
	require.NoError(t, err)
	assert.False(t, s.Match(desired, current))

	desired, err = s.Canonicalize(resource("a", engine.EnsurePresent, "command", "/bin/b"))
	require.NoError(t, err)
	assert.False(t, s.Match(desired, current))

	desired, err = s.Canonicalize(resource("a", engine.EnsurePresent, "minute", "0"))
	require.NoError(t, err)
	assert.False(t, s.Match(desired, current), "no command means no signature")
}

func TestRender(t *testing.T) {
	s := testSchema(t)

	tests := []struct {
		name     string
		res      *engine.Resource
		wantBody string
		wantEnv  []string
	}{
		{
			name:     "numeric",
			res:      resource("a", engine.EnsurePresent, "command", "/bin/a", "minute", "0,30", "weekday", "sat"),
			wantBody: "0,30 * * * 6 /bin/a",
		},
		{
			name:     "declared special keeps keyword",
			res:      resource("a", engine.EnsurePresent, "command", "/bin/a", "special", "midnight"),
			wantBody: "@midnight /bin/a",
		},
		{
			name:     "alias keeps keyword",
			res:      resource("a", "annually", "command", "/bin/a"),
			wantBody: "@annually /bin/a",
		},
		{
			name:     "numeric equal to keyword stays numeric",
			res:      resource("a", engine.EnsurePresent, "command", "/bin/a", "minute", "0", "hour", "0"),
			wantBody: "0 0 * * * /bin/a",
		},
		{
			name:     "reboot",
			res:      resource("a", engine.EnsurePresent, "command", "/bin/a", "special", "reboot"),
			wantBody: "@reboot /bin/a",
		},
		{
			name:     "environment",
			res:      resource("a", engine.EnsurePresent, "command", "/bin/a", "environment", []string{"MAILTO=ops", "SHELL=/bin/sh"}),
			wantBody: "* * * * * /bin/a",
			wantEnv:  []string{"MAILTO=ops", "SHELL=/bin/sh"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props, err := s.Canonicalize(tt.res)
			require.NoError(t, err)
			entry, err := s.Render(tt.res, props)
			require.NoError(t, err)
			assert.Equal(t, tt.res.Name, entry.Name)
			assert.Equal(t, tt.wantBody, entry.Body)
			assert.Equal(t, tt.wantEnv, entry.Prefix)
		})
	}

	_, err := s.Render(resource("a", engine.EnsurePresent), engine.NewProperties("minute", "1"))
	assert.Error(t, err, "render without command")
}

func TestUpdate(t *testing.T) {
	s := testSchema(t)

	tests := []struct {
		name     string
		res      *engine.Resource
		current  records.Entry
		deltas   []engine.Delta
		wantBody string
		wantEnv  []string
	}{
		{
			name:    "field change drops keyword",
			res:     resource("a", engine.EnsurePresent, "hour", "3"),
			current: records.Entry{Name: "a", Body: "@daily /bin/a"},
			deltas: []engine.Delta{
				{Property: PropHour, Before: engine.List("0"), After: engine.List("3")},
			},
			wantBody: "0 3 * * * /bin/a",
		},
		{
			name:    "command change keeps keyword",
			res:     resource("a", engine.EnsurePresent, "command", "/bin/b"),
			current: records.Entry{Name: "a", Body: "@daily /bin/a"},
			deltas: []engine.Delta{
				{Property: PropCommand, Before: engine.Scalar("/bin/a"), After: engine.Scalar("/bin/b")},
			},
			wantBody: "@daily /bin/b",
		},
		{
			name:    "special absent keeps schedule",
			res:     resource("a", engine.EnsurePresent, "special", nil),
			current: records.Entry{Name: "a", Body: "@daily /bin/a"},
			deltas: []engine.Delta{
				{Property: PropSpecial, Before: engine.Scalar("daily"), After: engine.Absent()},
			},
			wantBody: "0 0 * * * /bin/a",
		},
		{
			name:    "numeric to keyword",
			res:     resource("a", "hourly"),
			current: records.Entry{Name: "a", Body: "5 * * * * /bin/a"},
			deltas: []engine.Delta{
				{Property: PropMinute, Before: engine.List("5"), After: engine.List("0")},
			},
			wantBody: "@hourly /bin/a",
		},
		{
			name:    "environment replaced, schedule untouched",
			res:     resource("a", engine.EnsurePresent, "environment", "MAILTO=ops"),
			current: records.Entry{Name: "a", Prefix: []string{"MAILTO=root"}, Body: "1 2 3 4 5 /bin/a"},
			deltas: []engine.Delta{
				{Property: PropEnvironment, Before: engine.List("MAILTO=root"), After: engine.List("MAILTO=ops")},
			},
			wantBody: "1 2 3 4 5 /bin/a",
			wantEnv:  []string{"MAILTO=ops"},
		},
		{
			name:    "untouched columns keep spelling and spacing",
			res:     resource("a", engine.EnsurePresent, "hour", "3"),
			current: records.Entry{Name: "a", Body: "30   2  *  jan,Jul  Tue  /bin/a   "},
			deltas: []engine.Delta{
				{Property: PropHour, Before: engine.List("2"), After: engine.List("3")},
			},
			wantBody: "30   3  *  jan,Jul  Tue  /bin/a   ",
		},
		{
			name:    "command change keeps columns",
			res:     resource("a", engine.EnsurePresent, "command", "/bin/b"),
			current: records.Entry{Name: "a", Body: "  0\t4 * mar-may * /bin/a  "},
			deltas: []engine.Delta{
				{Property: PropCommand, Before: engine.Scalar("/bin/a"), After: engine.Scalar("/bin/b")},
			},
			wantBody: "  0\t4 * mar-may * /bin/b",
		},
		{
			name:    "unchanged environment lines keep indentation",
			res:     resource("a", engine.EnsurePresent, "environment", []string{"PATH=/bin", "MAILTO=ops"}),
			current: records.Entry{Name: "a", Prefix: []string{"  PATH=/bin", "MAILTO=root"}, Body: "1 2 3 4 5 /bin/a"},
			deltas: []engine.Delta{
				{
					Property: PropEnvironment,
					Before:   engine.List("PATH=/bin", "MAILTO=root"),
					After:    engine.List("PATH=/bin", "MAILTO=ops"),
				},
			},
			wantBody: "1 2 3 4 5 /bin/a",
			wantEnv:  []string{"  PATH=/bin", "MAILTO=ops"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := s.Update(tt.res, tt.current, tt.deltas)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, entry.Body)
			assert.Equal(t, tt.wantEnv, entry.Prefix)
			assert.Equal(t, "a", entry.Name)
		})
	}
}

func TestHeader(t *testing.T) {
	s, err := NewSchema(WithHeader("line one\n\n# HEADER: already prefixed\nfor {{ .Target }}\n"))
	require.NoError(t, err)

	lines, err := s.Header("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"# HEADER: line one",
		"# HEADER:",
		"# HEADER: already prefixed",
		"# HEADER: for alice",
	}, lines)

	def, err := NewSchema()
	require.NoError(t, err)
	lines, err = def.Header("alice")
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, HeaderPrefix), line)
	}
	assert.Contains(t, lines[0], "autogenerated at")

	none, err := NewSchema(WithHeader(""))
	require.NoError(t, err)
	lines, err = none.Header("alice")
	require.NoError(t, err)
	assert.Nil(t, lines)

	_, err = NewSchema(WithHeader("{{ .Broken"))
	assert.Error(t, err)
}

func assertField(t *testing.T, props engine.Properties, name string, want engine.Value) {
	t.Helper()
	got, _ := props.Get(name)
	assert.True(t, want.Equal(got), "%s = %s, want %s", name, got, want)
}
