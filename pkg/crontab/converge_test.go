package crontab_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/bindings"
	"github.com/openfroyo/converge/pkg/crontab"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/filetype"
)

const header = "# HEADER: test header\n"

type fixture struct {
	dir       string
	converger *engine.Converger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	registry := engine.NewRegistry()
	require.NoError(t, crontab.Register(registry, filetype.NewResolver(dir),
		crontab.WithSchemaOptions(crontab.WithHeader("test header"))))

	view := bindings.New(map[string]any{
		engine.ProviderKey(crontab.ResourceType): crontab.ProviderName,
		engine.TargetKey(crontab.ResourceType):   "alice",
	})
	return &fixture{
		dir:       dir,
		converger: engine.NewConverger(registry, engine.WithBindings(view)),
	}
}

func (f *fixture) write(t *testing.T, target, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, target), []byte(content), 0o600))
}

func (f *fixture) read(t *testing.T, target string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, target))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) run(t *testing.T, resources []engine.Resource, opts engine.RunOptions) *engine.Report {
	t.Helper()
	report, err := f.converger.Run(context.Background(), resources, opts)
	require.NoError(t, err)
	return report
}

func job(name string, ensure engine.Ensure, pairs ...interface{}) engine.Resource {
	return engine.Resource{
		Type:       crontab.ResourceType,
		Name:       name,
		Ensure:     ensure,
		Properties: engine.NewProperties(pairs...),
	}
}

func kindOf(t *testing.T, report *engine.Report, name string) engine.OutcomeKind {
	t.Helper()
	out, ok := report.Outcome(crontab.ResourceType + "[" + name + "]")
	require.True(t, ok, "no outcome for %s", name)
	return out.Kind
}

func TestConverge_CreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	desired := []engine.Resource{
		job("backup", engine.EnsurePresent, "command", "/bin/backup", "minute", "30", "hour", "2"),
		job("rotate", "daily", "command", "/usr/sbin/logrotate"),
	}

	report := f.run(t, desired, engine.RunOptions{})
	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, engine.OutcomeCreated, kindOf(t, report, "backup"))
	assert.Equal(t, engine.OutcomeCreated, kindOf(t, report, "rotate"))
	assert.Equal(t, []string{"alice"}, report.Flushed)

	want := header +
		"# converge: backup\n" +
		"30 2 * * * /bin/backup\n" +
		"# converge: rotate\n" +
		"@daily /usr/sbin/logrotate\n"
	assert.Equal(t, want, f.read(t, "alice"))

	report = f.run(t, desired, engine.RunOptions{})
	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, engine.OutcomeNoChange, kindOf(t, report, "backup"))
	assert.Equal(t, engine.OutcomeNoChange, kindOf(t, report, "rotate"))
	assert.Empty(t, report.Flushed)
	assert.Equal(t, want, f.read(t, "alice"))
}

func TestConverge_UpdateKeepsUndeclaredProperties(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+
		"# personal jobs\n"+
		"# converge: backup\n"+
		"MAILTO=ops@example.com\n"+
		"15 2 * * 1-5 /bin/backup --full\n"+
		"*/10 * * * * /bin/poll\n")

	report := f.run(t, []engine.Resource{
		job("backup", engine.EnsurePresent, "hour", "3"),
	}, engine.RunOptions{})

	require.Equal(t, engine.RunStatusSucceeded, report.Status)
	out, ok := report.Outcome("cron[backup]")
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeChanged, out.Kind)
	require.Len(t, out.Deltas, 1)
	assert.Equal(t, crontab.PropHour, out.Deltas[0].Property)

	assert.Equal(t, header+
		"# personal jobs\n"+
		"# converge: backup\n"+
		"MAILTO=ops@example.com\n"+
		"15 3 * * 1-5 /bin/backup --full\n"+
		"*/10 * * * * /bin/poll\n", f.read(t, "alice"))
}

func TestConverge_UpdateRewritesOnlyChangedFields(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+
		"# converge:   backup\n"+
		"  MAILTO=ops@example.com\n"+
		"30   2  *  jan,Jul  Tue  /bin/backup   \n")

	report := f.run(t, []engine.Resource{
		job("backup", engine.EnsurePresent, "hour", "3"),
	}, engine.RunOptions{})

	out, ok := report.Outcome("cron[backup]")
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeChanged, out.Kind)
	require.Len(t, out.Deltas, 1)
	assert.Equal(t, crontab.PropHour, out.Deltas[0].Property)

	assert.Equal(t, header+
		"# converge:   backup\n"+
		"  MAILTO=ops@example.com\n"+
		"30   3  *  jan,Jul  Tue  /bin/backup   \n", f.read(t, "alice"))
}

func TestConverge_NameTakesPrecedenceOverSignature(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+
		"0 1 * * * /bin/sync\n"+
		"# converge: sync\n"+
		"0 4 * * * /bin/sync\n")

	report := f.run(t, []engine.Resource{
		job("sync", engine.EnsurePresent, "command", "/bin/sync", "minute", "0", "hour", "1"),
	}, engine.RunOptions{})

	assert.Equal(t, engine.OutcomeChanged, kindOf(t, report, "sync"))
	assert.Equal(t, header+
		"0 1 * * * /bin/sync\n"+
		"# converge: sync\n"+
		"0 1 * * * /bin/sync\n", f.read(t, "alice"))
}

func TestConverge_AdoptsUnnamedEntry(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+"@daily /bin/report\n")

	report := f.run(t, []engine.Resource{
		job("report", engine.EnsurePresent, "command", "/bin/report", "minute", "0", "hour", "0"),
	}, engine.RunOptions{})

	assert.Equal(t, engine.OutcomeNoChange, kindOf(t, report, "report"))
	assert.Empty(t, report.Flushed)
	assert.Equal(t, header+"@daily /bin/report\n", f.read(t, "alice"))
}

func TestConverge_AliasesAreEquivalent(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+"# converge: tick\n@hourly /bin/tick\n")

	forms := [][]engine.Resource{
		{job("tick", "hourly", "command", "/bin/tick")},
		{job("tick", engine.EnsurePresent, "special", "@hourly", "command", "/bin/tick")},
		{job("tick", engine.EnsurePresent, "minute", "0", "command", "/bin/tick")},
		{job("tick", engine.EnsurePresent, "command", "/bin/tick", "minute", "0", "hour", "*")},
	}
	for i, desired := range forms {
		report := f.run(t, desired, engine.RunOptions{})
		assert.Equal(t, engine.OutcomeNoChange, kindOf(t, report, "tick"), "form %d", i)
	}
	assert.Equal(t, header+"# converge: tick\n@hourly /bin/tick\n", f.read(t, "alice"))
}

func TestConverge_SpecialToNumeric(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+"# converge: nightly\n@daily /bin/nightly\n")

	report := f.run(t, []engine.Resource{
		job("nightly", engine.EnsurePresent, "special", nil),
	}, engine.RunOptions{})

	assert.Equal(t, engine.OutcomeChanged, kindOf(t, report, "nightly"))
	assert.Equal(t, header+"# converge: nightly\n0 0 * * * /bin/nightly\n", f.read(t, "alice"))
}

func TestConverge_Absent(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+
		"# keep me\n"+
		"# converge: old\n"+
		"PATH=/opt/bin\n"+
		"5 5 * * * /bin/old\n")

	report := f.run(t, []engine.Resource{
		job("old", engine.EnsureAbsent),
		job("never", engine.EnsureAbsent),
	}, engine.RunOptions{})

	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, engine.OutcomeRemoved, kindOf(t, report, "old"))
	assert.Equal(t, engine.OutcomeNoChange, kindOf(t, report, "never"))
	assert.Equal(t, header+"# keep me\n", f.read(t, "alice"))
}

func TestConverge_Purge(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+
		"SHELL=/bin/bash\n"+
		"# hand written\n"+
		"1 * * * * /opt/legacy/a\n"+
		"# converge: managed\n"+
		"2 * * * * /bin/managed\n"+
		"# converge: stale\n"+
		"3 * * * * /bin/stale\n"+
		"@reboot /opt/legacy/b\n")

	report := f.run(t, []engine.Resource{
		job("managed", engine.EnsurePresent, "command", "/bin/managed", "minute", "2"),
	}, engine.RunOptions{Purge: []engine.PurgeScope{{Type: crontab.ResourceType}}})

	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, engine.OutcomeNoChange, kindOf(t, report, "managed"))

	var purged []string
	for _, out := range report.Outcomes {
		if out.Purged {
			assert.Equal(t, engine.OutcomeRemoved, out.Kind)
			purged = append(purged, out.Name)
		}
	}
	assert.Len(t, purged, 3)
	assert.Contains(t, purged, "stale")

	assert.Equal(t, header+
		"SHELL=/bin/bash\n"+
		"# hand written\n"+
		"# converge: managed\n"+
		"2 * * * * /bin/managed\n", f.read(t, "alice"))
}

func TestConverge_PurgeKeepsDeclaredEntries(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+
		"# converge: a\n"+
		"1 * * * * /bin/a\n"+
		"# converge: c\n"+
		"3 * * * * /bin/c\n")

	report := f.run(t, []engine.Resource{
		job("a", engine.EnsurePresent, "command", "/bin/a", "minute", "1"),
		job("b", engine.EnsureAbsent),
	}, engine.RunOptions{Purge: []engine.PurgeScope{{Type: crontab.ResourceType}}})

	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, engine.OutcomeNoChange, kindOf(t, report, "a"))
	assert.Equal(t, engine.OutcomeNoChange, kindOf(t, report, "b"))

	require.Len(t, report.Outcomes, 3)
	purged := report.Outcomes[2]
	assert.True(t, purged.Purged)
	assert.Equal(t, "c", purged.Name)
	assert.Equal(t, engine.OutcomeRemoved, purged.Kind)

	assert.Equal(t, header+"# converge: a\n1 * * * * /bin/a\n", f.read(t, "alice"))
}

func TestConverge_PurgeFilter(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+
		"1 * * * * /opt/legacy/a\n"+
		"2 * * * * /bin/keep\n")

	filter, err := engine.CompilePurgeFilter(`command startsWith "/opt/legacy/"`)
	require.NoError(t, err)

	report := f.run(t, nil, engine.RunOptions{
		Purge:       []engine.PurgeScope{{Type: crontab.ResourceType}},
		PurgeFilter: filter,
	})

	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	require.Len(t, report.Outcomes, 1)
	assert.True(t, report.Outcomes[0].Purged)
	assert.Equal(t, header+"2 * * * * /bin/keep\n", f.read(t, "alice"))
}

func TestConverge_TargetsAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.write(t, "bob", "# converge: shared\n0 0 * * * /bin/shared\n")

	report := f.run(t, []engine.Resource{
		job("shared", engine.EnsurePresent, "command", "/bin/shared", "minute", "0", "hour", "0"),
		{
			Type:       crontab.ResourceType,
			Name:       "bob-only",
			Target:     "bob",
			Properties: engine.NewProperties("command", "/bin/bob", "minute", "7"),
		},
	}, engine.RunOptions{})

	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, engine.OutcomeCreated, kindOf(t, report, "shared"))
	assert.ElementsMatch(t, []string{"alice", "bob"}, report.Flushed)

	assert.Equal(t, header+"# converge: shared\n0 0 * * * /bin/shared\n", f.read(t, "alice"))
	assert.Equal(t, header+
		"# converge: shared\n0 0 * * * /bin/shared\n"+
		"# converge: bob-only\n7 * * * * /bin/bob\n", f.read(t, "bob"))
}

func TestConverge_HeaderWrittenOnce(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+header+"# converge: a\n1 * * * * /bin/a\n")

	f.run(t, []engine.Resource{
		job("b", engine.EnsurePresent, "command", "/bin/b", "minute", "2"),
	}, engine.RunOptions{})

	content := f.read(t, "alice")
	assert.Equal(t, 1, strings.Count(content, header))
	assert.True(t, strings.HasPrefix(content, header))
}

func TestConverge_PartialFailure(t *testing.T) {
	f := newFixture(t)

	report := f.run(t, []engine.Resource{
		job("broken", engine.EnsurePresent, "minute", "5"),
		job("good", engine.EnsurePresent, "command", "/bin/good"),
		job("bad-field", engine.EnsurePresent, "command", "/bin/x", "hour", "25"),
	}, engine.RunOptions{})

	assert.Equal(t, engine.RunStatusPartial, report.Status)
	assert.Equal(t, engine.OutcomeFailed, kindOf(t, report, "broken"))
	assert.Equal(t, engine.OutcomeCreated, kindOf(t, report, "good"))
	assert.Equal(t, engine.OutcomeFailed, kindOf(t, report, "bad-field"))
	assert.Len(t, report.Failed(), 2)

	assert.Equal(t, header+"# converge: good\n* * * * * /bin/good\n", f.read(t, "alice"))
}

func TestConverge_FailedUpdateLeavesEntryUntouched(t *testing.T) {
	f := newFixture(t)
	f.write(t, "alice", header+
		"# converge: first\n"+
		"1 * * * * /bin/first\n"+
		"# converge: second\n"+
		"2  4 * * * /bin/second\n")

	report := f.run(t, []engine.Resource{
		job("first", engine.EnsurePresent, "minute", "11"),
		job("second", engine.EnsurePresent, "hour", "25"),
		job("third", engine.EnsurePresent, "command", "/bin/third", "minute", "3"),
	}, engine.RunOptions{})

	assert.Equal(t, engine.RunStatusPartial, report.Status)
	assert.Equal(t, engine.OutcomeChanged, kindOf(t, report, "first"))
	assert.Equal(t, engine.OutcomeFailed, kindOf(t, report, "second"))
	assert.Equal(t, engine.OutcomeCreated, kindOf(t, report, "third"))
	assert.Equal(t, []string{"alice"}, report.Flushed)

	assert.Equal(t, header+
		"# converge: first\n"+
		"11 * * * * /bin/first\n"+
		"# converge: second\n"+
		"2  4 * * * /bin/second\n"+
		"# converge: third\n"+
		"3 * * * * /bin/third\n", f.read(t, "alice"))
}

func TestConverge_Noop(t *testing.T) {
	f := newFixture(t)
	original := "# converge: a\n1 * * * * /bin/a\n"
	f.write(t, "alice", original)

	report := f.run(t, []engine.Resource{
		job("a", engine.EnsurePresent, "minute", "2"),
	}, engine.RunOptions{Noop: true})

	assert.True(t, report.Noop)
	assert.Equal(t, engine.OutcomeChanged, kindOf(t, report, "a"))
	assert.Empty(t, report.Flushed)
	require.Len(t, report.Previews, 1)
	assert.True(t, report.Previews[0].Changed())
	assert.Equal(t, header+"# converge: a\n2 * * * * /bin/a\n", report.Previews[0].After)
	assert.Equal(t, original, f.read(t, "alice"))
}

func TestConverge_HeaderBinding(t *testing.T) {
	dir := t.TempDir()
	registry := engine.NewRegistry()
	require.NoError(t, crontab.Register(registry, filetype.NewResolver(dir)))

	stack := bindings.New(map[string]any{
		engine.ProviderKey(crontab.ResourceType): crontab.ProviderName,
		engine.TargetKey(crontab.ResourceType):   "carol",
		crontab.HeaderKey:                        "owned by {{ .Target }}",
	})
	converger := engine.NewConverger(registry, engine.WithBindings(stack))

	_, err := converger.Run(context.Background(), []engine.Resource{
		job("x", engine.EnsurePresent, "command", "/bin/x"),
	}, engine.RunOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "carol"))
	require.NoError(t, err)
	assert.Equal(t, "# HEADER: owned by carol\n# converge: x\n* * * * * /bin/x\n", string(data))
}
