package report

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

func init() {
	pterm.DisableColor()
}

func testReport() *engine.Report {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &engine.Report{
		RunID:       "run-1",
		Status:      engine.RunStatusPartial,
		StartedAt:   start,
		CompletedAt: start.Add(1500 * time.Millisecond),
		Outcomes: []engine.Outcome{
			{Resource: "cron[backup]", Type: "cron", Name: "backup", Provider: "crontab", Target: "alice", Kind: engine.OutcomeCreated},
			{Resource: "cron[old]", Type: "cron", Name: "old", Provider: "crontab", Target: "alice", Kind: engine.OutcomeRemoved, Purged: true},
			{Resource: "cron[same]", Type: "cron", Name: "same", Provider: "crontab", Target: "alice", Kind: engine.OutcomeNoChange},
			{Resource: "cron[bad]", Type: "cron", Name: "bad", Provider: "crontab", Target: "bob", Kind: engine.OutcomeFailed, Err: errors.New("boom")},
		},
	}
}

func TestSummaryLine(t *testing.T) {
	r := testReport()
	assert.Equal(t, "Run run-1 partial: 1 created, 1 removed, 1 failed, 1 no_change in 1.5s", SummaryLine(r))

	r.Noop = true
	r.Outcomes = nil
	r.Status = engine.RunStatusSucceeded
	assert.Equal(t, "Plan run-1 succeeded: nothing to do in 1.5s", SummaryLine(r))
}

func TestPrinter_Report(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	require.NoError(t, p.Report(testReport()))
	out := buf.String()

	assert.Contains(t, out, "cron[backup]")
	assert.Contains(t, out, "removed (purged)")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "cron[same]")
	assert.Contains(t, out, "Run run-1 partial")
}

func TestPrinter_Verbose(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, WithVerbose(true))

	require.NoError(t, p.Outcomes(testReport()))
	assert.Contains(t, buf.String(), "cron[same]")
}

func TestPrinter_Previews(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, WithContext(0))

	p.Previews(&engine.Report{
		Noop: true,
		Previews: []engine.Preview{
			{Provider: "crontab", Target: "alice", Before: "a\n", After: "a\nb\n"},
			{Provider: "crontab", Target: "bob", Before: "x\n", After: "x\n"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "--- crontab/alice")
	assert.Contains(t, out, "+b")
	assert.NotContains(t, out, "crontab/bob")
}

func TestPrinter_Backups(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := p.Backups([]*stores.Backup{
		{Target: "alice", Checksum: "0123456789abcdef0123", Size: 10, CreatedAt: now.Add(-time.Hour)},
		{Target: "bob", Checksum: "fedcba9876543210fedc", Size: 20, CreatedAt: now},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "0123456789abc")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("bob")), bytes.Index(buf.Bytes(), []byte("alice")))
}

func TestPrinter_RunOutcomes(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	msg := "permission denied"
	require.NoError(t, p.RunOutcomes([]*stores.Outcome{
		{Resource: "cron[a]", Provider: "crontab", Target: "alice", Kind: engine.OutcomeNoChange},
		{Resource: "cron[b]", Provider: "crontab", Target: "bob", Kind: engine.OutcomeFailed, Error: &msg},
	}))

	out := buf.String()
	assert.NotContains(t, out, "cron[a]")
	assert.Contains(t, out, "permission denied")

	buf.Reset()
	require.NoError(t, p.RunOutcomes(nil))
	assert.Equal(t, "No changes recorded\n", buf.String())
}
