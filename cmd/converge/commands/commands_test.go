package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DisableColor()
}

type cli struct {
	dir    string
	tabDir string
	db     string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	c := &cli{
		dir:    dir,
		tabDir: filepath.Join(dir, "tabs"),
		db:     filepath.Join(dir, "state", "converge.db"),
	}
	if err := os.MkdirAll(c.tabDir, 0o755); err != nil {
		t.Fatalf("failed to create tab dir: %v", err)
	}
	return c
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args,
		"--env-file", filepath.Join(c.dir, "missing.env"),
		"--tab-dir", c.tabDir,
		"--db", c.db,
	))

	err := cmd.ExecuteContext(context.Background())
	if tel != nil {
		_ = tel.Shutdown(context.Background())
		tel = nil
	}
	return out.String(), err
}

func (c *cli) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func (c *cli) tab(t *testing.T, target string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(c.tabDir, target))
	if err != nil {
		t.Fatalf("failed to read target %s: %v", target, err)
	}
	return string(data)
}

const backupManifest = `
defaults:
  cron:
    provider: crontab
    target: alice
resources:
  - type: cron
    name: backup
    properties:
      command: /bin/backup
      minute: 30
      hour: 2
`

func TestApply_CreatesAndRecordsRun(t *testing.T) {
	c := newCLI(t)
	manifest := c.write(t, "crontab.yaml", backupManifest)

	out, err := c.run(t, "apply", manifest)
	if err != nil {
		t.Fatalf("apply failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 created") {
		t.Errorf("expected created summary, got:\n%s", out)
	}
	if got := c.tab(t, "alice"); !strings.Contains(got, "# converge: backup\n30 2 * * * /bin/backup\n") {
		t.Errorf("unexpected target content:\n%s", got)
	}

	out, err = c.run(t, "apply", manifest)
	if err != nil {
		t.Fatalf("second apply failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 no_change") {
		t.Errorf("expected no changes on second apply, got:\n%s", out)
	}

	out, err = c.run(t, "runs", "list", "--json")
	if err != nil {
		t.Fatalf("runs list failed: %v", err)
	}
	var runs []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("invalid runs output: %v\n%s", err, out)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 recorded runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r["status"] != "succeeded" {
			t.Errorf("expected succeeded run, got %v", r["status"])
		}
	}

	out, err = c.run(t, "runs", "show", runs[0]["id"].(string), "--verbose")
	if err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	if !strings.Contains(out, "cron[backup]") {
		t.Errorf("expected outcome in run, got:\n%s", out)
	}
}

func TestPlan_WritesNothing(t *testing.T) {
	c := newCLI(t)
	manifest := c.write(t, "crontab.yaml", backupManifest)

	out, err := c.run(t, "plan", manifest)
	if err != nil {
		t.Fatalf("plan failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "+30 2 * * * /bin/backup") {
		t.Errorf("expected diff of pending content, got:\n%s", out)
	}
	if !strings.Contains(out, "Plan ") {
		t.Errorf("expected plan summary, got:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(c.tabDir, "alice")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("plan must not create the target, stat error = %v", err)
	}
}

func TestApply_PurgeAndRestore(t *testing.T) {
	c := newCLI(t)
	original := "# converge: old\n0 0 * * * /bin/old\n"
	if err := os.WriteFile(filepath.Join(c.tabDir, "alice"), []byte(original), 0o600); err != nil {
		t.Fatalf("failed to seed target: %v", err)
	}
	manifest := c.write(t, "crontab.yaml", backupManifest+`
purge:
  - type: cron
    target: alice
`)

	out, err := c.run(t, "apply", manifest)
	if err != nil {
		t.Fatalf("apply failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "removed (purged)") {
		t.Errorf("expected purged outcome, got:\n%s", out)
	}
	if got := c.tab(t, "alice"); strings.Contains(got, "/bin/old") {
		t.Errorf("expected old entry to be purged:\n%s", got)
	}

	out, err = c.run(t, "backup", "list", "--json")
	if err != nil {
		t.Fatalf("backup list failed: %v", err)
	}
	var backups []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &backups); err != nil {
		t.Fatalf("invalid backup output: %v\n%s", err, out)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup, got %d", len(backups))
	}
	checksum := backups[0]["checksum"].(string)

	out, err = c.run(t, "backup", "show", checksum[:8])
	if err != nil {
		t.Fatalf("backup show failed: %v", err)
	}
	if out != original {
		t.Errorf("backup show = %q, want %q", out, original)
	}

	if out, err := c.run(t, "backup", "restore", checksum); err != nil {
		t.Fatalf("restore failed: %v\n%s", err, out)
	}
	if got := c.tab(t, "alice"); got != original {
		t.Errorf("restored content = %q, want %q", got, original)
	}
}

func TestApply_FailedResourceExitCode(t *testing.T) {
	c := newCLI(t)
	manifest := c.write(t, "crontab.yaml", `
defaults:
  cron:
    provider: crontab
    target: alice
resources:
  - type: cron
    name: good
    properties:
      command: /bin/good
      hour: 1
  - type: cron
    name: bad
    properties:
      command: /bin/bad
      hour: 99
`)

	out, err := c.run(t, "apply", manifest)
	if !errors.Is(err, errRunFailed) {
		t.Fatalf("expected failed run, got %v\n%s", err, out)
	}
	if ExitCode(err) != 2 {
		t.Errorf("ExitCode() = %d, want 2", ExitCode(err))
	}
	if got := c.tab(t, "alice"); !strings.Contains(got, "/bin/good") {
		t.Errorf("expected good entry to be written:\n%s", got)
	}
}

func TestValidate(t *testing.T) {
	c := newCLI(t)

	good := c.write(t, "good.yaml", backupManifest)
	out, err := c.run(t, "validate", good)
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 resources in 1 files are valid") {
		t.Errorf("unexpected output:\n%s", out)
	}

	bad := c.write(t, "bad.yaml", `
resources:
  - type: cron
    name: " padded"
    target: alice
    provider: crontab
    properties:
      command: /bin/x
      hour: 1
`)
	if _, err := c.run(t, "validate", bad); err == nil {
		t.Error("expected policy violation")
	}
	if _, err := c.run(t, "validate", bad, "--skip-policy"); err != nil {
		t.Errorf("expected --skip-policy to pass, got %v", err)
	}

	invalid := c.write(t, "invalid.yaml", "resources:\n  - name: x\n")
	if _, err := c.run(t, "validate", invalid); err == nil {
		t.Error("expected schema error")
	}
}

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"env=prod", "empty="})
	if err != nil {
		t.Fatalf("parseVars() error = %v", err)
	}
	if got["env"] != "prod" || got["empty"] != "" {
		t.Errorf("parseVars() = %v", got)
	}

	if _, err := parseVars([]string{"novalue"}); err == nil {
		t.Error("expected error for missing =")
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(errors.New("x")) != 1 {
		t.Error("expected 1 for plain errors")
	}
}

func TestSplitJump(t *testing.T) {
	tests := []struct {
		spec     string
		wantUser string
		wantHost string
		wantPort int
	}{
		{"bastion", "alice", "bastion", 22},
		{"ops@bastion", "ops", "bastion", 22},
		{"ops@bastion:2222", "ops", "bastion", 2222},
		{"[::1]:2200", "alice", "::1", 2200},
	}
	for _, tt := range tests {
		user, host, port := splitJump(tt.spec, "alice")
		if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
			t.Errorf("splitJump(%q) = %s, %s, %d", tt.spec, user, host, port)
		}
	}
}
