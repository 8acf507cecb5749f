package flatfile_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/crontab"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/filetype"
	"github.com/openfroyo/converge/pkg/flatfile"
)

// memFile is an in-memory backing file.
type memFile struct {
	name     string
	data     string
	exists   bool
	readErr  error
	writeErr error
	writes   int
}

func (f *memFile) Path() string { return "mem:" + f.name }

func (f *memFile) Read(ctx context.Context) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if !f.exists {
		return nil, fs.ErrNotExist
	}
	return []byte(f.data), nil
}

func (f *memFile) Write(ctx context.Context, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.data = string(data)
	f.exists = true
	f.writes++
	return nil
}

type memOpener map[string]*memFile

func (o memOpener) Open(ctx context.Context, target string) (filetype.FileType, error) {
	f, ok := o[target]
	if !ok {
		f = &memFile{name: target}
		o[target] = f
	}
	return f, nil
}

type memBucket struct {
	saved map[string][]string
}

func (b *memBucket) Backup(ctx context.Context, target string, content []byte) (string, error) {
	if b.saved == nil {
		b.saved = make(map[string][]string)
	}
	b.saved[target] = append(b.saved[target], string(content))
	return fmt.Sprintf("sum-%d", len(b.saved[target])), nil
}

const testHeader = "managed by tests"

func newProvider(t *testing.T, opener flatfile.Opener, opts ...flatfile.Option) *flatfile.Provider {
	t.Helper()
	schema, err := crontab.NewSchema(crontab.WithHeader(testHeader))
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}
	return flatfile.New(crontab.ProviderName, schema, opener, opts...)
}

func cron(name, target string, pairs ...interface{}) *engine.Resource {
	return &engine.Resource{
		Type:       crontab.ResourceType,
		Name:       name,
		Target:     target,
		Provider:   crontab.ProviderName,
		Ensure:     engine.EnsurePresent,
		Properties: engine.NewProperties(pairs...),
	}
}

func TestPrefetch_MissingTarget(t *testing.T) {
	ctx := context.Background()
	opener := memOpener{}
	p := newProvider(t, opener)

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}
	exists, err := p.Exists(ctx, cron("backup", "alice", "command", "/bin/backup"))
	if err != nil || exists {
		t.Fatalf("Exists() = %v, %v; want false, nil", exists, err)
	}

	written, err := p.Flush(ctx, "alice")
	if err != nil || written {
		t.Fatalf("Flush() = %v, %v; want false, nil", written, err)
	}
	if opener["alice"].writes != 0 {
		t.Error("unmutated target was written")
	}
}

func TestPrefetch_Errors(t *testing.T) {
	tests := []struct {
		name     string
		file     *memFile
		opts     []flatfile.Option
		wantCode string
	}{
		{
			name:     "permission denied",
			file:     &memFile{readErr: fmt.Errorf("open: %w", fs.ErrPermission)},
			wantCode: engine.ErrCodeTargetUnavailable,
		},
		{
			name:     "strict parse",
			file:     &memFile{exists: true, data: "this is not cron\n"},
			opts:     []flatfile.Option{flatfile.WithStrictParsing()},
			wantCode: engine.ErrCodeParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider(t, memOpener{"alice": tt.file}, tt.opts...)
			err := p.Prefetch(context.Background(), "alice")
			if !engine.HasCode(err, tt.wantCode) {
				t.Fatalf("Prefetch() error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestPrefetch_LenientKeepsUnknownLines(t *testing.T) {
	ctx := context.Background()
	file := &memFile{exists: true, data: "this is not cron\n0 1 * * * /bin/true\n"}
	p := newProvider(t, memOpener{"alice": file})

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}
	if err := p.Create(ctx, cron("new", "alice", "command", "/bin/new"), engine.NewProperties("command", "/bin/new")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := p.Flush(ctx, "alice"); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if !strings.Contains(file.data, "this is not cron\n0 1 * * * /bin/true\n") {
		t.Errorf("unknown lines not preserved:\n%s", file.data)
	}
}

func TestCreateAndFlush(t *testing.T) {
	ctx := context.Background()
	file := &memFile{exists: true, data: "# my jobs\n5 * * * * /bin/unmanaged\n"}
	bucket := &memBucket{}
	p := newProvider(t, memOpener{"alice": file}, flatfile.WithBucket(bucket))

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}

	res := cron("backup", "alice", "command", "/bin/backup", "hour", "2", "minute", "30")
	desired, err := p.Canonicalize(res)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if err := p.Create(ctx, res, desired); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	written, err := p.Flush(ctx, "alice")
	if err != nil || !written {
		t.Fatalf("Flush() = %v, %v; want true, nil", written, err)
	}

	want := "# HEADER: managed by tests\n" +
		"# my jobs\n" +
		"5 * * * * /bin/unmanaged\n" +
		"# converge: backup\n" +
		"30 2 * * * /bin/backup\n"
	if file.data != want {
		t.Errorf("content =\n%s\nwant\n%s", file.data, want)
	}

	if got := bucket.saved["alice"]; len(got) != 1 || got[0] != "# my jobs\n5 * * * * /bin/unmanaged\n" {
		t.Errorf("backup = %q, want previous content", got)
	}

	written, err = p.Flush(ctx, "alice")
	if err != nil || written {
		t.Errorf("second Flush() = %v, %v; want false, nil", written, err)
	}
}

func TestLookup_NamePrecedence(t *testing.T) {
	ctx := context.Background()
	file := &memFile{exists: true, data: "" +
		"0 0 * * * /bin/backup\n" +
		"# converge: backup\n" +
		"0 3 * * * /bin/backup --full\n"}
	p := newProvider(t, memOpener{"alice": file})

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}

	res := cron("backup", "alice", "command", "/bin/backup")
	current, err := p.CurrentProperties(ctx, res)
	if err != nil {
		t.Fatalf("CurrentProperties() error = %v", err)
	}
	cmd, _ := current.Get(crontab.PropCommand)
	if cmd.First() != "/bin/backup --full" {
		t.Errorf("matched command = %q, want the named entry", cmd.First())
	}

	unclaimed, err := p.Unclaimed(ctx, "alice")
	if err != nil {
		t.Fatalf("Unclaimed() error = %v", err)
	}
	if len(unclaimed) != 1 || unclaimed[0].Name != "" {
		t.Fatalf("Unclaimed() = %+v, want the unnamed entry", unclaimed)
	}
}

func TestLookup_AdoptsUnnamedEntry(t *testing.T) {
	ctx := context.Background()
	file := &memFile{exists: true, data: "0 0 * * * /bin/report\n"}
	p := newProvider(t, memOpener{"alice": file})

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}

	res := cron("report", "alice", "command", "/bin/report", "hour", "0", "minute", "0")
	exists, err := p.Exists(ctx, res)
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v; want true, nil", exists, err)
	}

	deltas := []engine.Delta{{Property: crontab.PropHour, Before: engine.List("0"), After: engine.List("4")}}
	if err := p.Update(ctx, res, deltas); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := p.Flush(ctx, "alice"); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	want := "# HEADER: managed by tests\n# converge: report\n0 4 * * * /bin/report\n"
	if file.data != want {
		t.Errorf("content =\n%s\nwant\n%s", file.data, want)
	}
}

func TestLookup_SignatureMismatch(t *testing.T) {
	ctx := context.Background()
	file := &memFile{exists: true, data: "0 0 * * * /bin/report\n"}
	p := newProvider(t, memOpener{"alice": file})

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}

	res := cron("report", "alice", "command", "/bin/report", "hour", "5")
	exists, err := p.Exists(ctx, res)
	if err != nil || exists {
		t.Fatalf("Exists() = %v, %v; want false, nil", exists, err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	file := &memFile{exists: true, data: "" +
		"# keep me\n" +
		"# converge: old\n" +
		"MAILTO=root\n" +
		"@daily /bin/old\n" +
		"1 1 * * * /bin/other\n"}
	p := newProvider(t, memOpener{"alice": file})

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}
	if err := p.Delete(ctx, cron("old", "alice")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := p.Flush(ctx, "alice"); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	want := "# HEADER: managed by tests\n# keep me\n1 1 * * * /bin/other\n"
	if file.data != want {
		t.Errorf("content =\n%s\nwant\n%s", file.data, want)
	}
}

func TestRemove_RefusesClaimedEntries(t *testing.T) {
	ctx := context.Background()
	file := &memFile{exists: true, data: "# converge: keep\n0 0 * * * /bin/keep\n"}
	p := newProvider(t, memOpener{"alice": file})

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}

	before, err := p.Unclaimed(ctx, "alice")
	if err != nil || len(before) != 1 {
		t.Fatalf("Unclaimed() = %v, %v; want one entry", before, err)
	}

	if _, err := p.Exists(ctx, cron("keep", "alice", "command", "/bin/keep")); err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if err := p.Remove(ctx, before[0]); err == nil {
		t.Fatal("Remove() of a claimed entry succeeded")
	}

	after, err := p.Unclaimed(ctx, "alice")
	if err != nil || len(after) != 0 {
		t.Fatalf("Unclaimed() after claim = %v, %v; want none", after, err)
	}
}

func TestFlush_DegradedTargetIsNotWritten(t *testing.T) {
	ctx := context.Background()
	file := &memFile{readErr: errors.New("i/o error")}
	p := newProvider(t, memOpener{"alice": file})

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}
	res := cron("backup", "alice", "command", "/bin/backup")
	if err := p.Create(ctx, res, engine.NewProperties("command", "/bin/backup")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := p.Flush(ctx, "alice")
	if !engine.HasCode(err, engine.ErrCodeFlush) {
		t.Fatalf("Flush() error = %v, want flush error", err)
	}
	if file.writes != 0 {
		t.Error("degraded target was written")
	}
}

func TestFlush_WriteError(t *testing.T) {
	ctx := context.Background()
	file := &memFile{writeErr: errors.New("disk full")}
	p := newProvider(t, memOpener{"alice": file})

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}
	if err := p.Create(ctx, cron("a", "alice"), engine.NewProperties("command", "/bin/a")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := p.Flush(ctx, "alice"); !engine.HasCode(err, engine.ErrCodeFlush) {
		t.Fatalf("Flush() error = %v, want flush error", err)
	}
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	file := &memFile{exists: true, data: "1 1 * * * /bin/other\n"}
	p := newProvider(t, memOpener{"alice": file})

	if err := p.Prefetch(ctx, "alice"); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}

	pv, err := p.Preview(ctx, "alice")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if pv.Changed() {
		t.Error("preview of an unmutated target reports a change")
	}

	if err := p.Create(ctx, cron("a", "alice"), engine.NewProperties("command", "/bin/a")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	pv, err = p.Preview(ctx, "alice")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if !pv.Changed() || !strings.Contains(pv.After, "# converge: a\n* * * * * /bin/a\n") {
		t.Errorf("preview after =\n%s", pv.After)
	}
	if file.writes != 0 {
		t.Error("preview wrote the target")
	}
}
