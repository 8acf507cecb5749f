package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego files and from .json or .yaml policy
// documents. Parsed files are cached until their size or modification
// time changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedFile
}

type cachedFile struct {
	size     int64
	modTime  time.Time
	policies []Policy
}

// policyDoc is one policy in a JSON or YAML document. Enabled defaults to
// true.
type policyDoc struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Rego        string   `yaml:"rego"`
	Severity    Severity `yaml:"severity"`
	Enabled     *bool    `yaml:"enabled"`
	Tags        []string `yaml:"tags"`
}

// bundleDoc is either a single policy or a named bundle of policies.
type bundleDoc struct {
	policyDoc `yaml:",inline"`

	Version  string      `yaml:"version"`
	Policies []policyDoc `yaml:"policies"`
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedFile),
	}
}

// Load reads every path. Files named explicitly must parse; unparsable
// files found while walking a directory are logged and skipped.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		loaded, err := l.loadPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		policies = append(policies, loaded...)
	}

	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Policies loaded")
	return policies, nil
}

func (l *Loader) loadPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return l.loadFile(path, info)
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isPolicyFile(p) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		loaded, err := l.loadFile(p, info)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	})
	return policies, err
}

func (l *Loader) loadFile(path string, info fs.FileInfo) ([]Policy, error) {
	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	policies, err := parseFile(path, data)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range policies {
		if policies[i].Metadata == nil {
			policies[i].Metadata = make(map[string]interface{})
		}
		policies[i].Metadata["source"] = path
		policies[i].CreatedAt = info.ModTime()
		policies[i].UpdatedAt = now
	}

	l.mu.Lock()
	l.cache[path] = cachedFile{size: info.Size(), modTime: info.ModTime(), policies: policies}
	l.mu.Unlock()
	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func parseFile(path string, data []byte) ([]Policy, error) {
	switch filepath.Ext(path) {
	case ".rego":
		return []Policy{parseRego(path, string(data))}, nil
	case ".json", ".yaml", ".yml":
		// YAML is a superset of JSON, so one decoder serves both.
		var doc bundleDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid policy document: %w", err)
		}
		return doc.toPolicies()
	}
	return nil, fmt.Errorf("unsupported policy file: %s", path)
}

// parseRego names the policy after its file. The first comment block
// supplies the description; "severity:" and "tags:" comments anywhere
// set those fields.
func parseRego(path, src string) Policy {
	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     src,
		Severity: SeverityWarning,
		Enabled:  true,
	}

	var desc []string
	inBlock := true
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(desc) > 0 {
				inBlock = false
			}
			continue
		}
		comment = strings.TrimSpace(comment)

		if v, ok := strings.CutPrefix(comment, "severity:"); ok {
			if sev := Severity(strings.TrimSpace(v)); sev.valid() {
				p.Severity = sev
			}
			continue
		}
		if v, ok := strings.CutPrefix(comment, "tags:"); ok {
			for _, tag := range strings.Split(v, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
			continue
		}
		if inBlock && comment != "" {
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

func (d bundleDoc) toPolicies() ([]Policy, error) {
	docs := d.Policies
	if len(docs) == 0 {
		docs = []policyDoc{d.policyDoc}
	}

	policies := make([]Policy, 0, len(docs))
	for i, doc := range docs {
		p, err := doc.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		if d.Name != "" && len(d.Policies) > 0 {
			p.Metadata = map[string]interface{}{"bundle": d.Name, "version": d.Version}
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (d policyDoc) toPolicy() (Policy, error) {
	switch {
	case d.Name == "":
		return Policy{}, errors.New("name is required")
	case strings.TrimSpace(d.Rego) == "":
		return Policy{}, fmt.Errorf("%s: rego is required", d.Name)
	case d.Severity != "" && !d.Severity.valid():
		return Policy{}, fmt.Errorf("%s: invalid severity %q", d.Name, d.Severity)
	}

	p := Policy{
		Name:        d.Name,
		Description: d.Description,
		Rego:        d.Rego,
		Severity:    d.Severity,
		Enabled:     d.Enabled == nil || *d.Enabled,
		Tags:        d.Tags,
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return p, nil
}

// Watch calls onChange with the reloaded policies whenever a policy file
// under paths is written, created, removed or renamed. It returns once the
// watcher is set up; watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, onChange func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go l.watch(ctx, watcher, paths, onChange)
	return nil
}

// addWatch watches a directory tree, or the directory holding a file.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(p)
	})
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, onChange func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = onChange(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
