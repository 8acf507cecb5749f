package flatfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/filetype"
	"github.com/openfroyo/converge/pkg/records"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Provider manages the entries of flat record files. One instance serves
// one run; it is not safe for concurrent use.
type Provider struct {
	name   string
	schema Schema
	opener Opener
	bucket Bucket
	strict bool

	targets   map[string]*targetState
	canonical map[string]engine.Properties
}

// targetState is the in-memory view of one backing file for the run.
type targetState struct {
	file     filetype.FileType
	doc      *records.Document
	original string
	existed  bool

	// degraded holds the read error of a target that could not be loaded
	// for reasons other than absence or permissions. Such a target is
	// converged against an empty view and never written.
	degraded error

	byName  map[string]int
	bySig   map[string][]int
	claims  map[string]int
	claimed map[int]bool
	mutated bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithBucket backs up the previous content of every target before it is
// overwritten.
func WithBucket(b Bucket) Option {
	return func(p *Provider) {
		p.bucket = b
	}
}

// WithStrictParsing fails prefetch on lines the schema cannot classify.
func WithStrictParsing() Option {
	return func(p *Provider) {
		p.strict = true
	}
}

// New creates a provider named name over schema.
func New(name string, schema Schema, opener Opener, opts ...Option) *Provider {
	p := &Provider{
		name:      name,
		schema:    schema,
		opener:    opener,
		targets:   make(map[string]*targetState),
		canonical: make(map[string]engine.Properties),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider tag.
func (p *Provider) Name() string {
	return p.name
}

// Prefetch reads and indexes a target.
func (p *Provider) Prefetch(ctx context.Context, target string) error {
	log := telemetry.FromContext(ctx).WithFields(map[string]interface{}{
		"provider": p.name,
		"target":   target,
	})

	file, err := p.opener.Open(ctx, target)
	if err != nil {
		return engine.NewTargetUnavailableError(target, err)
	}

	state := &targetState{
		file:    file,
		byName:  make(map[string]int),
		bySig:   make(map[string][]int),
		claims:  make(map[string]int),
		claimed: make(map[int]bool),
	}

	data, err := file.Read(ctx)
	switch {
	case err == nil:
		state.existed = true
		state.original = string(data)
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("Target does not exist yet")
	case errors.Is(err, fs.ErrPermission):
		return engine.NewTargetUnavailableError(target, err)
	default:
		log.WithError(err).Warn("Target unreadable, converging against an empty view")
		state.degraded = err
	}

	var parseOpts []records.ParseOption
	if p.strict {
		parseOpts = append(parseOpts, records.Strict())
	}
	doc, err := records.Parse(state.original, p.schema.Grammar(), parseOpts...)
	if err != nil {
		return engine.NewParseError(target, err)
	}
	state.doc = doc

	for _, rec := range doc.Data() {
		if name := rec.Name(); name != "" {
			if _, dup := state.byName[name]; !dup {
				state.byName[name] = rec.ID()
			}
			continue
		}
		props, err := p.schema.Properties(rec.Entry())
		if err != nil {
			log.WithError(err).WithField("line", rec.Body()).Warn("Skipping unreadable entry")
			continue
		}
		if key := p.schema.Key(props); key != "" {
			state.bySig[key] = append(state.bySig[key], rec.ID())
		}
	}

	p.targets[target] = state
	log.WithField("entries", len(doc.Data())).Debug("Target prefetched")
	return nil
}

func (p *Provider) state(target string) (*targetState, error) {
	state, ok := p.targets[target]
	if !ok {
		return nil, fmt.Errorf("target %s was not prefetched", target)
	}
	return state, nil
}

// Canonicalize returns the canonical desired properties of a resource.
func (p *Provider) Canonicalize(res *engine.Resource) (engine.Properties, error) {
	key := res.Target + "\x00" + res.Key()
	if props, ok := p.canonical[key]; ok {
		return props.Clone(), nil
	}

	props, err := p.schema.Canonicalize(res)
	if err != nil {
		return engine.Properties{}, err
	}
	p.canonical[key] = props
	return props.Clone(), nil
}

// lookup finds and claims the record of a resource.
func (p *Provider) lookup(state *targetState, res *engine.Resource) (*records.Record, error) {
	if id, ok := state.claims[res.Key()]; ok {
		if rec, ok := state.doc.Get(id); ok {
			return rec, nil
		}
		delete(state.claims, res.Key())
	}

	if id, ok := state.byName[res.Name]; ok {
		if rec, ok := state.doc.Get(id); ok {
			p.claim(state, res, id)
			return rec, nil
		}
	}

	desired, err := p.Canonicalize(res)
	if err != nil {
		return nil, err
	}
	key := p.schema.Key(desired)
	if key == "" {
		return nil, nil
	}

	for _, id := range state.bySig[key] {
		rec, ok := state.doc.Get(id)
		if !ok || rec.Name() != "" {
			continue
		}
		current, err := p.schema.Properties(rec.Entry())
		if err != nil {
			continue
		}
		if p.schema.Match(desired, current) {
			p.claim(state, res, id)
			return rec, nil
		}
	}
	return nil, nil
}

func (p *Provider) claim(state *targetState, res *engine.Resource, id int) {
	state.claims[res.Key()] = id
	state.claimed[id] = true
}

// Exists reports whether the resource's entry exists in its target.
func (p *Provider) Exists(ctx context.Context, res *engine.Resource) (bool, error) {
	state, err := p.state(res.Target)
	if err != nil {
		return false, err
	}
	rec, err := p.lookup(state, res)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// CurrentProperties returns the properties of the resource's entry.
func (p *Provider) CurrentProperties(ctx context.Context, res *engine.Resource) (engine.Properties, error) {
	state, err := p.state(res.Target)
	if err != nil {
		return engine.Properties{}, err
	}
	rec, err := p.lookup(state, res)
	if err != nil || rec == nil {
		return engine.Properties{}, err
	}
	return p.schema.Properties(rec.Entry())
}

// Create appends a new entry at the end of the target.
func (p *Provider) Create(ctx context.Context, res *engine.Resource, props engine.Properties) error {
	state, err := p.state(res.Target)
	if err != nil {
		return err
	}

	entry, err := p.schema.Render(res, props)
	if err != nil {
		return err
	}

	rec := state.doc.Append(entry)
	state.byName[res.Name] = rec.ID()
	p.claim(state, res, rec.ID())
	state.mutated = true
	return nil
}

// Update rewrites the resource's entry in place.
func (p *Provider) Update(ctx context.Context, res *engine.Resource, deltas []engine.Delta) error {
	state, err := p.state(res.Target)
	if err != nil {
		return err
	}
	rec, err := p.lookup(state, res)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no entry for %s in %s", res.Key(), res.Target)
	}

	entry, err := p.schema.Update(res, rec.Entry(), deltas)
	if err != nil {
		return err
	}
	if err := state.doc.Replace(rec.ID(), entry); err != nil {
		return err
	}

	if entry.Name != "" {
		state.byName[entry.Name] = rec.ID()
	}
	state.mutated = true
	return nil
}

// Delete removes the resource's entry with the lines it owns.
func (p *Provider) Delete(ctx context.Context, res *engine.Resource) error {
	state, err := p.state(res.Target)
	if err != nil {
		return err
	}
	rec, err := p.lookup(state, res)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	return p.remove(state, rec.ID())
}

func (p *Provider) remove(state *targetState, id int) error {
	rec, ok := state.doc.Get(id)
	if !ok {
		return records.ErrRecordNotFound
	}
	if err := state.doc.Remove(id); err != nil {
		return err
	}
	if name := rec.Name(); name != "" && state.byName[name] == id {
		delete(state.byName, name)
	}
	state.mutated = true
	return nil
}

// Unclaimed lists the entries of a target no resource claimed.
func (p *Provider) Unclaimed(ctx context.Context, target string) ([]engine.Entry, error) {
	state, err := p.state(target)
	if err != nil {
		return nil, err
	}

	var out []engine.Entry
	for _, rec := range state.doc.Data() {
		if state.claimed[rec.ID()] {
			continue
		}
		props, err := p.schema.Properties(rec.Entry())
		if err != nil {
			return nil, fmt.Errorf("entry %d of %s: %w", rec.ID(), target, err)
		}
		out = append(out, engine.Entry{
			ID:         rec.ID(),
			Target:     target,
			Name:       rec.Name(),
			Properties: props,
		})
	}
	return out, nil
}

// Remove deletes an unclaimed entry.
func (p *Provider) Remove(ctx context.Context, entry engine.Entry) error {
	state, err := p.state(entry.Target)
	if err != nil {
		return err
	}
	if state.claimed[entry.ID] {
		return fmt.Errorf("entry %d of %s is claimed", entry.ID, entry.Target)
	}
	return p.remove(state, entry.ID)
}

// render returns the content a flush would write.
func (p *Provider) render(state *targetState, target string) (string, error) {
	header, err := p.schema.Header(target)
	if err != nil {
		return "", err
	}
	if header != nil {
		state.doc.EnsureHeader(header)
	}
	return state.doc.String(), nil
}

// Flush writes a mutated target.
func (p *Provider) Flush(ctx context.Context, target string) (bool, error) {
	state, err := p.state(target)
	if err != nil {
		return false, err
	}
	if !state.mutated {
		return false, nil
	}
	if state.degraded != nil {
		return false, engine.NewFlushError(target,
			fmt.Errorf("refusing to overwrite a target that could not be read: %w", state.degraded))
	}

	content, err := p.render(state, target)
	if err != nil {
		return false, engine.NewFlushError(target, err)
	}

	log := telemetry.FromContext(ctx).WithFields(map[string]interface{}{
		"provider": p.name,
		"target":   target,
		"path":     state.file.Path(),
	})

	if p.bucket != nil && state.existed && state.original != "" {
		sum, err := p.bucket.Backup(ctx, target, []byte(state.original))
		if err != nil {
			return false, engine.NewFlushError(target, fmt.Errorf("backup failed: %w", err))
		}
		log.WithField("checksum", sum).Debug("Previous content backed up")
	}

	if err := state.file.Write(ctx, []byte(content)); err != nil {
		return false, engine.NewFlushError(target, err)
	}

	state.original = content
	state.existed = true
	state.mutated = false
	log.Info("Target written")
	return true, nil
}

// Preview returns the content a flush would write without writing it.
func (p *Provider) Preview(ctx context.Context, target string) (engine.Preview, error) {
	state, err := p.state(target)
	if err != nil {
		return engine.Preview{}, err
	}

	preview := engine.Preview{
		Provider: p.name,
		Target:   target,
		Before:   state.original,
		After:    state.original,
	}
	if !state.mutated {
		return preview, nil
	}

	content, err := p.render(state, target)
	if err != nil {
		return engine.Preview{}, err
	}
	preview.After = content
	return preview, nil
}
