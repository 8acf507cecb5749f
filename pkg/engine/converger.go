package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/converge/pkg/bindings"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Converger drives a desired set of resources to convergence through the
// providers of a registry.
type Converger struct {
	registry  *Registry
	bindings  bindings.View
	admitter  Admitter
	onOutcome func(Outcome)
	now       func() time.Time
}

// Option configures a Converger.
type Option func(*Converger)

// WithBindings sets the view used to resolve default providers and targets
// and handed to provider factories.
func WithBindings(view bindings.View) Option {
	return func(c *Converger) {
		c.bindings = view
	}
}

// WithAdmitter sets an admission check run before any provider work.
func WithAdmitter(a Admitter) Option {
	return func(c *Converger) {
		c.admitter = a
	}
}

// WithOutcomeHandler registers a callback invoked for every outcome as it is
// produced.
func WithOutcomeHandler(fn func(Outcome)) Option {
	return func(c *Converger) {
		c.onOutcome = fn
	}
}

// NewConverger creates a converger over the given registry.
func NewConverger(registry *Registry, opts ...Option) *Converger {
	c := &Converger{
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bindings == nil {
		c.bindings = bindings.New(nil)
	}
	return c
}

// RunOptions control a single run.
type RunOptions struct {
	// RunID identifies the run. Generated when empty.
	RunID string

	// Noop computes outcomes and previews without writing any target.
	Noop bool

	// Purge lists the scopes whose unclaimed entries are removed.
	Purge []PurgeScope

	// PurgeFilter restricts which unclaimed entries are removed.
	PurgeFilter *PurgeFilter
}

// targetGroup is one (provider, target) pair touched by the run.
type targetGroup struct {
	provider Provider
	tag      string
	target   string

	// purgeType is the resource type used to label purge outcomes; empty
	// when the target is not in a purge scope.
	purgeType string

	err error
}

type groupKey struct {
	tag    string
	target string
}

// Run converges resources in order and returns the run report.
//
// Configuration and admission errors are returned before any provider is
// touched. Every other failure is recorded in the report: a provider error
// fails only its resource, and a prefetch or flush error fails only its
// target.
func (c *Converger) Run(ctx context.Context, resources []Resource, opts RunOptions) (*Report, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	resolved, err := c.resolve(resources)
	if err != nil {
		return nil, err
	}

	if c.admitter != nil {
		if err := c.admitter.Admit(ctx, resolved); err != nil {
			if HasCode(err, ErrCodePolicyViolation) {
				return nil, err
			}
			return nil, NewPolicyViolationError("desired set rejected", err)
		}
	}

	providers := make(map[string]Provider)
	instance := func(tag string) (Provider, error) {
		if p, ok := providers[tag]; ok {
			return p, nil
		}
		p, err := c.registry.New(tag, c.bindings)
		if err != nil {
			return nil, NewConfigurationError(fmt.Sprintf("cannot instantiate provider %s", tag), err)
		}
		providers[tag] = p
		return p, nil
	}

	var groups []*targetGroup
	index := make(map[groupKey]*targetGroup)
	group := func(tag, target string) (*targetGroup, error) {
		key := groupKey{tag: tag, target: target}
		if g, ok := index[key]; ok {
			return g, nil
		}
		p, err := instance(tag)
		if err != nil {
			return nil, err
		}
		g := &targetGroup{provider: p, tag: tag, target: target}
		index[key] = g
		groups = append(groups, g)
		return g, nil
	}

	byResource := make([]*targetGroup, len(resolved))
	for i := range resolved {
		g, err := group(resolved[i].Provider, resolved[i].Target)
		if err != nil {
			return nil, err
		}
		byResource[i] = g
	}

	for _, scope := range opts.Purge {
		if err := c.addPurgeScope(scope, resolved, groups, group); err != nil {
			return nil, err
		}
	}

	report := &Report{
		RunID:     runID,
		Status:    RunStatusRunning,
		Noop:      opts.Noop,
		StartedAt: c.now(),
	}

	ctx = telemetry.WithRunContext(ctx, runID, opts.Noop)
	log := telemetry.FromContext(ctx).WithRunID(runID)
	log.WithFields(map[string]interface{}{
		"resources": len(resolved),
		"targets":   len(groups),
		"noop":      opts.Noop,
	}).Info("Starting convergence run")

	for _, g := range groups {
		err := telemetry.RecordProviderOperation(ctx, g.tag, "prefetch", func() error {
			return g.provider.Prefetch(ctx, g.target)
		})
		if err != nil {
			g.err = asTargetError(err, g.target, ErrCodeTargetUnavailable)
			report.TargetErrors = append(report.TargetErrors, TargetError{
				Provider: g.tag, Target: g.target, Phase: "prefetch", Err: g.err,
			})
			log.WithError(err).WithField("target", g.target).Error("Prefetch failed")
		}
	}

	cancelled := false
	for i := range resolved {
		res := &resolved[i]
		g := byResource[i]

		var out Outcome
		switch {
		case ctx.Err() != nil:
			cancelled = true
			out = failedOutcome(res, NewPermanentError("run cancelled", ctx.Err()).
				WithCode(ErrCodeCancelled).WithResource(res.Key()))
		case g.err != nil:
			out = failedOutcome(res, g.err)
		default:
			out = c.converge(ctx, g, res)
		}
		c.emit(ctx, report, out)
	}

	for _, g := range groups {
		if g.purgeType == "" || g.err != nil {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		c.purge(ctx, g, opts.PurgeFilter, report)
	}

	// Flushing is not interrupted by cancellation so that in-memory state
	// already reported as converged reaches the backing store.
	flushCtx := context.WithoutCancel(ctx)
	for _, g := range groups {
		if g.err != nil {
			continue
		}
		if opts.Noop {
			c.preview(flushCtx, g, report)
			continue
		}
		c.flush(flushCtx, g, report)
	}

	report.CompletedAt = c.now()
	report.Status = runStatus(report, len(groups), cancelled)

	var runErr error
	if report.Status != RunStatusSucceeded {
		runErr = fmt.Errorf("run finished with status %s", report.Status)
	}
	telemetry.EndRunContext(ctx, runID, string(report.Status), report.Duration(), runErr)

	counts := report.Counts()
	log.WithFields(map[string]interface{}{
		"status":    report.Status,
		"created":   counts[OutcomeCreated],
		"changed":   counts[OutcomeChanged],
		"removed":   counts[OutcomeRemoved],
		"no_change": counts[OutcomeNoChange],
		"failed":    counts[OutcomeFailed],
		"duration":  report.Duration().String(),
	}).Info("Convergence run finished")

	return report, nil
}

// resolve validates the desired set and fills in default providers and
// targets from the bindings.
func (c *Converger) resolve(resources []Resource) ([]Resource, error) {
	resolved := make([]Resource, len(resources))
	seen := make(map[string]struct{}, len(resources))

	for i := range resources {
		res := resources[i]
		res.Properties = res.Properties.Clone()
		res.Ensure = res.Ensure.Normalize()

		if err := res.Validate(); err != nil {
			return nil, NewConfigurationError("invalid resource", err).WithResource(res.Key())
		}
		if _, dup := seen[res.Key()]; dup {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate resource %s", res.Key()), nil).
				WithResource(res.Key())
		}
		seen[res.Key()] = struct{}{}

		if res.Provider == "" {
			tag, err := bindings.String(c.bindings, ProviderKey(res.Type))
			if err != nil {
				return nil, NewConfigurationError(
					fmt.Sprintf("no provider for resource type %s", res.Type), err).WithResource(res.Key())
			}
			res.Provider = tag
		}
		if res.Target == "" {
			target, err := bindings.String(c.bindings, TargetKey(res.Type))
			if err != nil {
				return nil, NewConfigurationError(
					fmt.Sprintf("no target for resource %s", res.Key()), err).WithResource(res.Key())
			}
			res.Target = target
		}

		resolved[i] = res
	}
	return resolved, nil
}

// addPurgeScope marks the targets covered by scope for purging.
func (c *Converger) addPurgeScope(
	scope PurgeScope,
	resolved []Resource,
	groups []*targetGroup,
	group func(tag, target string) (*targetGroup, error),
) error {
	if scope.Type == "" {
		return NewConfigurationError("purge scope has no resource type", nil)
	}

	tag, err := bindings.String(c.bindings, ProviderKey(scope.Type))
	if err != nil {
		return NewConfigurationError(fmt.Sprintf("no provider for purged type %s", scope.Type), err)
	}

	var targets []string
	switch {
	case scope.Target != "":
		targets = []string{scope.Target}
	default:
		seen := make(map[string]struct{})
		for i := range resolved {
			if resolved[i].Type != scope.Type || resolved[i].Provider != tag {
				continue
			}
			if _, ok := seen[resolved[i].Target]; ok {
				continue
			}
			seen[resolved[i].Target] = struct{}{}
			targets = append(targets, resolved[i].Target)
		}
		if len(targets) == 0 {
			target, err := bindings.String(c.bindings, TargetKey(scope.Type))
			if err != nil {
				return NewConfigurationError(fmt.Sprintf("no target for purged type %s", scope.Type), err)
			}
			targets = []string{target}
		}
	}

	for _, target := range targets {
		g, err := group(tag, target)
		if err != nil {
			return err
		}
		g.purgeType = scope.Type
	}
	return nil
}

// converge drives one resource to its desired state.
func (c *Converger) converge(ctx context.Context, g *targetGroup, res *Resource) Outcome {
	timer := telemetry.NewTimer()
	out := Outcome{
		Resource: res.Key(),
		Type:     res.Type,
		Name:     res.Name,
		Provider: g.tag,
		Target:   res.Target,
	}
	fail := func(op string, err error) Outcome {
		out.Kind = OutcomeFailed
		out.Err = providerError(res, op, err)
		out.Duration = timer.Duration()
		return out
	}

	p := g.provider
	desired := res.Properties
	if cz, ok := p.(Canonicalizer); ok {
		canonical, err := cz.Canonicalize(res)
		if err != nil {
			return fail("canonicalize", err)
		}
		desired = canonical
	}

	var exists bool
	err := telemetry.RecordProviderOperation(ctx, g.tag, "exists", func() error {
		var err error
		exists, err = p.Exists(ctx, res)
		return err
	})
	if err != nil {
		return fail("exists", err)
	}

	switch {
	case res.Ensure.IsAbsent() && !exists:
		out.Kind = OutcomeNoChange

	case res.Ensure.IsAbsent():
		if err := telemetry.RecordProviderOperation(ctx, g.tag, "delete", func() error {
			return p.Delete(ctx, res)
		}); err != nil {
			return fail("delete", err)
		}
		out.Kind = OutcomeRemoved

	case !exists:
		if err := telemetry.RecordProviderOperation(ctx, g.tag, "create", func() error {
			return p.Create(ctx, res, desired)
		}); err != nil {
			return fail("create", err)
		}
		out.Kind = OutcomeCreated
		out.Deltas = ComputeDeltas(desired, Properties{})

	default:
		var current Properties
		if err := telemetry.RecordProviderOperation(ctx, g.tag, "current", func() error {
			var err error
			current, err = p.CurrentProperties(ctx, res)
			return err
		}); err != nil {
			return fail("current", err)
		}

		deltas := ComputeDeltas(desired, current)
		if len(deltas) == 0 {
			out.Kind = OutcomeNoChange
			break
		}
		if err := telemetry.RecordProviderOperation(ctx, g.tag, "update", func() error {
			return p.Update(ctx, res, deltas)
		}); err != nil {
			return fail("update", err)
		}
		out.Kind = OutcomeChanged
		out.Deltas = deltas
	}

	out.Duration = timer.Duration()
	return out
}

// purge removes the unclaimed entries of one target.
func (c *Converger) purge(ctx context.Context, g *targetGroup, filter *PurgeFilter, report *Report) {
	log := telemetry.FromContext(ctx).WithFields(map[string]interface{}{
		"provider": g.tag,
		"target":   g.target,
	})

	purger, ok := g.provider.(Purger)
	if !ok {
		err := NewConfigurationError(fmt.Sprintf("provider %s does not support purge", g.tag), nil).
			WithTarget(g.target)
		report.TargetErrors = append(report.TargetErrors, TargetError{
			Provider: g.tag, Target: g.target, Phase: "purge", Err: err,
		})
		log.Warn("Purge requested for a provider without purge support")
		return
	}

	var entries []Entry
	err := telemetry.RecordProviderOperation(ctx, g.tag, "unclaimed", func() error {
		var err error
		entries, err = purger.Unclaimed(ctx, g.target)
		return err
	})
	if err != nil {
		report.TargetErrors = append(report.TargetErrors, TargetError{
			Provider: g.tag, Target: g.target, Phase: "purge", Err: err,
		})
		log.WithError(err).Error("Listing unclaimed entries failed")
		return
	}

	for _, entry := range entries {
		timer := telemetry.NewTimer()
		out := Outcome{
			Resource: fmt.Sprintf("%s[%s]", g.purgeType, entry.Label()),
			Type:     g.purgeType,
			Name:     entry.Label(),
			Provider: g.tag,
			Target:   g.target,
			Purged:   true,
		}

		matched, err := filter.Match(entry)
		switch {
		case err != nil:
			out.Kind = OutcomeFailed
			out.Err = NewConfigurationError("purge filter failed", err).WithResource(out.Resource)
		case !matched:
			log.WithField("entry", entry.Label()).Debug("Entry excluded from purge by filter")
			continue
		default:
			err := telemetry.RecordProviderOperation(ctx, g.tag, "purge", func() error {
				return purger.Remove(ctx, entry)
			})
			if err != nil {
				out.Kind = OutcomeFailed
				out.Err = NewProviderOperationError(out.Resource, "purge", err).WithTarget(g.target)
			} else {
				out.Kind = OutcomeRemoved
			}
		}

		out.Duration = timer.Duration()
		c.emit(ctx, report, out)
	}
}

// flush persists one target.
func (c *Converger) flush(ctx context.Context, g *targetGroup, report *Report) {
	var written bool
	err := telemetry.RecordProviderOperation(ctx, g.tag, "flush", func() error {
		var err error
		written, err = g.provider.Flush(ctx, g.target)
		return err
	})
	telemetry.RecordFlush(ctx, g.tag, g.target, written, err)

	if err != nil {
		report.TargetErrors = append(report.TargetErrors, TargetError{
			Provider: g.tag,
			Target:   g.target,
			Phase:    "flush",
			Err:      asTargetError(err, g.target, ErrCodeFlush),
		})
		return
	}
	if written {
		report.Flushed = append(report.Flushed, g.target)
	}
}

// preview records the pending content of one target in no-op runs.
func (c *Converger) preview(ctx context.Context, g *targetGroup, report *Report) {
	pv, ok := g.provider.(Previewer)
	if !ok {
		return
	}
	p, err := pv.Preview(ctx, g.target)
	if err != nil {
		telemetry.FromContext(ctx).WithError(err).WithField("target", g.target).Warn("Preview failed")
		return
	}
	report.Previews = append(report.Previews, p)
}

// emit appends an outcome to the report and notifies observers.
func (c *Converger) emit(ctx context.Context, report *Report, out Outcome) {
	report.Outcomes = append(report.Outcomes, out)

	telemetry.RecordOutcome(ctx, report.RunID, telemetry.OutcomeRecord{
		Resource: out.Resource,
		Type:     out.Type,
		Provider: out.Provider,
		Target:   out.Target,
		Kind:     string(out.Kind),
		Purged:   out.Purged,
		Duration: out.Duration,
		ErrClass: string(ClassOf(out.Err)),
		ErrCode:  ErrorCode(out.Err),
		Err:      out.Err,
	})

	if c.onOutcome != nil {
		c.onOutcome(out)
	}
}

func failedOutcome(res *Resource, err error) Outcome {
	return Outcome{
		Resource: res.Key(),
		Type:     res.Type,
		Name:     res.Name,
		Provider: res.Provider,
		Target:   res.Target,
		Kind:     OutcomeFailed,
		Err:      err,
	}
}

// providerError wraps err as a provider operation error unless it already
// carries one.
func providerError(res *Resource, op string, err error) error {
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Code == ErrCodeProviderOperation {
		return err
	}
	return NewProviderOperationError(res.Key(), op, err).WithTarget(res.Target)
}

// asTargetError keeps engine errors and wraps anything else with code.
func asTargetError(err error, target string, code string) error {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return err
	}
	switch code {
	case ErrCodeFlush:
		return NewFlushError(target, err)
	default:
		return NewTargetUnavailableError(target, err)
	}
}

// runStatus derives the overall status from outcomes and target errors.
// A run fails when no resource succeeded or every one of its targets
// errored.
func runStatus(report *Report, targets int, cancelled bool) RunStatus {
	if cancelled {
		return RunStatusCancelled
	}

	failed := 0
	for i := range report.Outcomes {
		if report.Outcomes[i].Kind == OutcomeFailed {
			failed++
		}
	}
	succeeded := len(report.Outcomes) - failed

	errored := make(map[string]bool, len(report.TargetErrors))
	for _, te := range report.TargetErrors {
		errored[te.Provider+"\x00"+te.Target] = true
	}

	switch {
	case failed == 0 && len(errored) == 0:
		return RunStatusSucceeded
	case succeeded == 0, targets > 0 && len(errored) >= targets:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}
