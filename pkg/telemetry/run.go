package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type runSpanKey struct{}

// WithRunContext opens the span of a run and tags the context logger with
// its ID. It is a no-op when ctx carries no Telemetry.
func WithRunContext(ctx context.Context, runID string, noop bool) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, noop)
	log := FromContext(ctx).WithRunID(runID).WithField("noop", noop)
	if id := TraceID(ctx); id != "" {
		log = log.WithField("trace_id", id)
	}

	tel.Metrics.RecordRunStarted(noop)
	_ = tel.Events.PublishRunStarted(runID, noop)

	return context.WithValue(log.WithContext(ctx), runSpanKey{}, span)
}

// EndRunContext closes the run span opened by WithRunContext. err is the
// run-level error, if any; failed resources alone do not set it.
func EndRunContext(ctx context.Context, runID, status string, duration time.Duration, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordRunCompleted(status, duration)
	if err != nil {
		_ = tel.Events.PublishRunFailed(runID, err.Error())
		return
	}
	_ = tel.Events.PublishRunCompleted(runID, status, duration)
}

// OutcomeRecord describes the result of converging or purging one resource.
type OutcomeRecord struct {
	Resource string
	Type     string
	Provider string
	Target   string
	Kind     string
	Purged   bool
	Duration time.Duration

	// ErrClass and ErrCode label the error metric.
	ErrClass string
	ErrCode  string
	Err      error
}

// RecordOutcome logs one resource outcome and, with Telemetry in ctx,
// counts it, adds it to the current span and publishes it.
func RecordOutcome(ctx context.Context, runID string, rec OutcomeRecord) {
	log := FromContext(ctx).WithResource(rec.Resource).WithTarget(rec.Target).WithField("outcome", rec.Kind)
	if rec.Err != nil {
		log.WithError(rec.Err).Warn("Resource failed")
	} else {
		log.Debug("Resource converged")
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	tel.Metrics.RecordOutcome(rec.Type, rec.Provider, rec.Kind, rec.Purged, rec.Duration)
	if rec.Err != nil {
		tel.Metrics.RecordError(rec.ErrClass, rec.ErrCode)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		AddResourceEvent(span, rec.Resource, rec.Kind, rec.Target)
	}
	_ = tel.Events.PublishOutcome(runID, rec)
}

// RecordFlush records the flush of one target: failed, written or unchanged.
func RecordFlush(ctx context.Context, providerName, target string, written bool, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	switch {
	case err != nil:
		tel.Metrics.RecordFlush(providerName, "failed")
		_ = tel.Events.PublishFlushFailed(providerName, target, err.Error())
	case written:
		tel.Metrics.RecordFlush(providerName, "written")
		_ = tel.Events.PublishTargetWritten(providerName, target)
	default:
		tel.Metrics.RecordFlush(providerName, "unchanged")
	}
}

// RecordProviderOperation runs fn inside a provider span and records its
// latency. Without Telemetry in ctx it only calls fn.
func RecordProviderOperation(ctx context.Context, providerName, operation string, fn func() error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn()
	}

	_, span := tel.Tracer.StartProviderSpan(ctx, providerName, operation)
	defer span.End()

	timer := NewTimer()
	err := fn()
	tel.Metrics.RecordProviderCall(providerName, operation, timer.Duration())
	if err != nil {
		tel.Metrics.RecordProviderError(providerName, operation)
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}
