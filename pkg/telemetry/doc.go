// Package telemetry instruments convergence runs with zerolog logging,
// OpenTelemetry spans, Prometheus metrics and an in-process event bus.
//
// A Telemetry is built once per process and stored in the context:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// The run helpers (WithRunContext, EndRunContext, RecordOutcome,
// RecordFlush and RecordProviderOperation) read it back from the context.
// Without one they only log through FromContext, which falls back to a
// disabled logger.
//
// Metrics live on a private registry under the configured namespace:
//
//	converge_runs_started_total{mode}
//	converge_runs_completed_total{status}
//	converge_run_duration_seconds{status}
//	converge_active_runs
//	converge_resource_outcomes_total{type,provider,kind}
//	converge_resource_duration_seconds{type,provider}
//	converge_purged_entries_total{type,provider,kind}
//	converge_provider_calls_total{provider,operation}
//	converge_provider_call_duration_seconds{provider,operation}
//	converge_provider_errors_total{provider,operation}
//	converge_target_flushes_total{provider,result}
//	converge_errors_by_class_total{class}
//	converge_errors_by_code_total{code}
//
// Events are published for changed, failed and purged resources, target
// writes, flush failures and policy violations. The audit log of the
// stores package is one subscriber.
package telemetry
