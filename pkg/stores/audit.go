package stores

import (
	"context"
	"encoding/json"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// AuditSubscriber returns an event subscriber recording target writes and
// flush failures in the audit log. Subscribe it with AuditFilter.
func (s *SQLiteStore) AuditSubscriber(ctx context.Context, actor string) telemetry.EventSubscriber {
	log := telemetry.FromContext(ctx).NewComponentLogger("audit")

	return func(event telemetry.Event) {
		var action AuditAction
		switch event.Type {
		case telemetry.EventTypeTargetWritten:
			action = AuditActionTargetWritten
		case telemetry.EventTypeFlushFailed:
			action = AuditActionFlushFailed
		default:
			return
		}

		entry := &AuditEntry{
			Action:    action,
			Actor:     actor,
			Timestamp: event.Timestamp,
		}
		if event.Target != "" {
			target := event.Target
			entry.Target = &target
		}
		if event.RunID != "" {
			runID := event.RunID
			entry.RunID = &runID
		}

		details := map[string]interface{}{"provider": event.Source}
		for k, v := range event.Data {
			details[k] = v
		}
		if raw, err := json.Marshal(details); err == nil {
			str := string(raw)
			entry.Details = &str
		}

		if err := s.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
			log.WithError(err).Warn("Failed to record audit entry")
		}
	}
}

// AuditFilter selects the events AuditSubscriber records.
func AuditFilter() telemetry.EventFilter {
	return telemetry.FilterByType(telemetry.EventTypeTargetWritten, telemetry.EventTypeFlushFailed)
}
