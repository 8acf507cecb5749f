package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence during a run.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source is the provider tag, or engine or policy.
	Source   string `json:"source"`
	RunID    string `json:"run_id,omitempty"`
	Resource string `json:"resource,omitempty"`
	Target   string `json:"target,omitempty"`
	Message  string `json:"message"`
	Level    string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeResourceChanged = "resource.changed"
	EventTypeResourceFailed  = "resource.failed"
	EventTypeEntryPurged     = "entry.purged"
	EventTypeTargetWritten   = "target.written"
	EventTypeFlushFailed     = "target.flush_failed"
	EventTypePolicyViolation = "policy.violation"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber receives published events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should reach a subscriber.
type EventFilter func(event Event) bool

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventPublisher fans events out to subscribers. In async mode events
// are queued and delivered in order on one goroutine; Shutdown delivers
// whatever is still queued.
type EventPublisher struct {
	config EventsConfig
	queue  chan Event
	done   chan struct{}
	stop   context.CancelFunc
	ctx    context.Context
	once   sync.Once

	mu          sync.RWMutex
	subscribers []subscription
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher creates a publisher. A disabled publisher drops every
// event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}

	ep.ctx, ep.stop = context.WithCancel(context.Background())
	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.done = make(chan struct{})
		go ep.run()
	}
	return ep, nil
}

// Subscribe registers fn for the events accepted by filter. A nil filter
// accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subscribers = append(ep.subscribers, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps event with an ID and time and delivers it. In async mode
// it fails instead of blocking when the queue is full.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	if ep.ctx.Err() != nil {
		return errPublisherStopped
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, sub := range ep.subscribers {
		if sub.filter == nil || sub.filter(event) {
			sub.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until queued events are
// delivered or ctx ends. Calling it again is a no-op.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.once.Do(ep.stop)
	if ep.done == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// PublishRunStarted publishes the start of a run.
func (ep *EventPublisher) PublishRunStarted(runID string, noop bool) error {
	mode := "apply"
	if noop {
		mode = "noop"
	}
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Level:   EventLevelInfo,
		Message: fmt.Sprintf("Run %s started (%s)", runID, mode),
		Data:    map[string]interface{}{"noop": noop},
	})
}

// PublishRunCompleted publishes the end of a run.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		RunID:   runID,
		Level:   EventLevelInfo,
		Message: fmt.Sprintf("Run %s %s", runID, status),
		Data:    map[string]interface{}{"status": status, "duration": duration.String()},
	})
}

// PublishRunFailed publishes a run aborted by reason.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "engine",
		RunID:   runID,
		Level:   EventLevelError,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishOutcome publishes a changed, failed or purged resource. No-change
// outcomes publish nothing.
func (ep *EventPublisher) PublishOutcome(runID string, rec OutcomeRecord) error {
	event := Event{
		Source:   rec.Provider,
		RunID:    runID,
		Resource: rec.Resource,
		Target:   rec.Target,
		Data:     map[string]interface{}{"kind": rec.Kind, "type": rec.Type, "duration": rec.Duration.String()},
	}

	switch {
	case rec.Err != nil:
		event.Type, event.Level = EventTypeResourceFailed, EventLevelError
		event.Message = fmt.Sprintf("%s failed: %v", rec.Resource, rec.Err)
	case rec.Purged:
		event.Type, event.Level = EventTypeEntryPurged, EventLevelWarning
		event.Message = fmt.Sprintf("%s purged from %s", rec.Resource, rec.Target)
	case rec.Kind == "no_change":
		return nil
	default:
		event.Type, event.Level = EventTypeResourceChanged, EventLevelInfo
		event.Message = rec.Resource + " " + rec.Kind
	}
	return ep.Publish(event)
}

// PublishTargetWritten publishes a successful write of target.
func (ep *EventPublisher) PublishTargetWritten(provider, target string) error {
	return ep.Publish(Event{
		Type:    EventTypeTargetWritten,
		Source:  provider,
		Target:  target,
		Level:   EventLevelInfo,
		Message: fmt.Sprintf("Target %s written", target),
	})
}

// PublishFlushFailed publishes a failed write of target.
func (ep *EventPublisher) PublishFlushFailed(provider, target, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeFlushFailed,
		Source:  provider,
		Target:  target,
		Level:   EventLevelError,
		Message: fmt.Sprintf("Writing target %s failed: %s", target, reason),
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishPolicyViolation publishes a resource rejected by a policy.
func (ep *EventPublisher) PublishPolicyViolation(resource, policyName, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "policy",
		Resource: resource,
		Level:    EventLevelWarning,
		Message:  fmt.Sprintf("Policy %s rejected %s: %s", policyName, resource, reason),
		Data:     map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

var eventLevels = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevels[minLevel]
	return func(event Event) bool {
		return eventLevels[event.Level] >= floor
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByTarget accepts events about one target.
func FilterByTarget(target string) EventFilter {
	return func(event Event) bool {
		return event.Target == target
	}
}
