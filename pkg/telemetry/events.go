package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable moment in a resolution or job run, delivered to
// subscribers and, through the orchestrator's sink, to the event log.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	// Source is the definition file the event concerns.
	Source string `json:"source"`
	// ResolutionID is empty until the resolution has been recorded.
	ResolutionID string                 `json:"resolution_id,omitempty"`
	Job          string                 `json:"job,omitempty"`
	Message      string                 `json:"message"`
	Level        string                 `json:"level"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeResolutionStarted   = "resolution.started"
	EventTypeResolutionSucceeded = "resolution.succeeded"
	EventTypeResolutionFailed    = "resolution.failed"
	EventTypeJobPassed           = "job.passed"
	EventTypeJobFailed           = "job.failed"
	EventTypePolicyViolation     = "policy.violation"
	EventTypeDefinitionReloaded  = "definition.reloaded"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events. Subscribers are called from a
// single goroutine, in publish order.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. A publisher
// built from a disabled config drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher starts the delivery goroutine when cfg is async.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish fills in ID, Timestamp and Level when unset, applies the global
// filters, then delivers event inline or queues it.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishResolutionStarted publishes a resolution started event.
func (ep *EventPublisher) PublishResolutionStarted(source string) error {
	return ep.Publish(Event{
		Type:    EventTypeResolutionStarted,
		Source:  source,
		Level:   EventLevelInfo,
		Message: fmt.Sprintf("resolving %s", source),
	})
}

// PublishResolutionSucceeded publishes a resolution succeeded event.
func (ep *EventPublisher) PublishResolutionSucceeded(source, resolutionID string, jobs int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:         EventTypeResolutionSucceeded,
		Source:       source,
		ResolutionID: resolutionID,
		Level:        EventLevelInfo,
		Message:      fmt.Sprintf("resolved %d jobs", jobs),
		Data: map[string]interface{}{
			"jobs":        jobs,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishResolutionFailed publishes a resolution failed event. resolutionID
// may be empty when the failure was not recorded.
func (ep *EventPublisher) PublishResolutionFailed(source, resolutionID string, reason error) error {
	return ep.Publish(Event{
		Type:         EventTypeResolutionFailed,
		Source:       source,
		ResolutionID: resolutionID,
		Level:        EventLevelError,
		Message:      reason.Error(),
	})
}

// PublishJobResult publishes a job passed or job failed event.
func (ep *EventPublisher) PublishJobResult(resolutionID, job, runner string, passed bool, exitCode int, duration time.Duration) error {
	event := Event{
		Type:         EventTypeJobPassed,
		ResolutionID: resolutionID,
		Job:          job,
		Level:        EventLevelInfo,
		Message:      fmt.Sprintf("job %s passed", job),
		Data: map[string]interface{}{
			"runner":      runner,
			"exit_code":   exitCode,
			"duration_ms": duration.Milliseconds(),
		},
	}
	if !passed {
		event.Type = EventTypeJobFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("job %s failed with exit code %d", job, exitCode)
	}
	return ep.Publish(event)
}

// PublishPolicyViolation publishes a policy finding.
func (ep *EventPublisher) PublishPolicyViolation(source, job, policyName, severity, message string) error {
	level := EventLevelWarning
	if severity == "error" || severity == "critical" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  source,
		Job:     job,
		Level:   level,
		Message: message,
		Data: map[string]interface{}{
			"policy":   policyName,
			"severity": severity,
		},
	})
}

// PublishDefinitionReloaded publishes a watcher reload event.
func (ep *EventPublisher) PublishDefinitionReloaded(source string, err error) error {
	event := Event{
		Type:    EventTypeDefinitionReloaded,
		Source:  source,
		Level:   EventLevelInfo,
		Message: "definition reloaded",
	}
	if err != nil {
		event.Level = EventLevelError
		event.Message = err.Error()
	}
	return ep.Publish(event)
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents batches buffered events and delivers them when the batch
// fills, the flush interval elapses, or the publisher shuts down.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ep.flushBatch(batch)
		batch = make([]Event, 0, ep.config.MaxBatchSize)
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-tick:
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers any buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByResolution creates a filter that only allows events for one resolution.
func FilterByResolution(resolutionID string) EventFilter {
	return func(event Event) bool {
		return event.ResolutionID == resolutionID
	}
}
