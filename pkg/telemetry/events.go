package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an observability event raised by the strand engine or the health
// monitor.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	// StrandID is the associated strand, if any.
	StrandID string `json:"strand_id,omitempty"`

	// ResourceID is the associated resource or monitored target, if any.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeStrandExited       = "strand.exited"
	EventTypeStrandStepFailed   = "strand.step_failed"
	EventTypeDeadlineBreached   = "strand.deadline_breached"
	EventTypeDestroyRedirected  = "strand.destroy_redirected"
	EventTypeBackendTransition  = "health.transition"
	EventTypeRebuildRequested   = "health.rebuild_requested"
	EventTypeRebuildSignalError = "health.rebuild_signal_failed"
	EventTypeAdmissionDenied    = "admission.denied"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A nil or disabled publisher
// accepts and drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}
	if ep.ctx.Err() != nil {
		return fmt.Errorf("event publisher stopped")
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishStrandExited publishes the terminal exit of a strand.
func (ep *EventPublisher) PublishStrandExited(strandID, prog string, result []byte) error {
	return ep.Publish(Event{
		Type:     EventTypeStrandExited,
		Source:   "engine",
		StrandID: strandID,
		Message:  fmt.Sprintf("strand %s exited", prog),
		Level:    EventLevelInfo,
		Data:     map[string]interface{}{"prog": prog, "result": string(result)},
	})
}

// PublishStepFailed publishes a step error. The strand keeps its last
// persisted label.
func (ep *EventPublisher) PublishStepFailed(strandID, prog, label string, err error) error {
	return ep.Publish(Event{
		Type:     EventTypeStrandStepFailed,
		Source:   "engine",
		StrandID: strandID,
		Message:  fmt.Sprintf("step %s.%s failed: %v", prog, label, err),
		Level:    EventLevelError,
		Data:     map[string]interface{}{"prog": prog, "label": label},
	})
}

// PublishDeadlineBreached publishes a deadline that passed before its target
// label was reached.
func (ep *EventPublisher) PublishDeadlineBreached(strandID, prog, label, target string, at time.Time) error {
	return ep.Publish(Event{
		Type:     EventTypeDeadlineBreached,
		Source:   "engine",
		StrandID: strandID,
		Message:  fmt.Sprintf("%s did not reach %s by %s", prog, target, at.Format(time.RFC3339)),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"prog":     prog,
			"label":    label,
			"target":   target,
			"deadline": at,
		},
	})
}

// PublishDestroyRedirected publishes a before-run redirect to the destroy label.
func (ep *EventPublisher) PublishDestroyRedirected(strandID, prog, from string) error {
	return ep.Publish(Event{
		Type:     EventTypeDestroyRedirected,
		Source:   "engine",
		StrandID: strandID,
		Message:  fmt.Sprintf("%s redirected from %s to destroy", prog, from),
		Level:    EventLevelInfo,
		Data:     map[string]interface{}{"prog": prog, "from": from},
	})
}

// PublishBackendTransition publishes a monitored target state change.
func (ep *EventPublisher) PublishBackendTransition(targetKey, parentID, from, to string) error {
	return ep.Publish(Event{
		Type:       EventTypeBackendTransition,
		Source:     "health",
		ResourceID: targetKey,
		Message:    fmt.Sprintf("target %s transitioned %s -> %s", targetKey, from, to),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"parent_id": parentID, "from": from, "to": to},
	})
}

// PublishRebuildRequested publishes a rebuild signal raised for parentID.
func (ep *EventPublisher) PublishRebuildRequested(parentID string, raised bool) error {
	return ep.Publish(Event{
		Type:       EventTypeRebuildRequested,
		Source:     "health",
		ResourceID: parentID,
		Message:    fmt.Sprintf("rebuild requested for %s", parentID),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"raised": raised},
	})
}

// PublishRebuildSignalFailed publishes a failed rebuild signal dispatch.
func (ep *EventPublisher) PublishRebuildSignalFailed(targetKey, parentID string, err error) error {
	return ep.Publish(Event{
		Type:       EventTypeRebuildSignalError,
		Source:     "health",
		ResourceID: targetKey,
		Message:    fmt.Sprintf("failed to signal rebuild for %s: %v", parentID, err),
		Level:      EventLevelError,
		Data:       map[string]interface{}{"parent_id": parentID},
	})
}

// PublishAdmissionDenied publishes a rejected admission request.
func (ep *EventPublisher) PublishAdmissionDenied(kind, name string, reasons []string) error {
	return ep.Publish(Event{
		Type:       EventTypeAdmissionDenied,
		Source:     "admission",
		ResourceID: name,
		Message:    fmt.Sprintf("%s %s denied", kind, name),
		Level:      EventLevelWarning,
		Data:       map[string]interface{}{"kind": kind, "reasons": reasons},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers in order.
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

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
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

// FilterByLevel creates a filter that only allows events of minLevel or higher.
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
