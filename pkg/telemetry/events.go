package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Environment is the environment the event concerns.
	Environment string `json:"environment,omitempty"`

	// PlanID is the associated plan, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeOperationStarted   = "operation.started"
	EventTypeOperationCompleted = "operation.completed"
	EventTypeOperationFailed    = "operation.failed"
	EventTypePlanComputed       = "plan.computed"
	EventTypeActionStarted      = "action.started"
	EventTypeActionCompleted    = "action.completed"
	EventTypeActionFailed       = "action.failed"
	EventTypeStateChanged       = "state.changed"
	EventTypeLockContended      = "lock.contended"
	EventTypePolicyViolation    = "policy.violation"
	EventTypePolicyWarning      = "policy.warning"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers are called in
// subscription order and each one sees events in publication order.
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

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
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
	if event.Source == "" {
		event.Source = "orchestrator"
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishOperationStarted publishes an operation started event.
func (ep *EventPublisher) PublishOperationStarted(environment, operation string) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationStarted,
		Environment: environment,
		Message:     fmt.Sprintf("%s %s started", operation, environment),
		Level:       EventLevelInfo,
		Data:        map[string]interface{}{"operation": operation},
	})
}

// PublishOperationCompleted publishes an operation completed event.
func (ep *EventPublisher) PublishOperationCompleted(environment, operation string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationCompleted,
		Environment: environment,
		Message:     fmt.Sprintf("%s %s completed", operation, environment),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"operation": operation,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishOperationFailed publishes an operation failed event.
func (ep *EventPublisher) PublishOperationFailed(environment, operation, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationFailed,
		Environment: environment,
		Message:     fmt.Sprintf("%s %s failed: %s", operation, environment, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"operation": operation,
			"reason":    reason,
		},
	})
}

// PublishPlanComputed publishes the shape of a computed plan.
func (ep *EventPublisher) PublishPlanComputed(environment, planID, reason string, actions []string) error {
	return ep.Publish(Event{
		Type:        EventTypePlanComputed,
		Environment: environment,
		PlanID:      planID,
		Message:     fmt.Sprintf("plan %s for %s: %s", planID, environment, reason),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"reason":  reason,
			"actions": actions,
		},
	})
}

// PublishActionStarted publishes an action started event.
func (ep *EventPublisher) PublishActionStarted(environment, planID, action string) error {
	return ep.Publish(Event{
		Type:        EventTypeActionStarted,
		Source:      "executor",
		Environment: environment,
		PlanID:      planID,
		Message:     fmt.Sprintf("%s on %s started", action, environment),
		Level:       EventLevelInfo,
		Data:        map[string]interface{}{"action": action},
	})
}

// PublishActionCompleted publishes an action completed event.
func (ep *EventPublisher) PublishActionCompleted(environment, planID, action string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeActionCompleted,
		Source:      "executor",
		Environment: environment,
		PlanID:      planID,
		Message:     fmt.Sprintf("%s on %s completed", action, environment),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"action":   action,
			"duration": duration.Seconds(),
		},
	})
}

// PublishActionFailed publishes an action failed event.
func (ep *EventPublisher) PublishActionFailed(environment, planID, action, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeActionFailed,
		Source:      "executor",
		Environment: environment,
		PlanID:      planID,
		Message:     fmt.Sprintf("%s on %s failed: %s", action, environment, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"action": action,
			"reason": reason,
		},
	})
}

// PublishStateChanged publishes a recorded container status transition.
func (ep *EventPublisher) PublishStateChanged(environment, oldStatus, newStatus string) error {
	return ep.Publish(Event{
		Type:        EventTypeStateChanged,
		Source:      "executor",
		Environment: environment,
		Message:     fmt.Sprintf("%s changed from %s to %s", environment, oldStatus, newStatus),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
		},
	})
}

// PublishLockContended publishes a rejected lock acquisition.
func (ep *EventPublisher) PublishLockContended(environment, holder string) error {
	return ep.Publish(Event{
		Type:        EventTypeLockContended,
		Environment: environment,
		Message:     fmt.Sprintf("%s is locked by %s", environment, holder),
		Level:       EventLevelWarning,
		Data:        map[string]interface{}{"holder": holder},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(environment, policyName, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyViolation,
		Source:      "policy",
		Environment: environment,
		Message:     fmt.Sprintf("policy %s rejected %s: %s", policyName, environment, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishPolicyWarning publishes a non-blocking policy finding.
func (ep *EventPublisher) PublishPolicyWarning(environment, policyName, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyWarning,
		Source:      "policy",
		Environment: environment,
		Message:     fmt.Sprintf("policy %s warns on %s: %s", policyName, environment, reason),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
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

// processEvents delivers buffered events until shutdown, then drains.
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

// deliverEvent calls every matching subscriber in order.
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
	if ep == nil || ep.cancel == nil {
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

// Common event filters.

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

// FilterByEnvironment creates a filter that only allows events for one environment.
func FilterByEnvironment(name string) EventFilter {
	return func(event Event) bool {
		return event.Environment == name
	}
}
