package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name identifies an event with a dotted hierarchy, e.g.
// "process_triage.action_audit" or "cancellation_requested".
type Name string

const (
	NameCancellationRequested   Name = "cancellation_requested"
	NameCancellationEscalated   Name = "cancellation_escalated"
	NameCancellationCompleted   Name = "cancellation_completed"
	NameCancellationFailed      Name = "cancellation_failed"
	NamePressureStateChanged    Name = "pressure.state_changed"
	NameCircuitStateChanged     Name = "circuit.state_changed"
	NameReliabilityStateChanged Name = "reliability.state_changed"
	NameTriageActionAudit       Name = "process_triage.action_audit"
	NameTriageSweepCompleted    Name = "process_triage.sweep_completed"
	NameConvergenceDriftChanged Name = "repo_convergence.drift_changed"
	NameCacheCleanupCompleted   Name = "cache_cleanup.completed"
	NameHarnessScenarioStarted  Name = "harness.scenario_started"
	NameHarnessPhaseCompleted   Name = "harness.phase_completed"
	NameHarnessScenarioFinished Name = "harness.scenario_finished"
	NameHarnessFailureHookDenied Name = "harness.failure_hook_denied"
)

// Event is a structured, best-effort-delivered payload broadcast on the bus.
// Consumers must tolerate unknown fields in Payload for forward compatibility.
type Event struct {
	ID        string
	Type      Name
	Timestamp time.Time
	Message   string
	Payload   map[string]any
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes events to subscribers. Delivery is best-effort: a slow
// subscriber drops events rather than blocking the emitter.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Emit publishes a named event with a payload. Timestamp and ID are
// generated if not already set.
func (b *Broker) Emit(name Name, message string, payload map[string]any) {
	b.Publish(&Event{
		Type:    name,
		Message: message,
		Payload: payload,
	})
}

// Publish publishes a pre-built event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

// broadcast delivers an event to every subscriber. Emissions are ordered
// within this single emitter's run loop but not globally across emitters.
// A full subscriber buffer evicts its oldest pending event to make room,
// so a slow consumer always sees the newest events.
func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
			continue
		default:
		}
		// Buffer full: evict the oldest, then retry once. The second send
		// can still lose to a concurrent reader racing the buffer; the
		// event is dropped in that case rather than blocking the broker.
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
