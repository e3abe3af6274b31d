package controller

import (
	"log/slog"
	"sync"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/serialapi"
)

// Event types
const (
	EventInclusionStarted = "inclusion_started"
	EventInclusionStopped = "inclusion_stopped"
	EventInclusionFailed  = "inclusion_failed"
	EventExclusionStarted = "exclusion_started"
	EventExclusionStopped = "exclusion_stopped"
	EventExclusionFailed  = "exclusion_failed"
	EventNodeFound        = "node_found"
	EventNodeAdded        = "node_added"
	EventNodeRemoved      = "node_removed"
	EventStatusChanged    = "status_changed"
	EventGrantRequested   = "grant_requested"
	EventDSKRequested     = "dsk_requested"
	EventBootstrapAborted = "bootstrap_aborted"
)

// Event is a lifecycle notification. AttemptID ties together the events
// of one inclusion, exclusion or replace attempt.
type Event struct {
	Type      string `json:"type"`
	AttemptID string `json:"attempt_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// StartedData accompanies inclusion_started and exclusion_started.
type StartedData struct {
	Strategy string `json:"strategy"`
	NodeID   uint16 `json:"node_id,omitempty"`
}

// FailedData accompanies inclusion_failed and exclusion_failed.
type FailedData struct {
	Error string `json:"error"`
}

type StatusData struct {
	State StateKind `json:"state"`
}

type NodeFoundData struct {
	NodeID uint16              `json:"node_id"`
	Info   *serialapi.NodeInfo `json:"info,omitempty"`
}

// NodeAddedData reports a committed node and how its bootstrap went.
type NodeAddedData struct {
	NodeID      uint16                  `json:"node_id"`
	Strategy    string                  `json:"strategy"`
	Granted     security.Grants         `json:"security_classes"`
	LowSecurity bool                    `json:"low_security"`
	Reason      bootstrap.FailureReason `json:"reason,omitempty"`
	DSK         string                  `json:"dsk,omitempty"`
}

// RemovedReason says why a node left the registry.
type RemovedReason string

const (
	RemovedExcluded         RemovedReason = "excluded"
	RemovedReplaced         RemovedReason = "replaced"
	RemovedSmartStartFailed RemovedReason = "smart_start_failed"
)

type NodeRemovedData struct {
	NodeID uint16        `json:"node_id"`
	Reason RemovedReason `json:"reason"`
}

// GrantRequestedData asks the user which classes to grant.
type GrantRequestedData struct {
	NodeID  uint16           `json:"node_id"`
	Classes []security.Class `json:"classes"`
}

// DSKRequestedData asks the user to confirm a DSK and enter its PIN.
type DSKRequestedData struct {
	NodeID uint16 `json:"node_id"`
	DSK    string `json:"dsk"`
}

type BootstrapAbortedData struct {
	NodeID uint16 `json:"node_id"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for controller events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls every matching handler synchronously. A panicking handler is
// recovered and logged.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
