package coordinator

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventGroupStatus        = "group_status"
	EventTransitionTimeout  = "transition_timeout"
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
	EventDeviceRemoved      = "device_removed"
	EventAseState           = "ase_state"
	EventLinkQuality        = "link_quality"
	EventControlPointError  = "control_point_error"
)

// Event represents a coordinator event.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Group returns the id of the group the event belongs to, if any.
func (e Event) Group() (int, bool) {
	id, ok := e.Data["group"].(int)
	return id, ok
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// subscription matches events by type ("" for any) and by group (0 for
// any, including events without a group).
type subscription struct {
	id        uint64
	eventType string
	group     int
	handler   EventHandler
}

func (s *subscription) matches(event Event) bool {
	if s.eventType != "" && s.eventType != event.Type {
		return false
	}
	if s.group == 0 {
		return true
	}
	id, ok := event.Group()
	return ok && id == s.group
}

// EventBus provides pub/sub for coordinator events. Handlers run in
// subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, 0, handler)
}

// OnGroup registers a handler for every event of one group.
func (eb *EventBus) OnGroup(groupID int, handler EventHandler) func() {
	return eb.subscribe("", groupID, handler)
}

// OnAll registers a handler that receives all events.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", 0, handler)
}

func (eb *EventBus) subscribe(eventType string, groupID int, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, &subscription{id: id, eventType: eventType, group: groupID, handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, s := range eb.subs {
			if s.id == id {
				eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every matching handler synchronously. A panicking handler is
// recovered and logged.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var matched []EventHandler
	for _, s := range eb.subs {
		if s.matches(event) {
			matched = append(matched, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range matched {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
