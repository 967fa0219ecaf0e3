package connection

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketchat/pkg/logger"
)

// Manager lifecycle events. Server frames are emitted under their frame type.
const (
	EventStateChange     = "state_change"
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventReconnecting    = "reconnecting"
	EventReconnectFailed = "reconnect_failed"
	EventError           = "connection_error"
	EventAny             = "*"
)

type Event struct {
	Type string
	Data interface{}
}

// Decode unmarshals the payload of a server frame event into v.
func (e Event) Decode(v interface{}) error {
	raw, ok := e.Data.(json.RawMessage)
	if !ok {
		return fmt.Errorf("event %s does not carry a frame payload", e.Type)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return json.Unmarshal(raw, v)
}

type StateChange struct {
	From State
	To   State
}

type CloseInfo struct {
	Code   int
	Reason string
}

type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}

type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// EventBus fans events out to listeners in subscription order. A listener
// that panics is logged and skipped.
type EventBus struct {
	mutex     sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]Listener
}

func NewEventBus() *EventBus {
	return &EventBus{
		listeners: make(map[string]map[uint64]Listener),
	}
}

// Subscribe registers fn for eventType, or for every event with EventAny.
// The returned func removes the subscription and is safe to call twice.
func (b *EventBus) Subscribe(eventType string, fn Listener) func() {
	b.mutex.Lock()
	b.nextID++
	id := b.nextID
	if b.listeners[eventType] == nil {
		b.listeners[eventType] = make(map[uint64]Listener)
	}
	b.listeners[eventType][id] = fn
	b.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mutex.Lock()
			defer b.mutex.Unlock()
			delete(b.listeners[eventType], id)
			if len(b.listeners[eventType]) == 0 {
				delete(b.listeners, eventType)
			}
		})
	}
}

func (b *EventBus) Emit(event Event) {
	for _, sub := range b.snapshot(event.Type) {
		b.call(sub, event)
	}
}

func (b *EventBus) snapshot(eventType string) []subscription {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	subs := make([]subscription, 0, len(b.listeners[eventType])+len(b.listeners[EventAny]))
	for id, fn := range b.listeners[eventType] {
		subs = append(subs, subscription{id: id, fn: fn})
	}
	if eventType != EventAny {
		for id, fn := range b.listeners[EventAny] {
			subs = append(subs, subscription{id: id, fn: fn})
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (b *EventBus) call(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Connection: Listener for %s panicked: %v", event.Type, r)
		}
	}()
	sub.fn(event)
}
