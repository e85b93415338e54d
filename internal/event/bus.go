// Package event implements a minimal in-process CloudEvents-shaped pub/sub
// bus. It is intentionally simple — a durable, cross-process event mesh is
// out of scope; this exists to let extensions and plugins notify each other
// without a direct dependency between them.
package event

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CloudEvent is a CloudEvents-shaped envelope (https://cloudevents.io),
// trimmed to the fields this host actually uses.
type CloudEvent struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Type   string `json:"type"`
	Time   string `json:"time"`
	Data   any    `json:"data,omitempty"`
}

// PublishRequest is what a caller sends to publish a new event; ID, Source,
// and Time are stamped by the bus.
type PublishRequest struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// IntoCloudEvent stamps a PublishRequest into a full CloudEvent with the
// given source.
func (p PublishRequest) IntoCloudEvent(source string) CloudEvent {
	return CloudEvent{
		ID:     uuid.NewString(),
		Source: source,
		Type:   p.Type,
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
		Data:   p.Data,
	}
}

type subscription struct {
	id            string
	typePattern   string
	sourcePattern string
	ch            chan CloudEvent
}

// Bus is an in-process publish/subscribe event bus matching on glob-ish
// type/source patterns ("*" as a trailing wildcard, exact match otherwise).
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// Subscribe registers a new subscription and returns its id and a channel of
// matching future events. The channel is closed only when Unsubscribe is
// called; a full channel makes Publish drop the event for this subscriber
// but does not close it. Callers should treat channel closure as
// "subscription ended".
func (b *Bus) Subscribe(typePattern, sourcePattern string) (string, <-chan CloudEvent) {
	if typePattern == "" {
		typePattern = "*"
	}
	id := uuid.NewString()
	ch := make(chan CloudEvent, 64)
	sub := &subscription{id: id, typePattern: typePattern, sourcePattern: sourcePattern, ch: ch}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscription and closes its channel, which causes
// the delivery task reading it to exit gracefully.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers event to every matching subscription. Delivery to a
// single subscriber is non-blocking: a subscriber whose channel is full
// (i.e. not draining fast enough) simply misses the event rather than
// stalling every other subscriber or the publisher.
func (b *Bus) Publish(e CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !matchPattern(sub.typePattern, e.Type) {
			continue
		}
		if sub.sourcePattern != "" && !matchPattern(sub.sourcePattern, e.Source) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// matchPattern supports an exact match or a trailing "*" wildcard prefix
// match (e.g. "plugin.*" matches "plugin.installed").
func matchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}
