// Package realtime delivers record change notifications to subscribers.
package realtime

import (
	"context"
	"strings"
	"sync"
)

// EventType mirrors the row operation that produced a change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// TableLearningSpace is the table the mind-map view watches.
const TableLearningSpace = "learning_space"

// ChangeEvent is a push notification for one record. New carries the
// record's field values after the change (empty for deletes).
type ChangeEvent struct {
	Type     EventType      `json:"event_type"`
	Table    string         `json:"table"`
	RecordID string         `json:"record_id"`
	New      map[string]any `json:"new,omitempty"`
}

// StringField returns New[name] when it is a non-blank string.
func (e ChangeEvent) StringField(name string) (string, bool) {
	raw, ok := e.New[name]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// Feed publishes change events and hands out filtered subscriptions.
// An empty recordID subscribes to every record of the table.
type Feed interface {
	Publish(ctx context.Context, event ChangeEvent) error
	Subscribe(ctx context.Context, table, recordID string) (*Subscription, error)
	Close() error
}

const subscriptionBuffer = 64

// Subscription is a stream of change events. Close releases it; it is safe
// to call more than once and closes the Events channel.
type Subscription struct {
	events      chan ChangeEvent
	unsubscribe func()

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newSubscription(unsubscribe func()) *Subscription {
	return &Subscription{
		events:      make(chan ChangeEvent, subscriptionBuffer),
		unsubscribe: unsubscribe,
	}
}

func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

// deliver never blocks the publisher; a full buffer drops the event.
func (s *Subscription) deliver(event ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

// closeWithContext ties the subscription lifetime to ctx.
func (s *Subscription) closeWithContext(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	context.AfterFunc(ctx, s.Close)
}
