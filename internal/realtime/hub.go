package realtime

import (
	"context"
	"errors"
	"sync"
)

var ErrFeedClosed = errors.New("realtime: feed closed")

// Hub is an in-process Feed. It is used when no broker is configured and
// for tests.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

func hubKey(table, recordID string) string {
	if recordID == "" {
		return table + "/*"
	}
	return table + "/" + recordID
}

func (h *Hub) Publish(ctx context.Context, event ChangeEvent) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrFeedClosed
	}
	keys := []string{hubKey(event.Table, "")}
	if event.RecordID != "" {
		keys = append(keys, hubKey(event.Table, event.RecordID))
	}
	var targets []*Subscription
	for _, key := range keys {
		for sub := range h.subs[key] {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(event)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, table, recordID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := hubKey(table, recordID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrFeedClosed
	}

	var sub *Subscription
	sub = newSubscription(func() { h.remove(key, sub) })
	if h.subs[key] == nil {
		h.subs[key] = make(map[*Subscription]struct{})
	}
	h.subs[key][sub] = struct{}{}
	sub.closeWithContext(ctx)
	return sub, nil
}

func (h *Hub) remove(key string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[key], sub)
	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
}

// Close closes every open subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*Subscription
	for _, subs := range h.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}

// SubscriberCount reports open subscriptions for a table/record pair.
func (h *Hub) SubscriberCount(table, recordID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[hubKey(table, recordID)])
}
