package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"mindspark/api/internal/realtime"
)

// ChangeChannel is the NOTIFY channel written by the learning_space trigger.
const ChangeChannel = "learning_space_changes"

type changePublisher interface {
	Publish(ctx context.Context, event realtime.ChangeEvent) error
}

// Listener relays Postgres change notifications into a realtime feed, so
// rows updated outside this service (by the generation job) still reach
// subscribed views.
type Listener struct {
	databaseURL string
	publisher   changePublisher
	logger      *zap.Logger
	backoff     time.Duration
	maxBackoff  time.Duration
	// listen runs one connection; listening reports whether LISTEN succeeded.
	listen func(ctx context.Context) (listening bool, err error)
}

func NewListener(databaseURL string, publisher changePublisher, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Listener{
		databaseURL: databaseURL,
		publisher:   publisher,
		logger:      logger,
		backoff:     time.Second,
		maxBackoff:  30 * time.Second,
	}
	l.listen = l.listenOnce
	return l
}

// Run listens until ctx is cancelled, reconnecting after connection loss.
// The backoff doubles while reconnects keep failing and starts over once a
// connection reaches LISTEN.
func (l *Listener) Run(ctx context.Context) error {
	wait := l.backoff
	for {
		listening, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if listening {
			wait = l.backoff
		}
		l.logger.Warn("change listener disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, l.maxBackoff)
	}
}

func (l *Listener) listenOnce(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return false, fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	l.logger.Info("listening for record changes", zap.String("channel", ChangeChannel))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		event, err := ParseChangeNotification(notification.Payload)
		if err != nil {
			l.logger.Warn("dropping malformed change notification", zap.Error(err))
			continue
		}
		if err := l.publisher.Publish(ctx, event); err != nil {
			l.logger.Error("relay change notification", zap.String("record_id", event.RecordID), zap.Error(err))
		}
	}
}

// ParseChangeNotification decodes a trigger payload into a change event.
func ParseChangeNotification(payload string) (realtime.ChangeEvent, error) {
	var event realtime.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return realtime.ChangeEvent{}, fmt.Errorf("decode change payload: %w", err)
	}
	if event.Table == "" || event.RecordID == "" {
		return realtime.ChangeEvent{}, errors.New("change payload missing table or record_id")
	}
	switch event.Type {
	case realtime.EventInsert, realtime.EventUpdate, realtime.EventDelete:
	default:
		return realtime.ChangeEvent{}, fmt.Errorf("unknown change event type %q", event.Type)
	}
	return event, nil
}
