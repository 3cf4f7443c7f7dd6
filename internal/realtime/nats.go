package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "records"

// NATSFeed carries change events over NATS so every API replica sees writes
// made through any other one. Subjects are records.<table>.<record_id>.
type NATSFeed struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSFeed connects with unlimited reconnects. Extra nats.Option values
// (e.g. disconnect handlers) are appended to the defaults.
func NewNATSFeed(url string, logger *zap.Logger, opts ...nats.Option) (*NATSFeed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := []nats.Option{
		nats.Name("mindspark-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSFeed{conn: nc, logger: logger}, nil
}

func subject(table, recordID string) string {
	if recordID == "" {
		return subjectPrefix + "." + subjectToken(table) + ".*"
	}
	return subjectPrefix + "." + subjectToken(table) + "." + subjectToken(recordID)
}

// subjectToken keeps ids from introducing extra subject levels or wildcards.
func subjectToken(value string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(value)
}

func (f *NATSFeed) Publish(ctx context.Context, event ChangeEvent) error {
	if event.Table == "" || event.RecordID == "" {
		return fmt.Errorf("publish change: table and record id are required")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling change event: %w", err)
	}
	if err := f.conn.Publish(subject(event.Table, event.RecordID), data); err != nil {
		return fmt.Errorf("publishing change event: %w", err)
	}
	return nil
}

func (f *NATSFeed) Subscribe(ctx context.Context, table, recordID string) (*Subscription, error) {
	var natsSub *nats.Subscription
	sub := newSubscription(func() {
		if natsSub != nil {
			_ = natsSub.Unsubscribe()
		}
	})

	topic := subject(table, recordID)
	natsSub, err := f.conn.Subscribe(topic, func(msg *nats.Msg) {
		var event ChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			f.logger.Warn("dropping malformed change event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if !sub.deliver(event) {
			f.logger.Debug("change event not delivered", zap.String("subject", msg.Subject))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Flush registers the interest on the server before returning, so events
	// published on other connections after Subscribe are routed here.
	if err := f.Flush(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	sub.closeWithContext(ctx)
	return sub, nil
}

// Flush waits until published events have reached the server. Contexts
// without a deadline fall back to the client's default flush timeout.
func (f *NATSFeed) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return f.conn.Flush()
	}
	return f.conn.FlushWithContext(ctx)
}

func (f *NATSFeed) Close() error {
	f.conn.Close()
	return nil
}
