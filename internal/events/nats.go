package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentforge/agentforge/internal/logger"
)

// NATSBus relays events through a NATS server instead of keeping them
// in-process, for the multi-instance deployment SPEC_FULL.md §12 allows as
// an optional distributed broadcast backend. Grounded on the teacher's
// internal/events/bus/nats.go (connection + reconnect handlers, subject
// translation from NATS-style subjects which our dot-separated subjects
// already are).
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSBus dials url and returns a Bus backed by that connection.
func NewNATSBus(url string, log *logger.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if log != nil && err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if log != nil {
				log.Info("nats reconnected")
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBus{conn: conn, log: log}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, ev *Event) {
	data, err := encodeEvent(ev)
	if err != nil {
		if b.log != nil {
			b.log.WithError(err).Error("nats encode failed")
		}
		return
	}
	if err := b.conn.Publish(subject, data); err != nil && b.log != nil {
		b.log.WithError(err).Error("nats publish failed")
	}
}

func (b *NATSBus) Subscribe(subject string, handler Handler) Subscription {
	sub, err := b.conn.Subscribe(toNATSSubject(subject), func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			if b.log != nil {
				b.log.WithError(err).Error("nats decode failed")
			}
			return
		}
		handler(context.Background(), ev)
	})
	if err != nil {
		if b.log != nil {
			b.log.WithError(err).Error("nats subscribe failed")
		}
		return noopSubscription{}
	}
	return &natsSubscription{sub: sub}
}

func (b *NATSBus) Close() {
	b.conn.Close()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

// toNATSSubject rewrites our `>`-as-remainder/`*`-as-token wildcard subjects,
// which already follow NATS conventions, unchanged — kept as a named step so
// a future subject dialect only needs one function touched.
func toNATSSubject(subject string) string {
	return strings.TrimSpace(subject)
}

type wireEvent struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func encodeEvent(ev *Event) ([]byte, error) {
	return json.Marshal(wireEvent{ID: ev.ID, Subject: ev.Subject, Source: ev.Source, Timestamp: ev.Timestamp, Data: ev.Data})
}

func decodeEvent(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Event{ID: w.ID, Subject: w.Subject, Source: w.Source, Timestamp: w.Timestamp, Data: w.Data}, nil
}
