// Package notify delivers the events of committed approval transitions to
// the people who need to act on them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/model"
)

// Sink delivers one event. A returned error is retried by the dispatcher.
type Sink interface {
	Deliver(ctx context.Context, e model.Event) error
}

// LogSink writes events to the log. It is the default when no broker is
// configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Deliver writes e to the log. It never fails.
func (s *LogSink) Deliver(_ context.Context, e model.Event) error {
	s.logger.Info("notification",
		zap.String("event_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("asset_id", e.AssetID),
		zap.Int("stage_order", e.StageOrder),
		zap.Strings("recipients", e.Recipients),
		zap.String("actor_id", e.ActorID),
	)
	return nil
}

// Publisher is the part of *nats.Conn the NATS sink uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes events as JSON on <prefix>.<kind>.
type NATSSink struct {
	conn   Publisher
	prefix string
}

// NewNATSSink creates a sink publishing under prefix, e.g.
// "assetflow.notifications".
func NewNATSSink(conn Publisher, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event of kind is published on.
func (s *NATSSink) Subject(kind model.EventKind) string {
	return fmt.Sprintf("%s.%s", s.prefix, kind)
}

// Deliver publishes e as JSON with the trace context in the message headers.
func (s *NATSSink) Deliver(ctx context.Context, e model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	msg := &nats.Msg{
		Subject: s.Subject(e.Kind),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	observability.InjectHeaders(ctx, propagation.HeaderCarrier(msg.Header))

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Connect dials NATS with reconnects enabled, logging connection state
// changes.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("assetflow"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// HealthCheck reports whether conn is connected. Used for readiness.
func HealthCheck(conn *nats.Conn) observability.HealthCheckFunc {
	return func(context.Context) error {
		if conn.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", conn.Status())
		}
		return nil
	}
}
