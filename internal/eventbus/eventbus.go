// Package eventbus implements the node's internal event bus over NATS.
// Gossip ingestion and cross-worker notifications (peer recovery, counter
// flush, GC completion) publish here instead of calling each other
// directly, the same separation of concerns the teacher's internal/events
// package gives REST handlers and the WebSocket gateway — but with
// fedi3-specific subjects instead of guild/channel/message ones.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject constants define the NATS subject hierarchy for all internal
// event types. Subjects follow the pattern: fedi3.<category>.<action>
const (
	// Gossip ingestion — a peer announced an object over the overlay.
	SubjectGossipObjectSeen = "fedi3.gossip.object_seen"
	SubjectGossipPeerSeen   = "fedi3.gossip.peer_seen"

	// Peer lifecycle.
	SubjectPeerRecovered   = "fedi3.peer.recovered"
	SubjectPeerUnreachable = "fedi3.peer.unreachable"

	// Delivery queue notifications.
	SubjectDeliveryRetry     = "fedi3.delivery.retry"
	SubjectDeliveryDead      = "fedi3.delivery.dead"
	SubjectDeliveryCompleted = "fedi3.delivery.completed"

	// Chat notifications, for WebRTC/overlay fallback fanout.
	SubjectChatEnvelopeReady = "fedi3.chat.envelope_ready"

	// Background worker housekeeping.
	SubjectCounterFlush  = "fedi3.worker.counter_flush"
	SubjectGCCompleted   = "fedi3.worker.gc_completed"
	SubjectObjectFetched = "fedi3.worker.object_fetched"
)

// Event is the envelope for every message published on the bus.
type Event struct {
	Type    string          `json:"t"`
	PeerID  string          `json:"peer_id,omitempty"`
	ActorID string          `json:"actor_id,omitempty"`
	Data    json.RawMessage `json:"d"`
}

// Bus wraps a NATS connection with typed publish/subscribe helpers.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New connects to the NATS server at natsURL and obtains a JetStream
// context; the streams themselves are created by EnsureStreams.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("fedi3-node"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))
	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// EnsureStreams creates the JetStream streams this node relies on if they
// don't already exist. Call during startup.
func (b *Bus) EnsureStreams() error {
	streams := []nats.StreamConfig{
		{
			Name: "FEDI3_GOSSIP",
			Subjects: []string{
				"fedi3.gossip.>",
				"fedi3.peer.>",
			},
			Retention: nats.LimitsPolicy,
			MaxAge:    1 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name: "FEDI3_WORKERS",
			Subjects: []string{
				"fedi3.delivery.>",
				"fedi3.chat.>",
				"fedi3.worker.>",
			},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		info, err := b.js.StreamInfo(cfg.Name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("checking stream %s: %w", cfg.Name, err)
		}
		if info == nil {
			if _, err := b.js.AddStream(&cfg); err != nil {
				return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
			}
			b.logger.Info("JetStream stream created", slog.String("stream", cfg.Name))
		} else {
			b.logger.Debug("JetStream stream exists", slog.String("stream", cfg.Name))
		}
	}
	return nil
}

// Publish sends an event to subject, JSON-encoding it first.
func (b *Bus) Publish(_ context.Context, subject string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	b.logger.Debug("event published", slog.String("subject", subject), slog.String("type", event.Type))
	return nil
}

// PublishPeerEvent publishes an event about a specific peer (recovery,
// unreachability).
func (b *Bus) PublishPeerEvent(ctx context.Context, subject, eventType, peerID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, PeerID: peerID, Data: raw})
}

// PublishActorEvent publishes an event scoped to a local actor (e.g. a
// chat envelope becoming ready for its recipient).
func (b *Bus) PublishActorEvent(ctx context.Context, subject, eventType, actorID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, ActorID: actorID, Data: raw})
}

// PublishWorkerEvent publishes a background-worker notification with no
// peer/actor scoping (counter flush, GC completion).
func (b *Bus) PublishWorkerEvent(ctx context.Context, subject, eventType string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, Data: raw})
}

// Subscribe subscribes to subject, decoding each message as an Event.
func (b *Bus) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.logger.Debug("subscribed to subject", slog.String("subject", subject))
	return sub, nil
}

// SubscribeWildcard subscribes to a wildcard pattern such as
// "fedi3.gossip.>", passing the concrete subject to the handler.
func (b *Bus) SubscribeWildcard(pattern string, handler func(string, Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		handler(msg.Subject, event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	b.logger.Debug("subscribed to pattern", slog.String("pattern", pattern))
	return sub, nil
}

// QueueSubscribe creates a queue-group subscription so multiple node
// processes can load-balance handling of the same subject.
func (b *Bus) QueueSubscribe(subject, queue string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("queue subscribing to %s (queue: %s): %w", subject, queue, err)
	}
	b.logger.Debug("queue subscribed", slog.String("subject", subject), slog.String("queue", queue))
	return sub, nil
}

// Conn returns the underlying NATS connection for advanced use cases.
func (b *Bus) Conn() *nats.Conn { return b.conn }

// JetStream returns the JetStream context for stream operations.
func (b *Bus) JetStream() nats.JetStreamContext { return b.js }

// HealthCheck reports whether the NATS connection is alive.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}

// Stop is an alias for Close so Bus satisfies core.Stoppable.
func (b *Bus) Stop() { b.Close() }
