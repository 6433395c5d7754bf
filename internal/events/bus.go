// Package events fans session lifecycle events out to other processes over
// Redis. Pub/Sub carries live events; a capped stream keeps recent history
// for consumers that reconnect.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/updown-engine/internal/model"
)

const (
	// DefaultChannel is the Pub/Sub channel events are published on.
	DefaultChannel = "updown:settlements"

	streamMaxLen int64 = 10000
)

// Event types.
const (
	TypeSessionOpened  = "session_opened"
	TypeSessionSettled = "session_settled"
)

// Event is the JSON payload published for each lifecycle event.
type Event struct {
	Type      string                `json:"type"`
	SessionID string                `json:"session_id"`
	Session   *model.Session        `json:"session,omitempty"`
	Summary   *model.SessionSummary `json:"summary,omitempty"`
}

// RedisBus publishes events to Redis. It implements settlement.Notifier.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	stream  string
	logger  *slog.Logger
}

// NewRedisBus creates a bus on channel. An empty channel uses DefaultChannel.
func NewRedisBus(rdb *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		stream:  channel + ":log",
		logger:  logger.With("component", "events"),
	}
}

// SessionOpened publishes a session_opened event.
func (b *RedisBus) SessionOpened(ctx context.Context, s model.Session) error {
	return b.Publish(ctx, Event{Type: TypeSessionOpened, SessionID: s.ID, Session: &s})
}

// SessionSettled publishes a session_settled event.
func (b *RedisBus) SessionSettled(ctx context.Context, summary model.SessionSummary) error {
	return b.Publish(ctx, Event{Type: TypeSessionSettled, SessionID: summary.SessionID, Summary: &summary})
}

// Publish sends e on the channel and appends it to the stream.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}

	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, b.channel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	return nil
}

// Subscribe returns live events until ctx is cancelled, then closes the
// channel. Malformed payloads are logged and skipped.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("events: subscribe %s: %w", b.channel, err)
	}

	out := make(chan Event, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				e, err := Decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("dropping malformed event", "error", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// History returns up to count events from the stream, oldest first.
func (b *RedisBus) History(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, b.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("events: read %s: %w", b.stream, err)
	}

	events := make([]Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		var data []byte
		switch v := msgs[i].Values["payload"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		e, err := Decode(data)
		if err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Decode parses an event payload.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("events: decode: %w", err)
	}
	if e.Type != TypeSessionOpened && e.Type != TypeSessionSettled {
		return Event{}, fmt.Errorf("events: unknown type %q", e.Type)
	}
	return e, nil
}
