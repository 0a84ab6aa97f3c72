package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// RedisPublisher publishes events on one Redis channel per instance so
// observers in other processes can follow a run.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger
}

var _ EventHub = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher. Channels are named
// "<prefix>events:<instanceID>".
func NewRedisPublisher(client redis.UniversalClient, prefix string, log *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = "dreamteam:"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{client: client, prefix: prefix + "events:", log: log}
}

// Channel returns the channel events of instanceID are published on.
func (p *RedisPublisher) Channel(instanceID string) string {
	return p.prefix + instanceID
}

// Emit publishes the event as JSON.
func (p *RedisPublisher) Emit(ctx context.Context, instanceID string, event schema.Event) error {
	data, err := json.Marshal(StreamEvent{InstanceID: instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(instanceID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	return nil
}

// Subscribe follows one instance's channel, or every instance when the
// filter has no instance id. Messages that fail to decode are logged and
// skipped. The channel closes when cancel is called or ctx ends.
func (p *RedisPublisher) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	var sub *redis.PubSub
	if filter.InstanceID != "" {
		sub = p.client.Subscribe(ctx, p.Channel(filter.InstanceID))
	} else {
		sub = p.client.PSubscribe(ctx, p.prefix+"*")
	}
	// Wait for the confirmation so no event published after Subscribe
	// returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					p.log.Warn("undecodable event message", "channel", msg.Channel, "error", err)
					continue
				}
				if ev.InstanceID == "" {
					ev.InstanceID = strings.TrimPrefix(msg.Channel, p.prefix)
				}
				if !filter.Match(ev) {
					continue
				}
				select {
				case out <- ev:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}
