package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/detekoi/chatsage-sub004/internal/domain"
	"github.com/detekoi/chatsage-sub004/internal/metrics"
)

const changeChannel = "registry:changes"

// defaultQueueSize bounds the change queue. Events beyond this are dropped
// (and counted); the periodic full reconciliation catches anything missed.
const defaultQueueSize = 256

// PublishChange announces a registry document change to all instances.
func PublishChange(ctx context.Context, rdb *goredis.Client, change domain.ChannelChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := rdb.Publish(ctx, changeChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// ChangeStream subscribes to registry change notifications and hands them to
// a consumer through a bounded queue. The pub/sub receive loop never blocks on
// a slow consumer: when the queue is full the event is dropped and counted.
type ChangeStream struct {
	rdb   *goredis.Client
	queue chan domain.ChannelChange
}

func NewChangeStream(rdb *goredis.Client) *ChangeStream {
	return &ChangeStream{
		rdb:   rdb,
		queue: make(chan domain.ChannelChange, defaultQueueSize),
	}
}

// Events returns the consumer side of the bounded queue.
func (s *ChangeStream) Events() <-chan domain.ChannelChange {
	return s.queue
}

// Run receives pub/sub messages until ctx is cancelled. It closes the queue
// on return so the consumer terminates too.
func (s *ChangeStream) Run(ctx context.Context) {
	pubsub := s.rdb.Subscribe(ctx, changeChannel)
	defer func() { _ = pubsub.Close() }()
	defer close(s.queue)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handle(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (s *ChangeStream) handle(payload string) {
	var change domain.ChannelChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		slog.Warn("Dropping malformed change event", "error", err)
		return
	}
	if change.ChannelName == "" {
		slog.Warn("Dropping change event without channel name", "type", change.Type)
		return
	}
	change.ChannelName = domain.NormalizeChannelName(change.ChannelName)

	metrics.ChangeEventsTotal.WithLabelValues(string(change.Type)).Inc()

	select {
	case s.queue <- change:
	default:
		metrics.ChangeEventsDroppedTotal.Inc()
		slog.Warn("Change queue full, dropping event", "channel", change.ChannelName, "type", change.Type)
	}
}
