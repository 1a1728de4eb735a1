package events

import (
	"context"
	"encoding/json"
	"errors"

	"tableside/internal/logging"
	"tableside/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRelayChannel = "tableside:events"

type relayMessage struct {
	Origin  string          `json:"origin"`
	Rooms   []string        `json:"rooms"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay shares pushes between instances over a Redis pub/sub channel.
// Messages carry the sending instance id so an instance never re-delivers
// its own pushes.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	sink    Sink
	logger  *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel string, sink Sink, logger *zap.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		sink:    sink,
		logger:  logging.OrNop(logger),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, rooms []string, payload []byte) error {
	msg, err := json.Marshal(relayMessage{Origin: r.origin, Rooms: rooms, Payload: payload})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, msg).Err()
}

// Run delivers messages from other instances into the local sink until ctx
// is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	r.logger.Info("relay subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) deliver(raw []byte) int {
	var msg relayMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.RelayErrors.Inc()
		r.logger.Warn("relay decode failed", zap.Error(err))
		return 0
	}
	if msg.Origin == r.origin {
		return 0
	}
	delivered := 0
	for _, room := range msg.Rooms {
		delivered += r.sink.Broadcast(room, msg.Payload)
	}
	return delivered
}
