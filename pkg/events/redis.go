package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/app/settlement"
)

// RedisPublisher pushes settlement events to a Redis pub/sub channel.
// Publishing is best-effort: failures are logged, never returned.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewRedisPublisher(addr, channel string, log *zap.SugaredLogger) *RedisPublisher {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisPublisherWithClient(rdb, channel, log)
}

func NewRedisPublisherWithClient(client *redis.Client, channel string, log *zap.SugaredLogger) *RedisPublisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisPublisher{client: client, channel: channel, timeout: 2 * time.Second, log: log}
}

// Ping checks connectivity so the node can fail fast on a bad REDIS_ADDR.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Publish(ev settlement.Event) {
	payload, err := Encode(ev)
	if err != nil {
		p.log.Warnw("redis_encode_failed", "type", ev.EventType(), "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Warnw("redis_publish_failed", "channel", p.channel, "err", err)
	}
}

// Subscribe delivers decoded events from the channel until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, fn func(settlement.Event)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				p.log.Warnw("redis_decode_failed", "err", err)
				continue
			}
			fn(ev)
		}
	}
}

func (p *RedisPublisher) Close() error { return p.client.Close() }

var _ settlement.EventSink = (*RedisPublisher)(nil)
