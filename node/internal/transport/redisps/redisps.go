package redisps

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"trinity-symphony-coordination/shared/config"
)

// PubSub bridges coordination channels to Redis pub/sub. One subscription and
// one receive goroutine per channel.
type PubSub struct {
	redis *redis.Client

	mu   sync.Mutex
	subs map[string]*subscription
	wg   sync.WaitGroup
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func New(cfg config.Config) (*PubSub, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &PubSub{redis: rdb, subs: make(map[string]*subscription)}, nil
}

func (p *PubSub) Ping(ctx context.Context) error {
	if p == nil || p.redis == nil {
		return errors.New("redis client not initialized")
	}
	return p.redis.Ping(ctx).Err()
}

func (p *PubSub) Subscribe(ctx context.Context, channel string, fn func(payload []byte)) error {
	if p == nil || p.redis == nil {
		return errors.New("redis client not initialized")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[channel]; ok {
		return errors.New("already subscribed to " + channel)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	ps := p.redis.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return err
	}
	p.subs[channel] = &subscription{pubsub: ps, cancel: cancel}

	ch := ps.Channel()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-recvCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (p *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if p == nil || p.redis == nil {
		return errors.New("redis client not initialized")
	}
	ctx, span := otel.Tracer("redisps").Start(ctx, "redis.publish")
	span.SetAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.destination", channel),
	)
	defer span.End()
	return p.redis.Publish(ctx, channel, payload).Err()
}

func (p *PubSub) Unsubscribe(channel string) error {
	p.mu.Lock()
	sub, ok := p.subs[channel]
	if ok {
		delete(p.subs, channel)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	return sub.pubsub.Close()
}

func (p *PubSub) Close() error {
	p.mu.Lock()
	for channel, sub := range p.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(p.subs, channel)
	}
	p.mu.Unlock()
	p.wg.Wait()
	if p.redis != nil {
		return p.redis.Close()
	}
	return nil
}
