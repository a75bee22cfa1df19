package transport

import "context"

// PubSub is the broker boundary the message queue builds on. Implementations
// provide at-least-once, unordered, non-durable delivery per named channel.
// Subscribe callbacks may run on implementation-owned goroutines and must not
// block for long.
type PubSub interface {
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Unsubscribe(channel string) error
	Close() error
}
