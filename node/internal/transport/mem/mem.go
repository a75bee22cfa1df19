package mem

import (
	"context"
	"errors"
	"sync"
)

// Broker is an in-process pub/sub fabric shared by every Conn attached to it.
// It stands in for the real broker in tests: same at-least-once, unordered
// semantics, no durability.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]map[*Conn]func(payload []byte)
	closed   bool
}

func NewBroker() *Broker {
	return &Broker{channels: make(map[string]map[*Conn]func(payload []byte))}
}

// Connect returns a transport handle for one participant.
func (b *Broker) Connect() *Conn {
	return &Conn{broker: b}
}

func (b *Broker) publish(channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("mem broker closed")
	}
	subs := make([]func([]byte), 0, len(b.channels[channel]))
	for _, fn := range b.channels[channel] {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	// Copy per subscriber so a handler cannot mutate another's view.
	for _, fn := range subs {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		fn(buf)
	}
	return nil
}

type Conn struct {
	broker *Broker
	mu     sync.Mutex
	closed bool

	// FailPublish forces Publish to fail; tests use it to exercise the
	// transport-error paths.
	FailPublish bool
}

func (c *Conn) Subscribe(_ context.Context, channel string, fn func(payload []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("mem conn closed")
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[*Conn]func(payload []byte))
	}
	if _, ok := b.channels[channel][c]; ok {
		return errors.New("already subscribed to " + channel)
	}
	b.channels[channel][c] = fn
	return nil
}

func (c *Conn) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("mem conn closed")
	}
	if c.FailPublish {
		c.mu.Unlock()
		return errors.New("publish failed")
	}
	c.mu.Unlock()
	return c.broker.publish(channel, payload)
}

func (c *Conn) Unsubscribe(channel string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subs := range b.channels {
		delete(subs, c)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
	return nil
}
