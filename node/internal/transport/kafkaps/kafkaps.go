package kafkaps

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"trinity-symphony-coordination/shared/config"
)

// PubSub maps coordination channels onto Kafka topics: a shared writer for
// publish and one reader per subscribed channel. Each deployment uses its own
// consumer group so broadcast topics fan out to every subscriber.
type PubSub struct {
	writer  *kafka.Writer
	brokers []string
	groupID string

	mu      sync.Mutex
	readers map[string]*reader
	wg      sync.WaitGroup
}

type reader struct {
	kafka  *kafka.Reader
	cancel context.CancelFunc
}

func New(cfg config.Config) (*PubSub, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaGroupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &PubSub{
		writer:  w,
		brokers: cfg.KafkaBrokers,
		groupID: cfg.KafkaGroupID,
		readers: make(map[string]*reader),
	}, nil
}

func (p *PubSub) Subscribe(ctx context.Context, channel string, fn func(payload []byte)) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka transport not initialized")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.readers[channel]; ok {
		return errors.New("already subscribed to " + channel)
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  p.brokers,
		GroupID:  p.groupID,
		Topic:    channel,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	recvCtx, cancel := context.WithCancel(context.Background())
	p.readers[channel] = &reader{kafka: r, cancel: cancel}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			msg, err := r.ReadMessage(recvCtx)
			if err != nil {
				return
			}
			fn(msg.Value)
		}
	}()
	return nil
}

func (p *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka transport not initialized")
	}
	ctx, span := otel.Tracer("kafkaps").Start(ctx, "kafka.publish")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", channel),
	)
	defer span.End()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: channel,
		Value: payload,
	})
}

func (p *PubSub) Unsubscribe(channel string) error {
	p.mu.Lock()
	r, ok := p.readers[channel]
	if ok {
		delete(p.readers, channel)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	r.cancel()
	return r.kafka.Close()
}

func (p *PubSub) Close() error {
	p.mu.Lock()
	for channel, r := range p.readers {
		r.cancel()
		_ = r.kafka.Close()
		delete(p.readers, channel)
	}
	p.mu.Unlock()
	p.wg.Wait()
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
