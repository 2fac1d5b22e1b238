// Package redisstream provides the exchange event bus: an in-process watermill gochannel, or Redis
// Streams when enabled.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Bus publishes and subscribes to per-topic event streams.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client *redis.Client
	group  string
	closed bool
}

// BuildBus returns a Redis Streams backed bus when settings.Enabled, otherwise an in-memory one.
func BuildBus(s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			// publish order is kept per subscriber only when publishing waits for the ack
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Bus{Publisher: ch, Subscriber: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pubCfg := rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}
	if s.MaxLen > 0 {
		pubCfg.DefaultMaxlen = s.MaxLen
	}
	pub, err := rstream.NewPublisher(pubCfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis subscriber")
	}
	return &Bus{Publisher: pub, Subscriber: sub, client: client, group: s.Group}, nil
}

// Publish sends payload on topic.
func (b *Bus) Publish(topic string, payload []byte) error {
	if b == nil || b.Publisher == nil {
		return errors.New("event bus is nil")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.Publisher.Publish(topic, msg)
}

// Subscribe returns the messages published on topic until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b == nil || b.Subscriber == nil {
		return nil, errors.New("event bus is nil")
	}
	return b.Subscriber.Subscribe(ctx, topic)
}

// Ping checks the Redis connection. It is a no-op for the in-memory bus.
func (b *Bus) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	if b == nil || b.closed {
		return nil
	}
	b.closed = true
	var errs []string
	if err := b.Publisher.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if b.Subscriber != nil && interface{}(b.Subscriber) != interface{}(b.Publisher) {
		if err := b.Subscriber.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close event bus: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PrepareTopic creates the consumer group of a Redis stream at the tail ($) if it doesn't exist,
// so a new watcher does not replay the stream history. It is a no-op in fan-out mode and for the
// in-memory bus.
func (b *Bus) PrepareTopic(ctx context.Context, topic string) error {
	if b == nil || b.client == nil || b.group == "" {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, topic, b.group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group for %s", topic)
	}
	log.Info().Str("stream", topic).Str("group", b.group).Msg("created redis consumer group at $ (tail)")
	return nil
}
