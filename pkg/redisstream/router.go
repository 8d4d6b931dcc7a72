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

// PubSub pairs a publisher with the subscriber that reads what it publishes.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// Client backs the Redis bus and is nil for the in-memory one. It is
	// closed together with the PubSub.
	Client redis.UniversalClient

	closers []func() error
}

func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	var firstErr error
	for _, c := range p.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build constructs a Redis Streams backed PubSub when enabled. If
// settings.Enabled is false, it returns an in-memory GoChannel PubSub.
func Build(s Settings) (*PubSub, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &PubSub{
			Publisher:  gc,
			Subscriber: gc,
			closers:    []func() error{gc.Close},
		}, nil
	}

	s = s.withDefaults()
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
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
		return nil, errors.Wrap(err, "redis stream subscriber")
	}

	return &PubSub{
		Publisher:  pub,
		Subscriber: sub,
		Client:     client,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
func BuildGroupSubscriber(addr, group, consumer string) (message.Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewWatermillLogger(log.Logger))
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

var _ watermill.LoggerAdapter = zerologAdapter{}
