package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus sends signals over Redis PUBLISH/SUBSCRIBE on NewOrderChannel.
// Signals published while no subscriber is connected are lost; the order
// itself stays in the book.
type RedisBus struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedisBus connects to addr and pings it
func NewRedisBus(ctx context.Context, addr, password string, db int, log *logrus.Entry) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &RedisBus{client: client, log: log.WithField("component", "redis-bus")}, nil
}

func (b *RedisBus) PublishNewOrder(ctx context.Context, orderID int64) error {
	payload, err := encodeNewOrder(orderID)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, NewOrderChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", NewOrderChannel, err)
	}
	return nil
}

func (b *RedisBus) SubscribeNewOrders(ctx context.Context, handler Handler) error {
	sub := b.client.Subscribe(ctx, NewOrderChannel)
	defer sub.Close()

	// wait for the subscription to be confirmed before reading
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", NewOrderChannel, err)
	}
	b.log.WithField("channel", NewOrderChannel).Info("Subscribed to new-order signals")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(ctx, b.log, []byte(msg.Payload), handler)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
