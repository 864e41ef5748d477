// Package events carries the new-order signal from order placement to the
// matcher over Redis pub/sub, Kafka or an in-process channel.
package events

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	// NewOrderChannel is the Redis channel of new-order signals
	NewOrderChannel = "order:new"
	// NewOrderTopic is the Kafka topic of new-order signals; Kafka topic
	// names cannot contain ':'
	NewOrderTopic = "order.new"
)

// Handler processes one new-order signal
type Handler func(ctx context.Context, orderID int64) error

// Publisher sends new-order signals
type Publisher interface {
	PublishNewOrder(ctx context.Context, orderID int64) error
}

// Subscriber delivers new-order signals to handler until ctx is done.
// Delivery is at least once; handler errors are logged and the signal is
// not redelivered.
type Subscriber interface {
	SubscribeNewOrders(ctx context.Context, handler Handler) error
}

// Bus is a publisher and subscriber over the same transport
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

type newOrderPayload struct {
	OrderID int64 `json:"orderId"`
}

func encodeNewOrder(orderID int64) ([]byte, error) {
	return json.Marshal(newOrderPayload{OrderID: orderID})
}

func decodeNewOrder(data []byte) (int64, error) {
	var p newOrderPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, fmt.Errorf("decode new-order signal: %w", err)
	}
	if p.OrderID <= 0 {
		return 0, fmt.Errorf("decode new-order signal: missing orderId")
	}
	return p.OrderID, nil
}
