package events

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrBusClosed is returned when publishing on a closed bus
var ErrBusClosed = errors.New("event bus closed")

// LocalBus passes signals through a buffered channel inside the process.
// Payloads are still JSON encoded so the path matches the networked buses.
type LocalBus struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
	log  *logrus.Entry
}

// NewLocalBus creates an in-process bus holding up to size pending signals
func NewLocalBus(size int, log *logrus.Entry) *LocalBus {
	if size <= 0 {
		size = 1024
	}
	return &LocalBus{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
		log:  log.WithField("component", "local-bus"),
	}
}

func (b *LocalBus) PublishNewOrder(ctx context.Context, orderID int64) error {
	payload, err := encodeNewOrder(orderID)
	if err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	select {
	case b.ch <- payload:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) SubscribeNewOrders(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case payload := <-b.ch:
			handle(ctx, b.log, payload, handler)
		}
	}
}

func (b *LocalBus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

// handle decodes one payload and runs handler on it; failures are logged
func handle(ctx context.Context, log *logrus.Entry, payload []byte, handler Handler) {
	orderID, err := decodeNewOrder(payload)
	if err != nil {
		log.WithError(err).WithField("payload", string(payload)).Warn("Dropping malformed signal")
		return
	}
	if err := handler(ctx, orderID); err != nil {
		log.WithError(err).WithField("order_id", orderID).Error("Failed to handle new-order signal")
	}
}
