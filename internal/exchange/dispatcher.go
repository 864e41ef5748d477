package exchange

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/store"
)

// ErrDispatcherClosed is returned by Submit after Close
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Matcher is the part of the engine the dispatcher drives
type Matcher interface {
	MatchOrder(ctx context.Context, orderID int64) ([]models.Transaction, error)
}

// Dispatcher runs one FIFO queue and one worker per coin, so new-order
// signals of a coin are matched in arrival order and coins run in parallel
type Dispatcher struct {
	matcher   Matcher
	store     store.Store
	queueSize int
	log       *logrus.Entry

	group *errgroup.Group
	ctx   context.Context
	done  chan struct{}

	mu      sync.Mutex
	queues  map[int64]chan int64
	closed  bool
	sending sync.WaitGroup
}

// NewDispatcher creates a dispatcher whose workers stop when ctx is done or
// Close is called
func NewDispatcher(ctx context.Context, m Matcher, st store.Store, queueSize int, log *logrus.Entry) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Dispatcher{
		matcher:   m,
		store:     st,
		queueSize: queueSize,
		log:       log.WithField("component", "dispatcher"),
		group:     g,
		ctx:       gctx,
		done:      make(chan struct{}),
		queues:    make(map[int64]chan int64),
	}
}

// Submit queues the order on its coin's queue
func (d *Dispatcher) Submit(ctx context.Context, orderID int64) error {
	order, err := d.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	q, err := d.queue(order.CoinID)
	if err != nil {
		return err
	}
	defer d.sending.Done()
	select {
	case q <- orderID:
		return nil
	case <-d.ctx.Done():
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queue returns the coin's queue, starting its worker on first use. The
// caller owns one count of d.sending and must release it after sending.
func (d *Dispatcher) queue(coinID int64) (chan int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDispatcherClosed
	}
	d.sending.Add(1)
	q, ok := d.queues[coinID]
	if !ok {
		q = make(chan int64, d.queueSize)
		d.queues[coinID] = q
		d.group.Go(func() error {
			d.work(coinID, q)
			return nil
		})
	}
	return q, nil
}

func (d *Dispatcher) work(coinID int64, q chan int64) {
	log := d.log.WithField("coin_id", coinID)
	log.Debug("Coin worker started")
	for {
		select {
		case id := <-q:
			d.match(log, id)
		case <-d.ctx.Done():
			return
		case <-d.done:
			// finish what was queued before Close
			for {
				select {
				case id := <-q:
					d.match(log, id)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) match(log *logrus.Entry, orderID int64) {
	if _, err := d.matcher.MatchOrder(d.ctx, orderID); err != nil {
		log.WithError(err).WithField("order_id", orderID).Error("Failed to match order")
	}
}

// Close stops accepting signals, lets the workers drain their queues and
// waits for them. Signals already accepted by Submit are matched.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	closing := !d.closed
	d.closed = true
	d.mu.Unlock()

	if closing {
		// in-flight sends land before the workers start their final drain
		d.sending.Wait()
		close(d.done)
	}
	return d.group.Wait()
}
