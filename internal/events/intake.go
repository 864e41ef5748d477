package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/metrics"
)

// Submitter accepts order ids for matching
type Submitter interface {
	Submit(ctx context.Context, orderID int64) error
}

// Intake feeds new-order signals from a subscriber to the matcher
type Intake struct {
	sub    Subscriber
	target Submitter
	log    *logrus.Entry
}

// NewIntake creates an intake from sub to target
func NewIntake(sub Subscriber, target Submitter, log *logrus.Entry) *Intake {
	return &Intake{sub: sub, target: target, log: log.WithField("component", "intake")}
}

// Run blocks until ctx is done or the subscription fails
func (in *Intake) Run(ctx context.Context) error {
	in.log.Info("Intake started")
	defer in.log.Info("Intake stopped")
	return in.sub.SubscribeNewOrders(ctx, in.submit)
}

func (in *Intake) submit(ctx context.Context, orderID int64) error {
	err := in.target.Submit(ctx, orderID)
	switch {
	case err == nil:
		metrics.SignalsReceivedTotal.WithLabelValues("submitted").Inc()
		return nil
	case apperr.KindOf(err) == apperr.KindNotFound:
		// a signal for an order this store never saw
		metrics.SignalsReceivedTotal.WithLabelValues("unknown_order").Inc()
		in.log.WithField("order_id", orderID).Warn("Signal for unknown order")
		return nil
	default:
		metrics.SignalsReceivedTotal.WithLabelValues("failed").Inc()
		return err
	}
}
