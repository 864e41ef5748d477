// Package exchange is the matching engine. One aggressor order is matched
// against resting orders of the opposite side at exactly its price, oldest
// first, one committed match at a time, while its coin's lock is held.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/ledger"
	"github.com/xtrntr/coinex/internal/metrics"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/orders"
	"github.com/xtrntr/coinex/internal/store"
)

// Notifier receives the live updates of committed matches
type Notifier interface {
	NotifyOrderUpdate(userID int64, order models.OrderSnapshot)
	NotifyTransaction(buyerID, sellerID int64, txn models.Transaction)
}

// Settler moves the funds of a match inside the match's unit of work
type Settler interface {
	Settle(ctx context.Context, tx store.Tx, txn models.Transaction, quoteCoinID int64) error
}

// Config holds the matching rules
type Config struct {
	AllowSelfTrade    bool
	SettlementEnabled bool
	QuoteCoinID       int64
}

// Engine matches orders
type Engine struct {
	store    store.Store
	orders   *orders.Service
	settler  Settler
	notifier Notifier
	cfg      Config
	locks    *coinLocks
	log      *logrus.Entry
}

// NewEngine creates a matching engine. settler may be nil when settlement
// is disabled.
func NewEngine(st store.Store, svc *orders.Service, settler Settler, n Notifier, cfg Config, log *logrus.Entry) *Engine {
	return &Engine{
		store:    st,
		orders:   svc,
		settler:  settler,
		notifier: n,
		cfg:      cfg,
		locks:    newCoinLocks(),
		log:      log.WithField("component", "matcher"),
	}
}

// fill is the outcome of one committed match
type fill struct {
	aggressor    models.Order
	counterparty models.Order
	txn          models.Transaction
}

// unfundedCounterparty rolls back a match whose counterparty cannot pay
// its side of the settlement
type unfundedCounterparty struct {
	orderID int64
	err     error
}

func (u *unfundedCounterparty) Error() string {
	return fmt.Sprintf("counterparty order %d cannot settle: %v", u.orderID, u.err)
}

func (u *unfundedCounterparty) Unwrap() error { return u.err }

// MatchOrder matches the order until it is filled or no counterparty is
// left, returning the transactions it committed. Unknown and terminal
// orders are a no-op, so a duplicate signal does nothing. A counterparty
// whose owner cannot cover the settlement is passed over for the next order
// at the price. Any other failed match stops the loop, and the matches
// committed before it are returned with the error.
func (e *Engine) MatchOrder(ctx context.Context, orderID int64) ([]models.Transaction, error) {
	start := time.Now()
	defer func() { metrics.MatchLatencySeconds.Observe(time.Since(start).Seconds()) }()

	log := e.log.WithField("order_id", orderID)

	order, err := e.store.GetOrder(ctx, orderID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		log.Warn("Order to match not found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		log.WithField("status", order.Status).Debug("Order already terminal, skipping")
		return nil, nil
	}

	log = log.WithField("coin_id", order.CoinID)
	unlock := e.locks.lock(order.CoinID)
	defer unlock()

	var trades []models.Transaction
	var skip []int64
	for {
		f, err := e.matchOnce(ctx, orderID, skip)
		var unfunded *unfundedCounterparty
		if errors.As(err, &unfunded) {
			metrics.CounterpartiesSkippedTotal.Inc()
			log.WithError(unfunded.err).WithField("counterparty", unfunded.orderID).Warn("Counterparty cannot settle, skipping it")
			skip = append(skip, unfunded.orderID)
			continue
		}
		if err != nil {
			e.reportFailure(log, err)
			return trades, err
		}
		if f == nil {
			break
		}

		trades = append(trades, f.txn)
		metrics.MatchesTotal.WithLabelValues(strconv.FormatInt(f.txn.CoinID, 10)).Inc()
		log.WithFields(logrus.Fields{
			"transaction_id": f.txn.ID,
			"counterparty":   f.counterparty.ID,
			"price":          f.txn.Price.String(),
			"amount":         f.txn.Amount.String(),
		}).Info("Orders matched")

		e.notifier.NotifyOrderUpdate(f.aggressor.UserID, f.aggressor.Snapshot())
		e.notifier.NotifyOrderUpdate(f.counterparty.UserID, f.counterparty.Snapshot())
		e.notifier.NotifyTransaction(f.txn.BuyerID, f.txn.SellerID, f.txn)

		if f.aggressor.IsTerminal() {
			break
		}
	}
	return trades, nil
}

// matchOnce commits at most one match against an order not in skip. It
// returns nil when the aggressor can take no more fills or has no
// counterparty.
func (e *Engine) matchOnce(ctx context.Context, orderID int64, skip []int64) (*fill, error) {
	var out *fill
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		// a concurrent cancel is decided by this locked read
		aggressor, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if aggressor == nil || !aggressor.IsOpen() {
			return nil
		}

		var exclude int64
		if !e.cfg.AllowSelfTrade {
			exclude = aggressor.UserID
		}
		counterparty, err := e.orders.FindOpenCounterparty(ctx, tx, aggressor.CoinID, aggressor.Side.Opposite(), aggressor.Price, exclude, skip)
		if err != nil {
			return err
		}
		if counterparty == nil {
			return nil
		}

		amount := decimal.Min(aggressor.Remaining(), counterparty.Remaining())
		if _, err := e.orders.ApplyFill(ctx, tx, aggressor, amount); err != nil {
			return err
		}
		if _, err := e.orders.ApplyFill(ctx, tx, counterparty, amount); err != nil {
			return err
		}

		txn := newTransaction(aggressor, counterparty, amount)
		if err := tx.InsertTransaction(ctx, &txn); err != nil {
			return err
		}
		if e.cfg.SettlementEnabled {
			if err := e.settler.Settle(ctx, tx, txn, e.cfg.QuoteCoinID); err != nil {
				var short *ledger.Shortfall
				if errors.As(err, &short) && short.UserID == counterparty.UserID && short.UserID != aggressor.UserID {
					return &unfundedCounterparty{orderID: counterparty.ID, err: err}
				}
				return err
			}
		}
		if err := tx.UpdateCoinPrice(ctx, txn.CoinID, txn.Price); err != nil {
			return err
		}
		if err := tx.InsertPricePoint(ctx, &models.PricePoint{CoinID: txn.CoinID, Price: txn.Price}); err != nil {
			return err
		}

		out = &fill{aggressor: *aggressor, counterparty: *counterparty, txn: txn}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// newTransaction records a match at the aggressor's price, which equals the
// counterparty's
func newTransaction(aggressor, counterparty *models.Order, amount decimal.Decimal) models.Transaction {
	buy, sell := aggressor, counterparty
	if aggressor.Side == models.SideSell {
		buy, sell = counterparty, aggressor
	}
	return models.Transaction{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		CoinID:      aggressor.CoinID,
		Price:       aggressor.Price,
		Amount:      amount,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
	}
}

func (e *Engine) reportFailure(log *logrus.Entry, err error) {
	kind := apperr.KindOf(err)
	metrics.MatchFailuresTotal.WithLabelValues(kind.String()).Inc()
	if kind == apperr.KindInvariantViolation {
		log.WithError(err).WithField("defect", true).Error("Matching aborted on invariant violation")
		return
	}
	log.WithError(err).Warn("Matching aborted")
}
