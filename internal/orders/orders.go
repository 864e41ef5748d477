// Package orders owns the order lifecycle: placement, counterparty lookup
// for the matcher, fill accounting, cancellation and order queries.
package orders

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/metrics"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/store"
)

// Publisher announces new orders to the matching side
type Publisher interface {
	PublishNewOrder(ctx context.Context, orderID int64) error
}

// Notifier pushes order updates to the owner's live connections
type Notifier interface {
	NotifyOrderUpdate(userID int64, order models.OrderSnapshot)
}

// Funds reports a user's balance of a coin
type Funds interface {
	Balance(ctx context.Context, userID, coinID int64) (decimal.Decimal, error)
}

// Config controls the funds check at placement
type Config struct {
	SettlementEnabled bool
	QuoteCoinID       int64
}

// Service implements the order store on top of a store.Store
type Service struct {
	store     store.Store
	publisher Publisher
	notifier  Notifier
	funds     Funds
	cfg       Config
	log       *logrus.Entry
}

// NewService wires the order store. funds may be nil when settlement is off.
func NewService(st store.Store, pub Publisher, n Notifier, funds Funds, cfg Config, log *logrus.Entry) *Service {
	return &Service{
		store:     st,
		publisher: pub,
		notifier:  n,
		funds:     funds,
		cfg:       cfg,
		log:       log.WithField("component", "orders"),
	}
}

// PlaceOrder is a request to create an order
type PlaceOrder struct {
	UserID int64
	CoinID int64
	Side   models.Side
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// Place creates a pending order and signals it to the matcher
func (s *Service) Place(ctx context.Context, req PlaceOrder) (*models.Order, error) {
	order, err := s.place(ctx, req)
	if err != nil {
		metrics.OrdersRejectedTotal.WithLabelValues(apperr.KindOf(err).String()).Inc()
		return nil, err
	}
	metrics.OrdersPlacedTotal.WithLabelValues(string(order.Side)).Inc()

	log := s.log.WithFields(logrus.Fields{
		"order_id": order.ID,
		"coin_id":  order.CoinID,
		"user_id":  order.UserID,
	})
	log.WithFields(logrus.Fields{
		"side":   order.Side,
		"price":  order.Price.String(),
		"amount": order.Amount.String(),
	}).Info("Order placed")

	// the order stays in the book even if the signal is lost
	if err := s.publisher.PublishNewOrder(ctx, order.ID); err != nil {
		log.WithError(err).Error("Failed to publish new order")
	}
	return order, nil
}

func (s *Service) place(ctx context.Context, req PlaceOrder) (*models.Order, error) {
	const op = "orders.Place"
	if !req.Side.Valid() {
		return nil, apperr.Validation(op, "side must be buy or sell")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation(op, "amount must be positive")
	}
	if !req.Price.IsPositive() {
		return nil, apperr.Validation(op, "price must be positive")
	}

	coin, err := s.store.GetCoin(ctx, req.CoinID)
	if err != nil {
		return nil, err
	}
	if !coin.Active {
		return nil, apperr.Validation(op, "coin %s is not trading", coin.Symbol)
	}
	if s.cfg.SettlementEnabled && coin.ID == s.cfg.QuoteCoinID {
		return nil, apperr.Validation(op, "coin %s is the settlement currency", coin.Symbol)
	}
	if err := s.checkFunds(ctx, req); err != nil {
		return nil, err
	}

	order := &models.Order{
		UserID: req.UserID,
		CoinID: req.CoinID,
		Side:   req.Side,
		Price:  req.Price,
		Amount: req.Amount,
		Filled: decimal.Zero,
		Status: models.StatusPending,
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return order, nil
}

func (s *Service) checkFunds(ctx context.Context, req PlaceOrder) error {
	if !s.cfg.SettlementEnabled || s.funds == nil {
		return nil
	}
	coinID, need := req.CoinID, req.Amount
	if req.Side == models.SideBuy {
		coinID, need = s.cfg.QuoteCoinID, req.Amount.Mul(req.Price)
	}
	balance, err := s.funds.Balance(ctx, req.UserID, coinID)
	if err != nil {
		return err
	}
	if balance.LessThan(need) {
		return apperr.InsufficientFunds("orders.Place", "order needs %s of coin %d, balance is %s", need, coinID, balance)
	}
	return nil
}

// FindOpenCounterparty returns the earliest open order on side at exactly
// price that is not in skip, locked inside tx, or nil when there is none
func (s *Service) FindOpenCounterparty(ctx context.Context, tx store.Tx, coinID int64, side models.Side, price decimal.Decimal, excludeUserID int64, skip []int64) (*models.Order, error) {
	o, err := tx.FindOpenCounterparty(ctx, coinID, side, price, excludeUserID, skip)
	if err != nil {
		return nil, fmt.Errorf("find counterparty: %w", err)
	}
	return o, nil
}

// ApplyFill adds amount to the order's filled quantity and writes it in tx.
// The order is left untouched when the fill would break its invariants.
func (s *Service) ApplyFill(ctx context.Context, tx store.Tx, order *models.Order, amount decimal.Decimal) (*models.Order, error) {
	next := *order
	if err := next.ApplyFill(amount); err != nil {
		return nil, err
	}
	if err := tx.UpdateOrder(ctx, &next); err != nil {
		return nil, fmt.Errorf("update order %d: %w", order.ID, err)
	}
	*order = next
	return order, nil
}

// Cancel cancels a pending order on behalf of its owner
func (s *Service) Cancel(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	const op = "orders.Cancel"
	var cancelled *models.Order
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return apperr.NotFound(op, "order %d not found", orderID)
		}
		if o.UserID != userID {
			return apperr.Forbidden(op, "order %d belongs to another user", orderID)
		}
		if o.Status != models.StatusPending {
			return apperr.InvalidState(op, "order %d is %s", orderID, o.Status)
		}
		o.Status = models.StatusCancelled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelledTotal.Inc()
	s.log.WithFields(logrus.Fields{"order_id": orderID, "user_id": userID}).Info("Order cancelled")
	s.notifier.NotifyOrderUpdate(userID, cancelled.Snapshot())
	return cancelled, nil
}

// Get returns one order
func (s *Service) Get(ctx context.Context, id int64) (*models.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// GetForUser returns the order if userID owns it
func (s *Service) GetForUser(ctx context.Context, id, userID int64) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperr.Forbidden("orders.GetForUser", "order %d belongs to another user", id)
	}
	return o, nil
}

// ListByUser returns the user's orders, oldest first
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.store.ListUserOrders(ctx, userID)
}

// Book is the open orders of one coin
type Book struct {
	CoinID int64          `json:"coin_id"`
	Buys   []models.Order `json:"buys"`
	Sells  []models.Order `json:"sells"`
}

// OrderBook returns the coin's open orders, best price first on each side
func (s *Service) OrderBook(ctx context.Context, coinID int64) (*Book, error) {
	if _, err := s.store.GetCoin(ctx, coinID); err != nil {
		return nil, err
	}
	open, err := s.store.ListOpenOrders(ctx, coinID)
	if err != nil {
		return nil, err
	}
	book := &Book{CoinID: coinID, Buys: []models.Order{}, Sells: []models.Order{}}
	for _, o := range open {
		if o.Side == models.SideBuy {
			book.Buys = append(book.Buys, o)
		} else {
			book.Sells = append(book.Sells, o)
		}
	}
	return book, nil
}
