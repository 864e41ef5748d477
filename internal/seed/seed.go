// Package seed loads demo coins, traders and funded wallets into a store.
package seed

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/auth"
	"github.com/xtrntr/coinex/internal/ledger"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/orders"
	"github.com/xtrntr/coinex/internal/store"
)

// Coin is a coin to list
type Coin struct {
	Symbol string
	Name   string
	Price  decimal.Decimal
}

// Trader is a user to register and fund. Funds is keyed by coin symbol.
type Trader struct {
	Username string
	Password string
	Admin    bool
	Funds    map[string]decimal.Decimal
}

// Trade is a crossing pair of orders placed and matched at Price
type Trade struct {
	Seller string
	Buyer  string
	Symbol string
	Price  decimal.Decimal
	Amount decimal.Decimal
}

type Data struct {
	Coins   []Coin
	Traders []Trader
	Trades  []Trade
}

// Placer creates orders
type Placer interface {
	Place(ctx context.Context, req orders.PlaceOrder) (*models.Order, error)
}

// Matcher matches one order synchronously
type Matcher interface {
	MatchOrder(ctx context.Context, orderID int64) ([]models.Transaction, error)
}

// Demo is the default data set
func Demo() Data {
	return Data{
		Coins: []Coin{
			{Symbol: "KRW", Name: "Korean Won", Price: decimal.NewFromInt(1)},
			{Symbol: "BTC", Name: "Bitcoin", Price: decimal.NewFromInt(30000000)},
			{Symbol: "ETH", Name: "Ethereum", Price: decimal.NewFromInt(2000000)},
		},
		Traders: []Trader{
			{Username: "trader1", Password: "password", Funds: map[string]decimal.Decimal{
				"KRW": decimal.NewFromInt(100000000),
				"BTC": decimal.NewFromInt(2),
			}},
			{Username: "trader2", Password: "password", Funds: map[string]decimal.Decimal{
				"KRW": decimal.NewFromInt(100000000),
				"ETH": decimal.NewFromInt(50),
			}},
			{Username: "admin", Password: "password", Admin: true},
		},
		Trades: []Trade{
			{Seller: "trader1", Buyer: "trader2", Symbol: "BTC", Price: decimal.NewFromInt(30000000), Amount: decimal.RequireFromString("0.5")},
			{Seller: "trader2", Buyer: "trader1", Symbol: "ETH", Price: decimal.NewFromInt(2000000), Amount: decimal.NewFromInt(5)},
		},
	}
}

// Seeder writes a data set. Running it twice leaves existing rows and
// non-empty wallets alone.
type Seeder struct {
	store  store.Store
	auth   *auth.AuthService
	ledger *ledger.Ledger
	log    *logrus.Entry
}

func New(st store.Store, authService *auth.AuthService, l *ledger.Ledger, log *logrus.Entry) *Seeder {
	return &Seeder{store: st, auth: authService, ledger: l, log: log.WithField("component", "seed")}
}

func (s *Seeder) Run(ctx context.Context, data Data) error {
	coins := make(map[string]*models.Coin, len(data.Coins))
	for _, c := range data.Coins {
		coin, err := s.coin(ctx, c)
		if err != nil {
			return err
		}
		coins[coin.Symbol] = coin
	}

	for _, t := range data.Traders {
		user, err := s.user(ctx, t)
		if err != nil {
			return err
		}
		for symbol, amount := range t.Funds {
			coin, ok := coins[symbol]
			if !ok {
				return fmt.Errorf("trader %s funds unknown coin %s", t.Username, symbol)
			}
			if err := s.fund(ctx, user, coin, amount); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Seeder) coin(ctx context.Context, c Coin) (*models.Coin, error) {
	existing, err := s.store.GetCoinBySymbol(ctx, c.Symbol)
	if err == nil {
		return existing, nil
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	coin, err := s.store.CreateCoin(ctx, &models.Coin{Symbol: c.Symbol, Name: c.Name, CurrentPrice: c.Price, Active: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create coin %s: %w", c.Symbol, err)
	}
	s.log.WithField("symbol", coin.Symbol).Info("Coin listed")
	return coin, nil
}

func (s *Seeder) user(ctx context.Context, t Trader) (*models.User, error) {
	existing, err := s.store.GetUserByUsername(ctx, t.Username)
	if err == nil {
		return existing, nil
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	role := models.RoleUser
	if t.Admin {
		role = models.RoleAdmin
	}
	user, err := s.auth.RegisterWithRole(ctx, t.Username, t.Password, role)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"username": user.Username, "role": user.Role}).Info("Trader registered")
	return user, nil
}

func (s *Seeder) fund(ctx context.Context, user *models.User, coin *models.Coin, amount decimal.Decimal) error {
	wallet, err := s.ledger.OpenWallet(ctx, user.ID, coin.ID)
	if err != nil {
		return err
	}
	if !wallet.Balance.IsZero() {
		return nil
	}
	if _, err := s.ledger.Deposit(ctx, user.ID, coin.ID, amount); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"user_id": user.ID,
		"coin":    coin.Symbol,
		"amount":  amount.String(),
	}).Info("Wallet funded")
	return nil
}

// Trades places and matches data.Trades, unless a trader of the set already
// has trade history
func (s *Seeder) Trades(ctx context.Context, data Data, placer Placer, matcher Matcher) error {
	users := make(map[string]*models.User, len(data.Traders))
	for _, t := range data.Traders {
		user, err := s.store.GetUserByUsername(ctx, t.Username)
		if err != nil {
			return err
		}
		history, err := s.store.ListUserTransactions(ctx, user.ID)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			s.log.WithField("username", t.Username).Info("Trade history exists, skipping trades")
			return nil
		}
		users[t.Username] = user
	}

	for _, tr := range data.Trades {
		seller, buyer := users[tr.Seller], users[tr.Buyer]
		if seller == nil || buyer == nil {
			return fmt.Errorf("trade %s between unknown traders %s and %s", tr.Symbol, tr.Seller, tr.Buyer)
		}
		coin, err := s.store.GetCoinBySymbol(ctx, tr.Symbol)
		if err != nil {
			return err
		}

		sell, err := placer.Place(ctx, orders.PlaceOrder{UserID: seller.ID, CoinID: coin.ID, Side: models.SideSell, Amount: tr.Amount, Price: tr.Price})
		if err != nil {
			return fmt.Errorf("failed to place sell order: %w", err)
		}
		buy, err := placer.Place(ctx, orders.PlaceOrder{UserID: buyer.ID, CoinID: coin.ID, Side: models.SideBuy, Amount: tr.Amount, Price: tr.Price})
		if err != nil {
			return fmt.Errorf("failed to place buy order: %w", err)
		}
		txns, err := matcher.MatchOrder(ctx, buy.ID)
		if err != nil {
			return fmt.Errorf("failed to match order %d: %w", buy.ID, err)
		}
		s.log.WithFields(logrus.Fields{
			"coin":          coin.Symbol,
			"sell_order_id": sell.ID,
			"buy_order_id":  buy.ID,
			"transactions":  len(txns),
		}).Info("Trade seeded")
	}
	return nil
}
