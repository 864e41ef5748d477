// Package memdb is an in-process implementation of store.Store. Units of
// work are serialized by one mutex and staged until commit, so a failed
// unit leaves nothing behind. Open orders are indexed in a B-tree by
// (coin, side, price, created_at, id) for price-time counterparty lookup.
package memdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/store"
)

type bookKey struct {
	coinID    int64
	side      models.Side
	price     decimal.Decimal
	createdAt time.Time
	id        int64
}

func bookLess(a, b bookKey) bool {
	if a.coinID != b.coinID {
		return a.coinID < b.coinID
	}
	if a.side != b.side {
		return a.side < b.side
	}
	if c := a.price.Cmp(b.price); c != 0 {
		return c < 0
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id < b.id
}

func keyOf(o *models.Order) bookKey {
	return bookKey{coinID: o.CoinID, side: o.Side, price: o.Price, createdAt: o.CreatedAt, id: o.ID}
}

// Store keeps every table in memory
type Store struct {
	txMu sync.Mutex   // held for the whole of a unit of work
	mu   sync.RWMutex // guards the maps below for readers outside units

	now func() time.Time

	users        map[int64]*models.User
	coins        map[int64]*models.Coin
	orders       map[int64]*models.Order
	transactions []models.Transaction
	wallets      map[models.WalletKey]*models.Wallet
	transferLogs []models.TransferLog
	prices       []models.PricePoint
	book         *btree.BTreeG[bookKey]

	nextUserID, nextCoinID, nextOrderID, nextTxnID, nextWalletID, nextLogID, nextPriceID int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty store
func New() *Store {
	return &Store{
		now:     time.Now,
		users:   make(map[int64]*models.User),
		coins:   make(map[int64]*models.Coin),
		orders:  make(map[int64]*models.Order),
		wallets: make(map[models.WalletKey]*models.Wallet),
		book:    btree.NewBTreeG(bookLess),
	}
}

// SetClock replaces the time source; orders created in the same instant
// still keep insertion order through their ids.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// InTx runs fn as one unit; its staged writes are applied only if fn succeeds
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &memTx{
		s:       s,
		orders:  make(map[int64]*models.Order),
		wallets: make(map[models.WalletKey]*models.Wallet),
		prices:  make(map[int64]decimal.Decimal),
	}
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// CreateUser inserts a new user
func (s *Store) CreateUser(_ context.Context, username, passwordHash string, role models.Role) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return nil, apperr.Validation("memdb.CreateUser", "username %q already exists", username)
		}
	}
	s.nextUserID++
	u := &models.User{ID: s.nextUserID, Username: username, PasswordHash: passwordHash, Role: role, CreatedAt: s.now()}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("memdb.GetUserByUsername", "user %q not found", username)
}

// GetUser retrieves a user by id
func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("memdb.GetUser", "user %d not found", id)
	}
	cp := *u
	return &cp, nil
}

// CreateCoin lists a new coin with its first price point
func (s *Store) CreateCoin(_ context.Context, coin *models.Coin) (*models.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbol := strings.ToUpper(coin.Symbol)
	for _, c := range s.coins {
		if c.Symbol == symbol {
			return nil, apperr.Validation("memdb.CreateCoin", "symbol %q already listed", symbol)
		}
	}
	s.nextCoinID++
	now := s.now()
	c := &models.Coin{
		ID:           s.nextCoinID,
		Symbol:       symbol,
		Name:         coin.Name,
		CurrentPrice: coin.CurrentPrice,
		Active:       coin.Active,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.coins[c.ID] = c
	s.nextPriceID++
	s.prices = append(s.prices, models.PricePoint{ID: s.nextPriceID, CoinID: c.ID, Price: c.CurrentPrice, CreatedAt: now})
	cp := *c
	return &cp, nil
}

// GetCoin retrieves a coin by id
func (s *Store) GetCoin(_ context.Context, id int64) (*models.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.coins[id]
	if !ok {
		return nil, apperr.NotFound("memdb.GetCoin", "coin %d not found", id)
	}
	cp := *c
	return &cp, nil
}

// GetCoinBySymbol retrieves a coin by its symbol
func (s *Store) GetCoinBySymbol(_ context.Context, symbol string) (*models.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbol = strings.ToUpper(symbol)
	for _, c := range s.coins {
		if c.Symbol == symbol {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("memdb.GetCoinBySymbol", "coin %q not found", symbol)
}

// ListCoins retrieves listed coins ordered by symbol
func (s *Store) ListCoins(_ context.Context, activeOnly bool) ([]models.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var coins []models.Coin
	for _, c := range s.coins {
		if activeOnly && !c.Active {
			continue
		}
		coins = append(coins, *c)
	}
	sort.Slice(coins, func(i, j int) bool { return coins[i].Symbol < coins[j].Symbol })
	return coins, nil
}

// ListPriceHistory retrieves a coin's price points since the given time, oldest first
func (s *Store) ListPriceHistory(_ context.Context, coinID int64, since time.Time) ([]models.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var points []models.PricePoint
	for _, p := range s.prices {
		if p.CoinID == coinID && !p.CreatedAt.Before(since) {
			points = append(points, p)
		}
	}
	return points, nil
}

// GetOrder retrieves an order by id
func (s *Store) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("memdb.GetOrder", "order %d not found", id)
	}
	cp := *o
	return &cp, nil
}

// ListUserOrders retrieves all orders for a user, oldest first
func (s *Store) ListUserOrders(_ context.Context, userID int64) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

// ListOpenOrders retrieves the open orders of a coin, best bid first then best ask first
func (s *Store) ListOpenOrders(_ context.Context, coinID int64) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buys, sells []models.Order
	s.book.Ascend(bookKey{coinID: coinID}, func(k bookKey) bool {
		if k.coinID != coinID {
			return false
		}
		o := s.orders[k.id]
		if k.side == models.SideBuy {
			buys = append(buys, *o)
		} else {
			sells = append(sells, *o)
		}
		return true
	})

	// the index holds buys lowest price first; the book shows best bid first
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Price.GreaterThan(buys[j].Price) })
	return append(buys, sells...), nil
}

// ListUserTransactions retrieves every execution the user took part in, newest first
func (s *Store) ListUserTransactions(_ context.Context, userID int64) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var txns []models.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		t := s.transactions[i]
		if t.BuyerID == userID || t.SellerID == userID {
			txns = append(txns, t)
		}
	}
	return txns, nil
}

// GetWallet retrieves the wallet of a user for one coin
func (s *Store) GetWallet(_ context.Context, key models.WalletKey) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[key]
	if !ok {
		return nil, apperr.NotFound("memdb.GetWallet", "wallet of user %d for coin %d not found", key.UserID, key.CoinID)
	}
	cp := *w
	return &cp, nil
}

// ListUserWallets retrieves all wallets of a user
func (s *Store) ListUserWallets(_ context.Context, userID int64) ([]models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wallets []models.Wallet
	for _, w := range s.wallets {
		if w.UserID == userID {
			wallets = append(wallets, *w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].CoinID < wallets[j].CoinID })
	return wallets, nil
}

// ListTransferLogs retrieves transfers sent or received by a user, newest first
func (s *Store) ListTransferLogs(_ context.Context, userID int64) ([]models.TransferLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var logs []models.TransferLog
	for i := len(s.transferLogs) - 1; i >= 0; i-- {
		l := s.transferLogs[i]
		if l.SenderID == userID || l.ReceiverID == userID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}
