package memdb

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/coinex/internal/models"
)

// memTx stages writes; nothing is visible to readers before commit
type memTx struct {
	s *Store

	orders       map[int64]*models.Order
	wallets      map[models.WalletKey]*models.Wallet
	prices       map[int64]decimal.Decimal
	transactions []models.Transaction
	transferLogs []models.TransferLog
	pricePoints  []models.PricePoint
}

// GetCoin returns the coin with the unit's staged price, or nil
func (t *memTx) GetCoin(_ context.Context, id int64) (*models.Coin, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	c, ok := t.s.coins[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	if p, ok := t.prices[id]; ok {
		cp.CurrentPrice = p
	}
	return &cp, nil
}

// UpdateCoinPrice stages the coin's new current price
func (t *memTx) UpdateCoinPrice(_ context.Context, coinID int64, price decimal.Decimal) error {
	t.prices[coinID] = price
	return nil
}

// InsertPricePoint assigns the point an id and stages it
func (t *memTx) InsertPricePoint(_ context.Context, point *models.PricePoint) error {
	t.s.mu.Lock()
	t.s.nextPriceID++
	point.ID = t.s.nextPriceID
	point.CreatedAt = t.s.now()
	t.s.mu.Unlock()

	t.pricePoints = append(t.pricePoints, *point)
	return nil
}

// InsertOrder assigns the order an id and stages it
func (t *memTx) InsertOrder(_ context.Context, order *models.Order) error {
	t.s.mu.Lock()
	t.s.nextOrderID++
	order.ID = t.s.nextOrderID
	now := t.s.now()
	t.s.mu.Unlock()

	order.CreatedAt = now
	order.UpdatedAt = now
	cp := *order
	t.orders[order.ID] = &cp
	return nil
}

// order returns the unit's current view of an order
func (t *memTx) order(id int64) *models.Order {
	if o, ok := t.orders[id]; ok {
		return o
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.orders[id]
}

// GetOrderForUpdate returns the unit's view of the order, or nil
func (t *memTx) GetOrderForUpdate(_ context.Context, id int64) (*models.Order, error) {
	o := t.order(id)
	if o == nil {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

// FindOpenCounterparty walks the price level in time order
func (t *memTx) FindOpenCounterparty(_ context.Context, coinID int64, side models.Side, price decimal.Decimal, excludeUserID int64, skip []int64) (*models.Order, error) {
	var candidates []int64
	pivot := bookKey{coinID: coinID, side: side, price: price}

	t.s.mu.RLock()
	t.s.book.Ascend(pivot, func(k bookKey) bool {
		if k.coinID != coinID || k.side != side || !k.price.Equal(price) {
			return false
		}
		candidates = append(candidates, k.id)
		return true
	})
	t.s.mu.RUnlock()

	for _, id := range candidates {
		o := t.order(id)
		if o == nil || !o.IsOpen() {
			continue
		}
		if excludeUserID != 0 && o.UserID == excludeUserID {
			continue
		}
		if slices.Contains(skip, o.ID) {
			continue
		}
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

// UpdateOrder stages the order's new fill state
func (t *memTx) UpdateOrder(_ context.Context, order *models.Order) error {
	order.UpdatedAt = t.s.clock()
	cp := *order
	t.orders[order.ID] = &cp
	return nil
}

// InsertTransaction assigns the transaction an id and stages it
func (t *memTx) InsertTransaction(_ context.Context, txn *models.Transaction) error {
	t.s.mu.Lock()
	t.s.nextTxnID++
	txn.ID = t.s.nextTxnID
	txn.CreatedAt = t.s.now()
	t.s.mu.Unlock()

	t.transactions = append(t.transactions, *txn)
	return nil
}

// wallet returns the unit's current view of a wallet
func (t *memTx) wallet(key models.WalletKey) *models.Wallet {
	if w, ok := t.wallets[key]; ok {
		return w
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.wallets[key]
}

// LockWallets returns copies of the existing wallets for keys
func (t *memTx) LockWallets(_ context.Context, keys ...models.WalletKey) (map[models.WalletKey]*models.Wallet, error) {
	locked := make(map[models.WalletKey]*models.Wallet, len(keys))
	for _, k := range keys {
		if w := t.wallet(k); w != nil {
			cp := *w
			locked[k] = &cp
		}
	}
	return locked, nil
}

// CreateWallet stages an empty wallet, or returns the existing one
func (t *memTx) CreateWallet(_ context.Context, key models.WalletKey) (*models.Wallet, error) {
	if w := t.wallet(key); w != nil {
		cp := *w
		return &cp, nil
	}

	t.s.mu.Lock()
	t.s.nextWalletID++
	id := t.s.nextWalletID
	now := t.s.now()
	t.s.mu.Unlock()

	w := &models.Wallet{ID: id, UserID: key.UserID, CoinID: key.CoinID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	t.wallets[key] = w
	cp := *w
	return &cp, nil
}

// UpdateWalletBalance stages the wallet's new balance
func (t *memTx) UpdateWalletBalance(_ context.Context, wallet *models.Wallet) error {
	wallet.UpdatedAt = t.s.clock()
	cp := *wallet
	t.wallets[wallet.Key()] = &cp
	return nil
}

// InsertTransferLog assigns the log entry an id and stages it
func (t *memTx) InsertTransferLog(_ context.Context, log *models.TransferLog) error {
	t.s.mu.Lock()
	t.s.nextLogID++
	log.ID = t.s.nextLogID
	log.CreatedAt = t.s.now()
	t.s.mu.Unlock()

	t.transferLogs = append(t.transferLogs, *log)
	return nil
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, o := range t.orders {
		if old, ok := s.orders[id]; ok {
			s.book.Delete(keyOf(old))
		}
		s.orders[id] = o
		if o.IsOpen() {
			s.book.Set(keyOf(o))
		}
	}
	for k, w := range t.wallets {
		s.wallets[k] = w
	}
	for id, p := range t.prices {
		if c, ok := s.coins[id]; ok {
			c.CurrentPrice = p
			c.UpdatedAt = s.now()
		}
	}
	s.transactions = append(s.transactions, t.transactions...)
	s.transferLogs = append(s.transferLogs, t.transferLogs...)
	s.prices = append(s.prices, t.pricePoints...)
}
