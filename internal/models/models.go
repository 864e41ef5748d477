package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/coinex/internal/apperr"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side an order of side s matches against
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
)

// Role is a user's permission level
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is user or admin
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents a registered user
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Coin represents a listed coin
type Coin struct {
	ID           int64           `json:"id"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PricePoint is one entry of a coin's price history: the listing price or
// the price of a match
type PricePoint struct {
	ID        int64           `json:"id"`
	CoinID    int64           `json:"coin_id"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

// Order represents a buy or sell order
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	CoinID    int64           `json:"coin_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // Used for time priority
	UpdatedAt time.Time       `json:"updated_at"`
}

// Remaining is the quantity still to be filled
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// IsOpen reports whether the order can still take fills
func (o *Order) IsOpen() bool {
	return (o.Status == StatusPending || o.Status == StatusPartiallyFilled) && o.Filled.LessThan(o.Amount)
}

// IsTerminal reports whether the order is filled or cancelled
func (o *Order) IsTerminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// ApplyFill adds amount to the filled quantity and recomputes the status
func (o *Order) ApplyFill(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.InvariantViolation("order.ApplyFill", "fill amount %s must be positive (order %d)", amount, o.ID)
	}
	if o.IsTerminal() {
		return apperr.InvariantViolation("order.ApplyFill", "order %d is %s", o.ID, o.Status)
	}
	filled := o.Filled.Add(amount)
	if filled.GreaterThan(o.Amount) {
		return apperr.InvariantViolation("order.ApplyFill", "fill %s overfills order %d (%s of %s filled)", amount, o.ID, o.Filled, o.Amount)
	}

	o.Filled = filled
	if o.Filled.Equal(o.Amount) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	return nil
}

// Snapshot returns the order-update payload pushed to the owner
func (o *Order) Snapshot() OrderSnapshot {
	return OrderSnapshot{
		ID:     o.ID,
		CoinID: o.CoinID,
		Side:   o.Side,
		Price:  o.Price,
		Amount: o.Amount,
		Filled: o.Filled,
		Status: o.Status,
	}
}

// OrderSnapshot is the live-update view of an order
type OrderSnapshot struct {
	ID     int64           `json:"id"`
	CoinID int64           `json:"coin_id"`
	Side   Side            `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Filled decimal.Decimal `json:"filled"`
	Status OrderStatus     `json:"status"`
}

// Transaction represents one executed match
type Transaction struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	CoinID      int64           `json:"coin_id"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	BuyerID     int64           `json:"buyer_id"`
	SellerID    int64           `json:"seller_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Total is price times amount in the quote coin
func (t *Transaction) Total() decimal.Decimal {
	return t.Price.Mul(t.Amount)
}

// Wallet holds a user's balance of one coin
type Wallet struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	CoinID    int64           `json:"coin_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WalletKey identifies a wallet by owner and coin
type WalletKey struct {
	UserID int64
	CoinID int64
}

// Key returns the wallet's (user, coin) key
func (w *Wallet) Key() WalletKey {
	return WalletKey{UserID: w.UserID, CoinID: w.CoinID}
}

// TransferLog is the audit record of one wallet-to-wallet transfer
type TransferLog struct {
	ID         int64           `json:"id"`
	SenderID   int64           `json:"sender_id"`
	ReceiverID int64           `json:"receiver_id"`
	CoinID     int64           `json:"coin_id"`
	Amount     decimal.Decimal `json:"amount"`
	Memo       string          `json:"memo,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
