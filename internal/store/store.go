// Package store defines the persistence contract the exchange core runs on:
// plain reads plus atomic units of work (InTx) in which rows are read under
// lock and written together or not at all.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/coinex/internal/models"
)

// Store is implemented by the PostgreSQL store (internal/db) and the
// in-memory store (internal/memdb). Single-row lookups return an
// apperr.KindNotFound error when the row does not exist.
type Store interface {
	// InTx runs fn in one atomic unit. If fn returns an error every write
	// made through tx is discarded and the error is returned unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateUser(ctx context.Context, username, passwordHash string, role models.Role) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)

	// CreateCoin lists a coin and records its price as the first point of
	// its price history, atomically. A taken symbol is a validation error.
	CreateCoin(ctx context.Context, coin *models.Coin) (*models.Coin, error)
	GetCoin(ctx context.Context, id int64) (*models.Coin, error)
	GetCoinBySymbol(ctx context.Context, symbol string) (*models.Coin, error)
	ListCoins(ctx context.Context, activeOnly bool) ([]models.Coin, error)
	// ListPriceHistory returns the coin's price points recorded at or after
	// since, oldest first. A zero since returns the whole history.
	ListPriceHistory(ctx context.Context, coinID int64, since time.Time) ([]models.PricePoint, error)

	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error)
	ListOpenOrders(ctx context.Context, coinID int64) ([]models.Order, error)

	ListUserTransactions(ctx context.Context, userID int64) ([]models.Transaction, error)

	GetWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error)
	ListUserWallets(ctx context.Context, userID int64) ([]models.Wallet, error)
	ListTransferLogs(ctx context.Context, userID int64) ([]models.TransferLog, error)
}

// Tx is the view of the store inside one atomic unit. Lookups return
// (nil, nil) when the row does not exist; callers decide whether that is
// an error.
type Tx interface {
	GetCoin(ctx context.Context, id int64) (*models.Coin, error)
	UpdateCoinPrice(ctx context.Context, coinID int64, price decimal.Decimal) error
	InsertPricePoint(ctx context.Context, point *models.PricePoint) error

	InsertOrder(ctx context.Context, order *models.Order) error
	// GetOrderForUpdate reads the order and holds its row lock until the
	// unit ends.
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	// FindOpenCounterparty returns the earliest open order of coinID on side
	// at exactly price with remaining quantity, skipping orders of
	// excludeUserID when it is non-zero and the orders listed in skip. The
	// returned row is locked.
	FindOpenCounterparty(ctx context.Context, coinID int64, side models.Side, price decimal.Decimal, excludeUserID int64, skip []int64) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error

	InsertTransaction(ctx context.Context, txn *models.Transaction) error

	// LockWallets reads and locks the wallets for keys in ascending wallet id
	// order. Keys without a wallet are absent from the result.
	LockWallets(ctx context.Context, keys ...models.WalletKey) (map[models.WalletKey]*models.Wallet, error)
	// CreateWallet inserts an empty wallet, or returns the existing one.
	CreateWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error)
	UpdateWalletBalance(ctx context.Context, wallet *models.Wallet) error

	InsertTransferLog(ctx context.Context, log *models.TransferLog) error
}
