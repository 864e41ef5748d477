package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	userColumns        = "id, username, password_hash, role, created_at"
	orderColumns       = "id, user_id, coin_id, side, price, amount, filled, status, created_at, updated_at"
	coinColumns        = "id, symbol, name, current_price, active, created_at, updated_at"
	walletColumns      = "id, user_id, coin_id, balance, created_at, updated_at"
	transactionColumns = "id, buy_order_id, sell_order_id, coin_id, price, amount, buyer_id, seller_id, created_at"
	uniqueViolation    = "23505"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the embedded migrations in file name order; each one is
// safe to run repeatedly
func (db *DB) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	for _, e := range entries {
		script, err := fs.ReadFile(migrations, "migrations/"+e.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		if _, err := db.Pool.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// InTx runs fn inside a READ COMMITTED transaction. Rows fn reads through
// the *ForUpdate/Lock methods stay locked until commit or rollback.
func (db *DB) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, role models.Role) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3) RETURNING "+userColumns,
		username, passwordHash, role))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Validation("db.CreateUser", "username %q already exists", username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		return nil, notFoundOr(err, "db.GetUserByUsername", "user %q", username)
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, notFoundOr(err, "db.GetUser", "user %d", id)
	}
	return user, nil
}

// CreateCoin lists a new coin with its first price point
func (db *DB) CreateCoin(ctx context.Context, coin *models.Coin) (*models.Coin, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanCoin(tx.QueryRow(ctx,
		"INSERT INTO coins (symbol, name, current_price, active) VALUES ($1, $2, $3, $4) RETURNING "+coinColumns,
		strings.ToUpper(coin.Symbol), coin.Name, coin.CurrentPrice, coin.Active))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Validation("db.CreateCoin", "symbol %q already listed", coin.Symbol)
		}
		return nil, fmt.Errorf("failed to create coin: %w", err)
	}
	point := &models.PricePoint{CoinID: created.ID, Price: created.CurrentPrice}
	if err := (&pgTx{tx: tx}).InsertPricePoint(ctx, point); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

// GetCoin retrieves a coin by id
func (db *DB) GetCoin(ctx context.Context, id int64) (*models.Coin, error) {
	coin, err := scanCoin(db.Pool.QueryRow(ctx, "SELECT "+coinColumns+" FROM coins WHERE id = $1", id))
	if err != nil {
		return nil, notFoundOr(err, "db.GetCoin", "coin %d", id)
	}
	return coin, nil
}

// GetCoinBySymbol retrieves a coin by its symbol
func (db *DB) GetCoinBySymbol(ctx context.Context, symbol string) (*models.Coin, error) {
	coin, err := scanCoin(db.Pool.QueryRow(ctx, "SELECT "+coinColumns+" FROM coins WHERE symbol = $1", strings.ToUpper(symbol)))
	if err != nil {
		return nil, notFoundOr(err, "db.GetCoinBySymbol", "coin %q", symbol)
	}
	return coin, nil
}

// ListCoins retrieves listed coins ordered by symbol
func (db *DB) ListCoins(ctx context.Context, activeOnly bool) ([]models.Coin, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+coinColumns+" FROM coins WHERE active OR NOT $1 ORDER BY symbol", activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list coins: %w", err)
	}
	return collect(rows, scanCoin)
}

// ListPriceHistory retrieves a coin's price points since the given time, oldest first
func (db *DB) ListPriceHistory(ctx context.Context, coinID int64, since time.Time) ([]models.PricePoint, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, coin_id, price, created_at
		FROM price_history
		WHERE coin_id = $1 AND created_at >= $2
		ORDER BY created_at, id
	`, coinID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get price history: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*models.PricePoint, error) {
		var p models.PricePoint
		err := row.Scan(&p.ID, &p.CoinID, &p.Price, &p.CreatedAt)
		return &p, err
	})
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		return nil, notFoundOr(err, "db.GetOrder", "order %d", id)
	}
	return order, nil
}

// ListUserOrders retrieves all orders for a user, oldest first
func (db *DB) ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at, id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return collect(rows, scanOrder)
}

// ListOpenOrders retrieves the open orders of a coin: buys best (highest)
// price first, then sells best (lowest) price first, each by time priority
func (db *DB) ListOpenOrders(ctx context.Context, coinID int64) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE coin_id = $1 AND status IN ('pending', 'partially_filled') AND filled < amount
		ORDER BY side, CASE WHEN side = 'buy' THEN -price ELSE price END, created_at, id
	`, coinID)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return collect(rows, scanOrder)
}

// ListUserTransactions retrieves every execution the user took part in, newest first
func (db *DB) ListUserTransactions(ctx context.Context, userID int64) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user transactions: %w", err)
	}
	return collect(rows, scanTransaction)
}

// GetWallet retrieves the wallet of a user for one coin
func (db *DB) GetWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error) {
	wallet, err := scanWallet(db.Pool.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 AND coin_id = $2", key.UserID, key.CoinID))
	if err != nil {
		return nil, notFoundOr(err, "db.GetWallet", "wallet of user %d for coin %d", key.UserID, key.CoinID)
	}
	return wallet, nil
}

// ListUserWallets retrieves all wallets of a user
func (db *DB) ListUserWallets(ctx context.Context, userID int64) ([]models.Wallet, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 ORDER BY coin_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user wallets: %w", err)
	}
	return collect(rows, scanWallet)
}

// ListTransferLogs retrieves transfers sent or received by a user, newest first
func (db *DB) ListTransferLogs(ctx context.Context, userID int64) ([]models.TransferLog, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, sender_id, receiver_id, coin_id, amount, COALESCE(memo, ''), created_at
		FROM transfer_logs
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer logs: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*models.TransferLog, error) {
		var l models.TransferLog
		err := row.Scan(&l.ID, &l.SenderID, &l.ReceiverID, &l.CoinID, &l.Amount, &l.Memo, &l.CreatedAt)
		return &l, err
	})
}

// pgTx implements store.Tx on an open pgx transaction
type pgTx struct {
	tx pgx.Tx
}

// GetCoin retrieves a coin by id, or nil
func (t *pgTx) GetCoin(ctx context.Context, id int64) (*models.Coin, error) {
	coin, err := scanCoin(t.tx.QueryRow(ctx, "SELECT "+coinColumns+" FROM coins WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coin: %w", err)
	}
	return coin, nil
}

// UpdateCoinPrice sets the coin's current price
func (t *pgTx) UpdateCoinPrice(ctx context.Context, coinID int64, price decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, "UPDATE coins SET current_price = $1, updated_at = now() WHERE id = $2", price, coinID)
	if err != nil {
		return fmt.Errorf("failed to update coin price: %w", err)
	}
	return nil
}

// InsertPricePoint appends a point to the coin's price history
func (t *pgTx) InsertPricePoint(ctx context.Context, point *models.PricePoint) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO price_history (coin_id, price) VALUES ($1, $2) RETURNING id, created_at",
		point.CoinID, point.Price).Scan(&point.ID, &point.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record price: %w", err)
	}
	return nil
}

// InsertOrder inserts a new order
func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO orders (user_id, coin_id, side, price, amount, filled, status) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at",
		order.UserID, order.CoinID, order.Side, order.Price, order.Amount, order.Filled, order.Status).Scan(
		&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrderForUpdate retrieves and locks an order, or nil
func (t *pgTx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return order, nil
}

// FindOpenCounterparty locks the earliest eligible order at the price, or nil
func (t *pgTx) FindOpenCounterparty(ctx context.Context, coinID int64, side models.Side, price decimal.Decimal, excludeUserID int64, skip []int64) (*models.Order, error) {
	// a nil slice is sent as NULL, and id <> ALL(NULL) matches nothing
	if skip == nil {
		skip = []int64{}
	}
	order, err := scanOrder(t.tx.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE coin_id = $1
		  AND side = $2
		  AND price = $3
		  AND status IN ('pending', 'partially_filled')
		  AND filled < amount
		  AND ($4::bigint = 0 OR user_id <> $4::bigint)
		  AND id <> ALL($5::bigint[])
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE
	`, coinID, side, price, excludeUserID, skip))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find counterparty: %w", err)
	}
	return order, nil
}

// UpdateOrder writes the order's fill state
func (t *pgTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	err := t.tx.QueryRow(ctx,
		"UPDATE orders SET filled = $1, status = $2, updated_at = clock_timestamp() WHERE id = $3 RETURNING updated_at",
		order.Filled, order.Status, order.ID).Scan(&order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}
	return nil
}

// InsertTransaction records an executed match
func (t *pgTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO transactions (buy_order_id, sell_order_id, coin_id, price, amount, buyer_id, seller_id) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at",
		txn.BuyOrderID, txn.SellOrderID, txn.CoinID, txn.Price, txn.Amount, txn.BuyerID, txn.SellerID).Scan(
		&txn.ID, &txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// LockWallets retrieves and locks the wallets for keys
func (t *pgTx) LockWallets(ctx context.Context, keys ...models.WalletKey) (map[models.WalletKey]*models.Wallet, error) {
	userIDs := make([]int64, len(keys))
	coinIDs := make([]int64, len(keys))
	for i, k := range keys {
		userIDs[i] = k.UserID
		coinIDs[i] = k.CoinID
	}

	// ORDER BY id makes every caller take row locks in the same order
	rows, err := t.tx.Query(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE (user_id, coin_id) IN (SELECT * FROM unnest($1::bigint[], $2::bigint[]))
		ORDER BY id
		FOR UPDATE
	`, userIDs, coinIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallets: %w", err)
	}
	wallets, err := collect(rows, scanWallet)
	if err != nil {
		return nil, err
	}

	locked := make(map[models.WalletKey]*models.Wallet, len(wallets))
	for i := range wallets {
		locked[wallets[i].Key()] = &wallets[i]
	}
	return locked, nil
}

// CreateWallet inserts an empty wallet, or returns the existing one
func (t *pgTx) CreateWallet(ctx context.Context, key models.WalletKey) (*models.Wallet, error) {
	wallet, err := scanWallet(t.tx.QueryRow(ctx, `
		INSERT INTO wallets (user_id, coin_id) VALUES ($1, $2)
		ON CONFLICT (user_id, coin_id) DO UPDATE SET updated_at = wallets.updated_at
		RETURNING `+walletColumns, key.UserID, key.CoinID))
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return wallet, nil
}

// UpdateWalletBalance writes the wallet's balance
func (t *pgTx) UpdateWalletBalance(ctx context.Context, wallet *models.Wallet) error {
	err := t.tx.QueryRow(ctx,
		"UPDATE wallets SET balance = $1, updated_at = now() WHERE id = $2 RETURNING updated_at",
		wallet.Balance, wallet.ID).Scan(&wallet.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update wallet %d: %w", wallet.ID, err)
	}
	return nil
}

// InsertTransferLog records a transfer
func (t *pgTx) InsertTransferLog(ctx context.Context, log *models.TransferLog) error {
	var memo *string
	if log.Memo != "" {
		memo = &log.Memo
	}
	err := t.tx.QueryRow(ctx,
		"INSERT INTO transfer_logs (sender_id, receiver_id, coin_id, amount, memo) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at",
		log.SenderID, log.ReceiverID, log.CoinID, log.Amount, memo).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transfer log: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return &u, err
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.UserID, &o.CoinID, &o.Side, &o.Price, &o.Amount, &o.Filled, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func scanCoin(row pgx.Row) (*models.Coin, error) {
	var c models.Coin
	err := row.Scan(&c.ID, &c.Symbol, &c.Name, &c.CurrentPrice, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.CoinID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	return &w, err
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.CoinID, &t.Price, &t.Amount, &t.BuyerID, &t.SellerID, &t.CreatedAt)
	return &t, err
}

// collect drains rows through scan and closes them
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func notFoundOr(err error, op, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, format+" not found", args...)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
