// Package ledger moves money between wallets: deposits, withdrawals,
// user-to-user transfers and the settlement legs of matched trades.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/metrics"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/store"
)

// Ledger owns wallet balances and the transfer log
type Ledger struct {
	store store.Store
	log   *logrus.Entry
}

// New creates a ledger on top of st
func New(st store.Store, log *logrus.Entry) *Ledger {
	return &Ledger{store: st, log: log.WithField("component", "ledger")}
}

// TransferRequest describes a wallet-to-wallet move of one coin
type TransferRequest struct {
	SenderID   int64
	ReceiverID int64
	CoinID     int64
	Amount     decimal.Decimal
	Memo       string
}

// TransferResult reports both wallets after a committed transfer
type TransferResult struct {
	From models.Wallet      `json:"from"`
	To   models.Wallet      `json:"to"`
	Log  models.TransferLog `json:"log"`
}

// Transfer debits the sender, credits the receiver and appends one
// TransferLog row in a single atomic unit. Missing wallets are not created.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	const op = "ledger.Transfer"
	if !req.Amount.IsPositive() {
		return nil, l.fail("transfer", apperr.Validation(op, "amount must be positive"))
	}
	if req.SenderID == req.ReceiverID {
		return nil, l.fail("transfer", apperr.Validation(op, "sender and receiver must differ"))
	}

	from := models.WalletKey{UserID: req.SenderID, CoinID: req.CoinID}
	to := models.WalletKey{UserID: req.ReceiverID, CoinID: req.CoinID}

	var result TransferResult
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		wallets, err := tx.LockWallets(ctx, from, to)
		if err != nil {
			return err
		}
		sender, ok := wallets[from]
		if !ok {
			return apperr.NotFound(op, "sender wallet for coin %d not found", req.CoinID)
		}
		receiver, ok := wallets[to]
		if !ok {
			return apperr.NotFound(op, "receiver wallet for coin %d not found", req.CoinID)
		}
		if sender.Balance.LessThan(req.Amount) {
			return apperr.InsufficientFunds(op, "balance %s is less than %s", sender.Balance, req.Amount)
		}

		sender.Balance = sender.Balance.Sub(req.Amount)
		receiver.Balance = receiver.Balance.Add(req.Amount)
		if err := tx.UpdateWalletBalance(ctx, sender); err != nil {
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, receiver); err != nil {
			return err
		}

		entry := &models.TransferLog{
			SenderID:   req.SenderID,
			ReceiverID: req.ReceiverID,
			CoinID:     req.CoinID,
			Amount:     req.Amount,
			Memo:       req.Memo,
		}
		if err := tx.InsertTransferLog(ctx, entry); err != nil {
			return err
		}

		result = TransferResult{From: *sender, To: *receiver, Log: *entry}
		return nil
	})
	if err != nil {
		return nil, l.fail("transfer", err)
	}

	metrics.LedgerOpsTotal.WithLabelValues("transfer", "ok").Inc()
	l.log.WithFields(logrus.Fields{
		"sender_id":   req.SenderID,
		"receiver_id": req.ReceiverID,
		"coin_id":     req.CoinID,
		"amount":      req.Amount.String(),
		"transfer_id": result.Log.ID,
	}).Info("Transfer committed")
	return &result, nil
}

// Deposit credits amount to the user's existing wallet for coinID
func (l *Ledger) Deposit(ctx context.Context, userID, coinID int64, amount decimal.Decimal) (*models.Wallet, error) {
	const op = "ledger.Deposit"
	if !amount.IsPositive() {
		return nil, l.fail("deposit", apperr.Validation(op, "amount must be positive"))
	}
	w, err := l.adjust(ctx, op, models.WalletKey{UserID: userID, CoinID: coinID}, amount)
	if err != nil {
		return nil, l.fail("deposit", err)
	}
	metrics.LedgerOpsTotal.WithLabelValues("deposit", "ok").Inc()
	return w, nil
}

// Withdraw debits amount from the user's wallet for coinID
func (l *Ledger) Withdraw(ctx context.Context, userID, coinID int64, amount decimal.Decimal) (*models.Wallet, error) {
	const op = "ledger.Withdraw"
	if !amount.IsPositive() {
		return nil, l.fail("withdraw", apperr.Validation(op, "amount must be positive"))
	}
	w, err := l.adjust(ctx, op, models.WalletKey{UserID: userID, CoinID: coinID}, amount.Neg())
	if err != nil {
		return nil, l.fail("withdraw", err)
	}
	metrics.LedgerOpsTotal.WithLabelValues("withdraw", "ok").Inc()
	return w, nil
}

func (l *Ledger) adjust(ctx context.Context, op string, key models.WalletKey, delta decimal.Decimal) (*models.Wallet, error) {
	var wallet models.Wallet
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		wallets, err := tx.LockWallets(ctx, key)
		if err != nil {
			return err
		}
		w, ok := wallets[key]
		if !ok {
			return apperr.NotFound(op, "wallet for coin %d not found", key.CoinID)
		}
		next := w.Balance.Add(delta)
		if next.IsNegative() {
			return apperr.InsufficientFunds(op, "balance %s is less than %s", w.Balance, delta.Neg())
		}
		w.Balance = next
		if err := tx.UpdateWalletBalance(ctx, w); err != nil {
			return err
		}
		wallet = *w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// OpenWallet creates an empty wallet for the user and coin, or returns the
// existing one
func (l *Ledger) OpenWallet(ctx context.Context, userID, coinID int64) (*models.Wallet, error) {
	var wallet *models.Wallet
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		coin, err := tx.GetCoin(ctx, coinID)
		if err != nil {
			return err
		}
		if coin == nil {
			return apperr.NotFound("ledger.OpenWallet", "coin %d not found", coinID)
		}
		wallet, err = tx.CreateWallet(ctx, models.WalletKey{UserID: userID, CoinID: coinID})
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// Wallets lists the user's wallets
func (l *Ledger) Wallets(ctx context.Context, userID int64) ([]models.Wallet, error) {
	return l.store.ListUserWallets(ctx, userID)
}

// Balance returns the user's balance of coinID, zero when no wallet exists
func (l *Ledger) Balance(ctx context.Context, userID, coinID int64) (decimal.Decimal, error) {
	w, err := l.store.GetWallet(ctx, models.WalletKey{UserID: userID, CoinID: coinID})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// Transfers lists transfers sent or received by the user
func (l *Ledger) Transfers(ctx context.Context, userID int64) ([]models.TransferLog, error) {
	return l.store.ListTransferLogs(ctx, userID)
}

func (l *Ledger) fail(op string, err error) error {
	metrics.LedgerOpsTotal.WithLabelValues(op, apperr.KindOf(err).String()).Inc()
	return err
}
