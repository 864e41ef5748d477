package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/store"
)

// Shortfall names the wallet that could not cover its leg of a settlement.
// Settle wraps it in an apperr.KindInsufficientFunds error.
type Shortfall struct {
	UserID int64
	CoinID int64
}

func (s *Shortfall) Error() string {
	return fmt.Sprintf("user %d cannot cover coin %d", s.UserID, s.CoinID)
}

func shortfall(op string, txnID int64, key models.WalletKey) error {
	return &apperr.Error{
		Kind: apperr.KindInsufficientFunds,
		Op:   op,
		Msg:  fmt.Sprintf("trade %d not settled", txnID),
		Err:  &Shortfall{UserID: key.UserID, CoinID: key.CoinID},
	}
}

type leg struct {
	key   models.WalletKey
	delta decimal.Decimal
}

// Settle moves the funds of one matched trade inside the caller's unit:
// the seller delivers the coin, the buyer pays price × amount of the quote
// coin. Debited wallets must exist and cover the debit; credited wallets are
// opened when missing.
func (l *Ledger) Settle(ctx context.Context, tx store.Tx, txn models.Transaction, quoteCoinID int64) error {
	const op = "ledger.Settle"
	if txn.CoinID == quoteCoinID {
		return apperr.Validation(op, "coin %d is the quote coin", txn.CoinID)
	}

	total := txn.Total()
	debits := []leg{
		{key: models.WalletKey{UserID: txn.SellerID, CoinID: txn.CoinID}, delta: txn.Amount.Neg()},
		{key: models.WalletKey{UserID: txn.BuyerID, CoinID: quoteCoinID}, delta: total.Neg()},
	}
	credits := []leg{
		{key: models.WalletKey{UserID: txn.BuyerID, CoinID: txn.CoinID}, delta: txn.Amount},
		{key: models.WalletKey{UserID: txn.SellerID, CoinID: quoteCoinID}, delta: total},
	}

	keys := make([]models.WalletKey, 0, 4)
	for _, lg := range append(append([]leg{}, debits...), credits...) {
		keys = append(keys, lg.key)
	}
	wallets, err := tx.LockWallets(ctx, keys...)
	if err != nil {
		return err
	}

	for _, d := range debits {
		if _, ok := wallets[d.key]; !ok {
			return shortfall(op, txn.ID, d.key)
		}
	}
	for _, c := range credits {
		if _, ok := wallets[c.key]; ok {
			continue
		}
		w, err := tx.CreateWallet(ctx, c.key)
		if err != nil {
			return err
		}
		wallets[c.key] = w
	}

	touched := make(map[models.WalletKey]bool, len(keys))
	for _, lg := range append(debits, credits...) {
		w := wallets[lg.key]
		w.Balance = w.Balance.Add(lg.delta)
		touched[lg.key] = true
	}
	// a self-trade nets out on the same wallets, so the check runs on the
	// final balances
	for _, k := range keys {
		if wallets[k].Balance.IsNegative() {
			return shortfall(op, txn.ID, k)
		}
	}
	for _, k := range keys {
		if !touched[k] {
			continue
		}
		if err := tx.UpdateWalletBalance(ctx, wallets[k]); err != nil {
			return err
		}
		delete(touched, k)
	}
	return nil
}
