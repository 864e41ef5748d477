package memdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func insertOrder(t *testing.T, s *Store, userID, coinID int64, side models.Side, amount, price string) *models.Order {
	t.Helper()
	o := &models.Order{UserID: userID, CoinID: coinID, Side: side, Amount: d(amount), Price: d(price), Status: models.StatusPending}
	require.NoError(t, s.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertOrder(context.Background(), o)
	}))
	return o
}

func TestStore_InTxRollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	coin, err := s.CreateCoin(ctx, &models.Coin{Symbol: "btc", Name: "Bitcoin", Active: true})
	require.NoError(t, err)
	assert.Equal(t, "BTC", coin.Symbol)

	boom := errors.New("boom")
	err = s.InTx(ctx, func(tx store.Tx) error {
		o := &models.Order{UserID: 1, CoinID: coin.ID, Side: models.SideBuy, Amount: d("1"), Price: d("1"), Status: models.StatusPending}
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		if _, err := tx.CreateWallet(ctx, models.WalletKey{UserID: 1, CoinID: coin.ID}); err != nil {
			return err
		}
		if err := tx.UpdateCoinPrice(ctx, coin.ID, d("42")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	orders, err := s.ListUserOrders(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, orders)
	wallets, err := s.ListUserWallets(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, wallets)
	got, err := s.GetCoin(ctx, coin.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.IsZero())
}

func TestStore_UnitSeesItsOwnWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := models.WalletKey{UserID: 1, CoinID: 1}

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.CreateWallet(ctx, key)
		require.NoError(t, err)
		w.Balance = d("10")
		require.NoError(t, tx.UpdateWalletBalance(ctx, w))

		locked, err := tx.LockWallets(ctx, key, models.WalletKey{UserID: 2, CoinID: 1})
		require.NoError(t, err)
		require.Len(t, locked, 1)
		assert.True(t, locked[key].Balance.Equal(d("10")))

		again, err := tx.CreateWallet(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, w.ID, again.ID)
		return nil
	}))

	w, err := s.GetWallet(ctx, key)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d("10")))
}

func TestStore_FindOpenCounterparty(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := insertOrder(t, s, 1, 1, models.SideSell, "1", "10")
	second := insertOrder(t, s, 2, 1, models.SideSell, "1", "10")
	insertOrder(t, s, 3, 2, models.SideSell, "1", "10")
	insertOrder(t, s, 4, 1, models.SideBuy, "1", "10")

	tests := []struct {
		name     string
		coinID   int64
		side     models.Side
		price    string
		exclude  int64
		skip     []int64
		expected int64
	}{
		{"Earliest", 1, models.SideSell, "10", 0, nil, first.ID},
		{"ExcludeUser", 1, models.SideSell, "10", 1, nil, second.ID},
		{"SkipOrder", 1, models.SideSell, "10", 0, []int64{first.ID}, second.ID},
		{"SkipLevel", 1, models.SideSell, "10", 0, []int64{first.ID, second.ID}, 0},
		{"EqualDecimalScale", 1, models.SideSell, "10.000", 0, nil, first.ID},
		{"OtherPrice", 1, models.SideSell, "11", 0, nil, 0},
		{"OtherCoin", 3, models.SideSell, "10", 0, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
				o, err := tx.FindOpenCounterparty(ctx, tt.coinID, tt.side, d(tt.price), tt.exclude, tt.skip)
				require.NoError(t, err)
				if tt.expected == 0 {
					assert.Nil(t, o)
					return nil
				}
				require.NotNil(t, o)
				assert.Equal(t, tt.expected, o.ID)
				return nil
			}))
		})
	}

	t.Run("FilledInsideUnit", func(t *testing.T) {
		require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
			o, err := tx.GetOrderForUpdate(ctx, first.ID)
			require.NoError(t, err)
			require.NoError(t, o.ApplyFill(d("1")))
			require.NoError(t, tx.UpdateOrder(ctx, o))

			next, err := tx.FindOpenCounterparty(ctx, 1, models.SideSell, d("10"), 0, nil)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Equal(t, second.ID, next.ID, "the unit's own fill takes the order out")
			return nil
		}))

		open, err := s.ListOpenOrders(ctx, 1)
		require.NoError(t, err)
		for _, o := range open {
			assert.NotEqual(t, first.ID, o.ID)
		}
	})
}

func TestStore_ListOpenOrders(t *testing.T) {
	s := New()
	ctx := context.Background()

	b1 := insertOrder(t, s, 1, 1, models.SideBuy, "1", "9")
	b2 := insertOrder(t, s, 1, 1, models.SideBuy, "1", "9.5")
	s1 := insertOrder(t, s, 1, 1, models.SideSell, "1", "11")
	s2 := insertOrder(t, s, 1, 1, models.SideSell, "1", "10")

	open, err := s.ListOpenOrders(ctx, 1)
	require.NoError(t, err)
	var ids []int64
	for _, o := range open {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []int64{b2.ID, b1.ID, s2.ID, s1.ID}, ids)
}

func TestStore_Users(t *testing.T) {
	s := New()
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "alice", "hash", models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, u.Role)
	_, err = s.CreateUser(ctx, "alice", "other", models.RoleUser)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUser(ctx, 99)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestStore_PriceHistory(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	coin, err := s.CreateCoin(ctx, &models.Coin{Symbol: "btc", Name: "Bitcoin", CurrentPrice: d("100"), Active: true})
	require.NoError(t, err)

	record := func(price string, fail bool) error {
		return s.InTx(ctx, func(tx store.Tx) error {
			if err := tx.InsertPricePoint(ctx, &models.PricePoint{CoinID: coin.ID, Price: d(price)}); err != nil {
				return err
			}
			if fail {
				return errors.New("boom")
			}
			return nil
		})
	}
	now = base.Add(time.Hour)
	require.NoError(t, record("110", false))
	require.Error(t, record("999", true))
	now = base.Add(2 * time.Hour)
	require.NoError(t, record("120", false))

	tests := []struct {
		name     string
		since    time.Time
		expected []string
	}{
		{"All", time.Time{}, []string{"100", "110", "120"}},
		{"SinceFirstTrade", base.Add(time.Hour), []string{"110", "120"}},
		{"Future", base.Add(3 * time.Hour), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points, err := s.ListPriceHistory(ctx, coin.ID, tt.since)
			require.NoError(t, err)
			var prices []string
			for _, p := range points {
				prices = append(prices, p.Price.String())
			}
			assert.Equal(t, tt.expected, prices)
		})
	}
}
