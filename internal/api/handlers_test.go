package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/coinex/internal/auth"
	"github.com/xtrntr/coinex/internal/ledger"
	"github.com/xtrntr/coinex/internal/memdb"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/orders"
	"github.com/xtrntr/coinex/internal/store"
)

type nopPublisher struct{}

func (nopPublisher) PublishNewOrder(context.Context, int64) error { return nil }

type nopNotifier struct{}

func (nopNotifier) NotifyOrderUpdate(int64, models.OrderSnapshot) {}

type testEnv struct {
	st     *memdb.Store
	auth   *auth.AuthService
	ledger *ledger.Ledger
	router *chi.Mux
	btc    *models.Coin
	krw    *models.Coin
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := memdb.New()

	krw, err := st.CreateCoin(ctx, &models.Coin{Symbol: "KRW", Name: "Won", CurrentPrice: decimal.NewFromInt(1), Active: true})
	require.NoError(t, err)
	btc, err := st.CreateCoin(ctx, &models.Coin{Symbol: "BTC", Name: "Bitcoin", CurrentPrice: decimal.NewFromInt(200), Active: true})
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(log)

	authService := auth.NewAuthService(st, "test-secret", time.Hour)
	l := ledger.New(st, entry)
	svc := orders.NewService(st, nopPublisher{}, nopNotifier{}, l,
		orders.Config{SettlementEnabled: true, QuoteCoinID: krw.ID}, entry)

	router := chi.NewRouter()
	router.Mount("/api", NewHandler(st, svc, l, authService, entry).Routes())
	return &testEnv{st: st, auth: authService, ledger: l, router: router, btc: btc, krw: krw}
}

// user registers a user and returns its id and a bearer token
func (e *testEnv) user(t *testing.T, name string) (int64, string) {
	t.Helper()
	u, err := e.auth.Register(context.Background(), name, "password123")
	require.NoError(t, err)
	token, err := e.auth.Login(context.Background(), name, "password123")
	require.NoError(t, err)
	return u.ID, token
}

func (e *testEnv) fund(t *testing.T, userID, coinID int64, amount string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.ledger.OpenWallet(ctx, userID, coinID)
	require.NoError(t, err)
	_, err = e.ledger.Deposit(ctx, userID, coinID, decimal.RequireFromString(amount))
	require.NoError(t, err)
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return w.Code, resp
}

func TestHandler_Register(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "testpass"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Missing Password",
			requestBody:    map[string]interface{}{"username": "other"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Password is invalid (required)",
		},
		{
			name:           "Duplicate",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "x"},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, "POST", "/api/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status)
			if tt.expectedStatus != http.StatusCreated {
				assert.False(t, resp.Success)
				if tt.expectedError != "" {
					assert.Equal(t, tt.expectedError, resp.Error)
				}
				return
			}
			assert.True(t, resp.Success)
			var user models.User
			require.NoError(t, json.Unmarshal(resp.Data, &user))
			assert.Equal(t, "testuser", user.Username)
			assert.NotContains(t, string(resp.Data), "password")
		})
	}
}

func TestHandler_Login(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "alice")

	status, resp := env.do(t, "POST", "/api/auth/login", "", map[string]string{"username": "alice", "password": "password123"})
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(resp.Data), "token")

	status, resp = env.do(t, "POST", "/api/auth/login", "", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, resp.Success)
}

func TestHandler_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "GET", "/api/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, "GET", "/api/orders", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHandler_PlaceOrder(t *testing.T) {
	env := newTestEnv(t)
	aliceID, token := env.user(t, "alice")
	env.fund(t, aliceID, env.krw.ID, "1000")

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"coin_id": env.btc.ID, "side": "buy", "amount": "2", "price": "200"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "NumericValues",
			requestBody:    map[string]interface{}{"coin_id": env.btc.ID, "side": "buy", "amount": 1, "price": 100},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "InvalidSide",
			requestBody:    map[string]interface{}{"coin_id": env.btc.ID, "side": "hold", "amount": "1", "price": "200"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "ZeroPrice",
			requestBody:    map[string]interface{}{"coin_id": env.btc.ID, "side": "buy", "amount": "1", "price": "0"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "UnknownCoin",
			requestBody:    map[string]interface{}{"coin_id": 999, "side": "buy", "amount": "1", "price": "200"},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "InsufficientFunds",
			requestBody:    map[string]interface{}{"coin_id": env.btc.ID, "side": "buy", "amount": "6", "price": "200"},
			expectedStatus: http.StatusUnprocessableEntity,
		},
		{
			name:           "NothingToSell",
			requestBody:    map[string]interface{}{"coin_id": env.btc.ID, "side": "sell", "amount": "1", "price": "200"},
			expectedStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, "POST", "/api/orders", token, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status, resp.Error)
			if status != http.StatusCreated {
				return
			}
			var order models.Order
			require.NoError(t, json.Unmarshal(resp.Data, &order))
			assert.Equal(t, aliceID, order.UserID)
			assert.Equal(t, models.StatusPending, order.Status)
		})
	}

	status, resp := env.do(t, "GET", "/api/orders", token, nil)
	assert.Equal(t, http.StatusOK, status)
	var list []models.Order
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Len(t, list, 2)
}

func TestHandler_CancelOrder(t *testing.T) {
	env := newTestEnv(t)
	aliceID, alice := env.user(t, "alice")
	_, bob := env.user(t, "bob")
	env.fund(t, aliceID, env.krw.ID, "1000")

	status, resp := env.do(t, "POST", "/api/orders", alice, map[string]interface{}{
		"coin_id": env.btc.ID, "side": "buy", "amount": "1", "price": "200",
	})
	require.Equal(t, http.StatusCreated, status)
	var order models.Order
	require.NoError(t, json.Unmarshal(resp.Data, &order))
	path := fmt.Sprintf("/api/orders/%d", order.ID)

	tests := []struct {
		name           string
		token          string
		path           string
		expectedStatus int
	}{
		{"InvalidID", alice, "/api/orders/abc", http.StatusBadRequest},
		{"NotFound", alice, "/api/orders/999", http.StatusNotFound},
		{"NotOwner", bob, path, http.StatusForbidden},
		{"Success", alice, path, http.StatusOK},
		{"AlreadyCancelled", alice, path, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, "DELETE", tt.path, tt.token, nil)
			assert.Equal(t, tt.expectedStatus, status, resp.Error)
		})
	}

	status, resp = env.do(t, "GET", path, alice, nil)
	assert.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(resp.Data, &order))
	assert.Equal(t, models.StatusCancelled, order.Status)

	status, _ = env.do(t, "GET", path, bob, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestHandler_Coins(t *testing.T) {
	env := newTestEnv(t)
	aliceID, token := env.user(t, "alice")
	env.fund(t, aliceID, env.krw.ID, "1000")

	status, resp := env.do(t, "GET", "/api/coins", token, nil)
	assert.Equal(t, http.StatusOK, status)
	var coins []models.Coin
	require.NoError(t, json.Unmarshal(resp.Data, &coins))
	assert.Len(t, coins, 2)

	status, _ = env.do(t, "GET", fmt.Sprintf("/api/coins/%d", env.btc.ID), token, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, "GET", "/api/coins/999", token, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, "POST", "/api/orders", token, map[string]interface{}{
		"coin_id": env.btc.ID, "side": "buy", "amount": "1", "price": "150",
	})
	require.Equal(t, http.StatusCreated, status)

	status, resp = env.do(t, "GET", fmt.Sprintf("/api/coins/%d/orderbook", env.btc.ID), token, nil)
	assert.Equal(t, http.StatusOK, status)
	var book orders.Book
	require.NoError(t, json.Unmarshal(resp.Data, &book))
	assert.Len(t, book.Buys, 1)
	assert.Empty(t, book.Sells)
}

func TestHandler_Wallets(t *testing.T) {
	env := newTestEnv(t)
	aliceID, alice := env.user(t, "alice")
	bobID, bob := env.user(t, "bob")

	status, _ := env.do(t, "POST", "/api/wallets", alice, map[string]interface{}{"coin_id": env.btc.ID})
	assert.Equal(t, http.StatusCreated, status)
	status, _ = env.do(t, "POST", "/api/wallets", bob, map[string]interface{}{"coin_id": env.btc.ID})
	assert.Equal(t, http.StatusCreated, status)

	tests := []struct {
		name           string
		path           string
		token          string
		body           map[string]interface{}
		expectedStatus int
	}{
		{"Deposit", "/api/wallets/deposit", alice, map[string]interface{}{"coin_id": env.btc.ID, "amount": "10"}, http.StatusOK},
		{"DepositNoWallet", "/api/wallets/deposit", alice, map[string]interface{}{"coin_id": env.krw.ID, "amount": "10"}, http.StatusNotFound},
		{"DepositNegative", "/api/wallets/deposit", alice, map[string]interface{}{"coin_id": env.btc.ID, "amount": "-1"}, http.StatusBadRequest},
		{"Withdraw", "/api/wallets/withdraw", alice, map[string]interface{}{"coin_id": env.btc.ID, "amount": "2"}, http.StatusOK},
		{"Overdraw", "/api/wallets/withdraw", alice, map[string]interface{}{"coin_id": env.btc.ID, "amount": "9"}, http.StatusUnprocessableEntity},
		{"Transfer", "/api/wallets/transfer", alice, map[string]interface{}{"receiver_id": bobID, "coin_id": env.btc.ID, "amount": "3", "memo": "lunch"}, http.StatusOK},
		{"TransferToSelf", "/api/wallets/transfer", alice, map[string]interface{}{"receiver_id": aliceID, "coin_id": env.btc.ID, "amount": "1"}, http.StatusBadRequest},
		{"TransferMissingReceiver", "/api/wallets/transfer", alice, map[string]interface{}{"coin_id": env.btc.ID, "amount": "1"}, http.StatusBadRequest},
		{"TransferTooMuch", "/api/wallets/transfer", bob, map[string]interface{}{"receiver_id": aliceID, "coin_id": env.btc.ID, "amount": "4"}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, "POST", tt.path, tt.token, tt.body)
			assert.Equal(t, tt.expectedStatus, status, resp.Error)
		})
	}

	status, resp := env.do(t, "GET", "/api/wallets", alice, nil)
	assert.Equal(t, http.StatusOK, status)
	var wallets []models.Wallet
	require.NoError(t, json.Unmarshal(resp.Data, &wallets))
	require.Len(t, wallets, 1)
	assert.True(t, wallets[0].Balance.Equal(decimal.NewFromInt(5)))

	status, resp = env.do(t, "GET", "/api/wallets/transfers", bob, nil)
	assert.Equal(t, http.StatusOK, status)
	var logs []models.TransferLog
	require.NoError(t, json.Unmarshal(resp.Data, &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "lunch", logs[0].Memo)
}

func TestHandler_CreateCoin(t *testing.T) {
	env := newTestEnv(t)
	_, userToken := env.user(t, "trader")
	admin, err := env.auth.RegisterWithRole(context.Background(), "admin", "password123", models.RoleAdmin)
	require.NoError(t, err)
	adminToken, err := env.auth.IssueToken(admin)
	require.NoError(t, err)

	tests := []struct {
		name           string
		token          string
		requestBody    map[string]interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Success",
			token:          adminToken,
			requestBody:    map[string]interface{}{"symbol": "eth", "name": "Ethereum", "current_price": "2000"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "NotAdmin",
			token:          userToken,
			requestBody:    map[string]interface{}{"symbol": "XRP", "name": "Ripple", "current_price": "1"},
			expectedStatus: http.StatusForbidden,
			expectedError:  "admin role required",
		},
		{
			name:           "DuplicateSymbol",
			token:          adminToken,
			requestBody:    map[string]interface{}{"symbol": "BTC", "name": "Bitcoin again", "current_price": "1"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  `symbol "BTC" already listed`,
		},
		{
			name:           "ZeroPrice",
			token:          adminToken,
			requestBody:    map[string]interface{}{"symbol": "DOGE", "name": "Doge", "current_price": "0"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "current_price must be positive",
		},
		{
			name:           "MissingSymbol",
			token:          adminToken,
			requestBody:    map[string]interface{}{"name": "Nameless", "current_price": "1"},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, "POST", "/api/coins", tt.token, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status, resp.Error)
			if tt.expectedError != "" {
				assert.Equal(t, tt.expectedError, resp.Error)
			}
		})
	}

	eth, err := env.st.GetCoinBySymbol(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, eth.Active)
	history, err := env.st.ListPriceHistory(context.Background(), eth.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Price.Equal(decimal.NewFromInt(2000)))
}

func TestHandler_PriceHistory(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.user(t, "viewer")
	ctx := context.Background()

	now := time.Now()
	env.st.SetClock(func() time.Time { return now.Add(-48 * time.Hour) })
	eth, err := env.st.CreateCoin(ctx, &models.Coin{Symbol: "ETH", Name: "Ethereum", CurrentPrice: decimal.NewFromInt(100), Active: true})
	require.NoError(t, err)
	record := func(at time.Time, price int64) {
		env.st.SetClock(func() time.Time { return at })
		require.NoError(t, env.st.InTx(ctx, func(tx store.Tx) error {
			return tx.InsertPricePoint(ctx, &models.PricePoint{CoinID: eth.ID, Price: decimal.NewFromInt(price)})
		}))
	}
	record(now.Add(-2*time.Hour), 110)
	record(now.Add(-time.Minute), 120)
	env.st.SetClock(time.Now)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedPrices []string
	}{
		{name: "All", path: fmt.Sprintf("/api/coins/%d/history", eth.ID), expectedStatus: http.StatusOK, expectedPrices: []string{"100", "110", "120"}},
		{name: "LastHour", path: fmt.Sprintf("/api/coins/%d/history?duration=1h", eth.ID), expectedStatus: http.StatusOK, expectedPrices: []string{"120"}},
		{name: "LastDay", path: fmt.Sprintf("/api/coins/%d/history?duration=24h", eth.ID), expectedStatus: http.StatusOK, expectedPrices: []string{"110", "120"}},
		{name: "LastWeek", path: fmt.Sprintf("/api/coins/%d/history?duration=7d", eth.ID), expectedStatus: http.StatusOK, expectedPrices: []string{"100", "110", "120"}},
		{name: "UnknownDuration", path: fmt.Sprintf("/api/coins/%d/history?duration=5m", eth.ID), expectedStatus: http.StatusBadRequest},
		{name: "UnknownCoin", path: "/api/coins/999/history", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, "GET", tt.path, token, nil)
			require.Equal(t, tt.expectedStatus, status, resp.Error)
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var points []models.PricePoint
			require.NoError(t, json.Unmarshal(resp.Data, &points))
			prices := make([]string, len(points))
			for i, p := range points {
				prices[i] = p.Price.String()
			}
			assert.Equal(t, tt.expectedPrices, prices)
		})
	}
}
