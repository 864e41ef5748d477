package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/auth"
	"github.com/xtrntr/coinex/internal/ledger"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/orders"
	"github.com/xtrntr/coinex/internal/store"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	store       store.Store
	orders      *orders.Service
	ledger      *ledger.Ledger
	authService *auth.AuthService
	validate    *validator.Validate
	log         *logrus.Entry
}

// NewHandler creates a new handler
func NewHandler(st store.Store, svc *orders.Service, l *ledger.Ledger, authService *auth.AuthService, log *logrus.Entry) *Handler {
	return &Handler{
		store:       st,
		orders:      svc,
		ledger:      l,
		authService: authService,
		validate:    validator.New(),
		log:         log.WithField("component", "api"),
	}
}

// Routes returns the API router; it is mounted under /api
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Get("/coins", h.ListCoins)
		r.Get("/coins/{id}", h.GetCoin)
		r.Get("/coins/{id}/orderbook", h.GetOrderBook)
		r.Get("/coins/{id}/history", h.GetPriceHistory)
		r.With(h.RequireRole(models.RoleAdmin)).Post("/coins", h.CreateCoin)

		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Delete("/orders/{id}", h.CancelOrder)

		r.Get("/transactions", h.GetUserTransactions)

		r.Get("/wallets", h.ListWallets)
		r.Post("/wallets", h.OpenWallet)
		r.Post("/wallets/deposit", h.Deposit)
		r.Post("/wallets/withdraw", h.Withdraw)
		r.Post("/wallets/transfer", h.Transfer)
		r.Get("/wallets/transfers", h.ListTransfers)
	})
	return r
}

type credentials struct {
	Username string `json:"username" validate:"required,max=50"`
	Password string `json:"password" validate:"required,max=72"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.authService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := h.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeMessage(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.authService.GetUserFromToken(tokenString)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects users that do not hold role. It runs after
// JWTAuthMiddleware.
func (h *Handler) RequireRole(role models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h.authService.Authorize(r.Context(), userIDFrom(r), role); err != nil {
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userIDFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("", "Invalid id")
	}
	return id, nil
}

// ListCoins lists the listed coins
func (h *Handler) ListCoins(w http.ResponseWriter, r *http.Request) {
	coins, err := h.store.ListCoins(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if coins == nil {
		coins = []models.Coin{}
	}
	writeJSON(w, http.StatusOK, coins)
}

// GetCoin returns one coin with its current price
func (h *Handler) GetCoin(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	coin, err := h.store.GetCoin(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coin)
}

// GetOrderBook returns the open orders of a coin
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	book, err := h.orders.OrderBook(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type createCoinRequest struct {
	Symbol       string          `json:"symbol" validate:"required,alphanum,max=20"`
	Name         string          `json:"name" validate:"required,max=100"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// CreateCoin lists a new coin. Admin only.
func (h *Handler) CreateCoin(w http.ResponseWriter, r *http.Request) {
	var req createCoinRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !req.CurrentPrice.IsPositive() {
		h.writeError(w, r, apperr.Validation("", "current_price must be positive"))
		return
	}

	coin, err := h.store.CreateCoin(r.Context(), &models.Coin{
		Symbol:       req.Symbol,
		Name:         req.Name,
		CurrentPrice: req.CurrentPrice,
		Active:       true,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"symbol":  coin.Symbol,
		"user_id": userIDFrom(r),
	}).Info("Coin listed")
	writeJSON(w, http.StatusCreated, coin)
}

var historyWindows = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// GetPriceHistory returns the coin's trade prices, oldest first. The
// optional duration query limits it to 1h, 24h, 7d or 30d.
func (h *Handler) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var since time.Time
	if d := r.URL.Query().Get("duration"); d != "" {
		window, ok := historyWindows[d]
		if !ok {
			h.writeError(w, r, apperr.Validation("", "duration must be one of 1h, 24h, 7d, 30d"))
			return
		}
		since = time.Now().Add(-window)
	}

	if _, err := h.store.GetCoin(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	points, err := h.store.ListPriceHistory(r.Context(), id, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if points == nil {
		points = []models.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

type placeOrderRequest struct {
	CoinID int64           `json:"coin_id" validate:"required,gt=0"`
	Side   string          `json:"side" validate:"required,oneof=buy sell"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// PlaceOrder accepts an order; matching happens asynchronously
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.orders.Place(r.Context(), orders.PlaceOrder{
		UserID: userIDFrom(r),
		CoinID: req.CoinID,
		Side:   models.Side(req.Side),
		Amount: req.Amount,
		Price:  req.Price,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.orders.ListByUser(r.Context(), userIDFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetOrder returns one of the user's orders
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orders.GetForUser(r.Context(), id, userIDFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder cancels a pending order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orders.Cancel(r.Context(), id, userIDFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetUserTransactions retrieves a user's trade history
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.store.ListUserTransactions(r.Context(), userIDFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// ListWallets lists the user's wallets
func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.ledger.Wallets(r.Context(), userIDFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if wallets == nil {
		wallets = []models.Wallet{}
	}
	writeJSON(w, http.StatusOK, wallets)
}

type openWalletRequest struct {
	CoinID int64 `json:"coin_id" validate:"required,gt=0"`
}

// OpenWallet opens an empty wallet for a coin
func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req openWalletRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	wallet, err := h.ledger.OpenWallet(r.Context(), userIDFrom(r), req.CoinID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

type amountRequest struct {
	CoinID int64           `json:"coin_id" validate:"required,gt=0"`
	Amount decimal.Decimal `json:"amount"`
}

// Deposit credits the user's wallet
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	wallet, err := h.ledger.Deposit(r.Context(), userIDFrom(r), req.CoinID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Withdraw debits the user's wallet
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	wallet, err := h.ledger.Withdraw(r.Context(), userIDFrom(r), req.CoinID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

type transferRequest struct {
	ReceiverID int64           `json:"receiver_id" validate:"required,gt=0"`
	CoinID     int64           `json:"coin_id" validate:"required,gt=0"`
	Amount     decimal.Decimal `json:"amount"`
	Memo       string          `json:"memo" validate:"max=255"`
}

// Transfer moves funds to another user's wallet
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.ledger.Transfer(r.Context(), ledger.TransferRequest{
		SenderID:   userIDFrom(r),
		ReceiverID: req.ReceiverID,
		CoinID:     req.CoinID,
		Amount:     req.Amount,
		Memo:       req.Memo,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListTransfers lists transfers sent or received by the user
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	logs, err := h.ledger.Transfers(r.Context(), userIDFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.TransferLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}
