// Package notify pushes live order and trade updates to WebSocket clients.
// Connections authenticate with a JWT and are indexed by user id; public
// trades go to connections subscribed to the coin.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/coinex/internal/metrics"
	"github.com/xtrntr/coinex/internal/models"
)

// TokenVerifier resolves a bearer token to a user id
type TokenVerifier interface {
	GetUserFromToken(token string) (int64, error)
}

// CoinLister provides the coin snapshot sent on connect
type CoinLister interface {
	ListCoins(ctx context.Context, activeOnly bool) ([]models.Coin, error)
}

// Hub is the registry of live connections
type Hub struct {
	verifier TokenVerifier
	coins    CoinLister
	upgrader websocket.Upgrader
	log      *logrus.Entry

	mu      sync.RWMutex
	clients map[*Client]struct{}
	byUser  map[int64]map[*Client]struct{}
	byCoin  map[int64]map[*Client]struct{}
}

// NewHub creates an empty hub. coins may be nil to skip the connect snapshot.
func NewHub(verifier TokenVerifier, coins CoinLister, log *logrus.Entry) *Hub {
	return &Hub{
		verifier: verifier,
		coins:    coins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log.WithField("component", "notifier"),
		clients: make(map[*Client]struct{}),
		byUser:  make(map[int64]map[*Client]struct{}),
		byCoin:  make(map[int64]map[*Client]struct{}),
	}
}

// ServeWS upgrades the request and serves the connection until it closes
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	c := newClient(h, conn)
	h.register(c)
	h.sendCoinSnapshot(r.Context(), c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) sendCoinSnapshot(ctx context.Context, c *Client) {
	if h.coins == nil {
		return
	}
	coins, err := h.coins.ListCoins(ctx, true)
	if err != nil {
		c.log.WithError(err).Warn("Failed to load coin snapshot")
		return
	}
	c.reply(TypeCoinUpdate, coins)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveConnections.Inc()
	c.log.WithField("connections", n).Debug("Client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.drop(c)
	metrics.ActiveConnections.Dec()
	c.log.WithField("connections", len(h.clients)).Debug("Client disconnected")
}

// drop removes c from every index and closes its send channel; h.mu must
// be held for writing
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	removeFrom(h.byUser, c.userID, c)
	for coinID := range c.coins {
		removeFrom(h.byCoin, coinID, c)
	}
	close(c.send)
}

func (h *Hub) authenticate(c *Client, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	removeFrom(h.byUser, c.userID, c)
	c.userID = userID
	addTo(h.byUser, userID, c)
}

func (h *Hub) subscribe(c *Client, coinID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	c.coins[coinID] = struct{}{}
	addTo(h.byCoin, coinID, c)
}

func (h *Hub) unsubscribe(c *Client, coinID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.coins, coinID)
	removeFrom(h.byCoin, coinID, c)
}

// NotifyOrderUpdate pushes the order to every connection of the user
func (h *Hub) NotifyOrderUpdate(userID int64, order models.OrderSnapshot) {
	h.toUsers(TypeOrderUpdate, order, userID)
}

// NotifyTransaction pushes the trade to both sides and to the coin's
// subscribers
func (h *Hub) NotifyTransaction(buyerID, sellerID int64, txn models.Transaction) {
	h.toUsers(TypeTransactionCreated, txn, buyerID, sellerID)

	payload, err := encode(TypeTrade, tradeView{
		CoinID:    txn.CoinID,
		Price:     txn.Price.String(),
		Amount:    txn.Amount.String(),
		CreatedAt: txn.CreatedAt,
	})
	if err != nil {
		h.log.WithError(err).Error("Failed to encode trade")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byCoin[txn.CoinID] {
		h.trySend(c, TypeTrade, payload)
	}
}

// tradeView is the public trade feed; it carries no user or order ids
type tradeView struct {
	CoinID    int64     `json:"coin_id"`
	Price     string    `json:"price"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Hub) toUsers(msgType string, data interface{}, userIDs ...int64) {
	payload, err := encode(msgType, data)
	if err != nil {
		h.log.WithError(err).WithField("type", msgType).Error("Failed to encode notification")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		for c := range h.byUser[id] {
			h.trySend(c, msgType, payload)
		}
	}
}

// deliver queues payload for one client if it is still registered
func (h *Hub) deliver(c *Client, msgType string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.trySend(c, msgType, payload)
}

// trySend never blocks; h.mu must be held
func (h *Hub) trySend(c *Client, msgType string, payload []byte) {
	select {
	case c.send <- payload:
		metrics.NotificationsTotal.WithLabelValues(msgType, "queued").Inc()
	default:
		metrics.NotificationsTotal.WithLabelValues(msgType, "dropped").Inc()
		c.log.WithField("type", msgType).Warn("Send buffer full, dropping message")
	}
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserConnectionCount returns the number of connections authenticated as userID
func (h *Hub) UserConnectionCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.drop(c)
		metrics.ActiveConnections.Dec()
	}
}

func encode(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Data: data, Timestamp: time.Now().Unix()})
}

func addTo(index map[int64]map[*Client]struct{}, key int64, c *Client) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Client]struct{})
		index[key] = set
	}
	set[c] = struct{}{}
}

func removeFrom(index map[int64]map[*Client]struct{}, key int64, c *Client) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
}
