package notify

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Client is one WebSocket connection. userID and coins are guarded by the
// hub's lock.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *logrus.Entry

	userID int64
	coins  map[int64]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.New().String()
	return &Client{
		id:    id,
		conn:  conn,
		hub:   hub,
		send:  make(chan []byte, sendBufferSize),
		log:   hub.log.WithField("conn_id", id),
		coins: make(map[int64]struct{}),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("WebSocket closed unexpectedly")
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one frame per message keeps every push parseable on its own
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(data []byte) {
	msg, err := decodeClientMessage(data)
	if err != nil {
		c.reply(TypeError, map[string]string{"error": err.Error()})
		return
	}

	switch m := msg.(type) {
	case authMessage:
		userID, err := c.hub.verifier.GetUserFromToken(m.token)
		if err != nil {
			c.reply(TypeError, map[string]string{"error": "authentication failed"})
			return
		}
		c.hub.authenticate(c, userID)
		c.reply(TypeAuthOK, map[string]int64{"user_id": userID})
	case subscribeMessage:
		c.hub.subscribe(c, m.coinID)
		c.reply(TypeSubscribed, map[string]int64{"coin_id": m.coinID})
	case unsubscribeMessage:
		c.hub.unsubscribe(c, m.coinID)
		c.reply(TypeUnsubscribed, map[string]int64{"coin_id": m.coinID})
	case clientError:
		c.log.WithField("client_error", m.message).Warn("Client reported an error")
	}
}

// reply queues a message for this client only. It runs on the read
// goroutine, before unregister can close send.
func (c *Client) reply(msgType string, data interface{}) {
	payload, err := encode(msgType, data)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode reply")
		return
	}
	c.hub.deliver(c, msgType, payload)
}
