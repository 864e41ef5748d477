package notify

import (
	"encoding/json"
	"fmt"
)

// Message types sent by the server
const (
	TypeOrderUpdate        = "ORDER_UPDATE"
	TypeTransactionCreated = "TRANSACTION_CREATED"
	TypeTrade              = "TRADE"
	TypeCoinUpdate         = "COIN_UPDATE"
	TypeAuthOK             = "AUTH_OK"
	TypeSubscribed         = "SUBSCRIBED"
	TypeUnsubscribed       = "UNSUBSCRIBED"
	TypeError              = "ERROR"
)

// Message types accepted from clients
const (
	TypeAuth        = "AUTH"
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
)

// Message is the envelope of every server push
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type inbound struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	CoinID  int64  `json:"coin_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// clientMessage is one of authMessage, subscribeMessage,
// unsubscribeMessage or clientError
type clientMessage interface {
	clientMessage()
}

type authMessage struct{ token string }

type subscribeMessage struct{ coinID int64 }

type unsubscribeMessage struct{ coinID int64 }

// clientError is an error the client reports about our pushes
type clientError struct{ message string }

func (authMessage) clientMessage()        {}
func (subscribeMessage) clientMessage()   {}
func (unsubscribeMessage) clientMessage() {}
func (clientError) clientMessage()        {}

func decodeClientMessage(data []byte) (clientMessage, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	switch in.Type {
	case TypeAuth:
		if in.Token == "" {
			return nil, fmt.Errorf("AUTH requires a token")
		}
		return authMessage{token: in.Token}, nil
	case TypeSubscribe:
		if in.CoinID <= 0 {
			return nil, fmt.Errorf("SUBSCRIBE requires a coin_id")
		}
		return subscribeMessage{coinID: in.CoinID}, nil
	case TypeUnsubscribe:
		if in.CoinID <= 0 {
			return nil, fmt.Errorf("UNSUBSCRIBE requires a coin_id")
		}
		return unsubscribeMessage{coinID: in.CoinID}, nil
	case TypeError:
		return clientError{message: in.Message}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", in.Type)
	}
}
