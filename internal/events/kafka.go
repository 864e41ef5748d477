package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaConfig configures KafkaBus
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// KafkaBus sends signals on NewOrderTopic. Offsets are committed after the
// handler returns, so a crash mid-handler redelivers the signal.
type KafkaBus struct {
	writer *kafka.Writer
	cfg    KafkaConfig
	log    *logrus.Entry
}

// NewKafkaBus creates a bus on the given brokers
func NewKafkaBus(cfg KafkaConfig, log *logrus.Entry) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka bus needs at least one broker")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "matcher"
	}
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        NewOrderTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		cfg: cfg,
		log: log.WithField("component", "kafka-bus"),
	}, nil
}

func (b *KafkaBus) PublishNewOrder(ctx context.Context, orderID int64) error {
	payload, err := encodeNewOrder(orderID)
	if err != nil {
		return err
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(orderID, 10)),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", NewOrderTopic, err)
	}
	return nil
}

func (b *KafkaBus) SubscribeNewOrders(ctx context.Context, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		GroupID:  b.cfg.GroupID,
		Topic:    NewOrderTopic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  500 * time.Millisecond,
	})
	defer reader.Close()
	b.log.WithFields(logrus.Fields{"topic": NewOrderTopic, "group": b.cfg.GroupID}).Info("Subscribed to new-order signals")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", NewOrderTopic, err)
		}
		handle(ctx, b.log, msg.Value, handler)
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			b.log.WithError(err).WithField("offset", msg.Offset).Warn("Failed to commit offset")
		}
	}
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
