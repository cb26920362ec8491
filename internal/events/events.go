// Package events публикует события жизненного цикла купонов в Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// Type описывает тип события.
type Type string

const (
	TypeCouponIssued    Type = "coupon.issued"
	TypeCouponUsed      Type = "coupon.used"
	TypeCouponCancelled Type = "coupon.cancelled"
)

// Event описывает событие, публикуемое после фиксации транзакции.
type Event struct {
	Type           Type             `json:"event_type"`
	CouponCode     string           `json:"coupon_code"`
	UserCouponID   uuid.UUID        `json:"user_coupon_id"`
	UserID         int64            `json:"user_id"`
	OrderID        string           `json:"order_id,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// MessageWriter содержит используемое подмножество kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher пишет события в топик Kafka, ключ сообщения — идентификатор пользователя.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter создаёт писатель Kafka для указанных брокеров и топика.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		WriteTimeout: time.Second,
	}
}

// NewKafkaPublisher создаёт публикатор поверх писателя Kafka.
func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// Publish сериализует событие в JSON и отправляет его.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(e.UserID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close закрывает писатель.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
