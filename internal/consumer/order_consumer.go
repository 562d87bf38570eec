package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/rahmatullahboss/cartsync/internal/repository"
	"github.com/rahmatullahboss/cartsync/internal/service"
)

// OrderCompletedEvent mirrors the payload the order flow publishes when a
// checkout finishes. Either identifier may reference the cart; session_id
// covers guest checkouts, user_id authenticated ones.
type OrderCompletedEvent struct {
	OrderID   string `json:"order_id"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Consumer links completed orders back to their carts. Linking is best
// effort: a cart that cannot be found is logged and skipped, and the order
// itself is never affected.
type Consumer struct {
	carts  *service.CartService
	reader *kafka.Reader
}

func NewConsumer(carts *service.CartService, topic string, brokers ...string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  "cartsync-recovery",
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{carts: carts, reader: reader}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		fmt.Printf("error closing kafka reader: %v\n", err)
	}
}

func (c *Consumer) processMessage(ctx context.Context) {
	m, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Printf("error reading message: %v\n", err)
		return
	}

	c.handleEvent(ctx, m.Value)
}

func (c *Consumer) handleEvent(ctx context.Context, value []byte) {
	var event OrderCompletedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		fmt.Printf("error parsing message: %v\n", err)
		return
	}
	if event.OrderID == "" {
		fmt.Println("missing order_id, skipping")
		return
	}

	key := event.SessionID
	if key == "" {
		key = event.UserID
	}
	if key == "" {
		fmt.Printf("order %s carries no cart reference, skipping\n", event.OrderID)
		return
	}

	record, err := c.carts.LinkRecovered(ctx, key, event.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrCartNotFound) {
			fmt.Printf("no cart to recover for order %s\n", event.OrderID)
			return
		}
		fmt.Printf("failed to link order %s to cart: %v\n", event.OrderID, err)
		return
	}

	fmt.Printf("cart %s recovered by order %s\n", record.ID, event.OrderID)
}
