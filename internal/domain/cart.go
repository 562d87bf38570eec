package domain

import "time"

type CartStatus string

const (
	StatusActive    CartStatus = "active"
	StatusAbandoned CartStatus = "abandoned"
	StatusRecovered CartStatus = "recovered"
)

// ReminderStage bounds. Stage 0 means no reminder has been sent yet;
// stages only ever move forward, one at a time.
const (
	FirstReminderStage  = 1
	SecondReminderStage = 2
	FinalReminderStage  = 3
)

type CartLine struct {
	ProductID int64   `bson:"product_id" json:"id"`
	Name      string  `bson:"name" json:"name"`
	UnitPrice float64 `bson:"unit_price" json:"unit_price"`
	Quantity  int     `bson:"quantity" json:"quantity"`
	ImageURL  string  `bson:"image_url,omitempty" json:"image,omitempty"`
}

// Contact is whatever checkout details the client has volunteered so far.
// All fields are best-effort; empty values never overwrite stored ones.
type Contact struct {
	Name   string `bson:"name,omitempty" json:"name,omitempty"`
	Email  string `bson:"email,omitempty" json:"email,omitempty"`
	Number string `bson:"number,omitempty" json:"number,omitempty"`
}

// CartRecord is the authoritative persisted cart for one identity.
// It is addressable by SessionID (anonymous), UserID (authenticated),
// or both once a guest cart has been merged at login.
type CartRecord struct {
	ID        string `bson:"_id,omitempty"`
	SessionID string `bson:"session_id,omitempty"`
	UserID    string `bson:"user_id,omitempty"`

	Lines        []CartLine `bson:"lines"`
	Subtotal     float64    `bson:"subtotal"`
	CartTotal    float64    `bson:"cart_total"`
	ShippingZone string     `bson:"shipping_zone,omitempty"`

	Status         CartStatus `bson:"status"`
	LastActivityAt time.Time  `bson:"last_activity_at"`
	AbandonedAt    *time.Time `bson:"abandoned_at,omitempty"`

	RecoveredOrderID string `bson:"recovered_order_id,omitempty"`

	ReminderStage          int        `bson:"reminder_stage"`
	FirstReminderSentAt    *time.Time `bson:"first_reminder_sent_at,omitempty"`
	SecondReminderSentAt   *time.Time `bson:"second_reminder_sent_at,omitempty"`
	FinalReminderSentAt    *time.Time `bson:"final_reminder_sent_at,omitempty"`
	FinalDiscountCode      string     `bson:"final_discount_code,omitempty"`
	FinalDiscountExpiresAt *time.Time `bson:"final_discount_expires_at,omitempty"`

	CustomerName   string `bson:"customer_name,omitempty"`
	CustomerEmail  string `bson:"customer_email,omitempty"`
	CustomerNumber string `bson:"customer_number,omitempty"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Snapshot is a point-in-time productID -> quantity view of a cart.
type Snapshot map[int64]int

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, qty := range s {
		out[id] = qty
	}
	return out
}

func (c *CartRecord) Snapshot() Snapshot {
	snap := make(Snapshot, len(c.Lines))
	for _, line := range c.Lines {
		if line.Quantity > 0 {
			snap[line.ProductID] = line.Quantity
		}
	}
	return snap
}

// OwnerKeys returns every key this record is reachable by. A merged record
// answers to both its session token and its user id.
func (c *CartRecord) OwnerKeys() []string {
	keys := make([]string, 0, 2)
	if c.SessionID != "" {
		keys = append(keys, c.SessionID)
	}
	if c.UserID != "" {
		keys = append(keys, c.UserID)
	}
	return keys
}

// HasValue reports whether the cart is worth chasing: a nonzero total or at
// least one line with positive quantity.
func (c *CartRecord) HasValue() bool {
	if c.CartTotal > 0 {
		return true
	}
	for _, line := range c.Lines {
		if line.Quantity > 0 {
			return true
		}
	}
	return false
}

// ReminderSentAt returns the timestamp recorded for the given stage,
// or nil if that stage has not been dispatched.
func (c *CartRecord) ReminderSentAt(stage int) *time.Time {
	switch stage {
	case FirstReminderStage:
		return c.FirstReminderSentAt
	case SecondReminderStage:
		return c.SecondReminderSentAt
	case FinalReminderStage:
		return c.FinalReminderSentAt
	}
	return nil
}
