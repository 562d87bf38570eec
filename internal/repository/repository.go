package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rahmatullahboss/cartsync/internal/domain"
)

var ErrCartNotFound = errors.New("cart not found")

// Owner addresses a cart by whichever identity the request resolved to.
// UserID wins when both are present; SessionID rides along so a merged
// record stays reachable by the session token as well.
type Owner struct {
	SessionID string
	UserID    string
}

// Key returns the addressing key used for lookups.
func (o Owner) Key() string {
	if o.UserID != "" {
		return o.UserID
	}
	return o.SessionID
}

// Keys returns every channel/cache key the owner's cart answers to.
func (o Owner) Keys() []string {
	keys := make([]string, 0, 2)
	if o.SessionID != "" {
		keys = append(keys, o.SessionID)
	}
	if o.UserID != "" {
		keys = append(keys, o.UserID)
	}
	return keys
}

// PricedSnapshot is a full replacement cart state with totals already
// recomputed from current catalog prices.
type PricedSnapshot struct {
	Lines        []domain.CartLine
	Subtotal     float64
	CartTotal    float64
	ShippingZone string
}

// CartStore defines the persistence operations the sync and recovery
// components need. Consumers define this interface, not the MongoDB
// implementation.
//
// Every mutation is a single atomic upsert or a precondition-guarded update:
// batch jobs racing each other simply find zero matching rows instead of
// clobbering state they did not expect.
type CartStore interface {
	// FindActive returns the identity's current cart. Recovered carts are
	// terminal and never returned; an abandoned cart is still "the cart"
	// for sync purposes since any write revives it.
	FindActive(ctx context.Context, ownerKey string) (*domain.CartRecord, error)

	// Create inserts an empty active cart for the owner.
	Create(ctx context.Context, owner Owner) (*domain.CartRecord, error)

	// ApplySnapshot upserts the owner's cart with the given full snapshot,
	// forces status back to active and stamps last_activity_at. Non-empty
	// contact fields are captured; empty ones never overwrite stored values.
	ApplySnapshot(ctx context.Context, owner Owner, snap PricedSnapshot, contact domain.Contact) (*domain.CartRecord, error)

	// BindSession points the record's session token at the given record,
	// making it reachable by both identities after a merge.
	BindSession(ctx context.Context, id, sessionID string) error

	// Delete removes a record outright. Only used to absorb an orphaned
	// guest record after a merge.
	Delete(ctx context.Context, id string) error

	// FindAbandonCandidates lists active carts idle since before cutoff
	// that have a contact email and non-trivial value.
	FindAbandonCandidates(ctx context.Context, cutoff time.Time) ([]*domain.CartRecord, error)

	// MarkAbandoned demotes an active cart. Returns false if the cart was
	// no longer active (a concurrent sweep won, or fresh activity arrived).
	MarkAbandoned(ctx context.Context, id string, abandonedAt time.Time) (bool, error)

	// FindStageCandidates lists carts eligible for reminder stage
	// (1-based): not recovered, reminder_stage == stage-1, contact email
	// present, and the previous stage's timestamp (abandoned_at for stage
	// 1) at or before dueBefore.
	FindStageCandidates(ctx context.Context, stage int, dueBefore time.Time) ([]*domain.CartRecord, error)

	// AdvanceReminderStage records a successful dispatch. Returns false if
	// the precondition (stage == stage-1, not recovered) no longer held.
	AdvanceReminderStage(ctx context.Context, id string, stage int, sentAt time.Time, discountCode string, discountExpiresAt *time.Time) (bool, error)

	// MarkRecovered links a completed order to the owner's cart and
	// freezes it. Returns ErrCartNotFound if no non-recovered cart
	// matches the key.
	MarkRecovered(ctx context.Context, ownerKey, orderID string) (*domain.CartRecord, error)
}
