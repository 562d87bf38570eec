package notifier

import "context"

// Event tells other live clients of the same identity that the cart changed
// and they should pull the canonical snapshot and re-merge. It carries no
// cart data on purpose: delivery is best-effort and unordered, so the
// payload can never be applied as a delta.
type Event struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId,omitempty"`
	OriginSessionID string `json:"originSessionId,omitempty"`
	OriginClientID  string `json:"originClientId,omitempty"`
}

const (
	EventCartReady   = "cart_ready"
	EventCartUpdated = "cart_updated"
)

// Subscription is a live feed of events for a set of owner keys. Events may
// be dropped for slow consumers; a closed channel means the subscription is
// finished.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Notifier fans cart-change events out to every subscriber of the given
// owner keys. A merged record publishes to both its session and user
// channels so not-yet-merged tabs still hear about the write.
type Notifier interface {
	Publish(ctx context.Context, keys []string, ev Event) error
	Subscribe(ctx context.Context, keys []string) (Subscription, error)
}
