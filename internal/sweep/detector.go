package sweep

import (
	"context"
	"log"
	"time"

	"github.com/rahmatullahboss/cartsync/internal/repository"
)

const (
	// DefaultTTL is how long a cart may sit idle before it counts as
	// abandoned. FloorTTL is the lowest a caller may configure it.
	DefaultTTL = 60 * time.Minute
	FloorTTL   = 5 * time.Minute
)

// Detector demotes idle active carts to abandoned. Safe to run
// concurrently with itself: the status=active precondition on every mark
// means a losing invocation simply matches nothing.
type Detector struct {
	store repository.CartStore
	now   func() time.Time
}

func NewDetector(store repository.CartStore) *Detector {
	return NewDetectorWithClock(store, time.Now)
}

// NewDetectorWithClock injects the clock the idle cutoff is computed from.
func NewDetectorWithClock(store repository.CartStore, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{store: store, now: now}
}

// ClampTTL normalizes a caller-supplied TTL to the configured bounds.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	if ttl < FloorTTL {
		return FloorTTL
	}
	return ttl
}

// Run marks every eligible cart abandoned and returns how many it marked
// along with the cutoff it used. Carts with no contact email or no value
// are skipped, not marked. One cart's failure does not abort the sweep.
func (d *Detector) Run(ctx context.Context, ttl time.Duration) (int, time.Time, error) {
	cutoff := d.now().UTC().Add(-ClampTTL(ttl))

	candidates, err := d.store.FindAbandonCandidates(ctx, cutoff)
	if err != nil {
		return 0, cutoff, err
	}

	marked := 0
	for _, cart := range candidates {
		// abandonedAt is the detected idle point, not "now": reminder
		// timers measure from when the shopper actually went idle.
		ok, errMark := d.store.MarkAbandoned(ctx, cart.ID, cart.LastActivityAt)
		if errMark != nil {
			log.Printf("failed to mark cart %s abandoned: %v", cart.ID, errMark)
			continue
		}
		if ok {
			marked++
		}
	}
	return marked, cutoff, nil
}
