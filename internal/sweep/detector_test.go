package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahmatullahboss/cartsync/internal/domain"
	"github.com/rahmatullahboss/cartsync/internal/repository"
)

func seedCart(t *testing.T, store repository.CartStore, sessionID, email string, qty int) *domain.CartRecord {
	t.Helper()
	snap := repository.PricedSnapshot{}
	if qty > 0 {
		snap = repository.PricedSnapshot{
			Lines:     []domain.CartLine{{ProductID: 1, Name: "Mug", UnitPrice: 10, Quantity: qty}},
			Subtotal:  float64(qty) * 10,
			CartTotal: float64(qty)*10 + 80,
		}
	}
	cart, err := store.ApplySnapshot(context.Background(), repository.Owner{SessionID: sessionID}, snap,
		domain.Contact{Email: email})
	require.NoError(t, err)
	return cart
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, ClampTTL(0))
	assert.Equal(t, DefaultTTL, ClampTTL(-time.Minute))
	assert.Equal(t, FloorTTL, ClampTTL(time.Minute))
	assert.Equal(t, 90*time.Minute, ClampTTL(90*time.Minute))
}

func TestDetector_MarksIdleCart(t *testing.T) {
	store := repository.NewMemoryStore()
	cart := seedCart(t, store, "sess-1", "a@example.com", 2)

	detector := NewDetector(store)
	// Pretend the sweep runs two hours after the cart's last write.
	detector.now = func() time.Time { return cart.LastActivityAt.Add(2 * time.Hour) }

	marked, cutoff, err := detector.Run(context.Background(), DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.True(t, cutoff.After(cart.LastActivityAt))

	reloaded, err := store.FindActive(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, reloaded.Status)
	require.NotNil(t, reloaded.AbandonedAt)
	assert.True(t, reloaded.AbandonedAt.Equal(cart.LastActivityAt),
		"abandonedAt is the idle point, not the sweep time")
}

func TestDetector_SecondRunIsIdempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	cart := seedCart(t, store, "sess-1", "a@example.com", 2)

	detector := NewDetector(store)
	detector.now = func() time.Time { return cart.LastActivityAt.Add(2 * time.Hour) }

	marked, _, err := detector.Run(context.Background(), DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	marked, _, err = detector.Run(context.Background(), DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 0, marked, "already-abandoned carts match nothing")
}

func TestDetector_SkipsFreshAndJunkCarts(t *testing.T) {
	store := repository.NewMemoryStore()
	seedCart(t, store, "fresh", "a@example.com", 2)
	seedCart(t, store, "no-email", "", 2)
	seedCart(t, store, "empty", "b@example.com", 0)

	detector := NewDetector(store)
	// "fresh" was written just now; a 60 minute TTL leaves it alone, and
	// the other two fail the email/value filters regardless of idleness.
	marked, _, err := detector.Run(context.Background(), DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
}
