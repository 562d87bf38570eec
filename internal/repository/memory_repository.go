package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rahmatullahboss/cartsync/internal/domain"
)

// MemoryStore implements CartStore with in-memory storage. Used for local
// development and tests; semantics mirror the MongoDB implementation,
// including the precondition guards on every batch mutation.
type MemoryStore struct {
	mu    sync.RWMutex
	carts map[string]*domain.CartRecord // id -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]*domain.CartRecord)}
}

func cloneRecord(c *domain.CartRecord) *domain.CartRecord {
	out := *c
	out.Lines = append([]domain.CartLine(nil), c.Lines...)
	return &out
}

// findCurrent returns the live (not recovered) record for the key.
// Callers must hold at least a read lock.
func (s *MemoryStore) findCurrent(ownerKey string) *domain.CartRecord {
	for _, cart := range s.carts {
		if cart.Status == domain.StatusRecovered {
			continue
		}
		if (cart.SessionID != "" && cart.SessionID == ownerKey) ||
			(cart.UserID != "" && cart.UserID == ownerKey) {
			return cart
		}
	}
	return nil
}

func (s *MemoryStore) FindActive(_ context.Context, ownerKey string) (*domain.CartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cart := s.findCurrent(ownerKey); cart != nil {
		return cloneRecord(cart), nil
	}
	return nil, ErrCartNotFound
}

func (s *MemoryStore) Create(_ context.Context, owner Owner) (*domain.CartRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cart := &domain.CartRecord{
		ID:             uuid.NewString(),
		SessionID:      owner.SessionID,
		UserID:         owner.UserID,
		Lines:          []domain.CartLine{},
		Status:         domain.StatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.carts[cart.ID] = cart
	return cloneRecord(cart), nil
}

func (s *MemoryStore) ApplySnapshot(_ context.Context, owner Owner, snap PricedSnapshot, contact domain.Contact) (*domain.CartRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cart := s.findCurrent(owner.Key())
	if cart == nil {
		// A user-keyed insert never claims the session: the guest record
		// may still hold it until the merge absorbs it and BindSession
		// attaches it to this record.
		sessionID := owner.SessionID
		if owner.UserID != "" {
			sessionID = ""
		}
		cart = &domain.CartRecord{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			UserID:    owner.UserID,
			CreatedAt: now,
		}
		s.carts[cart.ID] = cart
	}

	lines := append([]domain.CartLine(nil), snap.Lines...)
	if lines == nil {
		lines = []domain.CartLine{}
	}
	cart.Lines = lines
	cart.Subtotal = snap.Subtotal
	cart.CartTotal = snap.CartTotal
	if snap.ShippingZone != "" {
		cart.ShippingZone = snap.ShippingZone
	}
	cart.Status = domain.StatusActive
	cart.LastActivityAt = now
	cart.UpdatedAt = now
	if contact.Name != "" {
		cart.CustomerName = contact.Name
	}
	if contact.Email != "" {
		cart.CustomerEmail = contact.Email
	}
	if contact.Number != "" {
		cart.CustomerNumber = contact.Number
	}

	return cloneRecord(cart), nil
}

func (s *MemoryStore) BindSession(_ context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[id]
	if !ok {
		return ErrCartNotFound
	}
	cart.SessionID = sessionID
	cart.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.carts[id]; !ok {
		return ErrCartNotFound
	}
	delete(s.carts, id)
	return nil
}

func (s *MemoryStore) FindAbandonCandidates(_ context.Context, cutoff time.Time) ([]*domain.CartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.CartRecord
	for _, cart := range s.carts {
		if cart.Status != domain.StatusActive {
			continue
		}
		if !cart.LastActivityAt.Before(cutoff) {
			continue
		}
		if cart.CustomerEmail == "" || !cart.HasValue() {
			continue
		}
		out = append(out, cloneRecord(cart))
	}
	return out, nil
}

func (s *MemoryStore) MarkAbandoned(_ context.Context, id string, abandonedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[id]
	if !ok || cart.Status != domain.StatusActive {
		return false, nil
	}

	at := abandonedAt
	cart.Status = domain.StatusAbandoned
	cart.AbandonedAt = &at
	cart.FirstReminderSentAt = nil
	cart.SecondReminderSentAt = nil
	cart.FinalReminderSentAt = nil
	cart.FinalDiscountCode = ""
	cart.FinalDiscountExpiresAt = nil
	cart.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) FindStageCandidates(_ context.Context, stage int, dueBefore time.Time) ([]*domain.CartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.CartRecord
	for _, cart := range s.carts {
		if cart.Status == domain.StatusRecovered {
			continue
		}
		if cart.ReminderStage != stage-1 || cart.CustomerEmail == "" {
			continue
		}
		prev := cart.AbandonedAt
		if stage > domain.FirstReminderStage {
			if sentAt := cart.ReminderSentAt(stage - 1); sentAt != nil {
				prev = sentAt
			}
			// Otherwise re-abandonment wiped the timestamp: gate from the
			// new abandoned_at so the reminder clock restarts.
		}
		if prev == nil || prev.After(dueBefore) {
			continue
		}
		out = append(out, cloneRecord(cart))
	}
	return out, nil
}

func (s *MemoryStore) AdvanceReminderStage(_ context.Context, id string, stage int, sentAt time.Time, discountCode string, discountExpiresAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[id]
	if !ok || cart.Status == domain.StatusRecovered || cart.ReminderStage != stage-1 {
		return false, nil
	}

	at := sentAt
	switch stage {
	case domain.FirstReminderStage:
		cart.FirstReminderSentAt = &at
	case domain.SecondReminderStage:
		cart.SecondReminderSentAt = &at
	case domain.FinalReminderStage:
		cart.FinalReminderSentAt = &at
	default:
		return false, nil
	}
	cart.ReminderStage = stage
	if discountCode != "" {
		cart.FinalDiscountCode = discountCode
		cart.FinalDiscountExpiresAt = discountExpiresAt
	}
	cart.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) MarkRecovered(_ context.Context, ownerKey, orderID string) (*domain.CartRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart := s.findCurrent(ownerKey)
	if cart == nil {
		return nil, ErrCartNotFound
	}
	cart.Status = domain.StatusRecovered
	cart.RecoveredOrderID = orderID
	cart.UpdatedAt = time.Now().UTC()
	return cloneRecord(cart), nil
}
