package service

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rahmatullahboss/cartsync/internal/cache"
	"github.com/rahmatullahboss/cartsync/internal/catalog"
	"github.com/rahmatullahboss/cartsync/internal/domain"
	"github.com/rahmatullahboss/cartsync/internal/notifier"
	"github.com/rahmatullahboss/cartsync/internal/repository"
)

// LineInput is one client-submitted cart entry, pre-validation.
type LineInput struct {
	ProductID int64
	Quantity  int
}

// Origin identifies the writer so other subscribers can suppress the echo
// of their own writes.
type Origin struct {
	ClientID  string
	SessionID string
}

// ShippingConfig prices the denormalized shipping component of cart totals.
type ShippingConfig struct {
	DefaultZone string
	ZoneFees    map[string]float64
}

func (c ShippingConfig) fee(zone string) (string, float64) {
	if zone == "" {
		zone = c.DefaultZone
	}
	return zone, c.ZoneFees[zone]
}

type CartService struct {
	store    repository.CartStore
	cache    cache.CartCache
	catalog  catalog.Catalog
	notifier notifier.Notifier
	shipping ShippingConfig
	sfg      singleflight.Group // Prevents cache stampede
}

func NewCartService(store repository.CartStore, cartCache cache.CartCache, cat catalog.Catalog, n notifier.Notifier, shipping ShippingConfig) *CartService {
	return &CartService{
		store:    store,
		cache:    cartCache,
		catalog:  cat,
		notifier: n,
		shipping: shipping,
	}
}

// Get returns the identity's current cart, or an empty unsaved record when
// none exists. Reads go through the cache with singleflight so concurrent
// misses for the same key hit the store once.
func (s *CartService) Get(ctx context.Context, ownerKey string) (*domain.CartRecord, error) {
	v, err, _ := s.sfg.Do(ownerKey, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, ownerKey)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Printf("cache get error: %v", err) // log cache error but continue
		}

		cart, errGet := s.store.FindActive(ctx, ownerKey)
		if errGet != nil {
			if errors.Is(errGet, repository.ErrCartNotFound) {
				return &domain.CartRecord{
					Lines:          []domain.CartLine{},
					Status:         domain.StatusActive,
					LastActivityAt: time.Now().UTC(),
				}, nil
			}
			return nil, errGet
		}

		go func() {
			if errSet := s.cache.Set(context.Background(), ownerKey, cart); errSet != nil {
				log.Printf("cache set error: %v", errSet)
			}
		}()

		return cart, nil
	})

	if err != nil {
		return nil, err
	}
	return v.(*domain.CartRecord), nil
}

// ApplySnapshot replaces the owner's cart with the client's full snapshot.
// Invalid entries were already filtered by the caller; unknown products are
// dropped here because a line cannot be priced without the catalog. The
// write revives an abandoned cart back to active, and every live client of
// the identity is notified afterwards.
func (s *CartService) ApplySnapshot(ctx context.Context, owner repository.Owner, items []LineInput, zone string, contact domain.Contact, origin Origin) (*domain.CartRecord, error) {
	snap := make(domain.Snapshot, len(items))
	for _, item := range items {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			continue // a line at quantity 0 is removed, never stored
		}
		snap[item.ProductID] = item.Quantity
	}

	priced, err := s.price(ctx, snap, zone)
	if err != nil {
		return nil, err
	}

	record, err := s.store.ApplySnapshot(ctx, owner, priced, contact)
	if err != nil {
		return nil, err
	}

	s.invalidate(record.OwnerKeys())
	s.publish(ctx, record, origin)
	return record, nil
}

// MergeGuestCart folds an anonymous session's cart into the authenticated
// user's cart. Runs once at login; a repeat call after the guest record has
// been absorbed is a no-op returning the user's current cart unchanged.
func (s *CartService) MergeGuestCart(ctx context.Context, userID, sessionID string, clientLocal domain.Snapshot, zone string, contact domain.Contact, origin Origin) (*domain.CartRecord, error) {
	guest, err := s.store.FindActive(ctx, sessionID)
	if err != nil && !errors.Is(err, repository.ErrCartNotFound) {
		return nil, err
	}
	if guest == nil || guest.UserID != "" {
		// Nothing left to absorb: the session's record is gone or already
		// belongs to a user.
		return s.Get(ctx, userID)
	}

	userSnap := domain.Snapshot{}
	if existing, errUser := s.store.FindActive(ctx, userID); errUser == nil {
		userSnap = existing.Snapshot()
	} else if !errors.Is(errUser, repository.ErrCartNotFound) {
		return nil, errUser
	}

	merged := domain.MergeGuest(userSnap, guest.Snapshot(), clientLocal)
	priced, err := s.price(ctx, merged, zone)
	if err != nil {
		return nil, err
	}

	if contact.Email == "" {
		// Carry forward contact details captured while anonymous.
		contact = domain.Contact{
			Name:   firstNonEmpty(contact.Name, guest.CustomerName),
			Email:  guest.CustomerEmail,
			Number: firstNonEmpty(contact.Number, guest.CustomerNumber),
		}
	}

	record, err := s.store.ApplySnapshot(ctx, repository.Owner{SessionID: sessionID, UserID: userID}, priced, contact)
	if err != nil {
		return nil, err
	}

	if guest.ID != record.ID {
		if errDel := s.store.Delete(ctx, guest.ID); errDel != nil && !errors.Is(errDel, repository.ErrCartNotFound) {
			log.Printf("failed to absorb guest cart %s: %v", guest.ID, errDel)
		}
	}
	if sessionID != "" && record.SessionID != sessionID {
		if errBind := s.store.BindSession(ctx, record.ID, sessionID); errBind != nil {
			log.Printf("failed to bind session to cart %s: %v", record.ID, errBind)
		} else {
			record.SessionID = sessionID
		}
	}

	s.invalidate([]string{sessionID, userID})
	s.publish(ctx, record, origin)
	return record, nil
}

// LinkRecovered freezes the cart referenced by a completed order. Best
// effort: callers log failures and never fail the order over them.
func (s *CartService) LinkRecovered(ctx context.Context, ownerKey, orderID string) (*domain.CartRecord, error) {
	record, err := s.store.MarkRecovered(ctx, ownerKey, orderID)
	if err != nil {
		return nil, err
	}
	s.invalidate(record.OwnerKeys())
	return record, nil
}

func (s *CartService) price(ctx context.Context, snap domain.Snapshot, zone string) (repository.PricedSnapshot, error) {
	ids := make([]int64, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	priced := repository.PricedSnapshot{Lines: []domain.CartLine{}}
	for _, id := range ids {
		product, err := s.catalog.Lookup(ctx, id)
		if err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				log.Printf("dropping unknown product %d from snapshot", id)
				continue
			}
			return repository.PricedSnapshot{}, err
		}
		qty := snap[id]
		priced.Lines = append(priced.Lines, domain.CartLine{
			ProductID: id,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  qty,
			ImageURL:  product.Image,
		})
		priced.Subtotal += product.Price * float64(qty)
	}

	resolvedZone, fee := s.shipping.fee(zone)
	priced.ShippingZone = resolvedZone
	priced.CartTotal = priced.Subtotal
	if priced.Subtotal > 0 {
		priced.CartTotal += fee
	}
	return priced, nil
}

func (s *CartService) invalidate(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.cache.Delete(ctx, key); err != nil {
			log.Printf("cache invalidate error: %v", err)
		}
	}
}

func (s *CartService) publish(ctx context.Context, record *domain.CartRecord, origin Origin) {
	ev := notifier.Event{
		Type:            notifier.EventCartUpdated,
		SessionID:       record.SessionID,
		OriginSessionID: origin.SessionID,
		OriginClientID:  origin.ClientID,
	}
	if err := s.notifier.Publish(ctx, record.OwnerKeys(), ev); err != nil {
		log.Printf("failed to publish cart update: %v", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
