package cache

import (
	"context"
	"errors"

	"github.com/rahmatullahboss/cartsync/internal/domain"
)

type CartCache interface {
	Get(ctx context.Context, ownerKey string) (*domain.CartRecord, error)
	Set(ctx context.Context, ownerKey string, cart *domain.CartRecord) error
	Delete(ctx context.Context, ownerKey string) error
}

var ErrCacheMiss = errors.New("cache miss")
