package catalog

import (
	"context"
	"errors"
	"sync"
)

var ErrProductNotFound = errors.New("product not found")

type Product struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Image string  `json:"image,omitempty"`
}

// Catalog is the read-only product lookup collaborator. Cart totals are
// always recomputed from current catalog prices on write.
type Catalog interface {
	Lookup(ctx context.Context, productID int64) (Product, error)
}

// StaticCatalog is an in-memory catalog for development and tests.
type StaticCatalog struct {
	mu       sync.RWMutex
	products map[int64]Product
}

func NewStaticCatalog(products ...Product) *StaticCatalog {
	c := &StaticCatalog{products: make(map[int64]Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *StaticCatalog) Seed(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

func (c *StaticCatalog) Lookup(_ context.Context, productID int64) (Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}
