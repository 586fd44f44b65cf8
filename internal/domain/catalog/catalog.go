package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested catalog item does not exist.
	ErrNotFound = errors.New("item not found")
	// ErrInsufficientStock is returned by DecrementStock when the decrement
	// would take the stock level below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Item is a catalog entry with its current price and stock level.
type Item struct {
	ID          string
	Name        string
	Category    string
	Price       decimal.Decimal
	Description string
	Stock       int
}

// Catalog is the stock provider consumed by order creation. Implementations
// return copies from FindByID; stock only changes through DecrementStock and
// IncrementStock.
type Catalog interface {
	FindByID(ctx context.Context, id string) (*Item, error)
	DecrementStock(ctx context.Context, id string, qty int) error
	// IncrementStock returns qty units to id. The ledger uses it to undo the
	// decrements of a basket that failed partway.
	IncrementStock(ctx context.Context, id string, qty int) error
	Save(ctx context.Context) error
}
