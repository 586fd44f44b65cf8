package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrEmptyBasket is returned when CreateOrder gets no lines.
	ErrEmptyBasket = errors.New("basket is empty")
	// ErrOrderNotFound is returned when no order has the given id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientStock matches every *InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence = errors.New("order persistence failed")
)

// InsufficientStockError aborts an order. Nothing was decremented and no
// order was recorded.
type InsufficientStockError struct {
	ItemID    string
	ItemName  string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s (%s): requested %d, available %d",
		e.ItemName, e.ItemID, e.Requested, e.Available)
}

// Is lets errors.Is(err, ErrInsufficientStock) match.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ItemNotFoundError indicates a basket line names an unknown catalog item.
type ItemNotFoundError struct {
	ItemID string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("item %s not found", e.ItemID)
}

// InvalidQuantityError indicates a basket line has a non-positive quantity.
type InvalidQuantityError struct {
	ItemID   string
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for item %s, got %d", e.ItemID, e.Quantity)
}

// PersistenceError wraps a failed write. The in-memory change is kept.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersistence) match.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// InvalidStatusError rejects a status outside Pending..Delivered.
type InvalidStatusError struct {
	Status Status
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid order status %d", int(e.Status))
}
