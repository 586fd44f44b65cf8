package order

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const idPrefix = "ORD"

// Status is the delivery state of an order. It only moves forward when
// advanced by the lifecycle scheduler.
type Status int

const (
	StatusPending Status = iota
	StatusShipped
	StatusDelivered
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusShipped:
		return "Shipped"
	case StatusDelivered:
		return "Delivered"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusDelivered
}

// Next returns the successor status. Delivered is terminal.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPending:
		return StatusShipped, true
	case StatusShipped:
		return StatusDelivered, true
	default:
		return s, false
	}
}

// ParseStatus maps a stored label to a Status. It accepts the canonical
// labels, their upper-case forms and the legacy Chinese labels.
func ParseStatus(label string) (Status, bool) {
	switch strings.TrimSpace(label) {
	case "Pending", "PENDING", "待发货":
		return StatusPending, true
	case "Shipped", "SHIPPED", "已发货":
		return StatusShipped, true
	case "Delivered", "DELIVERED", "已签收":
		return StatusDelivered, true
	default:
		return StatusPending, false
	}
}

// Item is an order line. Name and Price are snapshots taken at creation.
type Item struct {
	ItemID   string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// Subtotal returns Price * Quantity.
func (it Item) Subtotal() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Order is a purchase record.
type Order struct {
	ID              string
	UserID          string
	Items           []Item
	CreatedAt       time.Time
	Total           decimal.Decimal
	ShippingAddress string
	Status          Status
	StatusChangedAt time.Time
}

// clone returns a copy that shares no memory with o.
func (o Order) clone() Order {
	o.Items = append([]Item(nil), o.Items...)
	return o
}

// Dwell holds the minimum time an order spends in each non-terminal status
// before the scheduler advances it.
type Dwell struct {
	PendingToShipped   time.Duration
	ShippedToDelivered time.Duration
}

// For returns the dwell threshold for s. Delivered has none.
func (d Dwell) For(s Status) (time.Duration, bool) {
	switch s {
	case StatusPending:
		return d.PendingToShipped, true
	case StatusShipped:
		return d.ShippedToDelivered, true
	default:
		return 0, false
	}
}

// Transition records one status advance made by AdvanceDue.
type Transition struct {
	OrderID string
	From    Status
	To      Status
	At      time.Time
}

// GenerateID derives the order id from the purchaser and the creation second.
// Equal inputs always give the same id.
func GenerateID(userID string, ts time.Time) string {
	return hashID(fmt.Sprintf("%s_%d", userID, ts.Unix()))
}

func hashID(key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s%016x", idPrefix, h.Sum64())
}

// Store persists the whole order collection.
type Store interface {
	Load(ctx context.Context) ([]Order, error)
	Replace(ctx context.Context, orders []Order) error
}
