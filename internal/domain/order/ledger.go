package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/catalog"
)

// BasketLine is one requested (item, quantity) pair.
type BasketLine struct {
	ItemID   string
	Quantity int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(lg *zap.Logger) Option {
	return func(l *Ledger) { l.lg = lg }
}

// WithClock overrides the time source used for order timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMeter sets the meter used for order counters.
func WithMeter(m metric.Meter) Option {
	return func(l *Ledger) { l.meter = m }
}

// WithTracer sets the tracer used for order creation spans.
func WithTracer(t trace.Tracer) Option {
	return func(l *Ledger) { l.tracer = t }
}

// Ledger owns the order collection.
type Ledger struct {
	store   Store
	catalog catalog.Catalog
	lg      *zap.Logger
	now     func() time.Time
	meter   metric.Meter
	tracer  trace.Tracer

	created  metric.Int64Counter
	rejected metric.Int64Counter

	// stockMu serializes check-and-decrement of a whole basket.
	stockMu sync.Mutex
	// saveMu orders snapshot+write pairs so an older snapshot never
	// overwrites a newer one.
	saveMu sync.Mutex

	mu     sync.Mutex
	orders []Order
	byID   map[string]int
}

// NewLedger returns an empty Ledger. Call Load to read persisted orders.
func NewLedger(store Store, cat catalog.Catalog, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:   store,
		catalog: cat,
		lg:      zap.NewNop(),
		now:     time.Now,
		meter:   metricnoop.NewMeterProvider().Meter(""),
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
		byID:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}

	var err error
	if l.created, err = l.meter.Int64Counter("fulfillment.orders.created",
		metric.WithDescription("Orders recorded by the ledger"),
	); err != nil {
		return nil, errors.Wrap(err, "orders created counter")
	}
	if l.rejected, err = l.meter.Int64Counter("fulfillment.orders.rejected",
		metric.WithDescription("Order creations rejected before any stock change"),
	); err != nil {
		return nil, errors.Wrap(err, "orders rejected counter")
	}
	return l, nil
}

// Load replaces the in-memory collection with the stored one.
func (l *Ledger) Load(ctx context.Context) error {
	orders, err := l.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load orders")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.orders = l.orders[:0]
	l.byID = make(map[string]int, len(orders))
	for _, o := range orders {
		if _, dup := l.byID[o.ID]; dup {
			l.lg.Warn("Skipping duplicate order", zap.String("order_id", o.ID))
			continue
		}
		l.byID[o.ID] = len(l.orders)
		l.orders = append(l.orders, o)
	}

	l.lg.Info("Orders loaded", zap.Int("count", len(l.orders)))
	return nil
}

// CreateOrder checks every line against current stock, decrements it and
// records a Pending order. Any validation failure leaves stock and the
// ledger untouched.
//
// A returned *PersistenceError comes with a valid order: the order is
// recorded in memory but the catalog or the ledger could not be saved.
func (l *Ledger) CreateOrder(ctx context.Context, userID string, basket []BasketLine, address string) (Order, error) {
	ctx, span := l.tracer.Start(ctx, "order.CreateOrder",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("basket.lines", len(basket)),
		),
	)
	defer span.End()

	o, err := l.createOrder(ctx, userID, basket, address)
	if err != nil && o.ID == "" {
		l.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, "order rejected")
		return Order{}, err
	}

	l.created.Add(ctx, 1)
	span.SetAttributes(attribute.String("order.id", o.ID))
	if err != nil {
		span.RecordError(err)
	}
	return o, err
}

func (l *Ledger) createOrder(ctx context.Context, userID string, basket []BasketLine, address string) (Order, error) {
	if len(basket) == 0 {
		return Order{}, ErrEmptyBasket
	}
	for _, line := range basket {
		if line.Quantity <= 0 {
			return Order{}, &InvalidQuantityError{ItemID: line.ItemID, Quantity: line.Quantity}
		}
	}

	now := l.now().Truncate(time.Second)

	l.stockMu.Lock()
	defer l.stockMu.Unlock()

	items, err := l.checkStock(ctx, basket)
	if err != nil {
		return Order{}, err
	}

	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	for i, it := range items {
		if err := l.catalog.DecrementStock(ctx, it.ItemID, it.Quantity); err != nil {
			l.restoreStock(ctx, items[:i])
			return Order{}, errors.Wrapf(err, "decrement stock of %s", it.ItemID)
		}
	}

	var persistErr error
	if err := l.catalog.Save(ctx); err != nil {
		l.lg.Error("Catalog save failed", zap.Error(err))
		persistErr = &PersistenceError{Op: "save catalog", Err: err}
	}

	o := Order{
		UserID:          userID,
		Items:           items,
		CreatedAt:       now,
		Total:           total,
		ShippingAddress: address,
		Status:          StatusPending,
		StatusChangedAt: now,
	}

	l.mu.Lock()
	o.ID = l.uniqueIDLocked(userID, now)
	l.byID[o.ID] = len(l.orders)
	l.orders = append(l.orders, o)
	l.mu.Unlock()

	l.lg.Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("user_id", userID),
		zap.Int("items", len(items)),
		zap.String("total", total.String()),
	)

	if err := l.persist(ctx); err != nil && persistErr == nil {
		persistErr = err
	}
	return o.clone(), persistErr
}

// checkStock resolves every line against the catalog. Quantities of lines
// naming the same item are summed before comparing with stock.
func (l *Ledger) checkStock(ctx context.Context, basket []BasketLine) ([]Item, error) {
	requested := make(map[string]int, len(basket))
	items := make([]Item, 0, len(basket))
	for _, line := range basket {
		it, err := l.catalog.FindByID(ctx, line.ItemID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, &ItemNotFoundError{ItemID: line.ItemID}
			}
			return nil, errors.Wrapf(err, "find item %s", line.ItemID)
		}

		requested[it.ID] += line.Quantity
		if requested[it.ID] > it.Stock {
			return nil, &InsufficientStockError{
				ItemID:    it.ID,
				ItemName:  it.Name,
				Requested: requested[it.ID],
				Available: it.Stock,
			}
		}
		items = append(items, Item{
			ItemID:   it.ID,
			Name:     it.Name,
			Price:    it.Price,
			Quantity: line.Quantity,
		})
	}
	return items, nil
}

// restoreStock gives back the stock taken for applied lines. It runs even if
// ctx is already cancelled.
func (l *Ledger) restoreStock(ctx context.Context, applied []Item) {
	ctx = context.WithoutCancel(ctx)
	for _, it := range applied {
		if err := l.catalog.IncrementStock(ctx, it.ItemID, it.Quantity); err != nil {
			l.lg.Error("Stock restore failed",
				zap.String("item_id", it.ItemID),
				zap.Int("quantity", it.Quantity),
				zap.Error(err),
			)
		}
	}
}

// uniqueIDLocked returns GenerateID(userID, ts), salted with a sequence
// number while it collides with a recorded order. l.mu must be held.
func (l *Ledger) uniqueIDLocked(userID string, ts time.Time) string {
	id := GenerateID(userID, ts)
	for seq := 1; ; seq++ {
		if _, taken := l.byID[id]; !taken {
			return id
		}
		l.lg.Warn("Order id collision",
			zap.String("order_id", id),
			zap.String("user_id", userID),
			zap.Int("seq", seq),
		)
		id = hashID(fmt.Sprintf("%s_%d_%d", userID, ts.Unix(), seq))
	}
}

// FindByID returns the order with the given id.
func (l *Ledger) FindByID(id string) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.byID[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return l.orders[i].clone(), nil
}

// OrdersByUser returns the orders placed by userID in creation order.
func (l *Ledger) OrdersByUser(userID string) []Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Order
	for _, o := range l.orders {
		if o.UserID == userID {
			out = append(out, o.clone())
		}
	}
	return out
}

// All returns every order in creation order.
func (l *Ledger) All() []Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// UpdateStatus overwrites the status of an order and stamps the change
// time. Any defined status may be set, including a backwards one.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return &InvalidStatusError{Status: status}
	}

	var from Status
	err := l.mutate(id, func(o *Order) {
		from = o.Status
		o.Status = status
		o.StatusChangedAt = l.now().Truncate(time.Second)
	})
	if err != nil {
		return err
	}

	l.lg.Info("Order status set",
		zap.String("order_id", id),
		zap.Stringer("from", from),
		zap.Stringer("to", status),
	)
	return l.persist(ctx)
}

// UpdateAddress replaces the shipping address of an order.
func (l *Ledger) UpdateAddress(ctx context.Context, id, address string) error {
	if err := l.mutate(id, func(o *Order) { o.ShippingAddress = address }); err != nil {
		return err
	}
	return l.persist(ctx)
}

func (l *Ledger) mutate(id string, fn func(*Order)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.byID[id]
	if !ok {
		return errors.Wrapf(ErrOrderNotFound, "order %s", id)
	}
	fn(&l.orders[i])
	return nil
}

// AdvanceDue moves every order whose dwell in its current status has
// reached the threshold one step forward. An order never advances twice in
// one call. Changes are persisted after the scan; a *PersistenceError is
// returned with the transitions when that fails.
func (l *Ledger) AdvanceDue(ctx context.Context, now time.Time, dwell Dwell) ([]Transition, error) {
	now = now.Truncate(time.Second)

	var transitions []Transition
	l.mu.Lock()
	for i := range l.orders {
		o := &l.orders[i]
		threshold, ok := dwell.For(o.Status)
		if !ok || now.Sub(o.StatusChangedAt) < threshold {
			continue
		}
		next, _ := o.Status.Next()
		transitions = append(transitions, Transition{
			OrderID: o.ID,
			From:    o.Status,
			To:      next,
			At:      now,
		})
		o.Status = next
		o.StatusChangedAt = now
	}
	l.mu.Unlock()

	if len(transitions) == 0 {
		return nil, nil
	}
	for _, t := range transitions {
		l.lg.Info("Order status advanced",
			zap.String("order_id", t.OrderID),
			zap.Stringer("from", t.From),
			zap.Stringer("to", t.To),
		)
	}
	return transitions, l.persist(ctx)
}

// persist writes a fresh snapshot. l.mu must not be held.
func (l *Ledger) persist(ctx context.Context) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	l.mu.Lock()
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	if err := l.store.Replace(ctx, snapshot); err != nil {
		l.lg.Error("Orders save failed", zap.Error(err))
		return &PersistenceError{Op: "save orders", Err: err}
	}
	return nil
}

func (l *Ledger) snapshotLocked() []Order {
	out := make([]Order, len(l.orders))
	for i, o := range l.orders {
		out[i] = o.clone()
	}
	return out
}

func rejectReason(err error) string {
	var (
		stockErr *InsufficientStockError
		itemErr  *ItemNotFoundError
		qtyErr   *InvalidQuantityError
	)
	switch {
	case errors.As(err, &stockErr):
		return "insufficient_stock"
	case errors.As(err, &itemErr):
		return "item_not_found"
	case errors.As(err, &qtyErr):
		return "invalid_quantity"
	case errors.Is(err, ErrEmptyBasket):
		return "empty_basket"
	default:
		return "internal"
	}
}
