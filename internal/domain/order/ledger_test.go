package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-fulfillment/internal/domain/catalog"
)

// --- Fakes ---

type fakeCatalog struct {
	mu      sync.Mutex
	items   map[string]catalog.Item
	saves   int
	saveErr error
	// decErr fails DecrementStock for the keyed item.
	decErr map[string]error
}

func newFakeCatalog(items ...catalog.Item) *fakeCatalog {
	c := &fakeCatalog{items: make(map[string]catalog.Item, len(items))}
	for _, it := range items {
		c.items[it.ID] = it
	}
	return c
}

func (c *fakeCatalog) FindByID(_ context.Context, id string) (*catalog.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &it, nil
}

func (c *fakeCatalog) DecrementStock(_ context.Context, id string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.decErr[id]; err != nil {
		return err
	}
	it, ok := c.items[id]
	if !ok {
		return catalog.ErrNotFound
	}
	if it.Stock < qty {
		return catalog.ErrInsufficientStock
	}
	it.Stock -= qty
	c.items[id] = it
	return nil
}

func (c *fakeCatalog) IncrementStock(_ context.Context, id string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[id]
	if !ok {
		return catalog.ErrNotFound
	}
	it.Stock += qty
	c.items[id] = it
	return nil
}

func (c *fakeCatalog) Save(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	return c.saveErr
}

func (c *fakeCatalog) stock(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[id].Stock
}

type memStore struct {
	mu       sync.Mutex
	loaded   []Order
	saved    []Order
	saves    int
	storeErr error
}

func (m *memStore) Load(_ context.Context) ([]Order, error) {
	return m.loaded, nil
}

func (m *memStore) Replace(_ context.Context, orders []Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.storeErr != nil {
		return m.storeErr
	}
	m.saved = orders
	return nil
}

// --- Helpers ---

var t0 = time.Date(2025, 12, 8, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *testClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(dur)
}

func testItems() []catalog.Item {
	return []catalog.Item{
		{ID: "I001", Name: "Shoes", Category: "apparel", Price: d("400"), Stock: 5},
		{ID: "I002", Name: "Coat", Category: "apparel", Price: d("300"), Stock: 2},
		{ID: "I003", Name: "Sock", Category: "apparel", Price: d("9.99"), Stock: 100},
	}
}

func newTestLedger(t *testing.T) (*Ledger, *fakeCatalog, *memStore, *testClock) {
	t.Helper()
	cat := newFakeCatalog(testItems()...)
	store := &memStore{}
	clock := &testClock{cur: t0}
	l, err := NewLedger(store, cat, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))
	return l, cat, store, clock
}

// --- Tests ---

func TestCreateOrder_Success(t *testing.T) {
	l, cat, store, _ := newTestLedger(t)

	o, err := l.CreateOrder(context.Background(), "alice", []BasketLine{
		{ItemID: "I001", Quantity: 2},
		{ItemID: "I003", Quantity: 3},
	}, "1 Main St")
	require.NoError(t, err)

	assert.Equal(t, GenerateID("alice", t0), o.ID)
	assert.Equal(t, "alice", o.UserID)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, t0, o.CreatedAt)
	assert.Equal(t, t0, o.StatusChangedAt)
	assert.Equal(t, "1 Main St", o.ShippingAddress)
	assert.True(t, d("829.97").Equal(o.Total), "total %s", o.Total)
	require.Len(t, o.Items, 2)
	assert.Equal(t, Item{ItemID: "I001", Name: "Shoes", Price: d("400"), Quantity: 2}, o.Items[0])

	assert.Equal(t, 3, cat.stock("I001"))
	assert.Equal(t, 97, cat.stock("I003"))
	assert.Equal(t, 1, cat.saves)

	require.Len(t, store.saved, 1)
	assert.Equal(t, o.ID, store.saved[0].ID)
}

func TestCreateOrder_SnapshotsAreFrozen(t *testing.T) {
	l, cat, _, _ := newTestLedger(t)

	o, err := l.CreateOrder(context.Background(), "alice", []BasketLine{{ItemID: "I002", Quantity: 1}}, "addr")
	require.NoError(t, err)

	cat.mu.Lock()
	it := cat.items["I002"]
	it.Price = d("999")
	it.Name = "Renamed"
	cat.items["I002"] = it
	cat.mu.Unlock()

	got, err := l.FindByID(o.ID)
	require.NoError(t, err)
	assert.True(t, d("300").Equal(got.Total))
	assert.Equal(t, "Coat", got.Items[0].Name)
}

func TestCreateOrder_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		basket []BasketLine
		check  func(t *testing.T, err error)
	}{
		{
			name:   "empty basket",
			basket: nil,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrEmptyBasket)
			},
		},
		{
			name:   "zero quantity",
			basket: []BasketLine{{ItemID: "I001", Quantity: 1}, {ItemID: "I002", Quantity: 0}},
			check: func(t *testing.T, err error) {
				var qtyErr *InvalidQuantityError
				require.ErrorAs(t, err, &qtyErr)
				assert.Equal(t, "I002", qtyErr.ItemID)
			},
		},
		{
			name:   "unknown item",
			basket: []BasketLine{{ItemID: "I001", Quantity: 1}, {ItemID: "missing", Quantity: 1}},
			check: func(t *testing.T, err error) {
				var nfErr *ItemNotFoundError
				require.ErrorAs(t, err, &nfErr)
				assert.Equal(t, "missing", nfErr.ItemID)
			},
		},
		{
			name:   "later line exceeds stock",
			basket: []BasketLine{{ItemID: "I001", Quantity: 5}, {ItemID: "I002", Quantity: 3}},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrInsufficientStock)
				var stockErr *InsufficientStockError
				require.ErrorAs(t, err, &stockErr)
				assert.Equal(t, InsufficientStockError{
					ItemID:    "I002",
					ItemName:  "Coat",
					Requested: 3,
					Available: 2,
				}, *stockErr)
			},
		},
		{
			name:   "repeated item sums quantities",
			basket: []BasketLine{{ItemID: "I002", Quantity: 1}, {ItemID: "I003", Quantity: 1}, {ItemID: "I002", Quantity: 2}},
			check: func(t *testing.T, err error) {
				var stockErr *InsufficientStockError
				require.ErrorAs(t, err, &stockErr)
				assert.Equal(t, "I002", stockErr.ItemID)
				assert.Equal(t, 3, stockErr.Requested)
				assert.Equal(t, 2, stockErr.Available)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, cat, store, _ := newTestLedger(t)

			o, err := l.CreateOrder(context.Background(), "alice", tt.basket, "addr")
			tt.check(t, err)
			assert.Empty(t, o.ID)

			for _, it := range testItems() {
				assert.Equal(t, it.Stock, cat.stock(it.ID), "stock of %s changed", it.ID)
			}
			assert.Zero(t, cat.saves)
			assert.Zero(t, store.saves)
			assert.Empty(t, l.All())
		})
	}
}

func TestCreateOrder_StoreFailureKeepsOrder(t *testing.T) {
	l, cat, store, _ := newTestLedger(t)
	store.storeErr = errors.New("disk full")

	o, err := l.CreateOrder(context.Background(), "alice", []BasketLine{{ItemID: "I001", Quantity: 1}}, "addr")
	require.ErrorIs(t, err, ErrPersistence)
	require.NotEmpty(t, o.ID)

	got, findErr := l.FindByID(o.ID)
	require.NoError(t, findErr)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, 4, cat.stock("I001"))
}

func TestCreateOrder_CatalogSaveFailure(t *testing.T) {
	l, cat, store, _ := newTestLedger(t)
	cat.saveErr = errors.New("read-only")

	o, err := l.CreateOrder(context.Background(), "alice", []BasketLine{{ItemID: "I001", Quantity: 1}}, "addr")
	var pErr *PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "save catalog", pErr.Op)
	require.NotEmpty(t, o.ID)
	assert.Len(t, store.saved, 1, "ledger is still saved")
}

func TestCreateOrder_DecrementFailureRestoresStock(t *testing.T) {
	l, cat, store, _ := newTestLedger(t)
	cat.decErr = map[string]error{"I002": errors.New("connection reset")}

	_, err := l.CreateOrder(context.Background(), "alice", []BasketLine{
		{ItemID: "I003", Quantity: 4},
		{ItemID: "I001", Quantity: 2},
		{ItemID: "I002", Quantity: 1},
	}, "addr")
	require.ErrorContains(t, err, "connection reset")

	assert.Equal(t, 100, cat.stock("I003"))
	assert.Equal(t, 5, cat.stock("I001"))
	assert.Equal(t, 2, cat.stock("I002"))
	assert.Empty(t, l.All())
	assert.Zero(t, store.saves)
	assert.Zero(t, cat.saves)
}

func TestCreateOrder_IDCollisionIsSalted(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.CreateOrder(ctx, "alice", []BasketLine{{ItemID: "I003", Quantity: 1}}, "addr")
	require.NoError(t, err)
	second, err := l.CreateOrder(ctx, "alice", []BasketLine{{ItemID: "I003", Quantity: 1}}, "addr")
	require.NoError(t, err)

	assert.Equal(t, GenerateID("alice", t0), first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Regexp(t, `^ORD[0-9a-f]{16}$`, second.ID)
	assert.Len(t, l.All(), 2)
}

func TestCreateOrder_ConcurrentCallersDoNotOversell(t *testing.T) {
	l, cat, _, _ := newTestLedger(t)
	ctx := context.Background()

	const buyers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CreateOrder(ctx, string(rune('a'+i)), []BasketLine{{ItemID: "I001", Quantity: 1}}, "addr")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 0, cat.stock("I001"))
	assert.Len(t, l.All(), 5)
}

func TestLedger_Lookups(t *testing.T) {
	l, _, _, clock := newTestLedger(t)
	ctx := context.Background()

	a1, err := l.CreateOrder(ctx, "alice", []BasketLine{{ItemID: "I003", Quantity: 1}}, "a")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = l.CreateOrder(ctx, "bob", []BasketLine{{ItemID: "I003", Quantity: 1}}, "b")
	require.NoError(t, err)
	clock.Advance(time.Second)
	a2, err := l.CreateOrder(ctx, "alice", []BasketLine{{ItemID: "I003", Quantity: 2}}, "a")
	require.NoError(t, err)

	byAlice := l.OrdersByUser("alice")
	require.Len(t, byAlice, 2)
	assert.Equal(t, a1.ID, byAlice[0].ID)
	assert.Equal(t, a2.ID, byAlice[1].ID)
	assert.Empty(t, l.OrdersByUser("carol"))

	_, err = l.FindByID("ORD-missing")
	require.ErrorIs(t, err, ErrOrderNotFound)

	all := l.All()
	require.Len(t, all, 3)
	all[0].Items[0].Quantity = 99
	got, err := l.FindByID(a1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Items[0].Quantity, "callers must not alias ledger state")
}

func TestLedger_UpdateStatusAndAddress(t *testing.T) {
	l, _, store, clock := newTestLedger(t)
	ctx := context.Background()

	o, err := l.CreateOrder(ctx, "alice", []BasketLine{{ItemID: "I003", Quantity: 1}}, "old")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	require.NoError(t, l.UpdateStatus(ctx, o.ID, StatusDelivered), "override may skip states")
	got, err := l.FindByID(o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, t0.Add(5*time.Second), got.StatusChangedAt)

	require.NoError(t, l.UpdateStatus(ctx, o.ID, StatusPending), "override may go backwards")

	require.NoError(t, l.UpdateAddress(ctx, o.ID, "new"))
	got, _ = l.FindByID(o.ID)
	assert.Equal(t, "new", got.ShippingAddress)
	assert.Equal(t, "new", store.saved[0].ShippingAddress)

	require.ErrorIs(t, l.UpdateStatus(ctx, "nope", StatusShipped), ErrOrderNotFound)
	require.ErrorIs(t, l.UpdateAddress(ctx, "nope", "x"), ErrOrderNotFound)
}

func TestLedger_UpdateStatusRejectsUnknownStatus(t *testing.T) {
	l, _, store, _ := newTestLedger(t)
	ctx := context.Background()

	o, err := l.CreateOrder(ctx, "alice", []BasketLine{{ItemID: "I003", Quantity: 1}}, "addr")
	require.NoError(t, err)
	saves := store.saves

	for _, status := range []Status{Status(-1), Status(3), Status(7)} {
		err := l.UpdateStatus(ctx, o.ID, status)
		var sErr *InvalidStatusError
		require.ErrorAs(t, err, &sErr)
		assert.Equal(t, status, sErr.Status)
	}

	got, err := l.FindByID(o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, saves, store.saves, "rejected update must not persist")
}

func TestLedger_AdvanceDue(t *testing.T) {
	dwell := Dwell{PendingToShipped: 10 * time.Second, ShippedToDelivered: 20 * time.Second}
	l, _, store, _ := newTestLedger(t)
	ctx := context.Background()

	o, err := l.CreateOrder(ctx, "alice", []BasketLine{{ItemID: "I003", Quantity: 1}}, "addr")
	require.NoError(t, err)
	savesAfterCreate := store.saves

	// Below the threshold nothing moves and nothing is written.
	got, err := l.AdvanceDue(ctx, t0.Add(9*time.Second), dwell)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, savesAfterCreate, store.saves)

	// Far past T1+T2 the order still advances only one step.
	got, err = l.AdvanceDue(ctx, t0.Add(45*time.Second), dwell)
	require.NoError(t, err)
	require.Equal(t, []Transition{{
		OrderID: o.ID, From: StatusPending, To: StatusShipped, At: t0.Add(45 * time.Second),
	}}, got)
	assert.Equal(t, savesAfterCreate+1, store.saves)

	cur, _ := l.FindByID(o.ID)
	assert.Equal(t, StatusShipped, cur.Status)

	// Exactly at the threshold counts as due.
	got, err = l.AdvanceDue(ctx, t0.Add(65*time.Second), dwell)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StatusDelivered, got[0].To)

	// Delivered is terminal.
	got, err = l.AdvanceDue(ctx, t0.Add(time.Hour), dwell)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLedger_AdvanceDue_PersistFailure(t *testing.T) {
	dwell := Dwell{PendingToShipped: time.Second, ShippedToDelivered: time.Second}
	l, _, store, _ := newTestLedger(t)
	ctx := context.Background()

	o, err := l.CreateOrder(ctx, "alice", []BasketLine{{ItemID: "I003", Quantity: 1}}, "addr")
	require.NoError(t, err)

	store.storeErr = errors.New("disk full")
	got, err := l.AdvanceDue(ctx, t0.Add(time.Second), dwell)
	require.ErrorIs(t, err, ErrPersistence)
	require.Len(t, got, 1)

	cur, _ := l.FindByID(o.ID)
	assert.Equal(t, StatusShipped, cur.Status, "in-memory transition is kept")
}

func TestLedger_LoadSkipsDuplicates(t *testing.T) {
	store := &memStore{loaded: []Order{
		{ID: "ORD1", UserID: "alice", Total: d("1")},
		{ID: "ORD1", UserID: "bob", Total: d("2")},
		{ID: "ORD2", UserID: "bob", Total: d("3")},
	}}
	l, err := NewLedger(store, newFakeCatalog())
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))

	all := l.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].UserID)
	assert.Equal(t, "ORD2", all[1].ID)
}
