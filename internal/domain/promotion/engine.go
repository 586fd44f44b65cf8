package promotion

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const idPrefix = "PROMO"

// Store persists the whole promotion collection.
type Store interface {
	Load(ctx context.Context) ([]Promotion, error)
	Replace(ctx context.Context, promotions []Promotion) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(lg *zap.Logger) Option {
	return func(e *Engine) { e.lg = lg }
}

// WithClock overrides the time source used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracer sets the tracer used for pricing spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine owns the promotion collection and prices baskets against it.
type Engine struct {
	store  Store
	lg     *zap.Logger
	now    func() time.Time
	tracer trace.Tracer

	// mu guards byID and ids. Writes persist while holding it, so saved
	// snapshots are always in mutation order.
	mu   sync.RWMutex
	byID map[string]Promotion
	ids  []string // insertion order; first encountered wins ties
}

// NewEngine returns an empty Engine backed by store. Call Load to read the
// persisted promotions.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		lg:     zap.NewNop(),
		now:    time.Now,
		tracer: noop.NewTracerProvider().Tracer(""),
		byID:   make(map[string]Promotion),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load replaces the in-memory collection with the stored one.
func (e *Engine) Load(ctx context.Context) error {
	promotions, err := e.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load promotions")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.byID = make(map[string]Promotion, len(promotions))
	e.ids = e.ids[:0]
	for _, p := range promotions {
		if _, dup := e.byID[p.ID]; dup {
			e.lg.Warn("Skipping duplicate promotion", zap.String("promotion_id", p.ID))
			continue
		}
		e.byID[p.ID] = p
		e.ids = append(e.ids, p.ID)
	}

	e.lg.Info("Promotions loaded", zap.Int("count", len(e.ids)))
	return nil
}

// Add validates p and appends it to the collection.
func (e *Engine) Add(ctx context.Context, p Promotion) error {
	p = p.truncated()
	if err := p.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.byID[p.ID]; ok {
		return errors.Wrapf(ErrDuplicateID, "add %s", p.ID)
	}
	e.byID[p.ID] = p
	e.ids = append(e.ids, p.ID)

	e.lg.Info("Promotion added", zap.String("promotion_id", p.ID), zap.String("kind", string(p.Kind)))
	return e.persistLocked(ctx)
}

// Delete removes the promotion with the given id.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.byID[id]; !ok {
		return errors.Wrapf(ErrPromotionNotFound, "delete %s", id)
	}
	delete(e.byID, id)
	e.ids = slices.DeleteFunc(e.ids, func(v string) bool { return v == id })

	e.lg.Info("Promotion deleted", zap.String("promotion_id", id))
	return e.persistLocked(ctx)
}

// Replace swaps the stored promotion having p.ID for p. The kind may change.
func (e *Engine) Replace(ctx context.Context, p Promotion) error {
	return e.update(ctx, p.ID, func(cur *Promotion) error {
		*cur = p
		return nil
	})
}

// UpdateName renames a promotion.
func (e *Engine) UpdateName(ctx context.Context, id, name string) error {
	return e.update(ctx, id, func(p *Promotion) error {
		p.Name = name
		return nil
	})
}

// UpdateWindow moves the validity window. end must be after start.
func (e *Engine) UpdateWindow(ctx context.Context, id string, start, end time.Time) error {
	return e.update(ctx, id, func(p *Promotion) error {
		p.Start, p.End = start, end
		return nil
	})
}

// UpdateRate changes the rate of a discount promotion.
func (e *Engine) UpdateRate(ctx context.Context, id string, rate decimal.Decimal) error {
	return e.update(ctx, id, func(p *Promotion) error {
		if err := requireKind(p, KindDiscount, "discount_rate"); err != nil {
			return err
		}
		p.Rate = rate
		return nil
	})
}

// UpdateTargetItem retargets a discount promotion. An empty itemID means
// AllItems.
func (e *Engine) UpdateTargetItem(ctx context.Context, id, itemID string) error {
	return e.update(ctx, id, func(p *Promotion) error {
		if err := requireKind(p, KindDiscount, "target_item_id"); err != nil {
			return err
		}
		if itemID == "" {
			itemID = AllItems
		}
		p.TargetItemID = itemID
		return nil
	})
}

// UpdateThreshold changes the threshold of a full reduction. It must stay
// above the reduction amount.
func (e *Engine) UpdateThreshold(ctx context.Context, id string, threshold decimal.Decimal) error {
	return e.update(ctx, id, func(p *Promotion) error {
		if err := requireKind(p, KindFullReduction, "threshold_amount"); err != nil {
			return err
		}
		p.Threshold = threshold
		return nil
	})
}

// UpdateReduction changes the reduction amount of a full reduction. It must
// stay below the threshold.
func (e *Engine) UpdateReduction(ctx context.Context, id string, reduction decimal.Decimal) error {
	return e.update(ctx, id, func(p *Promotion) error {
		if err := requireKind(p, KindFullReduction, "reduction_amount"); err != nil {
			return err
		}
		p.Reduction = reduction
		return nil
	})
}

// SetActive enables or disables a promotion.
func (e *Engine) SetActive(ctx context.Context, id string, active bool) error {
	return e.update(ctx, id, func(p *Promotion) error {
		p.Active = active
		return nil
	})
}

// update applies mutate to a copy of the stored promotion, validates the
// copy and only then stores and persists it.
func (e *Engine) update(ctx context.Context, id string, mutate func(*Promotion) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.byID[id]
	if !ok {
		return errors.Wrapf(ErrPromotionNotFound, "update %s", id)
	}

	next := cur
	if err := mutate(&next); err != nil {
		return err
	}
	next = next.truncated()
	if next.ID != id {
		return &InvalidFieldError{Field: "id", Reason: "cannot be changed"}
	}
	if err := next.Validate(); err != nil {
		return err
	}

	e.byID[id] = next
	return e.persistLocked(ctx)
}

func requireKind(p *Promotion, want Kind, field string) error {
	if p.Kind != want {
		return &InvalidFieldError{
			Field:  field,
			Reason: fmt.Sprintf("only applies to %s promotions, %s is %s", want, p.ID, p.Kind),
		}
	}
	return nil
}

// persistLocked writes the collection. e.mu must be held.
func (e *Engine) persistLocked(ctx context.Context) error {
	if err := e.store.Replace(ctx, e.snapshotLocked()); err != nil {
		e.lg.Error("Promotions save failed", zap.Error(err))
		return &PersistenceError{Err: err}
	}
	return nil
}

func (e *Engine) snapshotLocked() []Promotion {
	out := make([]Promotion, 0, len(e.ids))
	for _, id := range e.ids {
		out = append(out, e.byID[id])
	}
	return out
}

// Get returns the promotion with the given id.
func (e *Engine) Get(id string) (Promotion, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.byID[id]
	if !ok {
		return Promotion{}, ErrPromotionNotFound
	}
	return p, nil
}

// All returns every promotion in insertion order.
func (e *Engine) All() []Promotion {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

// ActivePromotions returns the promotions valid right now, in insertion order.
func (e *Engine) ActivePromotions() []Promotion {
	now := e.now()
	return slices.DeleteFunc(e.All(), func(p Promotion) bool { return !p.IsValid(now) })
}

// NextID returns the next free PROMOnnn identifier.
func (e *Engine) NextID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	highest := 0
	for _, id := range e.ids {
		digits, ok := strings.CutPrefix(id, idPrefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(digits); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s%03d", idPrefix, highest+1)
}

// BestDiscountFor returns the valid discount applicable to itemID with the
// lowest rate. Ties go to the first promotion in insertion order.
func (e *Engine) BestDiscountFor(itemID string) (Promotion, bool) {
	return bestDiscount(e.All(), itemID, e.now())
}

// ActiveFullReductions returns the valid full reductions ordered by
// ascending threshold.
func (e *Engine) ActiveFullReductions() []Promotion {
	return activeFullReductions(e.All(), e.now())
}

func bestDiscount(promotions []Promotion, itemID string, now time.Time) (Promotion, bool) {
	var (
		best  Promotion
		found bool
	)
	for _, p := range promotions {
		if p.Kind != KindDiscount || !p.IsValid(now) || !p.AppliesTo(itemID) {
			continue
		}
		if !found || p.Rate.LessThan(best.Rate) {
			best, found = p, true
		}
	}
	return best, found
}

func activeFullReductions(promotions []Promotion, now time.Time) []Promotion {
	var out []Promotion
	for _, p := range promotions {
		if p.Kind == KindFullReduction && p.IsValid(now) {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b Promotion) int {
		return a.Threshold.Cmp(b.Threshold)
	})
	return out
}
