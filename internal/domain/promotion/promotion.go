package promotion

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind enumerates the supported promotion rules.
type Kind string

const (
	// KindDiscount multiplies the unit price of one item (or all items) by a rate.
	KindDiscount Kind = "DISCOUNT"
	// KindFullReduction subtracts a fixed amount once the subtotal reaches a threshold.
	KindFullReduction Kind = "FULL_REDUCTION"
)

// AllItems is the discount target meaning "every item in the catalog".
const AllItems = "-1"

var ten = decimal.NewFromInt(10)

// Promotion is one discount or full-reduction rule. Values are treated as
// immutable; the Engine replaces a stored promotion with a modified copy.
type Promotion struct {
	ID     string
	Name   string
	Kind   Kind
	Active bool
	// Start and End bound the validity window, both inclusive.
	Start time.Time
	End   time.Time

	// Discount fields.
	TargetItemID string
	Rate         decimal.Decimal

	// Full-reduction fields.
	Threshold decimal.Decimal
	Reduction decimal.Decimal
}

// NewDiscount builds a discount promotion. An empty target means AllItems.
func NewDiscount(id, name string, active bool, start, end time.Time, target string, rate decimal.Decimal) Promotion {
	if target == "" {
		target = AllItems
	}
	return Promotion{
		ID:           id,
		Name:         name,
		Kind:         KindDiscount,
		Active:       active,
		Start:        start,
		End:          end,
		TargetItemID: target,
		Rate:         rate,
	}
}

// NewFullReduction builds a full-reduction promotion.
func NewFullReduction(id, name string, active bool, start, end time.Time, threshold, reduction decimal.Decimal) Promotion {
	return Promotion{
		ID:        id,
		Name:      name,
		Kind:      KindFullReduction,
		Active:    active,
		Start:     start,
		End:       end,
		Threshold: threshold,
		Reduction: reduction,
	}
}

// IsValid reports whether the promotion is active and now lies within
// [Start, End].
func (p Promotion) IsValid(now time.Time) bool {
	if !p.Active {
		return false
	}
	return !now.Before(p.Start) && !now.After(p.End)
}

// AppliesTo reports whether a discount promotion covers itemID. It is always
// false for full reductions.
func (p Promotion) AppliesTo(itemID string) bool {
	if p.Kind != KindDiscount {
		return false
	}
	return p.TargetItemID == AllItems || p.TargetItemID == itemID
}

// PriceFor returns the discounted unit price. Full reductions return the
// input unchanged.
func (p Promotion) PriceFor(unitPrice decimal.Decimal) decimal.Decimal {
	if p.Kind != KindDiscount {
		return unitPrice
	}
	return unitPrice.Mul(p.Rate)
}

// ReductionFor returns the amount taken off subtotal, or zero when the
// threshold is not reached or the promotion is a discount.
func (p Promotion) ReductionFor(subtotal decimal.Decimal) decimal.Decimal {
	if p.Kind != KindFullReduction {
		return decimal.Zero
	}
	if subtotal.GreaterThanOrEqual(p.Threshold) {
		return p.Reduction
	}
	return decimal.Zero
}

// DisplayTag returns the short label shown next to prices: "8折" for a 0.8
// discount and "满300减50" for a full reduction. Values are truncated.
func (p Promotion) DisplayTag() string {
	switch p.Kind {
	case KindDiscount:
		return fmt.Sprintf("%d折", p.Rate.Mul(ten).IntPart())
	case KindFullReduction:
		return fmt.Sprintf("满%d减%d", p.Threshold.IntPart(), p.Reduction.IntPart())
	default:
		return ""
	}
}

// truncated drops sub-second parts of the window; stores keep epoch seconds.
func (p Promotion) truncated() Promotion {
	p.Start = p.Start.Truncate(time.Second)
	p.End = p.End.Truncate(time.Second)
	return p
}

// Validate checks the kind-specific field rules. The Engine calls it before
// accepting a new or modified promotion.
func (p Promotion) Validate() error {
	if p.ID == "" {
		return &InvalidFieldError{Field: "id", Reason: "must not be empty"}
	}
	if !p.End.After(p.Start) {
		return &InvalidFieldError{Field: "end_time", Reason: "must be later than start_time"}
	}

	switch p.Kind {
	case KindDiscount:
		if !p.Rate.IsPositive() || p.Rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return &InvalidFieldError{Field: "discount_rate", Reason: "must be between 0 and 1 exclusive"}
		}
		if p.TargetItemID == "" {
			return &InvalidFieldError{Field: "target_item_id", Reason: "must not be empty"}
		}
	case KindFullReduction:
		if !p.Threshold.IsPositive() {
			return &InvalidFieldError{Field: "threshold_amount", Reason: "must be greater than 0"}
		}
		if !p.Reduction.IsPositive() {
			return &InvalidFieldError{Field: "reduction_amount", Reason: "must be greater than 0"}
		}
		if p.Reduction.GreaterThanOrEqual(p.Threshold) {
			return &InvalidFieldError{Field: "reduction_amount", Reason: "must be less than threshold_amount"}
		}
	default:
		return &InvalidFieldError{Field: "promotion_type", Reason: fmt.Sprintf("unsupported kind %q", p.Kind)}
	}
	return nil
}
