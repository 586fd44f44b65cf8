package promotion

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xenking/kart-fulfillment/internal/domain/catalog"
)

// Line is one basket entry priced at the item's current catalog price.
type Line struct {
	ItemID   string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// NewLine builds a basket line from a catalog item.
func NewLine(it catalog.Item, qty int) Line {
	return Line{
		ItemID:   it.ID,
		Name:     it.Name,
		Price:    it.Price,
		Quantity: qty,
	}
}

// ItemDiscount is the amount saved on one basket line.
type ItemDiscount struct {
	Name   string
	Amount decimal.Decimal
}

// Result is the priced breakdown of a basket. It is derived on every call
// and never stored.
type Result struct {
	OriginalTotal      decimal.Decimal
	AfterDiscountTotal decimal.Decimal
	TotalReduction     decimal.Decimal
	FinalTotal         decimal.Decimal
	TotalSavings       decimal.Decimal
	ItemDiscounts      []ItemDiscount
	// Applied holds human-readable descriptions: "<item> <tag>" for
	// discounts followed by the tags of qualifying full reductions.
	Applied []string
}

// PriceBasket applies the best discount per line, then evaluates every
// valid full reduction against the single post-discount total. Qualifying
// reductions stack additively; they are not applied to a shrinking balance.
func (e *Engine) PriceBasket(ctx context.Context, lines []Line) Result {
	_, span := e.tracer.Start(ctx, "promotion.PriceBasket")
	defer span.End()

	promotions := e.All()
	now := e.now()

	res := Result{
		OriginalTotal:      decimal.Zero,
		AfterDiscountTotal: decimal.Zero,
		TotalReduction:     decimal.Zero,
	}

	for _, line := range lines {
		qty := decimal.NewFromInt(int64(line.Quantity))
		original := line.Price.Mul(qty)
		res.OriginalTotal = res.OriginalTotal.Add(original)

		discount, ok := bestDiscount(promotions, line.ItemID, now)
		if !ok {
			res.AfterDiscountTotal = res.AfterDiscountTotal.Add(original)
			continue
		}

		discounted := discount.PriceFor(line.Price).Mul(qty)
		res.AfterDiscountTotal = res.AfterDiscountTotal.Add(discounted)
		res.ItemDiscounts = append(res.ItemDiscounts, ItemDiscount{
			Name:   line.Name,
			Amount: original.Sub(discounted),
		})
		res.Applied = append(res.Applied, line.Name+" "+discount.DisplayTag())
	}

	for _, fr := range activeFullReductions(promotions, now) {
		amount := fr.ReductionFor(res.AfterDiscountTotal)
		if !amount.IsPositive() {
			continue
		}
		res.TotalReduction = res.TotalReduction.Add(amount)
		res.Applied = append(res.Applied, fr.DisplayTag())
	}

	res.FinalTotal = res.AfterDiscountTotal.Sub(res.TotalReduction)
	res.TotalSavings = res.OriginalTotal.Sub(res.FinalTotal)

	span.SetAttributes(
		attribute.Int("basket.lines", len(lines)),
		attribute.Int("basket.applied", len(res.Applied)),
	)
	return res
}
