package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/promotion"
)

var _ promotion.Store = (*PromotionStore)(nil)

// PromotionStore implements promotion.Store backed by PostgreSQL. Fields
// that do not apply to a promotion's kind are stored as NULL.
type PromotionStore struct {
	pool *pgxpool.Pool
	lg   *zap.Logger
}

// NewPromotionStore returns a PromotionStore that uses the given pool.
func NewPromotionStore(pool *pgxpool.Pool, lg *zap.Logger) *PromotionStore {
	return &PromotionStore{pool: pool, lg: lg}
}

// Load returns all promotions in their stored order.
func (s *PromotionStore) Load(ctx context.Context) ([]promotion.Promotion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT promotion_id, promotion_name, promotion_type, is_active, start_time, end_time,
		       target_item_id, discount_rate, threshold_amount, reduction_amount
		FROM promotions
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying promotions: %w", err)
	}
	defer rows.Close()

	var out []promotion.Promotion
	for rows.Next() {
		var (
			id, name, kind       string
			active               bool
			start, end           time.Time
			target               *string
			rate                 decimal.NullDecimal
			threshold, reduction decimal.NullDecimal
		)
		if err := rows.Scan(&id, &name, &kind, &active, &start, &end, &target, &rate, &threshold, &reduction); err != nil {
			return nil, fmt.Errorf("scanning promotion: %w", err)
		}
		start, end = start.UTC(), end.UTC()

		switch promotion.Kind(kind) {
		case promotion.KindDiscount:
			var t string
			if target != nil {
				t = *target
			}
			out = append(out, promotion.NewDiscount(id, name, active, start, end, t, rate.Decimal))
		case promotion.KindFullReduction:
			out = append(out, promotion.NewFullReduction(id, name, active, start, end, threshold.Decimal, reduction.Decimal))
		default:
			s.lg.Warn("Skipping promotion of unknown type",
				zap.String("promotion_id", id),
				zap.String("type", kind),
			)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating promotions: %w", err)
	}
	return out, nil
}

// Replace rewrites the promotions table in one transaction.
func (s *PromotionStore) Replace(ctx context.Context, promotions []promotion.Promotion) error {
	return replaceAll(ctx, s.pool, "promotions", func(tx pgx.Tx) error {
		rows := make([][]any, 0, len(promotions))
		for pos, p := range promotions {
			var (
				target               *string
				rate                 decimal.NullDecimal
				threshold, reduction decimal.NullDecimal
			)
			switch p.Kind {
			case promotion.KindDiscount:
				target = &p.TargetItemID
				rate = decimal.NewNullDecimal(p.Rate)
			case promotion.KindFullReduction:
				threshold = decimal.NewNullDecimal(p.Threshold)
				reduction = decimal.NewNullDecimal(p.Reduction)
			}
			rows = append(rows, []any{
				p.ID, pos, p.Name, string(p.Kind), p.Active, p.Start, p.End,
				target, rate, threshold, reduction,
			})
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"promotions"},
			[]string{
				"promotion_id", "position", "promotion_name", "promotion_type", "is_active", "start_time", "end_time",
				"target_item_id", "discount_rate", "threshold_amount", "reduction_amount",
			},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copying promotions: %w", err)
		}
		return nil
	})
}
