package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/promotion"
)

var promotionHeader = []string{
	"promotion_id", "promotion_name", "promotion_type", "is_active",
	"start_time", "end_time", "target_item_id", "discount_rate",
	"threshold_amount", "reduction_amount",
}

// ReadPromotions reads promotion rows from r. Comment lines, short rows and
// rows of an unknown type are skipped.
func ReadPromotions(r io.Reader, lg *zap.Logger) ([]promotion.Promotion, error) {
	cr := newReader(r)

	var out []promotion.Promotion
	for first := true; ; first = false {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read promotions: %w", err)
		}
		record = trimAll(record)
		if first && record[0] == promotionHeader[0] {
			continue
		}
		line, _ := cr.FieldPos(0)

		if len(record) < len(promotionHeader) {
			lg.Warn("Skipping short promotion row",
				zap.Int("line", line),
				zap.Int("fields", len(record)),
			)
			continue
		}
		p, err := decodePromotion(record)
		if err != nil {
			lg.Warn("Skipping malformed promotion row", zap.Int("line", line), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
}

// WritePromotions writes the header and one ten-field row per promotion.
// Fields that do not apply to a kind are left empty.
func WritePromotions(w io.Writer, promotions []promotion.Promotion) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(promotionHeader); err != nil {
		return fmt.Errorf("write promotions header: %w", err)
	}
	for _, p := range promotions {
		if err := cw.Write(encodePromotion(p)); err != nil {
			return fmt.Errorf("write promotion %s: %w", p.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodePromotion(p promotion.Promotion) []string {
	active := "0"
	if p.Active {
		active = "1"
	}
	row := []string{
		p.ID, p.Name, string(p.Kind), active,
		formatEpoch(p.Start), formatEpoch(p.End),
		"", "", "", "",
	}
	switch p.Kind {
	case promotion.KindDiscount:
		row[6] = p.TargetItemID
		row[7] = p.Rate.String()
	case promotion.KindFullReduction:
		row[8] = p.Threshold.String()
		row[9] = p.Reduction.String()
	}
	return row
}

func decodePromotion(record []string) (promotion.Promotion, error) {
	var (
		id     = record[0]
		name   = record[1]
		active = record[3] == "1" || record[3] == "true"
	)
	start, err := parseOptionalEpoch(record[4])
	if err != nil {
		return promotion.Promotion{}, errors.Wrap(err, "start_time")
	}
	end, err := parseOptionalEpoch(record[5])
	if err != nil {
		return promotion.Promotion{}, errors.Wrap(err, "end_time")
	}

	switch promotion.Kind(record[2]) {
	case promotion.KindDiscount:
		rate, err := parseOptionalDecimal(record[7], decimal.NewFromInt(1))
		if err != nil {
			return promotion.Promotion{}, errors.Wrap(err, "discount_rate")
		}
		return promotion.NewDiscount(id, name, active, start, end, record[6], rate), nil
	case promotion.KindFullReduction:
		threshold, err := parseOptionalDecimal(record[8], decimal.Zero)
		if err != nil {
			return promotion.Promotion{}, errors.Wrap(err, "threshold_amount")
		}
		reduction, err := parseOptionalDecimal(record[9], decimal.Zero)
		if err != nil {
			return promotion.Promotion{}, errors.Wrap(err, "reduction_amount")
		}
		return promotion.NewFullReduction(id, name, active, start, end, threshold, reduction), nil
	default:
		return promotion.Promotion{}, errors.Errorf("unknown promotion type %q", record[2])
	}
}

func parseOptionalEpoch(s string) (time.Time, error) {
	if s == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	return parseEpoch(s)
}

func parseOptionalDecimal(s string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if s == "" {
		return fallback, nil
	}
	return decimal.NewFromString(s)
}

var _ promotion.Store = (*PromotionStore)(nil)

// PromotionStore keeps the promotion collection in a single CSV file.
type PromotionStore struct {
	path string
	lg   *zap.Logger
}

// NewPromotionStore returns a PromotionStore for path.
func NewPromotionStore(path string, lg *zap.Logger) *PromotionStore {
	return &PromotionStore{path: path, lg: lg}
}

// Load reads all promotions. A missing file is an empty collection.
func (s *PromotionStore) Load(_ context.Context) ([]promotion.Promotion, error) {
	rc, err := openOrEmpty(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return ReadPromotions(rc, s.lg)
}

// Replace rewrites the file with promotions.
func (s *PromotionStore) Replace(_ context.Context, promotions []promotion.Promotion) error {
	return writeAtomic(s.path, func(w io.Writer) error {
		return WritePromotions(w, promotions)
	})
}
