package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

var orderHeader = []string{
	"order_id", "user_id", "items", "order_time",
	"total_amount", "shipping_address", "status", "status_change_time",
}

const (
	itemSep  = ";"
	fieldSep = ":"
)

// ScanOrders streams order rows from r to fn. The header row and malformed
// rows are skipped; malformed rows and item entries are logged.
func ScanOrders(r io.Reader, lg *zap.Logger, fn func(order.Order) error) error {
	cr := newReader(r)
	// Orders have no comment lines; '#' may legitimately start an address.
	cr.Comment = 0

	for first := true; ; first = false {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read orders: %w", err)
		}
		record = trimAll(record)
		if first && record[0] == orderHeader[0] {
			continue
		}
		line, _ := cr.FieldPos(0)

		o, err := decodeOrder(record, lg)
		if err != nil {
			lg.Warn("Skipping malformed order row", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := fn(o); err != nil {
			return err
		}
	}
}

// ReadOrders reads every well-formed order from r.
func ReadOrders(r io.Reader, lg *zap.Logger) ([]order.Order, error) {
	var out []order.Order
	err := ScanOrders(r, lg, func(o order.Order) error {
		out = append(out, o)
		return nil
	})
	return out, err
}

// WriteOrders writes the header and one row per order.
func WriteOrders(w io.Writer, orders []order.Order) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(orderHeader); err != nil {
		return fmt.Errorf("write orders header: %w", err)
	}
	for _, o := range orders {
		if err := cw.Write(encodeOrder(o)); err != nil {
			return fmt.Errorf("write order %s: %w", o.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeOrder(o order.Order) []string {
	return []string{
		o.ID,
		o.UserID,
		EncodeItems(o.Items),
		formatEpoch(o.CreatedAt),
		o.Total.String(),
		o.ShippingAddress,
		o.Status.String(),
		formatEpoch(o.StatusChangedAt),
	}
}

func decodeOrder(record []string, lg *zap.Logger) (order.Order, error) {
	if len(record) < len(orderHeader) {
		return order.Order{}, errors.Errorf("want %d fields, got %d", len(orderHeader), len(record))
	}

	created, err := parseEpoch(record[3])
	if err != nil {
		return order.Order{}, errors.Wrap(err, "order_time")
	}
	total, err := decimal.NewFromString(record[4])
	if err != nil {
		return order.Order{}, errors.Wrap(err, "total_amount")
	}
	changed, err := parseEpoch(record[7])
	if err != nil {
		return order.Order{}, errors.Wrap(err, "status_change_time")
	}

	status, ok := order.ParseStatus(record[6])
	if !ok {
		lg.Warn("Unknown order status, assuming Pending",
			zap.String("order_id", record[0]),
			zap.String("status", record[6]),
		)
	}

	return order.Order{
		ID:              record[0],
		UserID:          record[1],
		Items:           DecodeItems(record[2], lg),
		CreatedAt:       created,
		Total:           total,
		ShippingAddress: record[5],
		Status:          status,
		StatusChangedAt: changed,
	}, nil
}

// Separators inside item ids and names are percent-escaped.
var (
	itemEscaper   = strings.NewReplacer("%", "%25", fieldSep, "%3A", itemSep, "%3B")
	itemUnescaper = strings.NewReplacer("%25", "%", "%3A", fieldSep, "%3B", itemSep)
)

// EncodeItems renders order lines as id:name:price:qty entries joined by ';'.
func EncodeItems(items []order.Item) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = strings.Join([]string{
			itemEscaper.Replace(it.ItemID), itemEscaper.Replace(it.Name), it.Price.String(), strconv.Itoa(it.Quantity),
		}, fieldSep)
	}
	return strings.Join(parts, itemSep)
}

// DecodeItems parses the output of EncodeItems. Malformed entries are
// skipped with a warning.
func DecodeItems(s string, lg *zap.Logger) []order.Item {
	var out []order.Item
	for _, entry := range strings.Split(s, itemSep) {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		fields := strings.Split(entry, fieldSep)
		if len(fields) != 4 {
			lg.Warn("Skipping malformed order item", zap.String("entry", entry))
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(fields[2]))
		if err != nil {
			lg.Warn("Skipping order item with bad price", zap.String("entry", entry), zap.Error(err))
			continue
		}
		qty, err := strconv.Atoi(strings.TrimSpace(fields[3]))
		if err != nil {
			lg.Warn("Skipping order item with bad quantity", zap.String("entry", entry), zap.Error(err))
			continue
		}
		out = append(out, order.Item{
			ItemID:   itemUnescaper.Replace(strings.TrimSpace(fields[0])),
			Name:     itemUnescaper.Replace(strings.TrimSpace(fields[1])),
			Price:    price,
			Quantity: qty,
		})
	}
	return out
}

var _ order.Store = (*OrderStore)(nil)

// OrderStore keeps the order collection in a single CSV file.
type OrderStore struct {
	path string
	lg   *zap.Logger
}

// NewOrderStore returns an OrderStore for path.
func NewOrderStore(path string, lg *zap.Logger) *OrderStore {
	return &OrderStore{path: path, lg: lg}
}

// Load reads all orders. A missing file is an empty ledger.
func (s *OrderStore) Load(_ context.Context) ([]order.Order, error) {
	rc, err := openOrEmpty(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return ReadOrders(rc, s.lg)
}

// Replace rewrites the file with orders.
func (s *OrderStore) Replace(_ context.Context, orders []order.Order) error {
	return writeAtomic(s.path, func(w io.Writer) error {
		return WriteOrders(w, orders)
	})
}

// Export writes the stored orders file to w as gzip.
func (s *OrderStore) Export(ctx context.Context, w io.Writer) error {
	orders, err := s.Load(ctx)
	if err != nil {
		return err
	}

	zw := pgzip.NewWriter(w)
	if err := WriteOrders(zw, orders); err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}
