package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store backed by PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
	lg   *zap.Logger
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool, lg *zap.Logger) *OrderStore {
	return &OrderStore{pool: pool, lg: lg}
}

// Load returns all orders in their stored order, each with its lines.
func (s *OrderStore) Load(ctx context.Context) ([]order.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, user_id, created_at, total_amount, shipping_address, status, status_changed_at
		FROM orders
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}

	var (
		orders []order.Order
		byID   = make(map[string]int)
	)
	for rows.Next() {
		var (
			o      order.Order
			status string
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.CreatedAt, &o.Total, &o.ShippingAddress, &status, &o.StatusChangedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		o.CreatedAt = o.CreatedAt.UTC()
		o.StatusChangedAt = o.StatusChangedAt.UTC()

		var ok bool
		if o.Status, ok = order.ParseStatus(status); !ok {
			s.lg.Warn("Unknown order status, assuming Pending",
				zap.String("order_id", o.ID),
				zap.String("status", status),
			)
		}
		byID[o.ID] = len(orders)
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating orders: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT order_id, item_id, item_name, price, quantity
		FROM order_items
		ORDER BY order_id, line_no`)
	if err != nil {
		return nil, fmt.Errorf("querying order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			it      order.Item
		)
		if err := rows.Scan(&orderID, &it.ItemID, &it.Name, &it.Price, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scanning order item: %w", err)
		}
		i, ok := byID[orderID]
		if !ok {
			continue
		}
		orders[i].Items = append(orders[i].Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating order items: %w", err)
	}

	return orders, nil
}

// Replace rewrites both order tables in one transaction.
func (s *OrderStore) Replace(ctx context.Context, orders []order.Order) error {
	return replaceAll(ctx, s.pool, "orders", func(tx pgx.Tx) error {
		var (
			orderRows [][]any
			itemRows  [][]any
		)
		for pos, o := range orders {
			orderRows = append(orderRows, []any{
				o.ID, pos, o.UserID, o.CreatedAt, o.Total, o.ShippingAddress, o.Status.String(), o.StatusChangedAt,
			})
			for n, it := range o.Items {
				itemRows = append(itemRows, []any{o.ID, n, it.ItemID, it.Name, it.Price, it.Quantity})
			}
		}

		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"orders"},
			[]string{"order_id", "position", "user_id", "created_at", "total_amount", "shipping_address", "status", "status_changed_at"},
			pgx.CopyFromRows(orderRows),
		); err != nil {
			return fmt.Errorf("copying orders: %w", err)
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"order_items"},
			[]string{"order_id", "line_no", "item_id", "item_name", "price", "quantity"},
			pgx.CopyFromRows(itemRows),
		); err != nil {
			return fmt.Errorf("copying order items: %w", err)
		}
		return nil
	})
}
