package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/catalog"
)

var _ catalog.Catalog = (*Catalog)(nil)

// Catalog implements catalog.Catalog backed by PostgreSQL. Stock changes are
// written immediately, so Save has nothing left to do.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog returns a Catalog that uses the given pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// FindByID returns the item with the given id or catalog.ErrNotFound.
func (c *Catalog) FindByID(ctx context.Context, id string) (*catalog.Item, error) {
	var it catalog.Item
	err := c.pool.QueryRow(ctx, `
		SELECT item_id, item_name, category, price, description, stock
		FROM items
		WHERE item_id = $1`, id,
	).Scan(&it.ID, &it.Name, &it.Category, &it.Price, &it.Description, &it.Stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("finding item %q: %w", id, err)
	}
	return &it, nil
}

// DecrementStock lowers the stock of id by qty. The row is only updated when
// enough stock remains.
func (c *Catalog) DecrementStock(ctx context.Context, id string, qty int) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE items SET stock = stock - $2
		WHERE item_id = $1 AND stock >= $2`, id, qty)
	if err != nil {
		return fmt.Errorf("decrementing stock of %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := c.FindByID(ctx, id); err != nil {
		return err
	}
	return errors.Wrapf(catalog.ErrInsufficientStock, "item %s", id)
}

// IncrementStock raises the stock of id by qty.
func (c *Catalog) IncrementStock(ctx context.Context, id string, qty int) error {
	tag, err := c.pool.Exec(ctx, `UPDATE items SET stock = stock + $2 WHERE item_id = $1`, id, qty)
	if err != nil {
		return fmt.Errorf("incrementing stock of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// Save is a no-op.
func (c *Catalog) Save(context.Context) error { return nil }

// Upsert inserts or overwrites items.
func (c *Catalog) Upsert(ctx context.Context, items []catalog.Item) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO items (item_id, item_name, category, price, description, stock)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (item_id) DO UPDATE SET
				item_name = EXCLUDED.item_name,
				category = EXCLUDED.category,
				price = EXCLUDED.price,
				description = EXCLUDED.description,
				stock = EXCLUDED.stock`,
			it.ID, it.Name, it.Category, it.Price, it.Description, it.Stock)
	}
	if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting items: %w", err)
	}
	return nil
}
