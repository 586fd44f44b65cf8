package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/catalog"
)

var defaultItemHeader = []string{"item_id", "item_name", "category", "price", "description", "stock"}

var _ catalog.Catalog = (*Catalog)(nil)

// Catalog is a file-backed stock provider. The header row of the loaded
// file is written back unchanged on Save.
type Catalog struct {
	path string
	lg   *zap.Logger

	mu     sync.RWMutex
	header []string
	items  []catalog.Item
	byID   map[string]int
}

// NewCatalog returns an empty Catalog for path. Call Load to read it.
func NewCatalog(path string, lg *zap.Logger) *Catalog {
	return &Catalog{
		path:   path,
		lg:     lg,
		header: defaultItemHeader,
		byID:   make(map[string]int),
	}
}

// Load reads the items file. A missing file is an empty catalog.
func (c *Catalog) Load(_ context.Context) error {
	rc, err := openOrEmpty(c.path)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	header, items, err := ReadItems(rc, c.lg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if header != nil {
		c.header = header
	}
	c.setLocked(items)

	c.lg.Info("Catalog loaded", zap.Int("count", len(items)))
	return nil
}

// Replace swaps the whole item list. It does not save.
func (c *Catalog) Replace(items []catalog.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(items)
}

func (c *Catalog) setLocked(items []catalog.Item) {
	c.items = append([]catalog.Item(nil), items...)
	c.byID = make(map[string]int, len(items))
	for i, it := range c.items {
		c.byID[it.ID] = i
	}
}

// FindByID returns a copy of the item.
func (c *Catalog) FindByID(_ context.Context, id string) (*catalog.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byID[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	it := c.items[i]
	return &it, nil
}

// All returns a copy of every item in file order.
func (c *Catalog) All() []catalog.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]catalog.Item(nil), c.items...)
}

// DecrementStock lowers the stock of id by qty.
func (c *Catalog) DecrementStock(_ context.Context, id string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byID[id]
	if !ok {
		return catalog.ErrNotFound
	}
	if c.items[i].Stock < qty {
		return errors.Wrapf(catalog.ErrInsufficientStock, "item %s has %d, want %d", id, c.items[i].Stock, qty)
	}
	c.items[i].Stock -= qty
	return nil
}

// IncrementStock raises the stock of id by qty.
func (c *Catalog) IncrementStock(_ context.Context, id string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byID[id]
	if !ok {
		return catalog.ErrNotFound
	}
	c.items[i].Stock += qty
	return nil
}

// Save rewrites the items file.
func (c *Catalog) Save(_ context.Context) error {
	c.mu.RLock()
	header := c.header
	items := append([]catalog.Item(nil), c.items...)
	c.mu.RUnlock()

	return writeAtomic(c.path, func(w io.Writer) error {
		return WriteItems(w, header, items)
	})
}

// ReadItems reads an items file. It returns the header row as found, or nil
// for an empty input. Rows with fewer than six fields or bad numbers are
// skipped.
func ReadItems(r io.Reader, lg *zap.Logger) ([]string, []catalog.Item, error) {
	cr := newReader(r)
	cr.Comment = 0

	var (
		header []string
		items  []catalog.Item
	)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return header, items, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read items: %w", err)
		}
		record = trimAll(record)
		if header == nil {
			header = record
			continue
		}
		line, _ := cr.FieldPos(0)

		if len(record) < len(defaultItemHeader) {
			lg.Warn("Skipping short item row", zap.Int("line", line))
			continue
		}
		price, err := decimal.NewFromString(record[3])
		if err != nil {
			lg.Warn("Skipping item with bad price", zap.Int("line", line), zap.Error(err))
			continue
		}
		stock, err := strconv.Atoi(record[5])
		if err != nil {
			lg.Warn("Skipping item with bad stock", zap.Int("line", line), zap.Error(err))
			continue
		}
		items = append(items, catalog.Item{
			ID:          record[0],
			Name:        record[1],
			Category:    record[2],
			Price:       price,
			Description: record[4],
			Stock:       stock,
		})
	}
}

// WriteItems writes header followed by one row per item.
func WriteItems(w io.Writer, header []string, items []catalog.Item) error {
	if len(header) == 0 {
		header = defaultItemHeader
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write items header: %w", err)
	}
	for _, it := range items {
		if err := cw.Write([]string{
			it.ID, it.Name, it.Category, it.Price.String(), it.Description, strconv.Itoa(it.Stock),
		}); err != nil {
			return fmt.Errorf("write item %s: %w", it.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
