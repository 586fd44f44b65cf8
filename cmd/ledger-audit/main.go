// Command ledger-audit cross-checks order exports for order ids that occur
// in more than one export, and can merge the exports into a single
// deduplicated gzip file.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/storage/csvfile"
)

const (
	bloomFPR      = 0.001
	maxExports    = 64
	progressEvery = 100_000
)

type options struct {
	capacity uint
	out      string
	files    []string
}

func main() {
	var opts options

	flag.UintVar(&opts.capacity, "capacity", 1_000_000, "expected number of orders per export")
	flag.StringVar(&opts.out, "out", "", "write the deduplicated merge of all exports to this .csv.gz file")
	flag.Parse()
	opts.files = flag.Args()

	if len(opts.files) < 2 {
		slog.Error("at least two export files are required")
		os.Exit(2)
	}
	if len(opts.files) > maxExports {
		slog.Error("too many export files", slog.Int("max", maxExports))
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dups, err := run(ctx, opts)
	if err != nil {
		slog.Error("ledger audit failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if len(dups) > 0 {
		os.Exit(3)
	}
}

// duplicate is an order id found in more than one export.
type duplicate struct {
	id    string
	files []string
}

func run(ctx context.Context, opts options) ([]duplicate, error) {
	for _, f := range opts.files {
		if _, err := os.Stat(f); err != nil {
			return nil, errors.Wrapf(err, "check file %s", f)
		}
	}

	// Pass 1: one bloom filter of order ids per export.
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(opts.files)))

	filters, err := buildBloomFilters(ctx, opts.files, opts.capacity)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: ids that hit another export's filter.
	slog.Info("pass 2: finding duplicate order ids")

	dups, err := findDuplicates(ctx, opts.files, filters)
	if err != nil {
		return nil, errors.Wrap(err, "find duplicates")
	}
	for _, d := range dups {
		slog.Warn("order id in several exports",
			slog.String("order_id", d.id),
			slog.String("files", strings.Join(d.files, ",")),
		)
	}
	slog.Info("audit complete", slog.Int("duplicates", len(dups)))

	if opts.out != "" {
		if err := merge(ctx, opts.files, dups, opts.out); err != nil {
			return dups, errors.Wrap(err, "merge exports")
		}
	}
	return dups, nil
}

func buildBloomFilters(ctx context.Context, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(capacity, bloomFPR)
			var count uint64

			if err := streamOrders(ctx, f, func(o order.Order) {
				filter.AddString(o.ID)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", f), slog.Uint64("orders", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for %s", f)
			}

			slog.Info("pass 1 complete", slog.String("file", f), slog.Uint64("total_orders", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findDuplicates marks, per export, the ids found in any other export's
// filter. An id whose merged mask has two or more bits is reported.
func findDuplicates(ctx context.Context, files []string, filters []*bloom.BloomFilter) ([]duplicate, error) {
	masks := make([]map[string]uint64, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			candidates := make(map[string]uint64)
			fileBit := uint64(1) << uint(i)

			if err := streamOrders(ctx, f, func(o order.Order) {
				for j, other := range filters {
					if j != i && other.TestString(o.ID) {
						candidates[o.ID] |= fileBit
						break
					}
				}
			}); err != nil {
				return errors.Wrapf(err, "scan %s for duplicates", f)
			}

			slog.Info("pass 2 complete", slog.String("file", f), slog.Int("candidates", len(candidates)))
			masks[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint64)
	for _, m := range masks {
		for id, mask := range m {
			merged[id] |= mask
		}
	}

	var out []duplicate
	for id, mask := range merged {
		if bits.OnesCount64(mask) < 2 {
			continue
		}
		d := duplicate{id: id}
		for i, f := range files {
			if mask&(uint64(1)<<uint(i)) != 0 {
				d.files = append(d.files, f)
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out, nil
}

// merge writes every order of files, in file order, to a gzip CSV at out.
// For a duplicated id only the first occurrence is kept.
func merge(ctx context.Context, files []string, dups []duplicate, out string) error {
	pending := make(map[string]bool, len(dups))
	for _, d := range dups {
		pending[d.id] = true
	}

	var orders []order.Order
	for _, f := range files {
		if err := streamOrders(ctx, f, func(o order.Order) {
			if first, dup := pending[o.ID]; dup {
				if !first {
					return
				}
				pending[o.ID] = false
			}
			orders = append(orders, o)
		}); err != nil {
			return errors.Wrapf(err, "read %s", f)
		}
	}

	fh, err := os.Create(out)
	if err != nil {
		return errors.Wrapf(err, "create %s", out)
	}
	defer func() { _ = fh.Close() }()

	zw := pgzip.NewWriter(fh)
	if err := csvfile.WriteOrders(zw, orders); err != nil {
		_ = zw.Close()
		return errors.Wrap(err, "write merged orders")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "close gzip")
	}
	if err := fh.Close(); err != nil {
		return errors.Wrapf(err, "close %s", out)
	}

	slog.Info("merged exports", slog.String("out", out), slog.Int("orders", len(orders)))
	return nil
}

// streamOrders calls fn for each order of an export. Files ending in .gz
// are decompressed.
func streamOrders(ctx context.Context, path string, fn func(order.Order)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	return csvfile.ScanOrders(r, zap.NewNop(), func(o order.Order) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(o)
		return nil
	})
}
