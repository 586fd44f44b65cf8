// Command seed-db loads the items, orders and promotions CSV files of a data
// directory into PostgreSQL.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/storage/csvfile"
	"github.com/xenking/kart-fulfillment/internal/storage/postgres"
)

type options struct {
	databaseURL string
	dataDir     string
	skipOrders  bool
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing items.csv, orders.csv and promotions.csv")
	flag.BoolVar(&opts.skipOrders, "skip-orders", false, "leave the orders table untouched")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedItems(ctx, pool, filepath.Join(opts.dataDir, "items.csv")); err != nil {
		return errors.Wrap(err, "seed items")
	}

	if err := seedPromotions(ctx, pool, filepath.Join(opts.dataDir, "promotions.csv")); err != nil {
		return errors.Wrap(err, "seed promotions")
	}

	if opts.skipOrders {
		slog.Info("skipping orders")
		return nil
	}
	if err := seedOrders(ctx, pool, filepath.Join(opts.dataDir, "orders.csv")); err != nil {
		return errors.Wrap(err, "seed orders")
	}

	return nil
}

func seedItems(ctx context.Context, pool *pgxpool.Pool, path string) error {
	slog.Info("reading items file", slog.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open items file")
	}
	defer func() { _ = f.Close() }()

	_, items, err := csvfile.ReadItems(f, zap.NewNop())
	if err != nil {
		return err
	}

	if err := postgres.NewCatalog(pool).Upsert(ctx, items); err != nil {
		return err
	}

	slog.Info("upserted items", slog.Int("count", len(items)))
	return nil
}

func seedPromotions(ctx context.Context, pool *pgxpool.Pool, path string) error {
	slog.Info("reading promotions file", slog.String("path", path))

	promotions, err := csvfile.NewPromotionStore(path, zap.NewNop()).Load(ctx)
	if err != nil {
		return err
	}

	if err := postgres.NewPromotionStore(pool, zap.NewNop()).Replace(ctx, promotions); err != nil {
		return err
	}

	slog.Info("replaced promotions", slog.Int("count", len(promotions)))
	return nil
}

func seedOrders(ctx context.Context, pool *pgxpool.Pool, path string) error {
	slog.Info("reading orders file", slog.String("path", path))

	orders, err := csvfile.NewOrderStore(path, zap.NewNop()).Load(ctx)
	if err != nil {
		return err
	}

	if err := postgres.NewOrderStore(pool, zap.NewNop()).Replace(ctx, orders); err != nil {
		return err
	}

	slog.Info("replaced orders", slog.Int("count", len(orders)))
	return nil
}
