package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/catalog"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/promotion"
	"github.com/xenking/kart-fulfillment/internal/lifecycle"
	"github.com/xenking/kart-fulfillment/internal/storage/csvfile"
	"github.com/xenking/kart-fulfillment/internal/storage/postgres"
	"github.com/xenking/kart-fulfillment/pkg/health"
)

const instrumentationName = "github.com/xenking/kart-fulfillment"

// Telemetry provides the meter and tracer providers. *app.Telemetry from
// go-faster/sdk satisfies it.
type Telemetry interface {
	MeterProvider() metric.MeterProvider
	TracerProvider() trace.TracerProvider
}

// Core is the loaded fulfillment state of one process.
type Core struct {
	Catalog   catalog.Catalog
	Ledger    *order.Ledger
	Engine    *promotion.Engine
	Scheduler *lifecycle.Scheduler

	// StorageCheck reports whether the configured backend accepts writes.
	StorageCheck health.CheckFunc

	close func()
}

// Close releases storage resources. Safe to call on a nil Core.
func (c *Core) Close() {
	if c == nil || c.close == nil {
		return
	}
	c.close()
}

// Dwell returns the configured lifecycle dwell times.
func (c LifecycleConfig) Dwell() order.Dwell {
	return order.Dwell{
		PendingToShipped:   c.PendingToShipped,
		ShippedToDelivered: c.ShippedToDelivered,
	}
}

type stores struct {
	catalog    catalog.Catalog
	orders     order.Store
	promotions promotion.Store
	check      health.CheckFunc
	close      func()
}

// Build opens the configured storage and loads the catalog, the order ledger
// and the promotion engine from it. The scheduler is created but not enabled.
func Build(ctx context.Context, lg *zap.Logger, tel Telemetry, cfg *Config) (*Core, error) {
	st, err := openStores(ctx, lg, cfg.Storage)
	if err != nil {
		return nil, err
	}

	meter := tel.MeterProvider().Meter(instrumentationName)
	tracer := tel.TracerProvider().Tracer(instrumentationName)

	ledger, err := order.NewLedger(st.orders, st.catalog,
		order.WithLogger(lg.Named("ledger")),
		order.WithMeter(meter),
		order.WithTracer(tracer),
	)
	if err != nil {
		st.close()
		return nil, errors.Wrap(err, "create ledger")
	}
	if err := ledger.Load(ctx); err != nil {
		st.close()
		return nil, errors.Wrap(err, "load orders")
	}

	engine := promotion.NewEngine(st.promotions,
		promotion.WithLogger(lg.Named("promotions")),
		promotion.WithTracer(tracer),
	)
	if err := engine.Load(ctx); err != nil {
		st.close()
		return nil, errors.Wrap(err, "load promotions")
	}

	scheduler, err := lifecycle.New(ledger,
		lifecycle.WithLogger(lg.Named("lifecycle")),
		lifecycle.WithTick(cfg.Lifecycle.Tick),
		lifecycle.WithMeter(meter),
	)
	if err != nil {
		st.close()
		return nil, errors.Wrap(err, "create scheduler")
	}

	lg.Info("Fulfillment core loaded",
		zap.String("driver", cfg.Storage.Driver),
		zap.Int("orders", len(ledger.All())),
		zap.Int("promotions", len(engine.All())),
	)

	return &Core{
		Catalog:      st.catalog,
		Ledger:       ledger,
		Engine:       engine,
		Scheduler:    scheduler,
		StorageCheck: st.check,
		close:        st.close,
	}, nil
}

func openStores(ctx context.Context, lg *zap.Logger, cfg StorageConfig) (*stores, error) {
	switch cfg.Driver {
	case DriverCSV:
		cat := csvfile.NewCatalog(cfg.ItemsPath(), lg.Named("catalog"))
		if err := cat.Load(ctx); err != nil {
			return nil, errors.Wrap(err, "load catalog")
		}
		return &stores{
			catalog:    cat,
			orders:     csvfile.NewOrderStore(cfg.OrdersPath(), lg.Named("orders")),
			promotions: csvfile.NewPromotionStore(cfg.PromotionsPath(), lg.Named("promotions")),
			check:      health.DirWritableCheck(cfg.DataDir),
			close:      func() {},
		}, nil
	case DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		return &stores{
			catalog:    postgres.NewCatalog(pool),
			orders:     postgres.NewOrderStore(pool, lg.Named("orders")),
			promotions: postgres.NewPromotionStore(pool, lg.Named("promotions")),
			check:      health.PingCheck(pool),
			close:      pool.Close,
		}, nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
