package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-fulfillment/pkg/health"
	"github.com/xenking/kart-fulfillment/pkg/httpmiddleware"
)

// storageProbeTimeout bounds a single storage readiness check.
const storageProbeTimeout = 5 * time.Second

// Run loads the fulfillment core, starts the lifecycle scheduler and the ops
// listener, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, tel Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("ops_addr", cfg.OpsAddr),
		zap.String("driver", cfg.Storage.Driver),
	)

	core, err := Build(ctx, lg, tel, cfg)
	if err != nil {
		return errors.Wrap(err, "build core")
	}
	defer core.Close()

	probes := health.New()
	probes.Register(health.Readiness, "storage", core.StorageCheck, health.WithTimeout(storageProbeTimeout))
	probes.Register(health.Liveness, "goroutines", health.GoroutineCountCheck(10000))
	probes.Register(health.Liveness, "lifecycle", core.Scheduler.CheckHeartbeat)
	probes.Start(ctx, 10*time.Second)
	defer probes.Stop()

	if cfg.Lifecycle.Enabled {
		core.Scheduler.Enable(ctx, cfg.Lifecycle.Dwell())
	}
	probes.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", probes.LiveEndpoint)
	mux.HandleFunc("/readyz", probes.ReadyEndpoint)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.OpsAddr,
		Handler: httpmiddleware.Wrap(
			otelhttp.NewHandler(mux, "ops",
				otelhttp.WithMeterProvider(tel.MeterProvider()),
				otelhttp.WithTracerProvider(tel.TracerProvider()),
			),
			httpmiddleware.Recovery(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.RequestID(),
			httpmiddleware.LogRequests("/livez", "/readyz"),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Ops listener started", zap.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "ops server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		probes.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		if core.Scheduler.Disable() {
			lg.Info("Lifecycle scheduler stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down ops listener", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Ops listener shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
