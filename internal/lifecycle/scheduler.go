// Package lifecycle advances orders through their delivery statuses on a
// timer.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

const defaultTick = time.Second

// Advancer is the part of the order ledger the scheduler drives.
type Advancer interface {
	AdvanceDue(ctx context.Context, now time.Time, dwell order.Dwell) ([]order.Transition, error)
}

var _ Advancer = (*order.Ledger)(nil)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Scheduler) { s.lg = lg }
}

// WithClock overrides the time source passed to AdvanceDue.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTick sets the scan interval. Non-positive values keep the default of
// one second.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMeter sets the meter used for transition metrics.
func WithMeter(m metric.Meter) Option {
	return func(s *Scheduler) { s.meter = m }
}

// Scheduler runs a single background loop that calls AdvanceDue once per
// tick while enabled.
type Scheduler struct {
	ledger Advancer
	lg     *zap.Logger
	now    func() time.Time
	tick   time.Duration
	meter  metric.Meter

	transitions metric.Int64Counter
	scanSeconds metric.Float64Histogram

	lastScan atomic.Int64 // unix nanos of the last finished scan

	mu     sync.Mutex
	dwell  order.Dwell
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a disabled Scheduler.
func New(ledger Advancer, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		ledger: ledger,
		lg:     zap.NewNop(),
		now:    time.Now,
		tick:   defaultTick,
		meter:  noop.NewMeterProvider().Meter(""),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.transitions, err = s.meter.Int64Counter("fulfillment.lifecycle.transitions",
		metric.WithDescription("Automatic order status transitions"),
	); err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}
	if s.scanSeconds, err = s.meter.Float64Histogram("fulfillment.lifecycle.scan.duration",
		metric.WithDescription("Duration of one ledger scan"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "scan duration histogram")
	}
	return s, nil
}

// Enable starts the background loop with the given dwell thresholds. It
// reports whether the loop was already running, in which case nothing
// changes. The loop also stops when ctx is cancelled.
func (s *Scheduler) Enable(ctx context.Context, dwell order.Dwell) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return true
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	s.dwell = dwell
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastScan.Store(s.now().UnixNano())

	go s.loop(ctx, dwell, s.done)

	s.lg.Info("Lifecycle scheduler enabled",
		zap.Duration("pending_to_shipped", dwell.PendingToShipped),
		zap.Duration("shipped_to_delivered", dwell.ShippedToDelivered),
		zap.Duration("tick", s.tick),
	)
	return false
}

// Disable stops the loop and waits for it to exit. It reports whether the
// loop was running.
func (s *Scheduler) Disable() bool {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return false
	}
	wasRunning := s.runningLocked()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done

	s.lg.Info("Lifecycle scheduler disabled")
	return wasRunning
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Scheduler) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		// Parent context was cancelled.
		return false
	default:
		return true
	}
}

// Dwell returns the thresholds of the current or last run.
func (s *Scheduler) Dwell() order.Dwell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dwell
}

// LastScan returns when the last scan finished.
func (s *Scheduler) LastScan() time.Time {
	return time.Unix(0, s.lastScan.Load())
}

// CheckHeartbeat fails when the loop is enabled but has not finished a scan
// within three ticks.
func (s *Scheduler) CheckHeartbeat(_ context.Context) error {
	if !s.Running() {
		return nil
	}
	if age := s.now().Sub(s.LastScan()); age > 3*s.tick {
		return errors.Errorf("last lifecycle scan %s ago", age.Truncate(time.Millisecond))
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, dwell order.Dwell, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx, dwell)
		}
	}
}

// scan runs one AdvanceDue. Stopping the loop does not cancel a scan in
// progress, so transitions made in memory still reach storage.
func (s *Scheduler) scan(ctx context.Context, dwell order.Dwell) {
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	transitions, err := s.ledger.AdvanceDue(ctx, s.now(), dwell)
	s.scanSeconds.Record(ctx, time.Since(start).Seconds())
	s.lastScan.Store(s.now().UnixNano())

	for _, t := range transitions {
		s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", t.To.String())))
	}
	if err != nil {
		// The in-memory transitions stand; the next changing scan saves
		// them again.
		s.lg.Error("Lifecycle scan persist failed",
			zap.Int("transitions", len(transitions)),
			zap.Error(err),
		)
	}
}
