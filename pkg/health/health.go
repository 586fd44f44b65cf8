// Package health runs liveness and readiness probes in the background and
// serves their state over HTTP.
//
// A probe flips to unhealthy only after failureThreshold consecutive failed
// runs and back to healthy after successThreshold consecutive passes, so a
// single slow run of a storage check does not fail the pod.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind selects which endpoint a probe contributes to.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

const (
	defaultTimeout          = time.Second
	defaultFailureThreshold = 3
	defaultSuccessThreshold = 1
)

// Option configures a single probe.
type Option func(*probe)

// WithTimeout bounds one run of the probe.
func WithTimeout(d time.Duration) Option {
	return func(p *probe) { p.timeout = d }
}

// WithThresholds overrides the consecutive failure and success counts that
// flip the probe state. Non-positive values keep the defaults.
func WithThresholds(failures, successes int) Option {
	return func(p *probe) {
		if failures > 0 {
			p.failureThreshold = failures
		}
		if successes > 0 {
			p.successThreshold = successes
		}
	}
}

// probe is run from exactly one goroutine. healthy and lastErr are read
// concurrently by HTTP handlers; the counters are owned by the runner.
type probe struct {
	name             string
	kind             Kind
	timeout          time.Duration
	check            CheckFunc
	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func (p *probe) err() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	p.lastErr.Store(&err)

	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.failureThreshold {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	p.oks++
	if p.oks >= p.successThreshold {
		p.healthy.Store(true)
	}
}

// Registry holds the probes of one process. It starts not ready.
type Registry struct {
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register adds a probe. Probes start healthy. Register before Start.
func (r *Registry) Register(kind Kind, name string, check CheckFunc, opts ...Option) {
	p := &probe{
		name:             name,
		kind:             kind,
		timeout:          defaultTimeout,
		check:            check,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.healthy.Store(true)

	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// Start runs every probe immediately and then once per interval until Stop
// or ctx cancellation.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	probes := append([]*probe(nil), r.probes...)
	r.mu.Unlock()

	for _, p := range probes {
		go runProbe(ctx, p, interval)
	}
}

func runProbe(ctx context.Context, p *probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

// Stop cancels the probe goroutines. It is idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// SetReady marks the process ready (after startup) or not ready (on
// shutdown, to drain).
func (r *Registry) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Failures returns the failing probes of kind, keyed by name. Readiness also
// reports the manual flag under "_readiness".
func (r *Registry) Failures(kind Kind) map[string]string {
	r.mu.RLock()
	probes := append([]*probe(nil), r.probes...)
	r.mu.RUnlock()

	failures := make(map[string]string)
	for _, p := range probes {
		if p.kind != kind || p.healthy.Load() {
			continue
		}
		if err := p.err(); err != nil {
			failures[p.name] = err.Error()
		} else {
			failures[p.name] = "check is unhealthy"
		}
	}
	if kind == Readiness && !r.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	return failures
}

// Live reports whether every liveness probe passes.
func (r *Registry) Live() bool { return len(r.Failures(Liveness)) == 0 }

// Ready reports whether the process is marked ready and every readiness
// probe passes.
func (r *Registry) Ready() bool { return len(r.Failures(Readiness)) == 0 }

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez.
func (r *Registry) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, r.Failures(Liveness))
}

// ReadyEndpoint serves /readyz.
func (r *Registry) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, r.Failures(Readiness))
}

func writeStatus(w http.ResponseWriter, failures map[string]string) {
	resp := statusResponse{Status: "ok"}
	code := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unhealthy"
		resp.Checks = failures
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
