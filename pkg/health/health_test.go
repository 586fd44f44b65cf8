package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing() CheckFunc {
	return func(context.Context) error { return nil }
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func probeAt(t *testing.T, r *Registry, i int) *probe {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()
	require.Greater(t, len(r.probes), i)
	return r.probes[i]
}

func serve(t *testing.T, h http.HandlerFunc) (int, statusResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		runs     int
		wantCode int
	}{
		{name: "never run", runs: 0, wantCode: http.StatusOK},
		{name: "below failure threshold", runs: 2, wantCode: http.StatusOK},
		{name: "at failure threshold", runs: 3, wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			r.Register(Liveness, "ok", passing())
			r.Register(Liveness, "storage", failing("disk gone"))

			p := probeAt(t, r, 1)
			for range tt.runs {
				p.run(context.Background())
			}

			code, body := serve(t, r.LiveEndpoint)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "ok", body.Status)
				return
			}
			assert.Equal(t, "unhealthy", body.Status)
			assert.Equal(t, map[string]string{"storage": "disk gone"}, body.Checks)
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	r := New()
	r.Register(Readiness, "storage", passing())
	r.Register(Liveness, "sick", failing("ignored by readiness"), WithThresholds(1, 1))
	probeAt(t, r, 1).run(context.Background())

	code, body := serve(t, r.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready until SetReady")
	assert.Contains(t, body.Checks, "_readiness")

	r.SetReady(true)
	code, body = serve(t, r.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, r.Ready())
	assert.False(t, r.Live())

	r.SetReady(false)
	assert.False(t, r.Ready())
}

func TestProbe_Thresholds(t *testing.T) {
	down := true
	r := New()
	r.Register(Liveness, "flaky", func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2), WithTimeout(time.Second))
	p := probeAt(t, r, 0)
	ctx := context.Background()

	assert.NoError(t, p.err())

	p.run(ctx)
	assert.True(t, p.healthy.Load())
	p.run(ctx)
	assert.False(t, p.healthy.Load())
	assert.EqualError(t, p.err(), "down")

	down = false
	p.run(ctx)
	assert.False(t, p.healthy.Load(), "one pass is below the success threshold")
	p.run(ctx)
	assert.True(t, p.healthy.Load())
}

func TestProbe_Timeout(t *testing.T) {
	r := New()
	r.Register(Readiness, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(10*time.Millisecond), WithThresholds(1, 1))

	p := probeAt(t, r, 0)
	p.run(context.Background())
	require.ErrorIs(t, p.err(), context.DeadlineExceeded)
	assert.False(t, p.healthy.Load())
}

func TestRegistry_StartStop(t *testing.T) {
	r := New()
	r.Register(Liveness, "goroutines", GoroutineCountCheck(100000))
	r.Register(Readiness, "sick", failing("nope"), WithThresholds(1, 1))
	r.SetReady(true)

	r.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.Ready() }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Live())

	r.Stop()
	r.Stop()
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	r := New()
	r.Register(Liveness, "a", failing("err"))
	r.Register(Readiness, "b", passing())
	r.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, time.Millisecond)
	defer r.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				r.Ready()
				w := httptest.NewRecorder()
				r.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
			}
		}()
	}
	wg.Wait()
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, GoroutineCountCheck(100000)(ctx))
	assert.ErrorContains(t, GoroutineCountCheck(0)(ctx), "exceeds threshold")

	assert.NoError(t, PingCheck(fakePinger{})(ctx))
	assert.Error(t, PingCheck(fakePinger{err: errors.New("refused")})(ctx))

	dir := t.TempDir()
	assert.NoError(t, DirWritableCheck(dir)(ctx))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")
	assert.Error(t, DirWritableCheck(filepath.Join(dir, "missing"))(ctx))
}
