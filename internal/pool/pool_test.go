package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromefleet/internal/clock"
	"chromefleet/internal/config"
	"chromefleet/internal/driver"
	"chromefleet/internal/launch"
	"chromefleet/internal/profile"
	"chromefleet/internal/reclaim"
)

type fakeDriver struct {
	handles []string
	mu      sync.Mutex
}

func (f *fakeDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return nil
}
func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error)      { return "about:blank", nil }
func (f *fakeDriver) CurrentTitle(ctx context.Context) (string, error)    { return "", nil }
func (f *fakeDriver) PageSource(ctx context.Context) (string, error)      { return "", nil }
func (f *fakeDriver) WindowHandles(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handles == nil {
		return []string{"h1"}, nil
	}
	return f.handles, nil
}
func (f *fakeDriver) CurrentWindowHandle(ctx context.Context) (string, error) { return "h1", nil }
func (f *fakeDriver) SwitchToWindow(ctx context.Context, handle string) error { return nil }
func (f *fakeDriver) OpenNewWindow(ctx context.Context) (string, error)       { return "h2", nil }
func (f *fakeDriver) CloseWindow(ctx context.Context, handle string) error    { return nil }
func (f *fakeDriver) GetCookies(ctx context.Context) ([]driver.Cookie, error) { return nil, nil }
func (f *fakeDriver) AddCookie(ctx context.Context, c driver.Cookie) error    { return nil }
func (f *fakeDriver) DeleteAllCookies(ctx context.Context) error              { return nil }
func (f *fakeDriver) ExecuteScript(ctx context.Context, src string, args ...any) (any, error) {
	return nil, nil
}
func (f *fakeDriver) AddStartupScript(ctx context.Context, src string) error { return nil }
func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error)         { return nil, nil }
func (f *fakeDriver) Quit(ctx context.Context) error                        { return nil }

type fakeFactory struct {
	mu       sync.Mutex
	builtN   int
	failNext bool
}

func (f *fakeFactory) New(ctx context.Context, args driver.LaunchArgs) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("disk full")
	}
	f.builtN++
	return &fakeDriver{}, nil
}

func testPool(t *testing.T, cfg config.Pool) (*Pool, *clock.Fake) {
	t.Helper()
	reg := profile.New(t.TempDir())
	// Profiles the tests acquire by name must already exist: the Launch
	// Options Builder resolves them through Registry.GetDir, which fails on
	// an unknown name.
	for _, name := range []string{"a", "p"} {
		_, err := reg.Create(name, "")
		require.NoError(t, err)
	}
	builder := launch.NewBuilder(config.Browser{}, reg, reclaim.New())
	fk := clock.NewFake(time.Now())
	p := New(cfg, config.Browser{}, builder, &fakeFactory{}, fk, prometheus.NewRegistry())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, fk
}

func TestAcquireReleaseReusesSameWorker(t *testing.T) {
	p, _ := testPool(t, config.Pool{Min: 0, Max: 2, Warm: 0})

	w1, err := p.Acquire(context.Background(), launch.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Release(w1.ID))

	w2, err := p.Acquire(context.Background(), launch.Options{})
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)
}

func TestAcquireSpawnsUpToMaxThenExhausts(t *testing.T) {
	p, _ := testPool(t, config.Pool{Min: 0, Max: 1, Warm: 0})

	w1, err := p.Acquire(context.Background(), launch.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, launch.Options{})
	require.Error(t, err)

	require.NoError(t, p.Release(w1.ID))
}

// TestAcquireServesWaitersFIFO grounds scenario S7: two callers block on an
// exhausted pool, and the one that asked first must be served first.
func TestAcquireServesWaitersFIFO(t *testing.T) {
	p, _ := testPool(t, config.Pool{Min: 0, Max: 1, Warm: 0})

	w1, err := p.Acquire(context.Background(), launch.Options{})
	require.NoError(t, err)

	order := make(chan int, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := p.Acquire(context.Background(), launch.Options{})
		require.NoError(t, err)
		order <- 1
	}()
	time.Sleep(20 * time.Millisecond) // ensure waiter 1 enqueues first
	go func() {
		defer wg.Done()
		_, err := p.Acquire(context.Background(), launch.Options{})
		require.NoError(t, err)
		order <- 2
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Release(w1.ID))
	first := <-order

	assert.Equal(t, 1, first)
	wg.Wait()
}

func TestAcquirePrefersMatchingProfile(t *testing.T) {
	p, _ := testPool(t, config.Pool{Min: 0, Max: 2, Warm: 0})

	wA, err := p.Acquire(context.Background(), launch.Options{Profile: "a"})
	require.NoError(t, err)
	require.NoError(t, p.Release(wA.ID))

	wB, err := p.Acquire(context.Background(), launch.Options{Profile: ""})
	require.NoError(t, err)
	assert.NotEqual(t, wA.ID, wB.ID)
}

func TestHibernationAfterIdleDelay(t *testing.T) {
	p, fk := testPool(t, config.Pool{Min: 0, Max: 2, Warm: 0, HibernationDelaySecond: 60, HealthIntervalSeconds: 10})

	w, err := p.Acquire(context.Background(), launch.Options{Profile: "p"})
	require.NoError(t, err)
	require.NoError(t, p.Release(w.ID))

	fk.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)

	fk.Advance(60 * time.Second)
	time.Sleep(20 * time.Millisecond)
	stats = p.Stats()
	assert.Equal(t, 1, stats.Hibernating)

	w2, err := p.Acquire(context.Background(), launch.Options{Profile: "p"})
	require.NoError(t, err)
	assert.Equal(t, w.ID, w2.ID)
}

func TestWarmTopUpMaintainsReserve(t *testing.T) {
	p, fk := testPool(t, config.Pool{Min: 0, Max: 3, Warm: 2, HealthIntervalSeconds: 5})

	fk.Advance(5 * time.Second)
	time.Sleep(30 * time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Total)
}

func TestShutdownTerminatesAllWorkers(t *testing.T) {
	reg := profile.New(t.TempDir())
	builder := launch.NewBuilder(config.Browser{}, reg, reclaim.New())
	fk := clock.NewFake(time.Now())
	p := New(config.Pool{Min: 0, Max: 2, Warm: 0}, config.Browser{}, builder, &fakeFactory{}, fk, prometheus.NewRegistry())
	require.NoError(t, p.Start(context.Background()))

	w, err := p.Acquire(context.Background(), launch.Options{})
	require.NoError(t, err)
	_ = w

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 0, p.Stats().Total)
}
