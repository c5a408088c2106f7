package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromefleet/internal/config"
	"chromefleet/internal/driver"
	"chromefleet/internal/launch"
	"chromefleet/internal/profile"
	"chromefleet/internal/reclaim"
)

type fakeDriver struct {
	url      string
	quitErr  error
	quitCalls int
	probeErr error
}

func (f *fakeDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	f.url = url
	return nil
}
func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return f.url, f.probeErr }
func (f *fakeDriver) CurrentTitle(ctx context.Context) (string, error) { return "", nil }
func (f *fakeDriver) PageSource(ctx context.Context) (string, error) { return "", nil }
func (f *fakeDriver) WindowHandles(ctx context.Context) ([]string, error) { return []string{"h1"}, nil }
func (f *fakeDriver) CurrentWindowHandle(ctx context.Context) (string, error) { return "h1", nil }
func (f *fakeDriver) SwitchToWindow(ctx context.Context, handle string) error { return nil }
func (f *fakeDriver) OpenNewWindow(ctx context.Context) (string, error) { return "h2", nil }
func (f *fakeDriver) CloseWindow(ctx context.Context, handle string) error { return nil }
func (f *fakeDriver) GetCookies(ctx context.Context) ([]driver.Cookie, error) { return nil, nil }
func (f *fakeDriver) AddCookie(ctx context.Context, c driver.Cookie) error { return nil }
func (f *fakeDriver) DeleteAllCookies(ctx context.Context) error { return nil }
func (f *fakeDriver) ExecuteScript(ctx context.Context, src string, args ...any) (any, error) { return nil, nil }
func (f *fakeDriver) AddStartupScript(ctx context.Context, src string) error { return nil }
func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeDriver) Quit(ctx context.Context) error { f.quitCalls++; return f.quitErr }

type fakeFactory struct {
	failTimes int
	err       error
	built     *fakeDriver
}

func (f *fakeFactory) New(ctx context.Context, args driver.LaunchArgs) (driver.Driver, error) {
	if f.failTimes > 0 {
		f.failTimes--
		return nil, f.err
	}
	f.built = &fakeDriver{}
	return f.built, nil
}

func testBuilder(t *testing.T) *launch.Builder {
	t.Helper()
	reg := profile.New(t.TempDir())
	return launch.NewBuilder(config.Browser{}, reg, reclaim.New())
}

func TestLaunchSucceeds(t *testing.T) {
	b := testBuilder(t)
	f := &fakeFactory{}
	inst, err := Launch(context.Background(), b, f, config.Browser{}, launch.Options{Headless: true})
	require.NoError(t, err)
	assert.Equal(t, StateReady, inst.State())
}

func TestLaunchRetriesTransientFailures(t *testing.T) {
	b := testBuilder(t)
	f := &fakeFactory{failTimes: 2, err: errors.New("chrome not reachable")}
	inst, err := Launch(context.Background(), b, f, config.Browser{}, launch.Options{})
	require.NoError(t, err)
	assert.Equal(t, StateReady, inst.State())
}

func TestLaunchFailsImmediatelyOnNonTransientError(t *testing.T) {
	b := testBuilder(t)
	f := &fakeFactory{failTimes: 5, err: errors.New("disk full")}
	_, err := Launch(context.Background(), b, f, config.Browser{}, launch.Options{})
	require.Error(t, err)
}

func TestProbeFailureTransitionsToError(t *testing.T) {
	b := testBuilder(t)
	f := &fakeFactory{}
	inst, err := Launch(context.Background(), b, f, config.Browser{}, launch.Options{})
	require.NoError(t, err)

	f.built.probeErr = errors.New("boom")
	err = inst.Probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, inst.State())
}

func TestQuitIsIdempotent(t *testing.T) {
	b := testBuilder(t)
	f := &fakeFactory{}
	inst, err := Launch(context.Background(), b, f, config.Browser{}, launch.Options{})
	require.NoError(t, err)

	require.NoError(t, inst.Quit(context.Background()))
	require.NoError(t, inst.Quit(context.Background()))
	assert.Equal(t, 1, f.built.quitCalls)
	assert.Equal(t, StateClosed, inst.State())
}

func TestQuitReleasesResourcesEvenIfDriverQuitFails(t *testing.T) {
	b := testBuilder(t)
	f := &fakeFactory{}
	inst, err := Launch(context.Background(), b, f, config.Browser{}, launch.Options{})
	require.NoError(t, err)
	f.built.quitErr = errors.New("driver quit failed")

	err = inst.Quit(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, inst.State())
}
