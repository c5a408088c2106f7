package fleet

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromefleet/internal/clock"
	"chromefleet/internal/config"
	"chromefleet/internal/driver"
	"chromefleet/internal/ferrors"
	"chromefleet/internal/launch"
	"chromefleet/internal/pool"
	"chromefleet/internal/profile"
	"chromefleet/internal/reclaim"
	"chromefleet/internal/session"
	"chromefleet/internal/validator"
)

type fakeDriver struct {
	mu      sync.Mutex
	cookies []driver.Cookie
}

func (f *fakeDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return nil
}
func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error)   { return "https://example.com/", nil }
func (f *fakeDriver) CurrentTitle(ctx context.Context) (string, error) { return "Example", nil }
func (f *fakeDriver) PageSource(ctx context.Context) (string, error)   { return "", nil }
func (f *fakeDriver) WindowHandles(ctx context.Context) ([]string, error) {
	return []string{"h1"}, nil
}
func (f *fakeDriver) CurrentWindowHandle(ctx context.Context) (string, error) { return "h1", nil }
func (f *fakeDriver) SwitchToWindow(ctx context.Context, handle string) error { return nil }
func (f *fakeDriver) OpenNewWindow(ctx context.Context) (string, error)       { return "h2", nil }
func (f *fakeDriver) CloseWindow(ctx context.Context, handle string) error    { return nil }
func (f *fakeDriver) GetCookies(ctx context.Context) ([]driver.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookies, nil
}
func (f *fakeDriver) AddCookie(ctx context.Context, c driver.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies, c)
	return nil
}
func (f *fakeDriver) DeleteAllCookies(ctx context.Context) error { return nil }
func (f *fakeDriver) ExecuteScript(ctx context.Context, src string, args ...any) (any, error) {
	return nil, nil
}
func (f *fakeDriver) AddStartupScript(ctx context.Context, src string) error { return nil }
func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error)         { return nil, nil }
func (f *fakeDriver) Quit(ctx context.Context) error                        { return nil }

type fakeFactory struct{}

func (f *fakeFactory) New(ctx context.Context, args driver.LaunchArgs) (driver.Driver, error) {
	return &fakeDriver{}, nil
}

// newTestValidator builds a Validator over a throwaway pattern file,
// defaulting to an empty deny-list when patternsYAML is "".
func newTestValidator(t *testing.T, patternsYAML string) *validator.Validator {
	t.Helper()
	if patternsYAML == "" {
		patternsYAML = "patterns: []\n"
	}
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(patternsYAML), 0o644))
	v := validator.New(path, false)
	require.NoError(t, v.Load())
	return v
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Pool.Min = 0
	cfg.Pool.Max = 2
	cfg.Pool.Warm = 0

	profiles := profile.New(t.TempDir())
	sessions := session.New(t.TempDir())
	builder := launch.NewBuilder(cfg.Browser, profiles, reclaim.New())
	factory := &fakeFactory{}
	p := pool.New(cfg.Pool, cfg.Browser, builder, factory, clock.NewFake(time.Now()), prometheus.NewRegistry())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	return New(cfg, profiles, sessions, p, builder, factory, newTestValidator(t, ""))
}

func TestGetOrCreateStandalone(t *testing.T) {
	m := testManager(t)
	inst, err := m.GetOrCreate(context.Background(), launch.Options{}, false)
	require.NoError(t, err)

	got, ok := m.Get(inst.ID)
	require.True(t, ok)
	assert.Equal(t, inst.ID, got.ID)

	list := m.List()
	require.Len(t, list, 1)
	assert.False(t, list[0].Pooled)
}

func TestGetOrCreatePooled(t *testing.T) {
	m := testManager(t)
	inst, err := m.GetOrCreate(context.Background(), launch.Options{}, true)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Pooled)
	assert.Equal(t, inst.ID, list[0].ID)
}

func TestTerminateStandalone(t *testing.T) {
	m := testManager(t)
	inst, err := m.GetOrCreate(context.Background(), launch.Options{}, false)
	require.NoError(t, err)

	ok, err := m.Terminate(context.Background(), inst.ID, false)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found := m.Get(inst.ID)
	assert.False(t, found)
}

func TestTerminatePooledReturnToPoolVsKill(t *testing.T) {
	m := testManager(t)
	inst, err := m.GetOrCreate(context.Background(), launch.Options{}, true)
	require.NoError(t, err)

	ok, err := m.Terminate(context.Background(), inst.ID, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, m.pool.Stats().Idle, "release must return the worker to Idle, not kill it")

	inst2, err := m.GetOrCreate(context.Background(), launch.Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, inst2.ID)

	ok, err = m.Terminate(context.Background(), inst2.ID, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, m.pool.Stats().Total, "terminate without returnToPool must kill the worker")
}

func TestSaveAndRestoreSessionRoundTrip(t *testing.T) {
	m := testManager(t)
	inst, err := m.GetOrCreate(context.Background(), launch.Options{}, false)
	require.NoError(t, err)

	id, err := m.SaveSession(context.Background(), inst.ID, "mysession")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	restored, err := m.RestoreSession(context.Background(), id, nil, nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, restored.ID)

	list, err := m.ListSessions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mysession", list[0].Name)

	ok, err := m.DeleteSession(id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveSessionUnknownInstanceFails(t *testing.T) {
	m := testManager(t)
	_, err := m.SaveSession(context.Background(), "nonexistent", "")
	assert.Error(t, err)
}

func TestProfileWiring(t *testing.T) {
	m := testManager(t)
	_, err := m.CreateProfile("work", "work profile")
	require.NoError(t, err)

	list, err := m.ListProfiles()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "work", list[0].Name)

	ok, err := m.DeleteProfile("work")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCurrentInstanceStickySelection(t *testing.T) {
	m := testManager(t)
	_, ok := m.CurrentInstance("client-a")
	assert.False(t, ok)

	m.SetCurrent("client-a", "inst-123")
	id, ok := m.CurrentInstance("client-a")
	require.True(t, ok)
	assert.Equal(t, "inst-123", id)
}

func TestExecuteScriptAllowsCleanScript(t *testing.T) {
	m := testManager(t)
	inst, err := m.GetOrCreate(context.Background(), launch.Options{}, false)
	require.NoError(t, err)

	_, err = m.ExecuteScript(context.Background(), inst.ID, "document.title")
	assert.NoError(t, err)
}

func TestExecuteScriptBlocksForbiddenPattern(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.Min = 0
	cfg.Pool.Max = 2
	cfg.Pool.Warm = 0

	profiles := profile.New(t.TempDir())
	sessions := session.New(t.TempDir())
	builder := launch.NewBuilder(cfg.Browser, profiles, reclaim.New())
	factory := &fakeFactory{}
	p := pool.New(cfg.Pool, cfg.Browser, builder, factory, clock.NewFake(time.Now()), prometheus.NewRegistry())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	sv := newTestValidator(t, `
patterns:
  - name: fs_read
    pattern: 'fs\.readFile'
    reason: no filesystem access from submitted scripts
    severity: error
`)
	m := New(cfg, profiles, sessions, p, builder, factory, sv)

	inst, err := m.GetOrCreate(context.Background(), launch.Options{}, false)
	require.NoError(t, err)

	_, err = m.ExecuteScript(context.Background(), inst.ID, `fs.readFile("/etc/passwd")`)
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.KindScriptForbidden))
}

func TestExecuteScriptUnknownInstanceFails(t *testing.T) {
	m := testManager(t)
	_, err := m.ExecuteScript(context.Background(), "nonexistent", "document.title")
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.KindInstanceNotFound))
}
