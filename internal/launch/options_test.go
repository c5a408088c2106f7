package launch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromefleet/internal/config"
	"chromefleet/internal/profile"
	"chromefleet/internal/reclaim"
)

func newTestBuilder(t *testing.T) (*Builder, *profile.Registry) {
	t.Helper()
	profilesDir := t.TempDir()
	reg := profile.New(profilesDir)
	b := NewBuilder(config.Browser{}, reg, reclaim.New())
	return b, reg
}

func TestBuildWithoutProfileUsesTempDir(t *testing.T) {
	b, _ := newTestBuilder(t)
	plan, release, err := b.Build(Options{Headless: true})
	require.NoError(t, err)
	defer release()

	assert.DirExists(t, plan.UserDataDir)
	assert.Contains(t, filepath.Base(plan.UserDataDir), "chrome_temp_")
	assert.Positive(t, plan.DebugPort)
}

func TestBuildWithEmptyProfileUsesTempDir(t *testing.T) {
	b, reg := newTestBuilder(t)
	_, err := reg.Create("p1", "")
	require.NoError(t, err)

	plan, release, err := b.Build(Options{Profile: "p1"})
	require.NoError(t, err)
	defer release()

	assert.Contains(t, filepath.Base(plan.UserDataDir), "chrome_temp_")
}

func TestBuildWithNonEmptyProfileCopiesTree(t *testing.T) {
	b, reg := newTestBuilder(t)
	dir, err := reg.Create("p2", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Preferences"), []byte("{}"), 0o644))

	plan, release, err := b.Build(Options{Profile: "p2"})
	require.NoError(t, err)
	defer release()

	assert.Contains(t, filepath.Base(plan.UserDataDir), "chrome_profile_p2_")
	data, err := os.ReadFile(filepath.Join(plan.UserDataDir, "Preferences"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

// TestConcurrentProfileAcquisitionGetsDistinctDirs is the Go-level
// grounding for scenario S4: two launches against the same profile must
// never share a live user-data directory.
func TestConcurrentProfileAcquisitionGetsDistinctDirs(t *testing.T) {
	b, reg := newTestBuilder(t)
	dir, err := reg.Create("shared", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Preferences"), []byte("{}"), 0o644))

	plan1, release1, err := b.Build(Options{Profile: "shared"})
	require.NoError(t, err)
	defer release1()
	plan2, release2, err := b.Build(Options{Profile: "shared"})
	require.NoError(t, err)
	defer release2()

	assert.NotEqual(t, plan1.UserDataDir, plan2.UserDataDir)
	assert.NotEqual(t, plan1.DebugPort, plan2.DebugPort)
}

func TestSecurityPresetsAreDisjoint(t *testing.T) {
	strict := securityArgs(config.SecurityStrict)
	permissive := securityArgs(config.SecurityPermissive)
	assert.NotContains(t, strict, "ignore-certificate-errors")
	assert.Contains(t, permissive, "ignore-certificate-errors")
}

func TestAntiDetectAttachesStartupScript(t *testing.T) {
	b, _ := newTestBuilder(t)
	plan, release, err := b.Build(Options{AntiDetect: true})
	require.NoError(t, err)
	defer release()
	assert.NotEmpty(t, plan.AntiDetectStartupScript)
	assert.Contains(t, plan.Args, "disable-blink-features=AutomationControlled")
}

func TestReleaseRemovesTempDirAndPort(t *testing.T) {
	b, _ := newTestBuilder(t)
	plan, release, err := b.Build(Options{})
	require.NoError(t, err)
	dir := plan.UserDataDir
	port := plan.DebugPort

	release()
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	b.ports.mu.Lock()
	_, stillAllocated := b.ports.inUse[port]
	b.ports.mu.Unlock()
	assert.False(t, stillAllocated)
}
