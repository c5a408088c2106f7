package validator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromefleet/internal/ferrors"
)

func writePatterns(t *testing.T, dir string, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

const samplePatterns = `
patterns:
  - name: fs_read
    pattern: 'fs\.readFile'
    reason: no filesystem access
    severity: error
    category: filesystem
  - name: fetch_call
    pattern: 'fetch\('
    reason: no out-of-page network calls
    severity: warning
    category: network
`

func TestValidateMatchesBothSeverities(t *testing.T) {
	path := writePatterns(t, t.TempDir(), samplePatterns)
	v := New(path, false)
	require.NoError(t, v.Load())

	matches := v.Validate(`fs.readFile("/etc/passwd"); fetch("https://evil.example")`)
	require.Len(t, matches, 2)
}

func TestValidateOrRaiseFailsOnErrorSeverity(t *testing.T) {
	path := writePatterns(t, t.TempDir(), samplePatterns)
	v := New(path, false)
	require.NoError(t, v.Load())

	err := v.ValidateOrRaise(`fs.readFile("/etc/passwd")`)
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.KindScriptForbidden))
}

func TestValidateOrRaiseLogsWarningWithoutFailing(t *testing.T) {
	path := writePatterns(t, t.TempDir(), samplePatterns)
	v := New(path, false)
	require.NoError(t, v.Load())

	err := v.ValidateOrRaise(`fetch("https://example.com")`)
	assert.NoError(t, err)
}

func TestValidateOrRaisePromotesWarningsWhenConfigured(t *testing.T) {
	path := writePatterns(t, t.TempDir(), samplePatterns)
	v := New(path, true)
	require.NoError(t, v.Load())

	err := v.ValidateOrRaise(`fetch("https://example.com")`)
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.KindScriptForbidden))
}

func TestValidateCleanScriptHasNoMatches(t *testing.T) {
	path := writePatterns(t, t.TempDir(), samplePatterns)
	v := New(path, false)
	require.NoError(t, v.Load())

	assert.Empty(t, v.Validate(`document.querySelector("a").click()`))
}

func TestWatchHotReloadsPatternFile(t *testing.T) {
	dir := t.TempDir()
	path := writePatterns(t, dir, samplePatterns)
	v := New(path, false)
	v.debounceDelay = 20 * time.Millisecond
	require.NoError(t, v.Load())
	defer v.Close()

	require.NoError(t, v.Watch(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`
patterns:
  - name: fs_read
    pattern: 'fs\.readFile'
    reason: no filesystem access
    severity: error
    category: filesystem
  - name: alert_call
    pattern: 'alert\('
    reason: no blocking dialogs
    severity: error
    category: ux
`), 0o644))

	require.Eventually(t, func() bool {
		return len(v.Validate(`alert("hi")`)) == 1
	}, time.Second, 10*time.Millisecond, "pattern file change must be picked up")
}
