package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetDir(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	d, err := r.Create("alice", "alice's profile")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "alice"), d)

	_, err = r.Create("alice", "")
	require.Error(t, err)

	got, err := r.GetDir("alice")
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestGetDirUnknownFails(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.GetDir("nope")
	require.Error(t, err)
}

func TestLazyInitializationInvariant(t *testing.T) {
	dir := t.TempDir()
	r1 := New(dir)
	_, err := r1.Create("bob", "")
	require.NoError(t, err)

	// A freshly constructed Registry over the same directory must see
	// the on-disk catalog on its very first read, not claim empty.
	r2 := New(dir)
	list, err := r2.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Name)
}

func TestCopyClonesMetadata(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	_, err := r.Create("src", "original")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "marker.txt"), []byte("x"), 0o644))

	dstDir, err := r.Copy("src", "dst")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dstDir, "marker.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	list, err := r.List()
	require.NoError(t, err)
	var dstInfo *Info
	for i := range list {
		if list[i].Name == "dst" {
			dstInfo = &list[i]
		}
	}
	require.NotNil(t, dstInfo)
	assert.Equal(t, "Copy of src", dstInfo.Description)
}

func TestDeleteUnknownReturnsFalse(t *testing.T) {
	r := New(t.TempDir())
	ok, err := r.Delete("ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAtomicWritesSurviveReload(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	for _, name := range []string{"a", "b", "c"} {
		_, err := r.Create(name, "")
		require.NoError(t, err)
	}
	// No .tmp file should be left behind after a successful save.
	_, err := os.Stat(filepath.Join(dir, catalogFile+".tmp"))
	assert.True(t, os.IsNotExist(err))

	r2 := New(dir)
	list, err := r2.List()
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
