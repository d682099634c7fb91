package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStorageFileCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	ospath := filepath.Join(dir, "a", "b", "c.txt")

	sf, err := newStorageFile("a/b/c.txt", 10, 5, ospath)
	require.NoError(t, err)
	defer sf.close()

	info, err := os.Stat(filepath.Dir(ospath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.EqualValues(t, 10, sf.Start())
	assert.EqualValues(t, 14, sf.End())
	assert.EqualValues(t, 5, sf.Size())
}

func TestNewStorageFileSpecEntryNeedsNoDirs(t *testing.T) {
	dir := t.TempDir()
	ospath := filepath.Join(dir, MultifilePathname)

	sf, err := newStorageFile(MultifilePathname, 0, 56, ospath)
	require.NoError(t, err)
	defer sf.close()

	assert.EqualValues(t, 0, sf.Start())
	assert.EqualValues(t, 55, sf.End())
}

func TestStorageFileReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sf, err := newStorageFile("f", 100, 10, filepath.Join(dir, "f"))
	require.NoError(t, err)
	defer sf.close()

	n, err := sf.writeAt([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = sf.readAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestStorageFileResizeReserved(t *testing.T) {
	dir := t.TempDir()
	sf, err := newStorageFile("f", 0, 1024, filepath.Join(dir, "f"))
	require.NoError(t, err)
	defer sf.close()

	require.NoError(t, sf.resizeReserved())

	n, err := sf.reservedSize()
	require.NoError(t, err)
	assert.EqualValues(t, 1024, n)
}

func TestMakeParentDirsFailsOnNonDirPrefix(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), filePerm))

	err := makeParentDirs(filepath.Join(blocker, "child", "file.txt"))
	assert.Error(t, err)
}
