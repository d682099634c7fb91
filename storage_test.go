package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHashTree is the minimal HashTree a test needs: it records the size it
// was told, and reports it back so Storage.ReadAt can recognize end-of-stream.
type fakeHashTree struct {
	size int64
}

func (h *fakeHashTree) SetSize(total int64) { h.size = total }
func (h *fakeHashTree) Size() int64         { return h.size }

// buildManifest returns a complete manifest file body: a self-describing
// "MultifilePathname <N>\n" header followed by entries, where N is the
// header-plus-entries byte length. N is found by fixed point on its own
// digit count, since the header's length depends on how many digits N has.
func buildManifest(entries string) string {
	for digits := 1; digits < 8; digits++ {
		headerLen := len(MultifilePathname) + 1 + digits + 1
		n := headerLen + len(entries)
		if len(strconv.Itoa(n)) == digits {
			return MultifilePathname + " " + strconv.Itoa(n) + "\n" + entries
		}
	}
	panic("buildManifest: no fixed point found")
}

func TestClientSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")

	s, err := New(path, dir, &fakeHashTree{}, LiveWindowAll, "")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StateInit, s.State())

	n, err := s.WriteAt([]byte("abcd"), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, StateSingleFile, s.State())

	buf := make([]byte, 4)
	n, err = s.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcd", string(buf))

	assert.EqualValues(t, -1, s.GetSizeFromSpec())
}

func TestClientMultiFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")
	destdir := filepath.Join(dir, "files")
	ht := &fakeHashTree{}

	s, err := New(path, destdir, ht, LiveWindowAll, "")
	require.NoError(t, err)
	defer s.Close()

	spec := buildManifest("a.txt 3\nb.txt 2\n")
	manifestSize := int64(len(spec))

	// chunk 0 carries the manifest marker plus the full manifest body.
	n, err := s.WriteAt([]byte(spec), 0)
	require.NoError(t, err)
	assert.Equal(t, len(spec), n)

	assert.Equal(t, StateMultiFileComplete, s.State())
	require.Len(t, s.Files(), 3)
	assert.EqualValues(t, 0, s.Files()[0].Start())
	assert.EqualValues(t, manifestSize, s.Files()[1].Start())
	assert.EqualValues(t, manifestSize+3, s.Files()[2].Start())
	assert.EqualValues(t, manifestSize+5, s.GetSizeFromSpec())
	assert.EqualValues(t, manifestSize+5, ht.Size())

	n, err = s.WriteAt([]byte("XYZab"), manifestSize)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err := os.ReadFile(filepath.Join(destdir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "XYZ", string(got))

	got, err = os.ReadFile(filepath.Join(destdir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got))
}

func TestSeedingExistingManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")
	destdir := filepath.Join(dir, "files")

	spec := buildManifest("a.txt 3\nb.txt 2\n")
	require.NoError(t, os.WriteFile(path, []byte(spec), filePerm))

	s, err := New(path, destdir, &fakeHashTree{}, LiveWindowAll, "")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StateMultiFileComplete, s.State())
	assert.EqualValues(t, len(spec)+5, s.GetSizeFromSpec())
}

func TestLiveRingWrapAroundWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live")

	s, err := New(path, dir, &fakeHashTree{}, 1024, "")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StateSingleLiveWrap, s.State())

	_, err = s.WriteAt([]byte("Z"), 2048)
	require.NoError(t, err)

	buf := make([]byte, 1)
	n, err := s.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "Z", string(buf))

	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	n, err = s.WriteAt(payload, 600)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)

	tail := make([]byte, 424)
	_, err = s.ReadAt(tail, 600)
	require.NoError(t, err)
	assert.Equal(t, payload[:424], tail)

	wrapped := make([]byte, 1076)
	_, err = s.ReadAt(wrapped, 1024)
	require.NoError(t, err)
	assert.Equal(t, payload[424:1500], wrapped)
}

func TestUnsafeManifestPathMarksBroken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")
	destdir := filepath.Join(dir, "files")

	spec := buildManifest("../etc/passwd 10\n")

	s, err := New(path, destdir, &fakeHashTree{}, LiveWindowAll, "")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.WriteAt([]byte(spec), 0)
	assert.Error(t, err)
	assert.False(t, s.IsOperational())

	_, statErr := os.Stat(destdir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeferredResizeAppliedOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")

	s, err := New(path, dir, &fakeHashTree{}, LiveWindowAll, "")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.ResizeReserved(1<<20))

	_, err = s.WriteAt([]byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, StateSingleFile, s.State())

	assert.EqualValues(t, 1<<20, s.GetReservedSize())
}

func TestAllocCallbackFiresOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")

	s, err := New(path, dir, &fakeHashTree{}, LiveWindowAll, "")
	require.NoError(t, err)
	defer s.Close()

	fired := 0
	s.SetAllocCallback(func() { fired++ })

	require.NoError(t, s.ResizeReserved(100))
	require.NoError(t, s.ResizeReserved(200))
	assert.Equal(t, 1, fired)
}

func TestReadDuringInitIsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")

	s, err := New(path, dir, &fakeHashTree{}, LiveWindowAll, "")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadAt(make([]byte, 1), 0)
	assert.Error(t, err)
}

func TestBrokenStorageRejectsFurtherOperations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")

	s, err := New(path, dir, &fakeHashTree{}, LiveWindowAll, "")
	require.NoError(t, err)
	defer s.Close()

	s.SetBroken()
	_, err = s.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, ErrBroken)
	_, err = s.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrBroken)
}

func TestWriteAcrossFileBoundaries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content")
	destdir := filepath.Join(dir, "files")

	spec := buildManifest("a.txt 3\nb.txt 3\nc.txt 3\n")
	ht := &fakeHashTree{}

	s, err := New(path, destdir, ht, LiveWindowAll, "")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.WriteAt([]byte(spec), 0)
	require.NoError(t, err)

	// total = manifest(len(spec_decl)) + 3*3; write spanning a.txt,b.txt,c.txt fully
	specLen := s.Files()[0].Size()
	n, err := s.WriteAt([]byte("AAABBBCCC"), specLen)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		got, err := os.ReadFile(filepath.Join(destdir, name))
		require.NoError(t, err)
		assert.Equal(t, "AAABBBCCC"[i*3:i*3+3], string(got))
	}
}
