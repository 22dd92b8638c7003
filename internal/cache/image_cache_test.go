package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcodefs/internal/artifact"
	"transcodefs/internal/fileindex"
)

func fi(n uint64) fileindex.FileIndex {
	return fileindex.FileIndex{Device: 1, Inode: n, Mtime: int64(n)}
}

func TestImageCacheAddAndOpenFromMemory(t *testing.T) {
	c := NewImageCache(Limits{}, "", nil)
	c.Add(fi(1), artifact.FromBytes([]byte("hello")))

	r, ok := c.Open(fi(1))
	require.True(t, ok)
	defer r.Close()

	buf := make([]byte, 5)
	n, err := r.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestImageCacheOpenUnknownReturnsFalse(t *testing.T) {
	c := NewImageCache(Limits{}, "", nil)
	_, ok := c.Open(fi(99))
	assert.False(t, ok)
}

func TestImageCacheCullsOverCountLimit(t *testing.T) {
	c := NewImageCache(Limits{Count: 1}, "", nil)
	c.Add(fi(1), artifact.FromBytes([]byte("a")))
	c.Add(fi(2), artifact.FromBytes([]byte("b")))

	_, ok1 := c.Open(fi(1))
	_, ok2 := c.Open(fi(2))
	assert.False(t, ok1, "oldest entry should have been culled once the count limit was exceeded")
	assert.True(t, ok2)
}

func TestImageCacheLiveUsesProtectsFromEviction(t *testing.T) {
	c := NewImageCache(Limits{Count: 1}, "", nil)
	c.Add(fi(1), artifact.FromBytes([]byte("a")))

	held, ok := c.Open(fi(1))
	require.True(t, ok)

	c.Add(fi(2), artifact.FromBytes([]byte("b")))

	_, ok1 := c.SizeOf(fi(1))
	assert.True(t, ok1, "entry with live_uses > 0 must survive a cull pass")

	require.NoError(t, held.Close())
}

func TestImageCachePersistsEvictedArtifactAndOpensSpillFile(t *testing.T) {
	dir := t.TempDir()
	c := NewImageCache(Limits{Count: 1}, dir, nil)
	c.Add(fi(1), artifact.FromBytes([]byte("spilled")))
	c.Add(fi(2), artifact.FromBytes([]byte("resident")))

	path := filepath.Join(dir, fi(1).String())
	_, err := os.Stat(path)
	require.NoError(t, err, "evicted entry should have been spilled to disk")

	r, ok := c.Open(fi(1))
	require.True(t, ok)
	defer r.Close()

	buf := make([]byte, 7)
	n, err := r.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "spilled", string(buf[:n]))
}

func TestImageCacheSizeOfReportsResidentAndSpilled(t *testing.T) {
	dir := t.TempDir()
	c := NewImageCache(Limits{}, dir, nil)
	c.Add(fi(1), artifact.FromBytes([]byte("12345")))

	size, ok := c.SizeOf(fi(1))
	require.True(t, ok)
	assert.EqualValues(t, 5, size)

	_, ok = c.SizeOf(fi(2))
	assert.False(t, ok)
}

func TestImageCacheCullsByAge(t *testing.T) {
	c := NewImageCache(Limits{Time: time.Millisecond}, "", nil)
	c.Add(fi(1), artifact.FromBytes([]byte("a")))
	time.Sleep(10 * time.Millisecond)
	c.Add(fi(2), artifact.FromBytes([]byte("b")))

	_, ok := c.Open(fi(1))
	assert.False(t, ok, "an entry idle past the time limit should be culled on the next add")
}

func TestImageCacheShutdownPersistsRemainingEntries(t *testing.T) {
	dir := t.TempDir()
	c := NewImageCache(Limits{}, dir, nil)
	c.Add(fi(1), artifact.FromBytes([]byte("final")))

	c.Shutdown()

	_, err := os.Stat(filepath.Join(dir, fi(1).String()))
	assert.NoError(t, err)
}

func TestImageCacheReconcileRemovesOrphanedSpillFiles(t *testing.T) {
	base := t.TempDir()
	persist := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(base, "live.flac"), []byte("x"), 0o644))
	liveIndex, _, err := fileindex.ProbePath(filepath.Join(base, "live.flac"))
	require.NoError(t, err)

	liveSpill := filepath.Join(persist, liveIndex.String())
	orphanSpill := filepath.Join(persist, fileindex.FileIndex{Device: 9, Inode: 9, Mtime: 9}.String())
	require.NoError(t, os.WriteFile(liveSpill, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(orphanSpill, []byte("b"), 0o644))

	c := NewImageCache(Limits{}, persist, nil)
	require.NoError(t, c.Reconcile(base, nil))

	_, err = os.Stat(liveSpill)
	assert.NoError(t, err, "live spill file must survive reconciliation")
	_, err = os.Stat(orphanSpill)
	assert.True(t, os.IsNotExist(err), "orphaned spill file must be removed")
}
