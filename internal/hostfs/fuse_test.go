package hostfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fuseAvailable skips the test when /dev/fuse is not accessible, matching
// how every FUSE-mounting test in this tree guards itself.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func testFuseMount(t *testing.T, base string) (mountpoint string) {
	t.Helper()
	fuseAvailable(t)

	mountpoint = filepath.Join(t.TempDir(), "mnt")
	core := newTestCore(t, base)

	server, err := MountFUSE(FuseOptions{Mountpoint: mountpoint, Core: core})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = server.Unmount()
		server.Wait()
	})

	return mountpoint
}

func TestFuseMountPassthroughRead(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "hello.txt"), []byte("hello, fuse"), 0o644))

	mountpoint := testFuseMount(t, base)

	got, err := os.ReadFile(filepath.Join(mountpoint, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello, fuse", string(got))
}

func TestFuseMountDirListing(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(base, "sub"), 0o755))

	mountpoint := testFuseMount(t, base)

	entries, err := os.ReadDir(mountpoint)
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	require.True(t, names["a.txt"])
	require.True(t, names["b.txt"])
	require.True(t, names["sub"])
}

func TestFuseMountNotFound(t *testing.T) {
	base := t.TempDir()
	mountpoint := testFuseMount(t, base)

	_, err := os.ReadFile(filepath.Join(mountpoint, "missing.txt"))
	require.Error(t, err)
}

func TestFuseMountWriteRejected(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "ro.txt"), []byte("x"), 0o644))
	mountpoint := testFuseMount(t, base)

	err := os.WriteFile(filepath.Join(mountpoint, "ro.txt"), []byte("y"), 0o644)
	require.Error(t, err)
}
