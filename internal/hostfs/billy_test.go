package hostfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcodefs/internal/common"
)

func TestBillyAdapterStatAndReadDir(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(base, "sub"), 0o755))

	fs := NewBillyAdapter(newTestCore(t, base))

	info, err := fs.Stat("a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
	assert.False(t, info.IsDir())

	entries, err := fs.ReadDir("")
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	assert.True(t, names["a.txt"])
	assert.True(t, names["sub"])
}

func TestBillyAdapterOpenAndRead(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("0123456789"), 0o644))

	fs := NewBillyAdapter(newTestCore(t, base))

	f, err := fs.Open("a.txt")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 5)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "01234", string(buf))

	n, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "56789", string(buf))

	_, err = f.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestBillyAdapterSeek(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("0123456789"), 0o644))

	fs := NewBillyAdapter(newTestCore(t, base))
	f, err := fs.Open("a.txt")
	require.NoError(t, err)
	defer f.Close()

	off, err := f.Seek(5, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(5), off)

	buf := make([]byte, 3)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "567", string(buf))
}

func TestBillyAdapterMutationsRejected(t *testing.T) {
	base := t.TempDir()
	fs := NewBillyAdapter(newTestCore(t, base))

	_, err := fs.Create("new.txt")
	assert.ErrorIs(t, err, common.ErrReadOnly)

	err = fs.MkdirAll("sub", 0o755)
	assert.ErrorIs(t, err, common.ErrReadOnly)

	err = fs.Remove("a.txt")
	assert.ErrorIs(t, err, common.ErrReadOnly)

	err = fs.Rename("a.txt", "b.txt")
	assert.ErrorIs(t, err, common.ErrReadOnly)

	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("x"), 0o644))
	f, err := fs.Open("a.txt")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("y"))
	assert.ErrorIs(t, err, common.ErrReadOnly)

	err = f.Truncate(0)
	assert.ErrorIs(t, err, common.ErrReadOnly)
}

func TestBillyAdapterCapabilitiesAreReadOnly(t *testing.T) {
	fs := NewBillyAdapter(newTestCore(t, t.TempDir()))
	caps := fs.Capabilities()
	assert.NotZero(t, caps&billy.ReadCapability)
	assert.Zero(t, caps&billy.WriteCapability)
}
