package hostfs

import (
	"io"
	"os"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"transcodefs/internal/cache"
	"transcodefs/internal/common"
	"transcodefs/internal/reader"
)

// BillyAdapter adapts Core to billy.Filesystem, the interface
// willscott/go-nfs's helpers expect. The mounted tree is read-only, so
// every mutating method returns ErrReadOnly rather than attempting
// anything against the Reader Factory.
type BillyAdapter struct {
	core *Core
}

// NewBillyAdapter adapts core to billy.Filesystem for serving over NFS.
func NewBillyAdapter(core *Core) *BillyAdapter {
	return &BillyAdapter{core: core}
}

var _ billy.Filesystem = (*BillyAdapter)(nil)

func (b *BillyAdapter) Create(filename string) (billy.File, error) { return nil, common.ErrReadOnly }

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, common.ErrReadOnly
	}
	r, err := b.core.Open(filename)
	if err != nil {
		return nil, err
	}
	return &billyFile{core: b.core, reader: r, name: filename}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	attrs, err := b.core.Getattr(filename)
	if err != nil {
		return nil, err
	}
	return &billyFileInfo{name: common.BaseName(filename), attrs: attrs}, nil
}

// Lstat and Stat are identical: the Reader Factory does not distinguish
// symlinks at the virtual-tree level.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	dir, err := b.core.Opendir(dirname)
	if err != nil {
		return nil, err
	}
	defer b.core.Releasedir(dir)

	var result []os.FileInfo
	err = b.core.Readdir(dir, dirname, func(e DirEntry) {
		attrs, statErr := b.core.Getattr(common.JoinPath(dirname, e.Name))
		if statErr != nil {
			return
		}
		result = append(result, &billyFileInfo{name: e.Name, attrs: attrs})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *BillyAdapter) Join(elem ...string) string { return common.JoinPath(elem...) }

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error { return common.ErrReadOnly }
func (b *BillyAdapter) Rename(oldpath, newpath string) error             { return common.ErrReadOnly }
func (b *BillyAdapter) Remove(filename string) error                     { return common.ErrReadOnly }
func (b *BillyAdapter) Symlink(target, link string) error                { return common.ErrReadOnly }

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return "", common.ErrReadOnly
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, common.ErrReadOnly
}

func (b *BillyAdapter) Chroot(p string) (billy.Filesystem, error) {
	return nil, common.ErrReadOnly
}

func (b *BillyAdapter) Root() string { return "/" }

func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error         { return common.ErrReadOnly }
func (b *BillyAdapter) Lchown(name string, uid, gid int) error            { return common.ErrReadOnly }
func (b *BillyAdapter) Chown(name string, uid, gid int) error             { return common.ErrReadOnly }
func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error { return common.ErrReadOnly }

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

// billyFile adapts reader.Reader to billy.File. Writes and truncation are
// rejected outright, Lock and Unlock are no-ops; offset tracking for the Read/Write
// billy.File contract is local to each billyFile instance.
type billyFile struct {
	core   *Core
	reader reader.Reader
	name   string
	offset int64
}

var _ billy.File = (*billyFile)(nil)

func (f *billyFile) Name() string { return f.name }

func (f *billyFile) Write(p []byte) (int, error) { return 0, common.ErrReadOnly }

func (f *billyFile) Read(p []byte) (int, error) {
	n, err := f.reader.Read(p, f.offset)
	if err != nil {
		return n, err
	}
	f.offset += int64(n)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *billyFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.reader.Read(p, off)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *billyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0: // io.SeekStart
		f.offset = offset
	case 1: // io.SeekCurrent
		f.offset += offset
	case 2: // io.SeekEnd
		f.offset = f.reader.Size(true) + offset
	}
	return f.offset, nil
}

func (f *billyFile) Close() error { return f.core.Release(f.reader) }

func (f *billyFile) Lock() error   { return nil }
func (f *billyFile) Unlock() error { return nil }

func (f *billyFile) Truncate(size int64) error { return common.ErrReadOnly }

// billyFileInfo adapts cache.Attrs to os.FileInfo.
type billyFileInfo struct {
	name  string
	attrs cache.Attrs
}

var _ os.FileInfo = (*billyFileInfo)(nil)

func (fi *billyFileInfo) Name() string {
	return fi.name
}

func (fi *billyFileInfo) Size() int64 {
	return fi.attrs.Size
}

func (fi *billyFileInfo) Mode() os.FileMode {
	return modeFromAttrsFileMode(fi.attrs)
}

func (fi *billyFileInfo) ModTime() time.Time {
	return fi.attrs.ModTime
}

func (fi *billyFileInfo) IsDir() bool {
	return fi.attrs.IsDir
}

func (fi *billyFileInfo) Sys() interface{} {
	return nil
}

func modeFromAttrsFileMode(attrs cache.Attrs) os.FileMode {
	perm := os.FileMode(attrs.Mode) & os.ModePerm
	if perm == 0 {
		perm = 0o444
	}
	if attrs.IsDir {
		return os.ModeDir | perm
	}
	return perm
}
