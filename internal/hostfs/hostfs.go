// Package hostfs implements the host filesystem collaborator: handlers
// that delegate to the Reader Factory, the Transcode Mapping, and the
// walk/ignore filter, exposed over two host protocols (FUSE via
// internal/hostfs/fuse.go, NFS via internal/hostfs/nfs.go) that both wrap
// the same core in this file.
package hostfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"transcodefs/internal/cache"
	"transcodefs/internal/common"
	"transcodefs/internal/factory"
	"transcodefs/internal/reader"
	"transcodefs/internal/transcode"
	"transcodefs/internal/walk"
)

// attrCacheTTL bounds how stale a cached getattr result may be while a
// translated file is still growing under an in-flight transcode.
const attrCacheTTL = 2 * time.Second

// Core holds everything both host bindings need: the Reader Factory for
// open/read/release/stat, the Transcode Mapping for readdir's name
// translation and read-ahead triggering, and an optional ignore filter
// (the `ignore=PATTERN` option) that exempts matching paths from
// read-ahead.
type Core struct {
	Base    string
	Factory *factory.Factory
	Mapping *transcode.Mapping
	Filter  *walk.Filter
	Log     log.FieldLogger

	attrCache *cache.AttrCache
}

// New constructs a Core. logger may be nil.
func New(base string, f *factory.Factory, mapping *transcode.Mapping, filter *walk.Filter, logger log.FieldLogger) *Core {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Core{
		Base:      base,
		Factory:   f,
		Mapping:   mapping,
		Filter:    filter,
		Log:       logger,
		attrCache: cache.NewAttrCache(attrCacheTTL, 4096),
	}
}

func (c *Core) resolve(virtualPath string) string {
	return filepath.Join(c.Base, common.NormalizePath(virtualPath))
}

// Getattr implements the getattr(path) handler: Reader Factory stat,
// fronted by a short-TTL attribute cache so FUSE/NFS's frequent repeat
// getattr calls for the same path don't each re-resolve the Transcode
// Mapping and re-stat the base directory.
func (c *Core) Getattr(virtualPath string) (cache.Attrs, error) {
	if attrs, ok := c.attrCache.Get(virtualPath); ok {
		return attrs, nil
	}
	attrs, err := c.Factory.Stat(virtualPath)
	if err != nil {
		return attrs, err
	}
	c.attrCache.Set(virtualPath, attrs)
	return attrs, nil
}

// Opendir implements the opendir(path) handler: open a directory fd under
// base. An empty sub-path reopens the base directory by path rather than
// duplicating any already-open fd, so its seek offset is never shared with
// another reader of the same directory.
func (c *Core) Opendir(virtualPath string) (*os.File, error) {
	return os.Open(c.resolve(virtualPath))
}

// DirEntry is one translated readdir result: Name is what the host should
// present to its caller, IsDir reports whether it is a directory.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Readdir implements the readdir(dir, cb) handler: for every entry in dir,
// translate its name via the Transcode Mapping's target_from; if
// translated, trigger read_ahead(path); then invoke cb with the translated
// name. dirVirtualPath is the virtual path the directory fd was opened
// from, needed to reconstruct each child's virtual path for read-ahead and
// for the ignore filter.
func (c *Core) Readdir(dir *os.File, dirVirtualPath string, cb func(DirEntry)) error {
	infos, err := dir.Readdir(-1)
	if err != nil {
		return err
	}
	for _, info := range infos {
		name := info.Name()
		entryVirtualPath := common.JoinPath(dirVirtualPath, name)

		translated := name
		if !info.IsDir() {
			if targetName, _, ok := c.Mapping.TargetFrom(name); ok {
				translated = targetName
				if c.Filter == nil || !c.Filter.Excludes(entryVirtualPath) {
					c.Factory.ReadAhead(entryVirtualPath)
					c.attrCache.InvalidatePath(common.JoinPath(dirVirtualPath, translated))
				}
			}
		}
		cb(DirEntry{Name: translated, IsDir: info.IsDir()})
	}
	return nil
}

// Releasedir implements the releasedir(dir) handler: close the directory
// fd. dir.Close() is always reached here regardless of what the caller
// does with Readdir's result, so a failed readdir never leaks the fd.
func (c *Core) Releasedir(dir *os.File) error {
	return dir.Close()
}

// Open implements the open(path) handler: Reader Factory open, returning
// an opaque handle.
func (c *Core) Open(virtualPath string) (reader.Reader, error) {
	return c.Factory.Open(virtualPath)
}

// Read implements the read(handle, buf, size, offset) handler.
func (c *Core) Read(r reader.Reader, buf []byte, offset int64) (int, error) {
	return r.Read(buf, offset)
}

// Release implements the release(handle) handler.
func (c *Core) Release(r reader.Reader) error {
	return c.Factory.Release(r)
}

// ToErrno maps the sentinel errors in internal/common (plus the stdlib
// errors the Reader Factory's os.Stat/os.Open calls can surface) to the
// syscall.Errno values the host protocols expect; a syscall.Errno passes
// through unchanged. Reader.Read returns syscall.Errno for most failures,
// but FileReader wraps other I/O errors in common.ErrIO, so the FUSE
// binding also consults this for Read and Release failures.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, common.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, common.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, common.ErrInvalidPath):
		return syscall.EINVAL
	case errors.Is(err, common.ErrInvalidHandle):
		return syscall.EBADF
	case errors.Is(err, common.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, common.ErrNoRule), errors.Is(err, common.ErrPipelineUnavailable), errors.Is(err, common.ErrIO):
		return syscall.EIO
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}
