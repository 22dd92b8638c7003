package hostfs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"transcodefs/internal/cache"
	"transcodefs/internal/reader"
)

// FuseOptions configures the FUSE mount.
type FuseOptions struct {
	Mountpoint string
	Core       *Core

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool
}

// MountFUSE mounts the transcoding filesystem at options.Mountpoint. The
// caller must call Unmount (or Server.Unmount) on the returned server when
// done.
func MountFUSE(options FuseOptions) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("hostfs: mountpoint is required")
	}
	if options.Core == nil {
		return nil, fmt.Errorf("hostfs: core is required")
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("hostfs: creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &fuseNode{core: options.Core, virtualPath: ""}

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "transcodefs",
			Name:       "transcodefs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("hostfs: mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Core.Log.WithField("mountpoint", options.Mountpoint).Info("hostfs: FUSE filesystem mounted")
	return server, nil
}

// fuseNode is the single Inode type used for every path in the tree: the
// underlying filesystem shape is not known in advance (it mirrors
// whatever the base directory contains, with transcoded extensions
// substituted in), so there is no separate root/leaf node split the way a
// fixed two-level tree would have.
type fuseNode struct {
	gofuse.Inode
	core        *Core
	virtualPath string
}

var (
	_ gofuse.InodeEmbedder = (*fuseNode)(nil)
	_ gofuse.NodeLookuper  = (*fuseNode)(nil)
	_ gofuse.NodeReaddirer = (*fuseNode)(nil)
	_ gofuse.NodeGetattrer = (*fuseNode)(nil)
	_ gofuse.NodeOpener    = (*fuseNode)(nil)
	_ gofuse.NodeReader    = (*fuseNode)(nil)
)

func (n *fuseNode) childPath(name string) string {
	if n.virtualPath == "" {
		return name
	}
	return n.virtualPath + "/" + name
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childVirtual := n.childPath(name)
	attrs, err := n.core.Getattr(childVirtual)
	if err != nil {
		return nil, ToErrno(err)
	}

	fillEntryOut(out, attrs)

	mode := uint32(syscall.S_IFREG)
	if attrs.IsDir {
		mode = syscall.S_IFDIR
	}
	child := n.NewInode(ctx, &fuseNode{core: n.core, virtualPath: childVirtual}, gofuse.StableAttr{Mode: mode})
	return child, 0
}

func (n *fuseNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attrs, err := n.core.Getattr(n.virtualPath)
	if err != nil {
		return ToErrno(err)
	}
	fillAttrOut(out, attrs)
	return 0
}

// Readdir implements opendir+readdir+releasedir as one call: go-fuse's
// high-level API has no separate opendir/releasedir hooks for a
// NodeReaddirer, so this method opens the directory fd (opendir),
// translates and reports every entry while triggering read-ahead
// (readdir), and returns a DirStream whose Close always closes that fd
// (releasedir) regardless of how iteration ends, so a failed readdir never
// leaks the fd.
func (n *fuseNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	dir, err := n.core.Opendir(n.virtualPath)
	if err != nil {
		return nil, ToErrno(err)
	}

	var entries []fuse.DirEntry
	readErr := n.core.Readdir(dir, n.virtualPath, func(e DirEntry) {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: mode})
	})
	if readErr != nil {
		n.core.Releasedir(dir)
		return nil, ToErrno(readErr)
	}

	return &dirStream{dir: dir, core: n.core, entries: entries}, 0
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	r, err := n.core.Open(n.virtualPath)
	if err != nil {
		return nil, 0, ToErrno(err)
	}
	return &fuseFileHandle{core: n.core, reader: r}, 0, 0
}

func (n *fuseNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fuseFileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return fh.Read(ctx, dest, off)
}

// dirStream implements gofuse.DirStream over the entries Readdir already
// translated, closing the directory fd on Close. Entries are gathered
// eagerly rather than streamed lazily because readdir's name translation
// must happen alongside read-ahead triggering in a single pass over the
// real directory, matching the core Readdir contract.
type dirStream struct {
	dir     *os.File
	core    *Core
	entries []fuse.DirEntry
	index   int
	closed  bool
}

func (s *dirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	e := s.entries[s.index]
	s.index++
	return e, 0
}

func (s *dirStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.core.Releasedir(s.dir)
}

// fuseFileHandle adapts a reader.Reader to gofuse.FileHandle, implementing
// the read(handle,...) and release(handle) parts of the host operation
// table.
type fuseFileHandle struct {
	core   *Core
	reader reader.Reader
}

var (
	_ gofuse.FileReader   = (*fuseFileHandle)(nil)
	_ gofuse.FileReleaser = (*fuseFileHandle)(nil)
)

func (f *fuseFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.reader.Read(dest, off)
	if err != nil {
		errno, ok := err.(syscall.Errno)
		if !ok {
			errno = ToErrno(err)
		}
		return nil, errno
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fuseFileHandle) Release(ctx context.Context) syscall.Errno {
	if err := f.core.Release(f.reader); err != nil {
		return ToErrno(err)
	}
	return 0
}

func fillAttrOut(out *fuse.AttrOut, attrs cache.Attrs) {
	out.Mode = modeFromAttrs(attrs)
	out.Size = uint64(attrs.Size)
	out.Mtime = uint64(attrs.ModTime.Unix())
	out.Blocks = (out.Size + 511) / 512
}

func fillEntryOut(out *fuse.EntryOut, attrs cache.Attrs) {
	out.Mode = modeFromAttrs(attrs)
	out.Size = uint64(attrs.Size)
	out.Mtime = uint64(attrs.ModTime.Unix())
}

func modeFromAttrs(attrs cache.Attrs) uint32 {
	perm := attrs.Mode & 0o777
	if perm == 0 {
		perm = 0o444
	}
	if attrs.IsDir {
		return syscall.S_IFDIR | perm
	}
	return syscall.S_IFREG | perm
}
