// Package reader implements the polymorphic Reader abstraction: the three
// concrete variants (FileReader, ArtifactReader, TranscodeReader) that the
// Reader Factory hands out to callers of open(virtual_path).
package reader

import (
	"sync/atomic"
	"syscall"

	"transcodefs/internal/artifact"
	"transcodefs/internal/fileindex"
)

// Reader is the capability set every variant implements: positional read,
// a size query that can optionally wait for completion, and an optional
// completed-artifact handoff. Implementations are represented as a tagged
// variant rather than through deep inheritance.
type Reader interface {
	// Read copies into buf starting at offset. It returns the number of
	// bytes written (zero at or past the end) and a non-nil error only
	// on failure; failures are syscall.Errno values, except that
	// FileReader wraps I/O errors without an errno in common.ErrIO.
	Read(buf []byte, offset int64) (int, error)

	// Size reports the artifact's length. If wait is true and the
	// Reader is still producing, Size blocks until production ends.
	Size(wait bool) int64

	// GetImage returns the completed Artifact and transfers ownership
	// to the caller, or (nil, false) if the Reader has none (production
	// still running, or it is a FileReader/ArtifactReader, or it has
	// already been taken once).
	GetImage() (*artifact.Artifact, bool)

	// FileIndex identifies the source file this Reader serves.
	FileIndex() fileindex.FileIndex

	// Retain increments the sharer count.
	Retain()

	// Release decrements the sharer count and reports whether it
	// reached zero.
	Release() (zero bool)

	// Sharers reports the current sharer count.
	Sharers() int64

	// Close releases any OS resources (file descriptors, background
	// goroutines) the Reader holds. Called by the Reader Factory exactly
	// once, after the sharer count has reached zero.
	Close() error
}

// RefCount implements the sharer-count bookkeeping shared by all three
// Reader variants. Invariant: sharers >= 0 always; a Reader with
// sharers == 0 is eligible for destruction by the Factory.
type RefCount struct {
	n int64
}

// NewRefCount returns a RefCount starting at one sharer, matching "created
// on first open" (the opener is the first sharer).
func NewRefCount() RefCount { return RefCount{n: 1} }

func (r *RefCount) Retain() {
	atomic.AddInt64(&r.n, 1)
}

func (r *RefCount) Release() bool {
	return atomic.AddInt64(&r.n, -1) == 0
}

func (r *RefCount) Sharers() int64 {
	return atomic.LoadInt64(&r.n)
}

// ErrInvalidOffset and ErrNoBuilder are the two errno values the Reader
// contract names explicitly.
var (
	ErrInvalidOffset = syscall.EINVAL
	ErrNoBuilder     = syscall.EIO
)
