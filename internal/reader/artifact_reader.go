package reader

import (
	"transcodefs/internal/artifact"
	"transcodefs/internal/fileindex"
)

// ArtifactReader serves reads from a shared-owned completed Artifact.
// Ownership stays with the Image Cache; onRelease is invoked exactly once,
// when the last sharer of this Reader releases it, so the cache can drop
// its live-uses hold.
type ArtifactReader struct {
	RefCount
	fi         fileindex.FileIndex
	image      *artifact.Artifact
	onRelease  func()
}

var _ Reader = (*ArtifactReader)(nil)

// NewArtifactReader wraps image for reading. onRelease may be nil.
func NewArtifactReader(fi fileindex.FileIndex, image *artifact.Artifact, onRelease func()) *ArtifactReader {
	return &ArtifactReader{RefCount: NewRefCount(), fi: fi, image: image, onRelease: onRelease}
}

func (a *ArtifactReader) Read(buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, ErrInvalidOffset
	}
	return a.image.ReadAt(buf, offset), nil
}

// Size is immediate: the Artifact is already frozen.
func (a *ArtifactReader) Size(wait bool) int64 {
	return a.image.Len()
}

// GetImage always returns none: ownership stays with the Image Cache.
func (a *ArtifactReader) GetImage() (*artifact.Artifact, bool) {
	return nil, false
}

func (a *ArtifactReader) FileIndex() fileindex.FileIndex {
	return a.fi
}

func (a *ArtifactReader) Close() error {
	if a.onRelease != nil {
		a.onRelease()
	}
	return nil
}
