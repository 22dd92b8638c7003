package reader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"transcodefs/internal/artifact"
	"transcodefs/internal/common"
	"transcodefs/internal/fileindex"
)

// FileReader reads positionally from an owned file descriptor. Used for
// base-directory files with no transcode rule, and for spill files served
// by the Image Cache when an artifact has been evicted to disk.
type FileReader struct {
	RefCount
	fi   fileindex.FileIndex
	file *os.File
	size int64
}

var _ Reader = (*FileReader)(nil)

// NewFileReader takes ownership of file; size is fixed at construction
// since the underlying file is static for the lifetime of the Reader.
func NewFileReader(fi fileindex.FileIndex, file *os.File, size int64) *FileReader {
	return &FileReader{RefCount: NewRefCount(), fi: fi, file: file, size: size}
}

func (f *FileReader) Read(buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, ErrInvalidOffset
	}
	n, err := f.file.ReadAt(buf, offset)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return n, errno
	}
	return n, fmt.Errorf("%w: %v", common.ErrIO, err)
}

// Size is immediate: the underlying file does not grow.
func (f *FileReader) Size(wait bool) int64 {
	return f.size
}

// GetImage always returns none: a FileReader never owns a completed
// Artifact.
func (f *FileReader) GetImage() (*artifact.Artifact, bool) {
	return nil, false
}

func (f *FileReader) FileIndex() fileindex.FileIndex {
	return f.fi
}

func (f *FileReader) Close() error {
	return f.file.Close()
}
