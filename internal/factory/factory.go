// Package factory implements the Reader Factory: the central coordinator
// that maps a virtual path to a Reader, deduplicating by FileIndex,
// ref-counting sharers, driving speculative read-ahead, and harvesting
// completed artifacts into the Image Cache on the last release.
package factory

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"transcodefs/internal/cache"
	"transcodefs/internal/common"
	"transcodefs/internal/cwd"
	"transcodefs/internal/fileindex"
	"transcodefs/internal/pipeline"
	"transcodefs/internal/reader"
	"transcodefs/internal/transcode"
)

// Options configures a Factory.
type Options struct {
	Base           string
	ReadAheadLimit int
	TrueSize       bool
}

// Factory is the Reader Factory. At most one Reader is ever active per
// FileIndex; a Reader in the map always has Sharers() >= 1.
type Factory struct {
	base           string
	readAheadLimit int
	trueSize       bool

	mapping         *transcode.Mapping
	cache           *cache.ImageCache
	pipelineFactory pipeline.Factory
	cwdLock         *cwd.Lock
	log             log.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	readers         map[fileindex.FileIndex]reader.Reader
	readAheadActive int
	closed          bool

	releaseQueue chan reader.Reader
	queueDone    chan struct{}
}

// New constructs a Factory and starts its read-ahead release worker.
func New(opts Options, mapping *transcode.Mapping, imageCache *cache.ImageCache, pipelineFactory pipeline.Factory, cwdLock *cwd.Lock, logger log.FieldLogger) *Factory {
	if logger == nil {
		logger = log.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Factory{
		base:            opts.Base,
		readAheadLimit:  opts.ReadAheadLimit,
		trueSize:        opts.TrueSize,
		mapping:         mapping,
		cache:           imageCache,
		pipelineFactory: pipelineFactory,
		cwdLock:         cwdLock,
		log:             logger,
		ctx:             ctx,
		cancel:          cancel,
		readers:         make(map[fileindex.FileIndex]reader.Reader),
		releaseQueue:    make(chan reader.Reader, 64),
		queueDone:       make(chan struct{}),
	}
	go f.runReleaseWorker()
	return f
}

func (f *Factory) resolve(relPath string) string {
	return filepath.Join(f.base, relPath)
}

// Open implements the open(virtual_path) sequence: resolve the source
// path, dedupe against any already-open or cached Reader for the same
// file identity, and otherwise construct a fresh one.
func (f *Factory) Open(virtualPath string) (reader.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	absVirtual := f.resolve(virtualPath)
	if info, err := os.Stat(absVirtual); err == nil && info.IsDir() {
		return nil, common.ErrIsDir
	}

	sourcePath := virtualPath
	var element transcode.Element
	rewritten := false
	if resolved, el, ok := f.mapping.SourceFrom(virtualPath); ok {
		sourcePath, element, rewritten = resolved, el, true
	}

	absSource := f.resolve(sourcePath)
	srcFile, err := os.Open(absSource)
	if err != nil {
		return nil, common.ErrNotFound
	}

	fi, info, err := fileindex.Probe(srcFile)
	if err != nil {
		srcFile.Close()
		return nil, err
	}

	if existing, ok := f.readers[fi]; ok {
		srcFile.Close()
		existing.Retain()
		return existing, nil
	}

	if cached, ok := f.cache.Open(fi); ok {
		srcFile.Close()
		f.readers[fi] = cached
		return cached, nil
	}

	var r reader.Reader
	if !rewritten {
		// FileReader takes ownership of srcFile; do not close it here.
		r = reader.NewFileReader(fi, srcFile, info.Size())
	} else {
		granted := f.readAheadActive < f.readAheadLimit
		tr := reader.New(f.ctx, fi, int(srcFile.Fd()), element.PipelineSpec, f.pipelineFactory, f.cwdLock, f.log, f.makeDoneCallback(granted))
		srcFile.Close()
		if granted {
			f.readAheadActive++
			tr.Retain()
		}
		r = tr
	}

	f.readers[fi] = r
	return r, nil
}

// ReadAhead implements read_ahead(virtual_path): sourcePath is the
// base-directory (source-extension) path a directory listing just
// translated via the Transcode Mapping.
func (f *Factory) ReadAhead(sourcePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readAheadActive >= f.readAheadLimit {
		return
	}
	_, element, ok := f.mapping.TargetFrom(sourcePath)
	if !ok {
		return
	}

	absSource := f.resolve(sourcePath)
	srcFile, err := os.Open(absSource)
	if err != nil {
		return
	}
	defer srcFile.Close()

	fi, _, err := fileindex.Probe(srcFile)
	if err != nil {
		return
	}
	if _, exists := f.readers[fi]; exists {
		return
	}
	if _, ok := f.cache.SizeOf(fi); ok {
		return
	}

	tr := reader.New(f.ctx, fi, int(srcFile.Fd()), element.PipelineSpec, f.pipelineFactory, f.cwdLock, f.log, f.makeDoneCallback(true))
	f.readAheadActive++
	f.readers[fi] = tr
}

// Release implements release(reader): decrements sharers, and on the last
// release harvests a completed artifact into the Image Cache before
// destroying the Reader.
func (f *Factory) Release(r reader.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseLocked(r)
}

func (f *Factory) releaseLocked(r reader.Reader) error {
	if !r.Release() {
		return nil
	}
	if img, ok := r.GetImage(); ok {
		f.cache.Add(r.FileIndex(), img)
	}
	delete(f.readers, r.FileIndex())
	return r.Close()
}

// Stat implements stat(virtual_path, out_stat).
func (f *Factory) Stat(virtualPath string) (cache.Attrs, error) {
	if virtualPath == "" {
		info, err := os.Stat(f.base)
		if err != nil {
			return cache.Attrs{}, err
		}
		return attrsFromInfo(info), nil
	}

	f.mu.Lock()

	absVirtual := f.resolve(virtualPath)
	info, statErr := os.Stat(absVirtual)
	if statErr == nil && info.IsDir() {
		f.mu.Unlock()
		return attrsFromInfo(info), nil
	}

	sourcePath := virtualPath
	var element transcode.Element
	rewritten := false
	if resolved, el, ok := f.mapping.SourceFrom(virtualPath); ok {
		sourcePath, element, rewritten = resolved, el, true
	}
	if !rewritten {
		f.mu.Unlock()
		if statErr != nil {
			return cache.Attrs{}, statErr
		}
		return attrsFromInfo(info), nil
	}

	absSource := f.resolve(sourcePath)
	sourceInfo, err := os.Stat(absSource)
	if err != nil {
		f.mu.Unlock()
		return cache.Attrs{}, err
	}
	attrs := attrsFromInfo(sourceInfo)

	fi, _, err := fileindex.ProbePath(absSource)
	if err != nil {
		f.mu.Unlock()
		return attrs, nil
	}

	if size, ok := f.cache.SizeOf(fi); ok {
		attrs.Size = size
		f.mu.Unlock()
		return attrs, nil
	}

	var held reader.Reader
	wait := f.trueSize

	if existing, ok := f.readers[fi]; ok {
		existing.Retain()
		held = existing
	} else if f.trueSize || f.readAheadActive < f.readAheadLimit {
		srcFile, err := os.Open(absSource)
		if err != nil {
			f.mu.Unlock()
			return attrs, nil
		}
		granted := f.readAheadActive < f.readAheadLimit
		tr := reader.New(f.ctx, fi, int(srcFile.Fd()), element.PipelineSpec, f.pipelineFactory, f.cwdLock, f.log, f.makeDoneCallback(granted))
		srcFile.Close()
		if granted {
			f.readAheadActive++
			tr.Retain()
		}
		f.readers[fi] = tr
		held = tr
	} else {
		f.mu.Unlock()
		return attrs, nil
	}

	f.mu.Unlock()

	attrs.Size = held.Size(wait)

	f.mu.Lock()
	f.releaseLocked(held)
	f.mu.Unlock()

	return attrs, nil
}

func (f *Factory) makeDoneCallback(granted bool) func(*reader.TranscodeReader) {
	return func(tr *reader.TranscodeReader) {
		if !granted {
			return
		}
		f.mu.Lock()
		f.readAheadActive--
		closed := f.closed
		f.mu.Unlock()

		if closed {
			f.Release(tr)
			return
		}
		select {
		case f.releaseQueue <- tr:
		default:
			f.Release(tr)
		}
	}
}

func (f *Factory) runReleaseWorker() {
	defer close(f.queueDone)
	for r := range f.releaseQueue {
		f.Release(r)
	}
}

// Shutdown drains the read-ahead release worker and cancels any pipelines
// still in flight.
func (f *Factory) Shutdown() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	close(f.releaseQueue)
	<-f.queueDone
	f.cancel()
}

func attrsFromInfo(info os.FileInfo) cache.Attrs {
	return cache.Attrs{
		Size:    info.Size(),
		Mode:    uint32(info.Mode()),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
}
