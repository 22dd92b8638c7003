package reader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"transcodefs/internal/artifact"
	"transcodefs/internal/cwd"
	"transcodefs/internal/fileindex"
	"transcodefs/internal/pipeline"
	"transcodefs/internal/transcode"
	"transcodefs/internal/util"
)

// builderTileSize is the ImageBuilder's read granularity, well above the
// minimum 4 KiB tile size a caller may reasonably request.
const builderTileSize = 64 * 1024

// TranscodeReader drives an external streaming pipeline, consumes its
// output on a background ImageBuilder goroutine, and serves partial reads
// synchronized against the still-growing Artifact.
type TranscodeReader struct {
	RefCount

	fi       fileindex.FileIndex
	artifact *artifact.Artifact
	log      log.FieldLogger

	mu         sync.Mutex
	cond       *sync.Cond
	running    bool
	hasBuilder bool
	imageTaken bool

	pipe       pipeline.Pipeline
	sinkRead   *os.File
	sinkWrite  *os.File
	builderEnd chan struct{}

	doneOnce     sync.Once
	doneCallback func(*TranscodeReader)
}

var _ Reader = (*TranscodeReader)(nil)

// New constructs a TranscodeReader, resolves sourceFd to its absolute
// path, builds and starts the pipeline described by pipelineSpec under
// the process-wide working-directory lock, and launches the ImageBuilder.
// doneCallback fires exactly once production ends (success or failure),
// whether or not the caller has released the Reader by then.
func New(
	ctx context.Context,
	fi fileindex.FileIndex,
	sourceFd int,
	pipelineSpec string,
	factory pipeline.Factory,
	cwdLock *cwd.Lock,
	logger log.FieldLogger,
	doneCallback func(*TranscodeReader),
) *TranscodeReader {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &TranscodeReader{
		RefCount:     NewRefCount(),
		fi:           fi,
		artifact:     artifact.New(),
		log:          logger,
		doneCallback: doneCallback,
	}
	r.cond = sync.NewCond(&r.mu)

	if err := r.prepare(ctx, sourceFd, pipelineSpec, factory, cwdLock); err != nil {
		r.log.WithError(err).Warn("transcode reader: pipeline construction failed")
		r.fireDone()
		return r
	}

	r.hasBuilder = true
	r.running = true
	r.builderEnd = make(chan struct{})
	go r.runBuilder()
	go r.watchBus()

	return r
}

// prepare resolves the source fd, acquires the working-directory lock, and
// constructs the pipeline, ready to Start.
func (r *TranscodeReader) prepare(ctx context.Context, sourceFd int, pipelineSpec string, factory pipeline.Factory, cwdLock *cwd.Lock) error {
	resolvedPath, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", sourceFd))
	if err != nil {
		return fmt.Errorf("resolving source fd %d: %w", sourceFd, err)
	}

	release, err := cwdLock.Acquire(filepath.Dir(resolvedPath))
	if err != nil {
		return fmt.Errorf("acquiring working-directory lock: %w", err)
	}
	defer release()

	pipe, err := factory.Parse(pipelineSpec)
	if err != nil {
		return err
	}

	if src, ok := pipe.NamedElement(transcode.SourceElementName); ok {
		if err := src.SetLocation(resolvedPath); err != nil {
			return fmt.Errorf("setting filesrc location: %w", err)
		}
	} else if src, ok := pipe.NamedElement(transcode.FdSourceElementName); ok {
		if err := src.SetFd(sourceFd); err != nil {
			return fmt.Errorf("setting fdsrc fd: %w", err)
		}
	} else {
		return fmt.Errorf("pipeline spec has neither %s nor %s element", transcode.SourceElementName, transcode.FdSourceElementName)
	}

	sink, ok := pipe.NamedElement(transcode.SinkElementName)
	if !ok {
		return fmt.Errorf("pipeline spec has no %s element", transcode.SinkElementName)
	}
	if err := sink.SetSync(false); err != nil {
		return fmt.Errorf("disabling sink sync: %w", err)
	}

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating pipe: %w", err)
	}
	if err := sink.SetFd(int(writeEnd.Fd())); err != nil {
		readEnd.Close()
		writeEnd.Close()
		return fmt.Errorf("setting fdsink fd: %w", err)
	}

	// Starting the external pipeline can fail transiently (e.g. the
	// exec'd helper hitting a momentarily exhausted process table), so up
	// to three attempts with backoff are made before giving up
	// (util.DefaultRetryOptions).
	startErr := util.Retry(ctx, func() error { return pipe.Start(ctx) }, util.DefaultRetryOptions(ctx)...)
	if startErr != nil {
		readEnd.Close()
		writeEnd.Close()
		return fmt.Errorf("starting pipeline: %w", startErr)
	}

	r.pipe = pipe
	r.sinkRead = readEnd
	r.sinkWrite = writeEnd
	return nil
}

// runBuilder is the ImageBuilder: it repeatedly reads from the pipe's read
// end into a fixed-size tile and appends to the Artifact under the
// Reader's mutex, broadcasting readers waiting for more bytes or for final
// size. The pipeline's own write end closing (on EOS, error, or explicit
// Stop) makes the read return io.EOF, terminating the loop.
func (r *TranscodeReader) runBuilder() {
	tile := make([]byte, builderTileSize)
	for {
		n, err := r.sinkRead.Read(tile)
		if n > 0 {
			r.artifact.Append(tile[:n])
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		}
		if err != nil {
			break
		}
	}

	r.mu.Lock()
	r.running = false
	r.cond.Broadcast()
	r.mu.Unlock()

	close(r.builderEnd)
	r.fireDone()
}

// watchBus logs pipeline errors and warnings as they arrive; it never
// aborts the stream, since pipeline runtime errors are logged, not fatal.
func (r *TranscodeReader) watchBus() {
	for msg := range r.pipe.Bus().Messages() {
		if msg.Kind == pipeline.MessageError {
			r.log.WithError(msg.Err).WithField("file_index", r.fi.String()).
				Warn("transcode reader: pipeline reported an error")
		}
	}
}

func (r *TranscodeReader) fireDone() {
	r.doneOnce.Do(func() {
		if r.doneCallback != nil {
			r.doneCallback(r)
		}
	})
}

// Read blocks while the artifact hasn't yet grown to cover [offset,
// offset+len(buf)) and production is still running, then copies what is
// available.
func (r *TranscodeReader) Read(buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, ErrInvalidOffset
	}
	r.mu.Lock()
	if !r.hasBuilder {
		r.mu.Unlock()
		return 0, ErrNoBuilder
	}
	for r.running && offset+int64(len(buf)) > r.artifact.Len() {
		r.cond.Wait()
	}
	r.mu.Unlock()

	return r.artifact.ReadAt(buf, offset), nil
}

// Size blocks until production ends when wait is true.
func (r *TranscodeReader) Size(wait bool) int64 {
	r.mu.Lock()
	if wait {
		for r.running {
			r.cond.Wait()
		}
	}
	r.mu.Unlock()
	return r.artifact.Len()
}

// GetImage transfers Artifact ownership out of the Reader. It succeeds at
// most once, and only once streaming has stopped.
func (r *TranscodeReader) GetImage() (*artifact.Artifact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.imageTaken {
		return nil, false
	}
	r.imageTaken = true
	return r.artifact, true
}

func (r *TranscodeReader) FileIndex() fileindex.FileIndex {
	return r.fi
}

// Close tears down the pipeline and joins the ImageBuilder goroutine.
// Ownership of the write end of the pipe passed to Element.SetFd during
// prepare transferred to the pipeline; Stop is responsible for guaranteeing
// it gets closed (killing a stuck producer if necessary), which is what
// unblocks a builder stuck in Read. Closing it a second time here, on the
// Reader's own *os.File referring to the same descriptor, would risk
// closing an unrelated fd the OS has since reused.
func (r *TranscodeReader) Close() error {
	if !r.hasBuilder {
		return nil
	}
	err := r.pipe.Stop()
	<-r.builderEnd
	if r.sinkRead != nil {
		r.sinkRead.Close()
	}
	return err
}

var _ io.Closer = (*TranscodeReader)(nil)
