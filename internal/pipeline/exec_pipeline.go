package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/shlex"

	"transcodefs/internal/transcode"
)

// ExecFactory builds Pipelines backed by an external process (e.g. ffmpeg)
// rather than a native GStreamer binding. The wrapped spec produced by
// transcode.WrapPipeline is "filesrc name=filesrc ! <command line> !
// fdsink name=fdsink"; the middle segment is tokenized with
// github.com/google/shlex and executed directly. An empty middle segment
// means "copy the source bytes through unchanged".
type ExecFactory struct{}

// NewExecFactory returns a Factory whose Pipelines shell out to an
// external command.
func NewExecFactory() *ExecFactory { return &ExecFactory{} }

func (f *ExecFactory) Parse(spec string) (Pipeline, error) {
	stages := splitStages(spec)
	if len(stages) < 2 {
		return nil, fmt.Errorf("pipeline: malformed spec, expected at least filesrc and fdsink stages: %q", spec)
	}

	first := stages[0]
	last := stages[len(stages)-1]
	middle := strings.TrimSpace(strings.Join(stages[1:len(stages)-1], " ! "))

	source := &execElement{}
	switch {
	case strings.HasPrefix(first, transcode.SourceElementName):
		source.kind = elementFileSrc
	case strings.HasPrefix(first, transcode.FdSourceElementName):
		source.kind = elementFdSrc
	default:
		return nil, fmt.Errorf("pipeline: missing named %s/%s element: %q", transcode.SourceElementName, transcode.FdSourceElementName, spec)
	}
	if !strings.HasPrefix(last, transcode.SinkElementName) {
		return nil, fmt.Errorf("pipeline: missing named %s element: %q", transcode.SinkElementName, spec)
	}

	var args []string
	if middle != "" {
		tokens, err := shlex.Split(middle)
		if err != nil {
			return nil, fmt.Errorf("pipeline: parsing command %q: %w", middle, err)
		}
		if len(tokens) == 0 {
			return nil, fmt.Errorf("pipeline: empty command after tokenizing %q", middle)
		}
		args = tokens
	}

	sink := &execElement{kind: elementFdSink, sync: true}

	return &ExecPipeline{
		args:   args,
		source: source,
		sink:   sink,
		bus:    &execBus{messages: make(chan Message, 2)},
	}, nil
}

type elementKind int

const (
	elementFileSrc elementKind = iota
	elementFdSrc
	elementFdSink
)

// execElement is the lone Element implementation: a plain struct recording
// whichever property pipeline construction sets on it.
type execElement struct {
	kind     elementKind
	location string
	fd       int
	hasFd    bool
	sync     bool
}

func (e *execElement) SetLocation(path string) error {
	e.location = path
	return nil
}

func (e *execElement) SetFd(fd int) error {
	e.fd = fd
	e.hasFd = true
	return nil
}

func (e *execElement) SetSync(sync bool) error {
	e.sync = sync
	return nil
}

// execBus is a simple channel-backed Bus.
type execBus struct {
	messages chan Message
	once     sync.Once
}

func (b *execBus) Messages() <-chan Message { return b.messages }

func (b *execBus) emit(msg Message) {
	b.messages <- msg
}

func (b *execBus) close() {
	b.once.Do(func() { close(b.messages) })
}

// ExecPipeline drives an external process (or, with no command, a direct
// byte copy) as the transcoder. It satisfies Pipeline.
type ExecPipeline struct {
	args   []string
	source *execElement
	sink   *execElement
	bus    *execBus

	mu        sync.Mutex
	cmd       *exec.Cmd
	srcFile   *os.File
	sinkFile  *os.File
	closeOnce sync.Once
	done      chan struct{}
}

func (p *ExecPipeline) NamedElement(name string) (Element, bool) {
	switch name {
	case transcode.SourceElementName:
		if p.source.kind == elementFileSrc {
			return p.source, true
		}
	case transcode.FdSourceElementName:
		if p.source.kind == elementFdSrc {
			return p.source, true
		}
	case transcode.SinkElementName:
		return p.sink, true
	}
	return nil, false
}

func (p *ExecPipeline) Bus() Bus { return p.bus }

// Start launches the external process (or, when ExecFactory parsed an
// empty command, a copying goroutine) and returns immediately: the state
// transition to "running" is synchronous, but the pipeline finishing is
// inherently asynchronous and reported on the Bus via an EOS message.
func (p *ExecPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sinkFile := os.NewFile(uintptr(p.sink.fd), "fdsink")
	if sinkFile == nil {
		return fmt.Errorf("pipeline: invalid sink fd %d", p.sink.fd)
	}

	var input io.Reader
	var inputFile *os.File
	switch p.source.kind {
	case elementFileSrc:
		f, err := os.Open(p.source.location)
		if err != nil {
			sinkFile.Close()
			return fmt.Errorf("pipeline: opening source %q: %w", p.source.location, err)
		}
		input, inputFile = f, f
	case elementFdSrc:
		f := os.NewFile(uintptr(p.source.fd), "fdsrc")
		if f == nil {
			sinkFile.Close()
			return fmt.Errorf("pipeline: invalid source fd %d", p.source.fd)
		}
		input, inputFile = f, f
	}

	p.done = make(chan struct{})
	p.srcFile = inputFile
	p.sinkFile = sinkFile

	if len(p.args) == 0 {
		go p.runCopy(input)
		return nil
	}

	cmd := exec.CommandContext(ctx, p.args[0], p.args[1:]...)
	cmd.Stdin = input
	cmd.Stdout = sinkFile
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		p.closeFiles()
		return fmt.Errorf("pipeline: starting %q: %w", p.args[0], err)
	}
	p.cmd = cmd

	go p.runProcess(cmd)
	return nil
}

// closeFiles closes the source and sink file handles exactly once. The
// fd underlying sinkFile is the same fd the caller's Reader also holds an
// *os.File wrapper around (handed over via Element.SetFd); closing it here,
// and only here, is what lets that caller's pipe read end observe EOF.
func (p *ExecPipeline) closeFiles() {
	p.closeOnce.Do(func() {
		if p.srcFile != nil {
			p.srcFile.Close()
		}
		if p.sinkFile != nil {
			p.sinkFile.Close()
		}
	})
}

func (p *ExecPipeline) runCopy(input io.Reader) {
	_, err := io.Copy(p.sinkFile, input)
	p.closeFiles()
	p.finish(err)
}

func (p *ExecPipeline) runProcess(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.closeFiles()
	p.finish(err)
}

func (p *ExecPipeline) finish(err error) {
	if err != nil {
		p.bus.emit(Message{Kind: MessageError, Err: err})
	}
	p.bus.emit(Message{Kind: MessageEOS})
	p.bus.close()
	close(p.done)
}

// Stop waits for the pipeline to reach a terminal state. Since ExecPipeline
// has no separate "idle" state distinct from "finished", Stop is a join.
// A subprocess is killed to unblock it; a copy-through pipeline has no
// process to kill, so its source and sink files are closed directly to
// unblock the in-flight io.Copy.
func (p *ExecPipeline) Stop() error {
	p.mu.Lock()
	done := p.done
	cmd := p.cmd
	p.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
	default:
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		} else {
			p.closeFiles()
		}
	}
	<-done
	return nil
}

// splitStages splits a wrapped pipeline spec on "!" and trims whitespace
// from every segment, mirroring gst-launch syntax closely enough for the
// wrapping contract in transcode.WrapPipeline.
func splitStages(spec string) []string {
	parts := strings.Split(spec, "!")
	stages := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			stages = append(stages, part)
		}
	}
	return stages
}
