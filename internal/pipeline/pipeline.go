// Package pipeline declares the abstract contract the core uses to drive a
// streaming transcoder: parse a wrapped pipeline string, expose named
// elements "filesrc"/"fdsrc" and "fdsink" with settable properties
// (location, fd, sync), deliver end-of-stream and error messages on a bus,
// and support async state transitions with a blocking join. The core
// (internal/reader) depends only on this interface; exec_pipeline.go is
// the one concrete implementation shipped here.
package pipeline

import "context"

// MessageKind distinguishes the bus message variants the core reacts to.
type MessageKind int

const (
	// MessageEOS signals the producer finished emitting bytes, whether or
	// not the underlying transcode was fully successful.
	MessageEOS MessageKind = iota
	// MessageError signals a runtime error or warning; the core logs and
	// continues rather than aborting the stream.
	MessageError
)

// Message is one event delivered on a Pipeline's Bus.
type Message struct {
	Kind MessageKind
	Err  error // non-nil only for MessageError
}

// Bus delivers EOS/error notifications asynchronously. Implementations
// close Messages() exactly once, after the final message (if any) has been
// sent, so range loops over it terminate naturally when the pipeline is
// torn down.
type Bus interface {
	Messages() <-chan Message
}

// Element is a named stage of a Pipeline whose properties the core sets
// before starting it. A concrete implementation only needs to honor the
// properties relevant to its role: a filesrc/fdsrc implements SetLocation
// or SetFd; an fdsink implements SetFd and SetSync.
type Element interface {
	// SetLocation sets the "location" string property, used by a named
	// filesrc element to point at the resolved absolute path of the
	// source file.
	SetLocation(path string) error
	// SetFd sets the "fd" int property, used by a named fdsrc element to
	// read directly from an already-open file descriptor, or by the
	// named fdsink element to write to the pipe connecting the pipeline
	// to the ImageBuilder.
	SetFd(fd int) error
	// SetSync sets the "sync" bool property on the sink element. The
	// core always disables clock synchronization since output is
	// consumed as fast as it is produced.
	SetSync(sync bool) error
}

// Pipeline is one constructed, not-yet-started (or running, or stopped)
// transcode pipeline.
type Pipeline interface {
	// NamedElement looks up a named element ("filesrc", "fdsrc", or
	// "fdsink"). ok is false if the parsed pipeline spec has no element
	// by that name.
	NamedElement(name string) (element Element, ok bool)

	// Start transitions the pipeline to its playing state. If the
	// transition is asynchronous the implementation blocks until it
	// completes.
	Start(ctx context.Context) error

	// Stop transitions the pipeline to its idle state, blocking for
	// asynchronous completion, and releases the resources the pipeline
	// holds, including the sink's pipe write end handed over through
	// Element.SetFd.
	Stop() error

	// Bus returns the message bus carrying EOS/error notifications for
	// this pipeline's lifetime.
	Bus() Bus
}

// Factory parses a wrapped pipeline spec (see transcode.WrapPipeline) into
// a not-yet-started Pipeline.
type Factory interface {
	Parse(spec string) (Pipeline, error)
}
