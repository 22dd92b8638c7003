// Package transcode implements the Transcode Mapping: a bidirectional
// source<->target extension registry used to translate virtual paths to
// underlying base-directory files and to pick the pipeline that produces
// one from the other.
package transcode

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Element uniquely identifies one transcode rule. PipelineSpec is an
// opaque string understood only by the pipeline collaborator (see
// internal/pipeline); the mapping neither parses nor interprets it beyond
// wrapping it (see WrapPipeline).
type Element struct {
	SourceExt    string
	TargetExt    string
	PipelineSpec string
}

// Mapping is an associative structure over Elements with two unique
// indices, one keyed by SourceExt and one by TargetExt. Rules are added
// once at startup (Add) and are thereafter immutable; Add/TargetFrom/
// SourceFrom are safe for concurrent use once population has settled,
// since both indices are plain maps written only under a short-lived lock
// during startup and never mutated afterward.
type Mapping struct {
	mu       sync.RWMutex
	bySource map[string]Element
	byTarget map[string]Element
	log      log.FieldLogger
}

// New returns an empty Mapping. logger may be nil, in which case
// logrus.StandardLogger() is used for the diagnostics Add emits on
// rejected rules.
func New(logger log.FieldLogger) *Mapping {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Mapping{
		bySource: make(map[string]Element),
		byTarget: make(map[string]Element),
		log:      logger,
	}
}

// Add registers a transcode rule. Both indices must accept the insertion
// (neither extension may already be mapped) or the rule is rejected
// entirely and a diagnostic is logged; Add never panics and never returns
// an error, matching the "fails silently (with a diagnostic)" contract in
// spec section 4.1.
func (m *Mapping) Add(source, target, pipelineSpec string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySource[source]; exists {
		m.log.WithFields(log.Fields{"source": source, "target": target}).
			Warn("transcode: source extension already mapped, rule rejected")
		return
	}
	if _, exists := m.byTarget[target]; exists {
		m.log.WithFields(log.Fields{"source": source, "target": target}).
			Warn("transcode: target extension already mapped, rule rejected")
		return
	}

	element := Element{SourceExt: source, TargetExt: target, PipelineSpec: WrapPipeline(pipelineSpec)}
	m.bySource[source] = element
	m.byTarget[target] = element
}

// Size returns the number of registered rules.
func (m *Mapping) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySource)
}

// TargetFrom scans path left-to-right for dot-separated extensions; on the
// leftmost extension that matches a source rule, it returns a new path
// with that extension replaced by the rule's target extension, plus the
// matching Element. If no extension matches, it returns path unchanged
// (no allocation) and ok=false.
func (m *Mapping) TargetFrom(path string) (resolved string, element Element, ok bool) {
	return m.resolve(path, func(ext string) (Element, bool) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		e, found := m.bySource[ext]
		return e, found
	}, func(e Element) string { return e.TargetExt })
}

// SourceFrom is the symmetric operation over the target-extension index.
func (m *Mapping) SourceFrom(path string) (resolved string, element Element, ok bool) {
	return m.resolve(path, func(ext string) (Element, bool) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		e, found := m.byTarget[ext]
		return e, found
	}, func(e Element) string { return e.SourceExt })
}

// resolve walks every '.'-separated suffix of path's base name, left to
// right, so an input like "a.b.flac" matches on "flac" even though "b.flac"
// is not itself a registered extension.
func (m *Mapping) resolve(path string, lookup func(ext string) (Element, bool), replacement func(Element) string) (string, Element, bool) {
	name, dirPrefix := splitDir(path)
	dotParts := strings.Split(name, ".")
	for i := 1; i < len(dotParts); i++ {
		ext := strings.Join(dotParts[i:], ".")
		if element, found := lookup(ext); found {
			newName := strings.Join(dotParts[:i], ".") + "." + replacement(element)
			return dirPrefix + newName, element, true
		}
	}
	return path, Element{}, false
}

// splitDir separates path into its directory prefix (including the
// trailing slash, or empty) and its final path component.
func splitDir(path string) (name string, dirPrefix string) {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:], path[:idx+1]
	}
	return path, ""
}

// WrapPipeline wraps a raw pipeline spec so its first stage consumes from a
// named "filesrc" element and its final stage sends to a named "fdsink"
// element. This wrapping contract is part of the core's boundary to the
// pipeline collaborator (spec section 4.1); the pipeline collaborator
// resolves these two names when constructing a running pipeline (see
// internal/pipeline).
func WrapPipeline(spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Sprintf("filesrc name=%s ! fdsink name=%s", SourceElementName, SinkElementName)
	}
	return fmt.Sprintf("filesrc name=%s ! %s ! fdsink name=%s", SourceElementName, spec, SinkElementName)
}

// Element names the pipeline collaborator must expose, per spec section 6.
const (
	SourceElementName = "filesrc"
	FdSourceElementName = "fdsrc"
	SinkElementName     = "fdsink"
)
