// Package config parses the transcodefs option table
// (base=/src=, source=/src_ext=, target=/dst_ext=, pipeline=, trueSize,
// readAhead=N, cacheCount=N[k|m|g], cacheMemory=N[k|m|g|%],
// cacheTime=N[s|m|h|d|w|y], cachePersist=PATH, ignore=PATTERN) into a
// Config, using an accumulate-then-commit Builder: source=/target=/pipeline=
// triplets complete a transcode rule the moment all three are present,
// processing one option string at a time during argument parsing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"transcodefs/internal/cache"
	"transcodefs/internal/transcode"
)

// Config is the fully parsed, validated result of a Builder.
type Config struct {
	Base            string
	Mapping         *transcode.Mapping
	TrueSize        bool
	ReadAheadLimit  int
	CacheLimits     cache.Limits
	CachePersistDir string
	IgnorePatterns  []string
}

// Builder accumulates option strings one at a time and produces a Config.
// source, target and pipeline are held until all three are set, at which
// point they commit as one rule and reset, so a second
// source=/target=/pipeline= triplet in the same option stream starts a
// fresh rule.
type Builder struct {
	log     log.FieldLogger
	mapping *transcode.Mapping

	base            string
	baseSet         bool
	trueSize        bool
	readAheadLimit  int
	cacheLimits     cache.Limits
	cachePersistDir string
	ignorePatterns  []string

	source, target, pipeline string
}

// NewBuilder returns an empty Builder. logger may be nil.
func NewBuilder(logger log.FieldLogger) *Builder {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Builder{
		log:            logger,
		mapping:        transcode.New(logger),
		readAheadLimit: 16,
		cacheLimits:    cache.Limits{Time: cache.NoTimeLimit},
	}
}

// Option applies one option-table entry, in key=value or bare-key form.
// It reports an error for a malformed value of a recognized option and
// for any option it does not recognize; a bare argument without '=' is
// taken as the base directory while none has been set.
func (b *Builder) Option(arg string) error {
	switch {
	case matchAny(arg, "base=", "src="):
		value := valueAfter(arg, "base=", "src=")
		info, err := os.Stat(value)
		if err != nil {
			return fmt.Errorf("config: base %q: %w", value, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("config: base %q is not a directory", value)
		}
		b.base, b.baseSet = value, true
		return nil

	case matchAny(arg, "source=", "src_ext="):
		b.source = valueAfter(arg, "source=", "src_ext=")
		b.build()
		return nil

	case matchAny(arg, "target=", "dst_ext="):
		b.target = valueAfter(arg, "target=", "dst_ext=")
		b.build()
		return nil

	case strings.HasPrefix(arg, "pipeline="):
		b.pipeline = strings.TrimPrefix(arg, "pipeline=")
		b.build()
		return nil

	case arg == "trueSize":
		b.trueSize = true
		return nil

	case strings.HasPrefix(arg, "readAhead="):
		n, err := strconv.Atoi(strings.TrimPrefix(arg, "readAhead="))
		if err != nil {
			return fmt.Errorf("config: readAhead=%s: %w", strings.TrimPrefix(arg, "readAhead="), err)
		}
		b.readAheadLimit = n
		return nil

	case strings.HasPrefix(arg, "cacheCount="):
		n, err := parseScaled(strings.TrimPrefix(arg, "cacheCount="), countMultipliers)
		if err != nil {
			return fmt.Errorf("config: cacheCount: %w", err)
		}
		b.cacheLimits.Count = int(n)
		return nil

	case strings.HasPrefix(arg, "cacheMemory="):
		n, err := parseScaledMemory(strings.TrimPrefix(arg, "cacheMemory="))
		if err != nil {
			return fmt.Errorf("config: cacheMemory: %w", err)
		}
		b.cacheLimits.Memory = n
		return nil

	case strings.HasPrefix(arg, "cacheTime="):
		n, err := parseScaled(strings.TrimPrefix(arg, "cacheTime="), timeMultipliers)
		if err != nil {
			return fmt.Errorf("config: cacheTime: %w", err)
		}
		b.cacheLimits.Time = time.Duration(n) * time.Second
		return nil

	case strings.HasPrefix(arg, "cachePersist="):
		value := strings.TrimPrefix(arg, "cachePersist=")
		info, err := os.Stat(value)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("config: cachePersist=%s is not a directory", value)
		}
		b.cachePersistDir = value
		return nil

	case strings.HasPrefix(arg, "ignore="):
		b.ignorePatterns = append(b.ignorePatterns, strings.TrimPrefix(arg, "ignore="))
		return nil

	case !b.baseSet && !strings.Contains(arg, "="):
		// A bare positional argument is the base directory.
		info, err := os.Stat(arg)
		if err != nil {
			return fmt.Errorf("config: base %q: %w", arg, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("config: base %q is not a directory", arg)
		}
		b.base, b.baseSet = arg, true
		return nil
	}
	return fmt.Errorf("config: unrecognized option %q", arg)
}

// pending reports whether a source/target/pipeline rule is mid-accumulation.
func (b *Builder) pending() bool {
	return b.source != "" || b.target != "" || b.pipeline != ""
}

func (b *Builder) build() {
	if b.source != "" && b.target != "" && b.pipeline != "" {
		b.mapping.Add(b.source, b.target, b.pipeline)
		b.source, b.target, b.pipeline = "", "", ""
	}
}

// Build validates the accumulated options and returns the Config. A rule
// left incomplete (e.g. source= with no matching target=/pipeline=) is
// reported as an error rather than silently dropped, since an unfinished
// triplet at Build time signals a missing option rather than the rule
// simply not mattering yet.
func (b *Builder) Build() (*Config, error) {
	if !b.baseSet {
		return nil, fmt.Errorf("config: no base directory given (base=/src= or a bare path)")
	}
	if b.pending() {
		return nil, fmt.Errorf("config: incomplete transcode rule (source=%q target=%q pipeline=%q)", b.source, b.target, b.pipeline)
	}
	return &Config{
		Base:            b.base,
		Mapping:         b.mapping,
		TrueSize:        b.trueSize,
		ReadAheadLimit:  b.readAheadLimit,
		CacheLimits:     b.cacheLimits,
		CachePersistDir: b.cachePersistDir,
		IgnorePatterns:  b.ignorePatterns,
	}, nil
}

// ParseOptions feeds every option in opts through Option, in order, then
// calls Build.
func ParseOptions(opts []string, logger log.FieldLogger) (*Config, error) {
	b := NewBuilder(logger)
	for _, opt := range opts {
		if err := b.Option(opt); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func matchAny(arg string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(arg, p) {
			return true
		}
	}
	return false
}

func valueAfter(arg string, prefixes ...string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(arg, p) {
			return strings.TrimPrefix(arg, p)
		}
	}
	return arg
}

var countMultipliers = map[byte]int64{'k': 1024, 'm': 1024 * 1024, 'g': 1024 * 1024 * 1024}
var timeMultipliers = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 60 * 60,
	'd': 60 * 60 * 24,
	'w': 60 * 60 * 24 * 7,
	'y': 60 * 60 * 24 * 7 * 52,
}

// parseScaled parses a leading integer followed by an optional
// case-insensitive single-letter multiplier suffix, used for
// cacheCount=/cacheTime=.
func parseScaled(s string, multipliers map[byte]int64) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	suffix := s[len(s)-1]
	numeric := s
	multiplier := int64(1)
	if m, ok := multipliers[lower(suffix)]; ok {
		numeric = s[:len(s)-1]
		multiplier = m
	}
	n, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", s, err)
	}
	return n * multiplier, nil
}

// parseScaledMemory additionally supports a trailing '%' suffix, scaling
// by the fraction of physical memory (total RAM as reported by sysinfo(2)).
func parseScaledMemory(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	if strings.HasSuffix(s, "%") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "%"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", s, err)
		}
		return n * physicalMemorySize() / 100, nil
	}
	return parseScaled(s, countMultipliers)
}

func physicalMemorySize() int64 {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return 0
	}
	return int64(info.Totalram) * int64(info.Unit)
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
