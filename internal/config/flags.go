package config

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// FlagSet declares the mount command's flags and collects their final
// values into an option stream ParseOptions/LoadConfig understands,
// giving --base/--source/--target/... long-flag ergonomics over the same
// option-table semantics the YAML rule file uses.
type FlagSet struct {
	flags *pflag.FlagSet

	base         string
	sources      []string
	targets      []string
	pipelines    []string
	trueSize     bool
	readAhead    int
	cacheCount   string
	cacheMemory  string
	cacheTime    string
	cachePersist string
	ignore       []string
	ruleFile     string
}

// NewFlagSet registers flags on fs and returns the FlagSet used to collect
// them once fs.Parse has run.
func NewFlagSet(fs *pflag.FlagSet) *FlagSet {
	f := &FlagSet{flags: fs}
	fs.StringVar(&f.base, "base", "", "base directory to present transcoded (also accepted as a bare positional argument)")
	fs.StringArrayVar(&f.sources, "source", nil, "source extension of a transcode rule (repeatable, paired in order with --target/--pipeline)")
	fs.StringArrayVar(&f.targets, "target", nil, "target extension of a transcode rule (repeatable)")
	fs.StringArrayVar(&f.pipelines, "pipeline", nil, "pipeline spec of a transcode rule (repeatable)")
	fs.BoolVar(&f.trueSize, "true-size", false, "report exact transcoded size instead of the source file's size")
	fs.IntVar(&f.readAhead, "read-ahead", 16, "maximum number of speculative transcodes to run concurrently")
	fs.StringVar(&f.cacheCount, "cache-count", "", "image cache entry count limit, e.g. 64 or 1k")
	fs.StringVar(&f.cacheMemory, "cache-memory", "", "image cache memory limit, e.g. 512m or 25%")
	fs.StringVar(&f.cacheTime, "cache-time", "", "image cache idle time limit, e.g. 30m or 1d")
	fs.StringVar(&f.cachePersist, "cache-persist", "", "directory to spill evicted image cache entries to")
	fs.StringArrayVar(&f.ignore, "ignore", nil, "gitignore-style pattern excluded from read-ahead and reconciliation (repeatable)")
	fs.StringVar(&f.ruleFile, "rules", "", "YAML rule file (see config.RuleFile)")
	return f
}

// Options renders the collected flag values as an option stream, in the
// same base=/source=/target=/pipeline=/... shape ParseOptions consumes.
// args holds any positional arguments cobra/pflag left over; the first one
// is treated as the base directory if --base was not given.
func (f *FlagSet) Options(args []string) []string {
	var opts []string
	if f.base != "" {
		opts = append(opts, "base="+f.base)
	} else if len(args) > 0 {
		opts = append(opts, args[0])
	}
	for i := range f.sources {
		if i < len(f.targets) && i < len(f.pipelines) {
			opts = append(opts, "source="+f.sources[i], "target="+f.targets[i], "pipeline="+f.pipelines[i])
		}
	}
	if f.trueSize {
		opts = append(opts, "trueSize")
	}
	opts = append(opts, fmt.Sprintf("readAhead=%d", f.readAhead))
	if f.cacheCount != "" {
		opts = append(opts, "cacheCount="+f.cacheCount)
	}
	if f.cacheMemory != "" {
		opts = append(opts, "cacheMemory="+f.cacheMemory)
	}
	if f.cacheTime != "" {
		opts = append(opts, "cacheTime="+f.cacheTime)
	}
	if f.cachePersist != "" {
		opts = append(opts, "cachePersist="+f.cachePersist)
	}
	for _, pattern := range f.ignore {
		opts = append(opts, "ignore="+pattern)
	}
	return opts
}

// RuleFile returns the --rules flag's value, if any.
func (f *FlagSet) RuleFile() string { return f.ruleFile }

// Load resolves --rules (if set) plus the collected flags into a Config.
func (f *FlagSet) Load(args []string, logger log.FieldLogger) (*Config, error) {
	return LoadConfig(f.ruleFile, f.Options(args), logger)
}
