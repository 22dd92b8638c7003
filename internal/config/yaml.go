package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RuleFile is the YAML companion form of repeated source=/target=/pipeline=
// triplets, letting a mount declare its transcode rules in a file instead
// of repeated --source/--target/--pipeline flags.
type RuleFile struct {
	Base         string   `yaml:"base"`
	TrueSize     bool     `yaml:"trueSize"`
	ReadAhead    int      `yaml:"readAhead"`
	CacheCount   string   `yaml:"cacheCount"`
	CacheMemory  string   `yaml:"cacheMemory"`
	CacheTime    string   `yaml:"cacheTime"`
	CachePersist string   `yaml:"cachePersist"`
	Ignore       []string `yaml:"ignore"`
	Rules        []struct {
		Source   string `yaml:"source"`
		Target   string `yaml:"target"`
		Pipeline string `yaml:"pipeline"`
	} `yaml:"rules"`
}

// LoadRuleFile reads and parses a YAML rule file into the same option
// stream ParseOptions understands, so a rule file and command-line flags can be
// combined: the caller passes the returned options ahead of, or behind,
// any explicit flags.
func LoadRuleFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("config: parsing rule file %s: %w", path, err)
	}

	var opts []string
	if rf.Base != "" {
		opts = append(opts, "base="+rf.Base)
	}
	if rf.TrueSize {
		opts = append(opts, "trueSize")
	}
	if rf.ReadAhead != 0 {
		opts = append(opts, fmt.Sprintf("readAhead=%d", rf.ReadAhead))
	}
	if rf.CacheCount != "" {
		opts = append(opts, "cacheCount="+rf.CacheCount)
	}
	if rf.CacheMemory != "" {
		opts = append(opts, "cacheMemory="+rf.CacheMemory)
	}
	if rf.CacheTime != "" {
		opts = append(opts, "cacheTime="+rf.CacheTime)
	}
	if rf.CachePersist != "" {
		opts = append(opts, "cachePersist="+rf.CachePersist)
	}
	for _, pattern := range rf.Ignore {
		opts = append(opts, "ignore="+pattern)
	}
	for _, rule := range rf.Rules {
		opts = append(opts, "source="+rule.Source, "target="+rule.Target, "pipeline="+rule.Pipeline)
	}
	return opts, nil
}

// LoadConfig loads a rule file, if ruleFilePath is non-empty, merges in
// extraOptions (e.g. from FlagSet.Options, applied after the file so flags win
// ties on any option that completes immediately such as trueSize), and
// builds the final Config.
func LoadConfig(ruleFilePath string, extraOptions []string, logger log.FieldLogger) (*Config, error) {
	var opts []string
	if ruleFilePath != "" {
		fileOpts, err := LoadRuleFile(ruleFilePath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fileOpts...)
	}
	opts = append(opts, extraOptions...)
	return ParseOptions(opts, logger)
}
