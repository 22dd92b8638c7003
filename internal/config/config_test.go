package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsBuildsBaseAndRule(t *testing.T) {
	base := t.TempDir()
	cfg, err := ParseOptions([]string{
		"base=" + base,
		"source=flac",
		"target=mp3",
		"pipeline=lame",
		"trueSize",
		"readAhead=4",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, base, cfg.Base)
	assert.True(t, cfg.TrueSize)
	assert.Equal(t, 4, cfg.ReadAheadLimit)

	_, _, ok := cfg.Mapping.SourceFrom("song.mp3")
	assert.True(t, ok, "the source=/target=/pipeline= triplet should have committed a rule")
}

func TestParseOptionsBarePositionalIsBase(t *testing.T) {
	base := t.TempDir()
	cfg, err := ParseOptions([]string{base}, nil)
	require.NoError(t, err)
	assert.Equal(t, base, cfg.Base)
}

func TestParseOptionsMultipleRulesEachCommitOnTheirOwnTriplet(t *testing.T) {
	base := t.TempDir()
	cfg, err := ParseOptions([]string{
		"base=" + base,
		"source=flac", "target=mp3", "pipeline=lame",
		"source=wav", "target=ogg", "pipeline=oggenc",
	}, nil)
	require.NoError(t, err)

	_, _, ok := cfg.Mapping.SourceFrom("a.mp3")
	assert.True(t, ok)
	_, _, ok = cfg.Mapping.SourceFrom("a.ogg")
	assert.True(t, ok)
}

func TestParseOptionsMissingBaseIsAnError(t *testing.T) {
	_, err := ParseOptions([]string{"trueSize"}, nil)
	assert.Error(t, err)
}

func TestParseOptionsIncompleteRuleIsAnError(t *testing.T) {
	base := t.TempDir()
	_, err := ParseOptions([]string{"base=" + base, "source=flac"}, nil)
	assert.Error(t, err)
}

func TestParseOptionsCacheLimits(t *testing.T) {
	base := t.TempDir()
	cfg, err := ParseOptions([]string{
		"base=" + base,
		"cacheCount=2k",
		"cacheMemory=5m",
		"cacheTime=1h",
	}, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 2*1024, cfg.CacheLimits.Count)
	assert.EqualValues(t, 5*1024*1024, cfg.CacheLimits.Memory)
	assert.Equal(t, time.Hour, cfg.CacheLimits.Time)
}

func TestParseOptionsCachePersistMustBeADirectory(t *testing.T) {
	base := t.TempDir()
	notADir := filepath.Join(base, "file.txt")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o644))

	_, err := ParseOptions([]string{"base=" + base, "cachePersist=" + notADir}, nil)
	assert.Error(t, err)
}

func TestParseOptionsIgnorePatternsAccumulate(t *testing.T) {
	base := t.TempDir()
	cfg, err := ParseOptions([]string{
		"base=" + base,
		"ignore=*.tmp",
		"ignore=.git",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.tmp", ".git"}, cfg.IgnorePatterns)
}

func TestParseOptionsUnrecognizedOptionIsAnError(t *testing.T) {
	base := t.TempDir()
	_, err := ParseOptions([]string{"base=" + base, "bogus=1"}, nil)
	assert.Error(t, err)
}

func TestParseScaledRejectsGarbage(t *testing.T) {
	_, err := parseScaled("not-a-number", countMultipliers)
	assert.Error(t, err)
}

func TestParseScaledMemoryPercent(t *testing.T) {
	n, err := parseScaledMemory("50%")
	require.NoError(t, err)
	assert.True(t, n >= 0)
}
