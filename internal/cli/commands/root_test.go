package commands

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBuildDateParsesEpoch(t *testing.T) {
	const epoch = "1785715200"
	want := time.Unix(1785715200, 0).Format("2006-01-02")
	assert.Equal(t, want, formatBuildDate(epoch))
}

func TestFormatBuildDateFallsBackOnUnparsable(t *testing.T) {
	assert.Equal(t, "unknown", formatBuildDate("unknown"))
}

func TestGetVersionStringDevBuild(t *testing.T) {
	SetVersion("1.2.3-dev", "abc123", "1785715200")
	got := getVersionString()
	assert.Contains(t, got, "1.2.3-dev")
	assert.Contains(t, got, "abc123")
	assert.Contains(t, got, time.Unix(1785715200, 0).Format("2006-01-02"))
}

func TestGetVersionStringReleaseBuild(t *testing.T) {
	SetVersion("1.2.3", "abc123", "1785715200")
	got := getVersionString()
	want := fmt.Sprintf("1.2.3 (%s)", time.Unix(1785715200, 0).Format("2006-01-02"))
	assert.Equal(t, want, got)
}
