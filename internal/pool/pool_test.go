package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()

	assert.Equal(t, 30*time.Second, cfg.DialTimeout)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, ModeUserDefault, cfg.HostKeyMode)
	assert.EqualValues(t, 16, cfg.MaxProbeFanout)
}

func TestSplitNonEmptyLines(t *testing.T) {
	lines := splitNonEmptyLines("a\nb\r\n\nc\n")
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestShellQuoteOne_RejectsBadPath(t *testing.T) {
	_, err := shellQuoteOne("not a path; rm -rf /")
	require.Error(t, err)
}

func TestShellQuoteOne_AcceptsPlainPath(t *testing.T) {
	quoted, err := shellQuoteOne("/scratch/job-1/work")
	require.NoError(t, err)
	assert.Equal(t, "'/scratch/job-1/work'", quoted)
}

func TestNew_DefaultsClockAndLogger(t *testing.T) {
	p := New(Config{}, nil, nil, nil)
	require.NotNil(t, p)
	assert.NotNil(t, p.clock)
	assert.NotNil(t, p.logger)
	assert.Equal(t, ModeUserDefault, p.cfg.HostKeyMode)
}
