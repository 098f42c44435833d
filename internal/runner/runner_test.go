package runner

import (
	"testing"

	"github.com/jobcore/jobcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRoundTrip(t *testing.T) {
	h := Handle{RunnerKind: store.RunnerSSH, ClusterID: "3", RemoteID: "12345", WorkDir: "/scratch/job-7"}
	parsed, err := ParseHandle(h.Format())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHandle_RejectsMalformed(t *testing.T) {
	_, err := ParseHandle("not-enough-fields")
	require.Error(t, err)
}

func TestValidateOutputFilename(t *testing.T) {
	cases := map[string]bool{
		"stdout_log":   true,
		"results":      true,
		"stdout.log":   false,
		"../escape":    false,
		"a/b":          false,
		".":            false,
		"..":           false,
	}
	for name, wantOK := range cases {
		err := ValidateOutputFilename(name)
		if wantOK {
			assert.NoError(t, err, name)
		} else {
			assert.Error(t, err, name)
		}
	}
}
