package secret

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore_OverlayTakesPrecedenceOverEnv(t *testing.T) {
	os.Setenv("JOBCORE_CLUSTER_PASSWORD_7", "from-env")
	defer os.Unsetenv("JOBCORE_CLUSTER_PASSWORD_7")

	s := NewEnvStore()
	pw, ok, err := s.GetPassword(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-env", pw)

	require.NoError(t, s.SetPassword(7, "from-overlay"))
	pw, ok, err = s.GetPassword(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-overlay", pw)
}

func TestEnvStore_MissingReturnsNotOK(t *testing.T) {
	os.Unsetenv("JOBCORE_CLUSTER_PASSWORD_99")
	s := NewEnvStore()
	_, ok, err := s.GetPassword(99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnvStore_DeletePasswordRemovesOverlayOnly(t *testing.T) {
	os.Setenv("JOBCORE_CLUSTER_PASSWORD_3", "from-env")
	defer os.Unsetenv("JOBCORE_CLUSTER_PASSWORD_3")

	s := NewEnvStore()
	require.NoError(t, s.SetPassword(3, "overlay"))
	require.NoError(t, s.DeletePassword(3))

	pw, ok, err := s.GetPassword(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-env", pw)
}
