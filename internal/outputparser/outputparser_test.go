package outputparser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyValueParser_PromotesFinalEnergy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results.txt"), []byte("final_energy = -75.3\nconverged = true\n"), 0o644))

	r, err := KeyValueParser{}.Parse(dir, "demo")
	require.NoError(t, err)
	require.NotNil(t, r.FinalEnergy)
	assert.InDelta(t, -75.3, *r.FinalEnergy, 1e-9)
	assert.Equal(t, "true", r.KeyValues["converged"])
}

func TestKeyValueParser_MissingFileIsNotAnError(t *testing.T) {
	r, err := KeyValueParser{}.Parse(t.TempDir(), "demo")
	require.NoError(t, err)
	assert.Nil(t, r.FinalEnergy)
	assert.Empty(t, r.KeyValues)
}

func TestMarshalResultsKV(t *testing.T) {
	out, err := MarshalResultsKV(map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"1"}`, out)

	out, err = MarshalResultsKV(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, out)
}
