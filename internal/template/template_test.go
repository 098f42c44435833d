package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRenderer_RendersParams(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.tmpl"), []byte("code={{.code_kind}} ranks={{.ranks}}"), 0o644))

	r := NewFileRenderer(dir)
	out, err := r.Render("job.tmpl", map[string]string{"code_kind": "demo", "ranks": "4"})
	require.NoError(t, err)
	assert.Equal(t, "code=demo ranks=4", out)
}

func TestFileRenderer_RejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	r := NewFileRenderer(dir)

	_, err := r.Render("../etc/passwd", map[string]string{})
	require.Error(t, err)

	_, err = r.Render("/etc/passwd", map[string]string{})
	require.Error(t, err)
}

func TestFileRenderer_MissingKeyErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.tmpl"), []byte("{{.undeclared}}"), 0o644))

	r := NewFileRenderer(dir)
	_, err := r.Render("job.tmpl", map[string]string{})
	require.Error(t, err)
}
