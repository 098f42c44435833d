// Package template defines the sandboxed rendering collaborator used by
// template-kind workflow steps to materialise a job's input file.
package template

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	textTemplate "text/template"

	"github.com/jobcore/jobcore/internal/coreerr"
)

// Renderer renders a named template against params and returns the
// resulting text. Implementations MUST NOT execute user-supplied code,
// read arbitrary paths, or escape a configured template root — the core
// only ever consumes the returned string.
type Renderer interface {
	Render(templateID string, params map[string]string) (string, error)
}

// FileRenderer loads templates by id from a single root directory using
// Go's text/template, which has no facility for filesystem or network
// access from within a template body — sandboxing falls out of the engine
// choice rather than an allowlist.
type FileRenderer struct {
	root string
}

// NewFileRenderer constructs a FileRenderer rooted at root. templateID
// values are joined under root and must resolve inside it; a templateID
// containing ".." or an absolute path is rejected before any file access.
func NewFileRenderer(root string) *FileRenderer {
	return &FileRenderer{root: filepath.Clean(root)}
}

// Render loads root/templateID, parses it with text/template, and executes
// it against params.
func (f *FileRenderer) Render(templateID string, params map[string]string) (string, error) {
	if strings.Contains(templateID, "..") || filepath.IsAbs(templateID) {
		return "", coreerr.NewValidationError("template_id", fmt.Sprintf("template id %q escapes the template root", templateID))
	}

	path := filepath.Join(f.root, templateID)
	if !strings.HasPrefix(path, f.root+string(filepath.Separator)) && path != f.root {
		return "", coreerr.NewValidationError("template_id", fmt.Sprintf("template id %q escapes the template root", templateID))
	}

	tmpl, err := textTemplate.New(templateID).Option("missingkey=error").ParseFiles(path)
	if err != nil {
		return "", coreerr.NewValidationError("template_id", fmt.Sprintf("parsing template %q: %v", templateID, err))
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, filepath.Base(path), params); err != nil {
		return "", coreerr.NewValidationError("template_id", fmt.Sprintf("rendering template %q: %v", templateID, err))
	}
	return buf.String(), nil
}
