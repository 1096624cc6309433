package buildlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dockmend/dockmend/internal/engine"
	"github.com/dockmend/dockmend/internal/recipe"
)

// Manager persists per-attempt artifacts for a pair: the rewritten working
// copy of the Dockerfile and the trailing build log. Files land next to
// each recipe by default so the repair history reads straight out of the
// bibcode directory, or under a dedicated dir when one is configured.
type Manager struct {
	baseDir   string
	tailLines int
}

// NewManager creates a Manager. baseDir of "" keeps artifacts inside each
// recipe's own directory.
func NewManager(baseDir string, tailLines int) *Manager {
	return &Manager{baseDir: baseDir, tailLines: tailLines}
}

func (m *Manager) dirFor(rec *recipe.Recipe) (string, error) {
	if m.baseDir == "" {
		return rec.Dir, nil
	}
	dir := filepath.Join(m.baseDir, rec.Bibcode)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// DockerfileName returns the working-copy file name for an attempt:
// Dockerfile_<ver> for the unmodified rewrite, Dockerfile_<ver>_fixed_<n>
// for repaired copies.
func DockerfileName(version string, attempt int) string {
	if attempt == 0 {
		return "Dockerfile_" + version
	}
	return fmt.Sprintf("Dockerfile_%s_fixed_%d", version, attempt)
}

// LogName returns the build log file name for an attempt.
func LogName(version string, attempt int) string {
	compact := strings.ReplaceAll(version, ".", "")
	if attempt == 0 {
		return fmt.Sprintf("build_log_%s.txt", compact)
	}
	return fmt.Sprintf("build_log_%s_fixed_%d.txt", compact, attempt)
}

// WriteWorkingCopy writes the recipe text for one attempt and returns the
// file path. The original Dockerfile is never touched.
func (m *Manager) WriteWorkingCopy(rec *recipe.Recipe, version string, attempt int, text string) (string, error) {
	dir, err := m.dirFor(rec)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, DockerfileName(version, attempt))
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// WriteBuildLog persists the trailing lines of one attempt's build output.
func (m *Manager) WriteBuildLog(rec *recipe.Recipe, version string, attempt int, output string) (string, error) {
	dir, err := m.dirFor(rec)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, LogName(version, attempt))
	tail := engine.LastLines(output, m.tailLines)
	if tail != "" && !strings.HasSuffix(tail, "\n") {
		tail += "\n"
	}
	if err := os.WriteFile(path, []byte(tail), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
