package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dockmend/dockmend/pkg/record"
)

var (
	fromRe = regexp.MustCompile(`FROM\s+ubuntu:(\S+)`)
	tagRe  = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// Meta is optional per-recipe metadata parsed from recipe.yaml next to the
// Dockerfile. Everything in it has a working default.
type Meta struct {
	TestCommand string `yaml:"test_command"`
	Enabled     *bool  `yaml:"enabled"`
}

// IsEnabled returns whether the recipe participates in batch sweeps.
// Defaults to true when unset.
func (m Meta) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// Recipe is one build definition: a bibcode directory containing a
// Dockerfile. The loaded text is never mutated; repairs produce fresh
// working copies.
type Recipe struct {
	Bibcode        string
	Dir            string
	Path           string
	BaseVersion    string
	Text           string
	PackageManager string
	Meta           Meta
}

// Load reads the Dockerfile and optional recipe.yaml for one bibcode
// directory.
func Load(dir string) (*Recipe, error) {
	bibcode := filepath.Base(dir)
	path := filepath.Join(dir, "Dockerfile")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	text := string(data)

	base := ExtractBaseVersion(text)
	if base == "" {
		return nil, fmt.Errorf("no ubuntu base version in %s", path)
	}

	r := &Recipe{
		Bibcode:        bibcode,
		Dir:            dir,
		Path:           path,
		BaseVersion:    base,
		Text:           text,
		PackageManager: ClassifyPackageManager(text),
	}

	metaPath := filepath.Join(dir, "recipe.yaml")
	metaData, err := os.ReadFile(metaPath)
	if err == nil {
		if err := yaml.Unmarshal(metaData, &r.Meta); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", metaPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", metaPath, err)
	}

	return r, nil
}

// Discover enumerates bibcode subdirectories of baseDir that contain a
// Dockerfile and loads each. Directories without a usable recipe are
// skipped; if only is non-empty, just that bibcode is returned and its
// absence is an error.
func Discover(baseDir string, only string) ([]*Recipe, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", baseDir, err)
	}

	var recipes []*Recipe
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if only != "" && name != only {
			continue
		}
		dir := filepath.Join(baseDir, name)
		if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
			continue
		}
		r, err := Load(dir)
		if err != nil {
			if only != "" {
				return nil, err
			}
			continue
		}
		recipes = append(recipes, r)
	}

	if only != "" && len(recipes) == 0 {
		return nil, fmt.Errorf("bibcode not found: %s", only)
	}
	return recipes, nil
}

// ExtractBaseVersion returns the ubuntu version from the FROM line, or ""
// if the recipe does not build from an ubuntu base.
func ExtractBaseVersion(text string) string {
	m := fromRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// WithTargetVersion returns the recipe text with the ubuntu base rewritten
// to the given version.
func WithTargetVersion(text, version string) string {
	return fromRe.ReplaceAllString(text, "FROM ubuntu:"+version)
}

// ImageTag builds the container image tag for a bibcode/version pair,
// sanitized to the engine's naming rules ("RosuS12", "14.04" -> "rosus12:1404").
func ImageTag(bibcode, version string) string {
	name := strings.ToLower(tagRe.ReplaceAllString(bibcode, "_"))
	return name + ":" + strings.ReplaceAll(version, ".", "")
}

// ClassifyPackageManager inspects recipe text for install directives and
// returns record.PkgPip, record.PkgSystem, or record.PkgUnknown. Pure
// classification; pip wins when both appear since the functional payload of
// these recipes is the Python environment.
func ClassifyPackageManager(text string) string {
	lower := strings.ToLower(text)
	pip := strings.Contains(lower, "pip install") || strings.Contains(lower, "pip3 install")
	system := strings.Contains(lower, "apt-get install") ||
		strings.Contains(lower, "apt install") ||
		strings.Contains(lower, "yum install") ||
		strings.Contains(lower, "apk add")

	switch {
	case pip:
		return record.PkgPip
	case system:
		return record.PkgSystem
	default:
		return record.PkgUnknown
	}
}
