package sandbox

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LanguageSpec describes how a language runs inside a container.
type LanguageSpec struct {
	Name    Language `yaml:"name"`
	Image   string   `yaml:"image"`
	Command []string `yaml:"command"`
	File    string   `yaml:"file"` // Source file name inside the code mount
	Env     []string `yaml:"env,omitempty"`
}

// Catalog maps languages to their container settings.
type Catalog map[Language]LanguageSpec

// DefaultCatalog returns the built-in container catalog.
func DefaultCatalog() Catalog {
	return Catalog{
		Python: {
			Name:    Python,
			Image:   "python:3.12-slim",
			Command: []string{"python3", "-u", "/sandbox/code/main.py"},
			File:    "main.py",
			Env:     []string{"PYTHONPATH=/sandbox/code", "PYTHONDONTWRITEBYTECODE=1"},
		},
		JavaScript: {
			Name:    JavaScript,
			Image:   "node:22-slim",
			Command: []string{"node", "--require", "/sandbox/code/codebuddy_input.js", "/sandbox/code/main.js"},
			File:    "main.js",
		},
	}
}

// LoadCatalog reads language overrides from a YAML file and merges them over
// the defaults.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var specs []LanguageSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	cat := DefaultCatalog()
	for _, s := range specs {
		lang, err := ParseLanguage(string(s.Name))
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
		if s.Image == "" || len(s.Command) == 0 || s.File == "" {
			return nil, fmt.Errorf("catalog %s: %s needs image, command and file", path, lang)
		}
		s.Name = lang
		cat[lang] = s
	}
	return cat, nil
}

// Images returns the catalog's images, for building an allowlist.
func (c Catalog) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, s := range c {
		if !seen[s.Image] {
			seen[s.Image] = true
			images = append(images, s.Image)
		}
	}
	sort.Strings(images)
	return images
}

// Sorted returns the specs ordered by language name.
func (c Catalog) Sorted() []LanguageSpec {
	specs := make([]LanguageSpec, 0, len(c))
	for _, s := range c {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
