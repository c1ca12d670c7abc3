package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// Template is a seed directory a new workspace is copied from.
type Template struct {
	ID  string `yaml:"id"`
	Dir string `yaml:"dir"`
}

// Engine is one code-generation target (framework) with its templates.
type Engine struct {
	ID              string     `yaml:"id"`
	Name            string     `yaml:"name"`
	SystemPrompt    string     `yaml:"system_prompt"`
	DefaultTemplate string     `yaml:"default_template"`
	Templates       []Template `yaml:"templates"`
}

// Catalog lists the engines a session may be created with.
type Catalog struct {
	Engines []Engine `yaml:"engines"`
}

// DefaultCatalog is used when no ENGINES_FILE is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Engines: []Engine{{
			ID:              "default",
			Name:            "Default",
			SystemPrompt:    "You are a code generation agent. Edit the project in the current directory.",
			DefaultTemplate: "blank",
			Templates:       []Template{{ID: "blank"}},
		}},
	}
}

// LoadCatalog reads an engine catalog from a YAML file. Relative template
// dirs are resolved against the catalog file's directory.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engines file: %w", err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse engines file: %w", err)
	}
	if len(catalog.Engines) == 0 {
		return nil, fmt.Errorf("engines file %s defines no engines", path)
	}
	base := filepath.Dir(path)
	for i := range catalog.Engines {
		for j := range catalog.Engines[i].Templates {
			dir := catalog.Engines[i].Templates[j].Dir
			if dir != "" && !filepath.IsAbs(dir) {
				catalog.Engines[i].Templates[j].Dir = filepath.Join(base, dir)
			}
		}
	}
	return &catalog, nil
}

// Engine looks up an engine by id. An empty id selects the first engine.
func (c *Catalog) Engine(engineID string) (*Engine, error) {
	if engineID == "" && len(c.Engines) > 0 {
		return &c.Engines[0], nil
	}
	for i := range c.Engines {
		if c.Engines[i].ID == engineID {
			return &c.Engines[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEngine, engineID)
}

// Template resolves a template of the engine, falling back to the default template.
func (e *Engine) Template(templateID string) (*Template, error) {
	if templateID == "" {
		templateID = e.DefaultTemplate
	}
	for i := range e.Templates {
		if e.Templates[i].ID == templateID {
			return &e.Templates[i], nil
		}
	}
	if templateID == "" && len(e.Templates) > 0 {
		return &e.Templates[0], nil
	}
	return nil, fmt.Errorf("%w: template %q of engine %q", domain.ErrUnknownEngine, templateID, e.ID)
}
