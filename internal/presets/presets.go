// Package presets loads the catalog of ready-made questions offered for an
// uploaded source.
package presets

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultCatalogYAML []byte

const GeneralGroup = "general"

type Preset struct {
	ID       string `yaml:"id" json:"id"`
	Question string `yaml:"question" json:"question"`
	Group    string `yaml:"-" json:"group"`
}

type Group struct {
	Name    string   `yaml:"name" json:"name"`
	Match   []string `yaml:"match,omitempty" json:"match,omitempty"`
	Presets []Preset `yaml:"presets" json:"presets"`
}

type Catalog struct {
	Groups []Group `yaml:"groups" json:"groups"`

	byID map[string]Preset
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogYAML)
}

// Load reads the catalog at path, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file: %w", err)
	}
	catalog, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load presets %s: %w", path, err)
	}
	return catalog, nil
}

func Parse(data []byte) (*Catalog, error) {
	catalog := &Catalog{}
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	catalog.byID = make(map[string]Preset)
	for gi := range catalog.Groups {
		group := &catalog.Groups[gi]
		group.Name = strings.TrimSpace(group.Name)
		if group.Name == "" {
			return nil, fmt.Errorf("preset group %d has no name", gi)
		}
		for i := range group.Match {
			group.Match[i] = strings.ToLower(strings.TrimSpace(group.Match[i]))
		}
		for pi := range group.Presets {
			preset := &group.Presets[pi]
			preset.ID = strings.TrimSpace(preset.ID)
			preset.Question = strings.TrimSpace(preset.Question)
			preset.Group = group.Name
			if preset.ID == "" || preset.Question == "" {
				return nil, fmt.Errorf("preset %d in group %s needs an id and a question", pi, group.Name)
			}
			if _, dup := catalog.byID[preset.ID]; dup {
				return nil, fmt.Errorf("duplicate preset id %q", preset.ID)
			}
			catalog.byID[preset.ID] = *preset
		}
	}
	return catalog, nil
}

func (c *Catalog) Lookup(id string) (Preset, bool) {
	if c == nil {
		return Preset{}, false
	}
	preset, ok := c.byID[strings.TrimSpace(id)]
	return preset, ok
}

// All lists every preset in catalog order.
func (c *Catalog) All() []Preset {
	if c == nil {
		return nil
	}
	var out []Preset
	for _, group := range c.Groups {
		out = append(out, group.Presets...)
	}
	return out
}

// ForSource picks the presets that suit an upload by its file name.
func (c *Catalog) ForSource(filename string) []Preset {
	if c == nil {
		return nil
	}
	lowered := strings.ToLower(filename)
	var general []Preset
	for _, group := range c.Groups {
		if group.Name == GeneralGroup {
			general = group.Presets
		}
		for _, match := range group.Match {
			if match != "" && strings.Contains(lowered, match) {
				return append([]Preset(nil), group.Presets...)
			}
		}
	}
	return append([]Preset(nil), general...)
}
