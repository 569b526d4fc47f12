// Package blueprint defines the static scaffolding embedded in every page
// document: the identity and voice of the page plus the prompt scaffold used
// when invoking tiers. Blueprints make a page document portable — a stored
// page can be reloaded and driven by the same prompts that created it.
package blueprint

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Blueprint is the scaffold embedded in each page document.
type Blueprint struct {
	// Name identifies the template this blueprint came from.
	Name string `json:"name,omitempty" yaml:"name"`
	// Identity is the page's voice/topic string.
	Identity string `json:"identity" yaml:"identity"`
	// Voice describes the tone used for voice reflections.
	Voice string `json:"voice,omitempty" yaml:"voice"`
	// Prompt is the system prompt scaffold for tier calls.
	Prompt string `json:"prompt,omitempty" yaml:"prompt"`
}

// Default returns the stock blueprint used when no template is configured.
func Default() *Blueprint {
	return &Blueprint{
		Name:     "default",
		Identity: "a living page that organises whatever its owner throws at it",
		Voice:    "brief, plain, first person",
		Prompt: "You maintain a structured living page. Express every change " +
			"through the mutate_entity and set_relationship tools. Reflect state " +
			"in one short sentence of free text before mutating.",
	}
}

// Clone returns a copy of the blueprint.
func (b *Blueprint) Clone() *Blueprint {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// LoadTemplates reads a YAML file mapping template names to blueprints.
func LoadTemplates(path string) (map[string]*Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blueprint templates: %w", err)
	}
	var templates map[string]*Blueprint
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parse blueprint templates: %w", err)
	}
	for name, b := range templates {
		if b == nil || b.Identity == "" {
			return nil, fmt.Errorf("blueprint template %q: %w", name, errors.New("identity is required"))
		}
		b.Name = name
	}
	return templates, nil
}
