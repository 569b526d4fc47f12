// Package decompose consumes the byte stream of a tier call and turns it
// into whole primitives and signals. It tolerates fragments split at
// arbitrary byte boundaries, emits whole primitives only, and converts
// malformed tool payloads into structured parse errors without terminating
// the stream.
package decompose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"aide.dev/aide/kernel/model"
)

// Tool names advertised to every tier.
const (
	ToolMutateEntity    = "mutate_entity"
	ToolSetRelationship = "set_relationship"
	ToolEscalate        = "escalate"
	ToolClarify         = "clarify"
	ToolVoice           = "voice"
)

// mutate_entity actions.
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionRemove  = "remove"
	ActionMove    = "move"
	ActionReorder = "reorder"
)

// set_relationship actions.
const (
	ActionSet       = "set"
	ActionRelRemove = "remove"
	ActionConstrain = "constrain"
)

var mutateEntitySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": []any{ActionCreate, ActionUpdate, ActionRemove, ActionMove, ActionReorder},
		},
		"id":       map[string]any{"type": "string"},
		"ref":      map[string]any{"type": "string"},
		"parent":   map[string]any{"type": "string"},
		"display":  map[string]any{"type": "string"},
		"props":    map[string]any{"type": "object"},
		"position": map[string]any{"type": "integer"},
		"children": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []any{"action"},
	"additionalProperties": false,
}

var setRelationshipSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": []any{ActionSet, ActionRelRemove, ActionConstrain},
		},
		"from":        map[string]any{"type": "string"},
		"to":          map[string]any{"type": "string"},
		"type":        map[string]any{"type": "string"},
		"cardinality": map[string]any{"type": "string", "enum": []any{"many_to_one", "one_to_one", "many_to_many"}},
		"id":          map[string]any{"type": "string"},
		"rule":        map[string]any{"type": "string"},
		"value":       map[string]any{},
		"message":     map[string]any{"type": "string"},
		"ref":         map[string]any{"type": "string"},
		"field":       map[string]any{"type": "string"},
	},
	"required":             []any{"action"},
	"additionalProperties": false,
}

var escalateSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tier":    map[string]any{"type": "string", "enum": []any{"L2", "L3", "L4"}},
		"reason":  map[string]any{"type": "string"},
		"extract": map[string]any{"type": "string"},
	},
	"required":             []any{"tier", "reason"},
	"additionalProperties": false,
}

var clarifySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"prompt":  map[string]any{"type": "string"},
		"options": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []any{"prompt"},
	"additionalProperties": false,
}

var voiceSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"text": map[string]any{"type": "string"},
	},
	"required":             []any{"text"},
	"additionalProperties": false,
}

// ToolDefinitions returns the tool schemas advertised to a tier.
func ToolDefinitions() []*model.ToolDefinition {
	return []*model.ToolDefinition{
		{
			Name: ToolMutateEntity,
			Description: "Create, update, remove, move or reorder one entity of the " +
				"living page. Parents must exist before children.",
			InputSchema: mutateEntitySchema,
		},
		{
			Name: ToolSetRelationship,
			Description: "Set or remove a typed relationship between two entities, " +
				"or attach a declarative constraint.",
			InputSchema: setRelationshipSchema,
		},
		{
			Name:        ToolEscalate,
			Description: "Hand the remainder of this turn to a higher tier with focused context.",
			InputSchema: escalateSchema,
		},
		{
			Name:        ToolClarify,
			Description: "Ask the user to disambiguate before mutating.",
			InputSchema: clarifySchema,
		},
	}
}

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

// compiled returns the compiled validator for the named tool.
func compiled(tool string) (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw := map[string]map[string]any{
			ToolMutateEntity:    mutateEntitySchema,
			ToolSetRelationship: setRelationshipSchema,
			ToolEscalate:        escalateSchema,
			ToolClarify:         clarifySchema,
			ToolVoice:           voiceSchema,
		}
		c := jsonschema.NewCompiler()
		for name, m := range raw {
			data, err := json.Marshal(m)
			if err != nil {
				schemaErr = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				schemaErr = err
				return
			}
			if err := c.AddResource(name+".json", doc); err != nil {
				schemaErr = err
				return
			}
		}
		schemas = make(map[string]*jsonschema.Schema, len(raw))
		for name := range raw {
			s, err := c.Compile(name + ".json")
			if err != nil {
				schemaErr = err
				return
			}
			schemas[name] = s
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	s, ok := schemas[tool]
	if !ok {
		return nil, fmt.Errorf("decompose: no schema for tool %q", tool)
	}
	return s, nil
}

// validatePayload checks raw JSON against the tool's schema.
func validatePayload(tool string, raw json.RawMessage) error {
	s, err := compiled(tool)
	if err != nil {
		return err
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode tool payload: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return err
	}
	return nil
}
