package decompose

import (
	"encoding/json"
	"strings"

	"aide.dev/aide/kernel/model"
	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/primitive"
)

type (
	// Item is one unit produced by decomposition: a whole primitive, a
	// signal, or a structured parse error. Exactly one of the pointer and
	// boolean fields is set; Voice is set alone for narration.
	Item struct {
		// Voice is assistant narration flushed at a text-block boundary.
		Voice string
		// Primitive is one decoded mutation ready for the reducer.
		Primitive *Primitive
		// Escalate requests a tier jump.
		Escalate *primitive.EscalateSignal
		// Clarify asks the user to disambiguate.
		Clarify *primitive.ClarifySignal
		// BatchStart and BatchEnd bracket an atomic group.
		BatchStart bool
		BatchEnd   bool
		// ParseErr reports a malformed tool payload. The stream continues.
		ParseErr *primitive.Error
		// Tool and ToolID identify the originating tool call when the item
		// came from one.
		Tool   string
		ToolID string
	}

	// Primitive pairs a primitive name with its structurally valid payload.
	Primitive struct {
		Name    string
		Payload json.RawMessage
	}

	// Machine assembles whole items from a model chunk stream. Text deltas
	// accumulate until a block boundary and flush as a single voice item;
	// tool-call fragments accumulate per call until the payload completes.
	// Feed never fails: malformed payloads surface as ParseErr items so one
	// bad call cannot terminate the stream.
	Machine struct {
		state    machineState
		text     strings.Builder
		toolName string
		toolID   string
		frags    strings.Builder
	}

	machineState int
)

const (
	stateIdle machineState = iota
	stateText
	stateToolJSON
)

// NewMachine returns a Machine in the idle state.
func NewMachine() *Machine {
	return &Machine{}
}

// Feed advances the machine with one chunk and returns any items completed
// by it.
func (m *Machine) Feed(c model.Chunk) []Item {
	switch c.Type {
	case model.ChunkTypeText:
		var items []Item
		if m.state == stateToolJSON {
			items = append(items, m.flushTool()...)
		}
		m.state = stateText
		m.text.WriteString(c.Text)
		return items

	case model.ChunkTypeToolCallDelta:
		var items []Item
		if m.state == stateText {
			items = append(items, m.flushText()...)
		}
		d := c.ToolCallDelta
		if d == nil {
			return items
		}
		if m.state == stateToolJSON && m.toolID != d.ID {
			items = append(items, m.flushTool()...)
		}
		m.state = stateToolJSON
		if d.Name != "" {
			m.toolName = d.Name
		}
		if d.ID != "" {
			m.toolID = d.ID
		}
		m.frags.WriteString(d.Delta)
		return items

	case model.ChunkTypeToolCall:
		var items []Item
		if m.state == stateText {
			items = append(items, m.flushText()...)
		}
		tc := c.ToolCall
		if tc == nil {
			return items
		}
		payload := tc.Payload
		if len(payload) == 0 && m.state == stateToolJSON && m.toolID == tc.ID {
			payload = json.RawMessage(m.frags.String())
		}
		m.resetTool()
		m.state = stateIdle
		return append(items, Decompose(tc.Name, tc.ID, payload)...)

	case model.ChunkTypeStop:
		return m.Finish()
	}
	return nil
}

// Finish flushes any pending text or tool state at end of stream.
func (m *Machine) Finish() []Item {
	switch m.state {
	case stateText:
		return m.flushText()
	case stateToolJSON:
		return m.flushTool()
	}
	return nil
}

func (m *Machine) flushText() []Item {
	text := m.text.String()
	m.text.Reset()
	m.state = stateIdle
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []Item{{Voice: text}}
}

func (m *Machine) flushTool() []Item {
	name, id := m.toolName, m.toolID
	payload := json.RawMessage(m.frags.String())
	m.resetTool()
	m.state = stateIdle
	return Decompose(name, id, payload)
}

func (m *Machine) resetTool() {
	m.toolName = ""
	m.toolID = ""
	m.frags.Reset()
}

type (
	mutateInput struct {
		Action   string     `json:"action"`
		ID       string     `json:"id"`
		Ref      string     `json:"ref"`
		Parent   string     `json:"parent"`
		Display  string     `json:"display"`
		Props    page.Props `json:"props"`
		Position *int       `json:"position"`
		Children []string   `json:"children"`
	}

	relInput struct {
		Action      string      `json:"action"`
		From        string      `json:"from"`
		To          string      `json:"to"`
		Type        string      `json:"type"`
		Cardinality string      `json:"cardinality"`
		ID          string      `json:"id"`
		Rule        string      `json:"rule"`
		Value       *page.Value `json:"value"`
		Message     string      `json:"message"`
		Ref         string      `json:"ref"`
		Field       string      `json:"field"`
	}
)

// Decompose maps one completed tool call to items. Schema violations and
// malformed JSON become ParseErr items rather than errors.
func Decompose(tool, id string, payload json.RawMessage) []Item {
	if len(payload) == 0 || strings.TrimSpace(string(payload)) == "" {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return parseErr(tool, id, primitive.NewError(primitive.CodeBadPayload,
			"tool %s: payload is not valid JSON", tool))
	}
	if err := validatePayload(tool, payload); err != nil {
		switch tool {
		case ToolMutateEntity, ToolSetRelationship, ToolEscalate, ToolClarify, ToolVoice:
			return parseErr(tool, id, primitive.WrapError(primitive.CodeBadPayload, err,
				"tool %s: payload rejected by schema", tool))
		default:
			return parseErr(tool, id, primitive.NewError(primitive.CodeUnknownPrimitive,
				"unknown tool %q", tool))
		}
	}

	switch tool {
	case ToolMutateEntity:
		return decomposeMutate(id, payload)
	case ToolSetRelationship:
		return decomposeRelationship(id, payload)
	case ToolEscalate:
		var sig primitive.EscalateSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return parseErr(tool, id, primitive.WrapError(primitive.CodeBadPayload, err, "escalate payload"))
		}
		return []Item{{Escalate: &sig, Tool: tool, ToolID: id}}
	case ToolClarify:
		var sig primitive.ClarifySignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return parseErr(tool, id, primitive.WrapError(primitive.CodeBadPayload, err, "clarify payload"))
		}
		return []Item{{Clarify: &sig, Tool: tool, ToolID: id}}
	case ToolVoice:
		var sig primitive.VoiceSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return parseErr(tool, id, primitive.WrapError(primitive.CodeBadPayload, err, "voice payload"))
		}
		return []Item{{Voice: sig.Text, Tool: tool, ToolID: id}}
	}
	return parseErr(tool, id, primitive.NewError(primitive.CodeUnknownPrimitive, "unknown tool %q", tool))
}

func decomposeMutate(id string, payload json.RawMessage) []Item {
	var in mutateInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return parseErr(ToolMutateEntity, id, primitive.WrapError(primitive.CodeBadPayload, err, "mutate_entity payload"))
	}
	ref := in.Ref
	if ref == "" {
		ref = in.ID
	}
	var (
		name string
		p    any
	)
	switch in.Action {
	case ActionCreate:
		name = primitive.EntityCreate
		p = primitive.CreateEntity{
			ID:      in.ID,
			Parent:  in.Parent,
			Display: page.Display(in.Display),
			Props:   in.Props,
		}
	case ActionUpdate:
		name = primitive.EntityUpdate
		p = primitive.UpdateEntity{Ref: ref, Props: in.Props}
	case ActionRemove:
		name = primitive.EntityRemove
		p = primitive.RemoveEntity{Ref: ref}
	case ActionMove:
		pos := -1
		if in.Position != nil {
			pos = *in.Position
		}
		name = primitive.EntityMove
		p = primitive.MoveEntity{Ref: ref, Parent: in.Parent, Position: pos}
	case ActionReorder:
		name = primitive.EntityReorder
		p = primitive.ReorderChildren{Ref: ref, Children: in.Children}
	default:
		return parseErr(ToolMutateEntity, id, primitive.NewError(primitive.CodeBadPayload,
			"mutate_entity: unknown action %q", in.Action))
	}
	return primitiveItem(ToolMutateEntity, id, name, p)
}

func decomposeRelationship(id string, payload json.RawMessage) []Item {
	var in relInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return parseErr(ToolSetRelationship, id, primitive.WrapError(primitive.CodeBadPayload, err, "set_relationship payload"))
	}
	var (
		name string
		p    any
	)
	switch in.Action {
	case ActionSet:
		name = primitive.RelSet
		p = primitive.SetRelationship{
			From:        in.From,
			To:          in.To,
			Type:        in.Type,
			Cardinality: page.Cardinality(in.Cardinality),
		}
	case ActionRelRemove:
		name = primitive.RelRemove
		p = primitive.RemoveRelationship{From: in.From, To: in.To, Type: in.Type}
	case ActionConstrain:
		name = primitive.MetaConstrain
		p = primitive.Constrain{
			ID:      in.ID,
			Rule:    in.Rule,
			Value:   in.Value,
			Message: in.Message,
			Ref:     in.Ref,
			Field:   in.Field,
		}
	default:
		return parseErr(ToolSetRelationship, id, primitive.NewError(primitive.CodeBadPayload,
			"set_relationship: unknown action %q", in.Action))
	}
	return primitiveItem(ToolSetRelationship, id, name, p)
}

// primitiveItem runs structural validation through the primitive registry so
// the reducer only ever sees payloads that decode cleanly.
func primitiveItem(tool, toolID, name string, p any) []Item {
	payload := primitive.MustPayload(p)
	if _, perr := primitive.Decode(name, payload); perr != nil {
		return parseErr(tool, toolID, perr)
	}
	return []Item{{
		Primitive: &Primitive{Name: name, Payload: payload},
		Tool:      tool,
		ToolID:    toolID,
	}}
}

func parseErr(tool, id string, err *primitive.Error) []Item {
	return []Item{{ParseErr: err, Tool: tool, ToolID: id}}
}
