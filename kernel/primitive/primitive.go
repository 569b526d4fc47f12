package primitive

import (
	"encoding/json"
	"strings"

	"aide.dev/aide/kernel/page"
)

// Mutating primitive names.
const (
	EntityCreate  = "entity.create"
	EntityUpdate  = "entity.update"
	EntityRemove  = "entity.remove"
	EntityMove    = "entity.move"
	EntityReorder = "entity.reorder"
	RelSet        = "rel.set"
	RelRemove     = "rel.remove"
	StyleSet      = "style.set"
	StyleEntity   = "style.entity"
	MetaSet       = "meta.set"
	MetaAnnotate  = "meta.annotate"
	MetaConstrain = "meta.constrain"
)

// Signal primitive names. Signals flow through the pipeline for side effects
// (delivery fan-out, tier escalation, user prompts) but never mutate state.
const (
	Voice      = "voice"
	Escalate   = "escalate"
	Clarify    = "clarify"
	BatchStart = "batch.start"
	BatchEnd   = "batch.end"
)

type (
	// CreateEntity inserts a new entity into the tree.
	CreateEntity struct {
		ID      string       `json:"id"`
		Parent  string       `json:"parent"`
		Display page.Display `json:"display"`
		Props   page.Props   `json:"props,omitempty"`
	}

	// UpdateEntity merges props into an existing entity.
	UpdateEntity struct {
		Ref   string     `json:"ref"`
		Props page.Props `json:"props"`
	}

	// RemoveEntity soft-removes an entity.
	RemoveEntity struct {
		Ref string `json:"ref"`
	}

	// MoveEntity re-parents an entity, inserting at Position in the new
	// parent's child order. Position -1 appends.
	MoveEntity struct {
		Ref      string `json:"ref"`
		Parent   string `json:"parent"`
		Position int    `json:"position"`
	}

	// ReorderChildren replaces an entity's child sequence with the given
	// permutation of its current live children.
	ReorderChildren struct {
		Ref      string   `json:"ref"`
		Children []string `json:"children"`
	}

	// SetRelationship creates a tagged edge, registering the type's
	// cardinality on first use and applying cardinality-appropriate
	// replacement of prior edges.
	SetRelationship struct {
		From        string           `json:"from"`
		To          string           `json:"to"`
		Type        string           `json:"type"`
		Cardinality page.Cardinality `json:"cardinality,omitempty"`
	}

	// RemoveRelationship removes an exact edge.
	RemoveRelationship struct {
		From string `json:"from"`
		To   string `json:"to"`
		Type string `json:"type"`
	}

	// SetStyles merges visual tokens into the page-wide style map.
	SetStyles struct {
		Props page.Props `json:"props"`
	}

	// SetEntityStyles merges visual tokens into one entity's style map.
	SetEntityStyles struct {
		Ref   string     `json:"ref"`
		Props page.Props `json:"props"`
	}

	// SetMeta merges any provided subset into the page meta.
	SetMeta struct {
		Title      *string          `json:"title,omitempty"`
		Identity   *string          `json:"identity,omitempty"`
		Timezone   *string          `json:"timezone,omitempty"`
		Visibility *page.Visibility `json:"visibility,omitempty"`
	}

	// Annotate appends a page annotation.
	Annotate struct {
		Note   string `json:"note"`
		Pinned bool   `json:"pinned,omitempty"`
	}

	// Constrain appends or replaces (by id) a declarative rule.
	Constrain struct {
		ID      string      `json:"id"`
		Rule    string      `json:"rule"`
		Value   *page.Value `json:"value,omitempty"`
		Message string      `json:"message,omitempty"`
		Ref     string      `json:"ref,omitempty"`
		Field   string      `json:"field,omitempty"`
	}

	// VoiceSignal carries a short state reflection emitted by a tier.
	VoiceSignal struct {
		Text string `json:"text"`
	}

	// EscalateSignal requests a tier jump mid-turn. Extract is focused
	// context forwarded to the higher tier.
	EscalateSignal struct {
		Tier    string `json:"tier"`
		Reason  string `json:"reason"`
		Extract string `json:"extract,omitempty"`
	}

	// ClarifySignal asks the user to disambiguate.
	ClarifySignal struct {
		Prompt  string   `json:"prompt"`
		Options []string `json:"options,omitempty"`
	}

	// Descriptor describes one registered primitive.
	Descriptor struct {
		// Name is the primitive name, e.g. "entity.create".
		Name string
		// Mutating reports whether the primitive changes page state. Signals
		// are registered non-mutating and the reducer treats them as no-ops.
		Mutating bool
		// decode parses and structurally validates a JSON payload.
		decode func(json.RawMessage) (any, *Error)
	}
)

// Rules is the closed set of constraint rule names accepted by
// meta.constrain.
var Rules = map[string]struct{}{
	"require":   {},
	"forbid":    {},
	"readonly":  {},
	"max_count": {},
	"min_count": {},
	"format":    {},
}

var registry = map[string]Descriptor{
	EntityCreate:  {Name: EntityCreate, Mutating: true, decode: decodeCreate},
	EntityUpdate:  {Name: EntityUpdate, Mutating: true, decode: decodeUpdate},
	EntityRemove:  {Name: EntityRemove, Mutating: true, decode: decodeRemove},
	EntityMove:    {Name: EntityMove, Mutating: true, decode: decodeMove},
	EntityReorder: {Name: EntityReorder, Mutating: true, decode: decodeReorder},
	RelSet:        {Name: RelSet, Mutating: true, decode: decodeRelSet},
	RelRemove:     {Name: RelRemove, Mutating: true, decode: decodeRelRemove},
	StyleSet:      {Name: StyleSet, Mutating: true, decode: decodeStyleSet},
	StyleEntity:   {Name: StyleEntity, Mutating: true, decode: decodeStyleEntity},
	MetaSet:       {Name: MetaSet, Mutating: true, decode: decodeMetaSet},
	MetaAnnotate:  {Name: MetaAnnotate, Mutating: true, decode: decodeAnnotate},
	MetaConstrain: {Name: MetaConstrain, Mutating: true, decode: decodeConstrain},
	Voice:         {Name: Voice, Mutating: false, decode: decodeVoice},
	Escalate:      {Name: Escalate, Mutating: false, decode: decodeEscalate},
	Clarify:       {Name: Clarify, Mutating: false, decode: decodeClarify},
	BatchStart:    {Name: BatchStart, Mutating: false, decode: decodeEmpty},
	BatchEnd:      {Name: BatchEnd, Mutating: false, decode: decodeEmpty},
}

// Lookup returns the descriptor for name.
func Lookup(name string) (Descriptor, bool) {
	d, ok := registry[name]
	return d, ok
}

// Known reports whether name is a registered primitive.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// IsSignal reports whether name is a registered non-mutating signal.
func IsSignal(name string) bool {
	d, ok := registry[name]
	return ok && !d.Mutating
}

// Names returns every registered primitive name.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// Decode parses the payload for the named primitive and runs its structural
// validation. It returns the typed payload (one of the structs above) or a
// structured error. Structural validation covers shape only; checks against
// page state belong to the reducer.
func Decode(name string, payload json.RawMessage) (any, *Error) {
	d, ok := registry[name]
	if !ok {
		return nil, NewError(CodeUnknownPrimitive, "unknown primitive %q", name)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return d.decode(payload)
}

func decodeCreate(raw json.RawMessage) (any, *Error) {
	var p CreateEntity
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "entity.create payload")
	}
	if !page.ValidID(p.ID) {
		return nil, NewError(CodeIDInvalid, "invalid entity id %q", p.ID)
	}
	if p.Parent == "" {
		p.Parent = page.RootID
	}
	if !page.ValidDisplay(p.Display) {
		return nil, NewError(CodeUnknownDisplay, "unknown display %q", p.Display)
	}
	if err := checkProps(p.Props); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeUpdate(raw json.RawMessage) (any, *Error) {
	var p UpdateEntity
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "entity.update payload")
	}
	if p.Ref == "" {
		return nil, NewError(CodeBadPayload, "entity.update requires ref")
	}
	if err := checkProps(p.Props); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeRemove(raw json.RawMessage) (any, *Error) {
	var p RemoveEntity
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "entity.remove payload")
	}
	if p.Ref == "" {
		return nil, NewError(CodeBadPayload, "entity.remove requires ref")
	}
	if p.Ref == page.RootID {
		return nil, NewError(CodeRootImmutable, "root cannot be removed")
	}
	return p, nil
}

func decodeMove(raw json.RawMessage) (any, *Error) {
	p := MoveEntity{Position: -1}
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "entity.move payload")
	}
	if p.Ref == "" {
		return nil, NewError(CodeBadPayload, "entity.move requires ref")
	}
	if p.Parent == "" {
		p.Parent = page.RootID
	}
	if p.Ref == page.RootID {
		return nil, NewError(CodeRootImmutable, "root cannot be moved")
	}
	return p, nil
}

func decodeReorder(raw json.RawMessage) (any, *Error) {
	var p ReorderChildren
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "entity.reorder payload")
	}
	if p.Ref == "" {
		return nil, NewError(CodeBadPayload, "entity.reorder requires ref")
	}
	if len(p.Children) == 0 {
		return nil, NewError(CodeBadPayload, "entity.reorder requires children")
	}
	return p, nil
}

func decodeRelSet(raw json.RawMessage) (any, *Error) {
	var p SetRelationship
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "rel.set payload")
	}
	if p.From == "" || p.To == "" || p.Type == "" {
		return nil, NewError(CodeBadPayload, "rel.set requires from, to and type")
	}
	if p.Cardinality != "" && !page.ValidCardinality(p.Cardinality) {
		return nil, NewError(CodeUnknownCardinality, "unknown cardinality %q", p.Cardinality)
	}
	return p, nil
}

func decodeRelRemove(raw json.RawMessage) (any, *Error) {
	var p RemoveRelationship
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "rel.remove payload")
	}
	if p.From == "" || p.To == "" || p.Type == "" {
		return nil, NewError(CodeBadPayload, "rel.remove requires from, to and type")
	}
	return p, nil
}

func decodeStyleSet(raw json.RawMessage) (any, *Error) {
	var p SetStyles
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "style.set payload")
	}
	if err := checkProps(p.Props); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeStyleEntity(raw json.RawMessage) (any, *Error) {
	var p SetEntityStyles
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "style.entity payload")
	}
	if p.Ref == "" {
		return nil, NewError(CodeBadPayload, "style.entity requires ref")
	}
	if err := checkProps(p.Props); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeMetaSet(raw json.RawMessage) (any, *Error) {
	var p SetMeta
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "meta.set payload")
	}
	if p.Visibility != nil && *p.Visibility != page.VisibilityPrivate && *p.Visibility != page.VisibilityPublic {
		return nil, NewError(CodeBadPayload, "unknown visibility %q", *p.Visibility)
	}
	return p, nil
}

func decodeAnnotate(raw json.RawMessage) (any, *Error) {
	var p Annotate
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "meta.annotate payload")
	}
	if strings.TrimSpace(p.Note) == "" {
		return nil, NewError(CodeNoteRequired, "meta.annotate requires note")
	}
	return p, nil
}

func decodeConstrain(raw json.RawMessage) (any, *Error) {
	var p Constrain
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "meta.constrain payload")
	}
	if p.ID == "" {
		return nil, NewError(CodeBadPayload, "meta.constrain requires id")
	}
	if _, ok := Rules[p.Rule]; !ok {
		return nil, NewError(CodeUnknownRule, "unknown rule %q", p.Rule)
	}
	return p, nil
}

func decodeVoice(raw json.RawMessage) (any, *Error) {
	var p VoiceSignal
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "voice payload")
	}
	return p, nil
}

func decodeEscalate(raw json.RawMessage) (any, *Error) {
	var p EscalateSignal
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "escalate payload")
	}
	if p.Tier == "" {
		return nil, NewError(CodeBadPayload, "escalate requires tier")
	}
	return p, nil
}

func decodeClarify(raw json.RawMessage) (any, *Error) {
	var p ClarifySignal
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, WrapError(CodeBadPayload, err, "clarify payload")
	}
	if p.Prompt == "" {
		return nil, NewError(CodeBadPayload, "clarify requires prompt")
	}
	return p, nil
}

func decodeEmpty(json.RawMessage) (any, *Error) {
	return struct{}{}, nil
}

func strictUnmarshal(raw json.RawMessage, into any) error {
	return json.Unmarshal(raw, into)
}

// checkProps rejects reserved keys and structurally invalid nesting: list
// elements must be primitives, and maps nest at most one level.
func checkProps(props page.Props) *Error {
	for key, v := range props {
		if strings.HasPrefix(key, "_") {
			return NewError(CodeReservedKey, "property key %q is reserved", key)
		}
		if err := checkValue(key, v, 0); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(key string, v page.Value, depth int) *Error {
	switch v.Kind() {
	case page.KindList:
		for _, it := range v.Items() {
			switch it.Kind() {
			case page.KindList, page.KindMap:
				return NewError(CodeBadPayload, "property %q: array elements must be primitives", key)
			}
		}
	case page.KindMap:
		if depth > 0 {
			return NewError(CodeBadPayload, "property %q: mappings nest at most one level", key)
		}
		for mk, it := range v.Fields() {
			if strings.HasPrefix(mk, "_") {
				return NewError(CodeReservedKey, "property key %q is reserved", mk)
			}
			if err := checkValue(key+"."+mk, it, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// MustPayload marshals a typed payload, panicking on failure. It exists for
// tests and for the decomposer, which builds payloads from already-valid
// structures.
func MustPayload(p any) json.RawMessage {
	data, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return data
}
