package page

import (
	"encoding/json"
	"time"
)

// Event records one applied primitive with its metadata. The event log is
// authoritative: replaying every event from an empty state reproduces the
// stored snapshot exactly.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`
	// Sequence is monotonic per page, assigned at apply time.
	Sequence int64 `json:"sequence"`
	// Timestamp is assigned at apply time; reducers read time only from here.
	Timestamp time.Time `json:"timestamp"`
	// Actor identifies the authenticated principal on whose behalf the
	// primitive was applied.
	Actor string `json:"actor"`
	// Source records the ingress that produced the event.
	Source Source `json:"source"`
	// Type is the primitive name (e.g. "entity.create").
	Type string `json:"type"`
	// Payload is the primitive's JSON payload.
	Payload json.RawMessage `json:"payload"`
}

// entityWire is the snapshot form of an entity. Internal metadata keys carry
// the underscore prefix on the wire.
type entityWire struct {
	ID         string   `json:"id"`
	Parent     string   `json:"parent"`
	Display    Display  `json:"display"`
	Props      Props    `json:"props"`
	Styles     Props    `json:"_styles,omitempty"`
	CreatedSeq int64    `json:"_created_seq"`
	UpdatedSeq int64    `json:"_updated_seq"`
	Removed    bool     `json:"_removed,omitempty"`
	Order      []string `json:"_children,omitempty"`
}

// MarshalJSON renders the entity in its snapshot wire form.
func (e *Entity) MarshalJSON() ([]byte, error) {
	props := e.Props
	if props == nil {
		props = Props{}
	}
	return json.Marshal(entityWire{
		ID:         e.ID,
		Parent:     e.Parent,
		Display:    e.Display,
		Props:      props,
		Styles:     e.Styles,
		CreatedSeq: e.CreatedSeq,
		UpdatedSeq: e.UpdatedSeq,
		Removed:    e.Removed,
		Order:      e.Order,
	})
}

// UnmarshalJSON decodes the snapshot wire form.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var w entityWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entity{
		ID:         w.ID,
		Parent:     w.Parent,
		Display:    w.Display,
		Props:      w.Props,
		Styles:     w.Styles,
		CreatedSeq: w.CreatedSeq,
		UpdatedSeq: w.UpdatedSeq,
		Removed:    w.Removed,
		Order:      w.Order,
	}
	if e.Props == nil {
		e.Props = Props{}
	}
	return nil
}

// stateWire is the snapshot form of the whole state.
type stateWire struct {
	Meta              Meta                   `json:"meta"`
	Entities          map[string]*Entity     `json:"entities"`
	Relationships     []Relationship         `json:"relationships"`
	RelationshipTypes map[string]Cardinality `json:"relationship_types"`
	Annotations       []Annotation           `json:"annotations"`
	Constraints       []Constraint           `json:"constraints"`
	Styles            Props                  `json:"styles"`
	Version           int                    `json:"version"`
	RootOrder         []string               `json:"root_children,omitempty"`
}

// MarshalJSON renders the snapshot wire form. Map keys serialise in sorted
// order so equal states marshal to identical bytes.
func (s *State) MarshalJSON() ([]byte, error) {
	w := stateWire{
		Meta:              s.Meta,
		Entities:          s.Entities,
		Relationships:     s.Relationships,
		RelationshipTypes: s.RelationshipTypes,
		Annotations:       s.Annotations,
		Constraints:       s.Constraints,
		Styles:            s.Styles,
		Version:           s.Version,
		RootOrder:         s.RootOrder,
	}
	if w.Entities == nil {
		w.Entities = map[string]*Entity{}
	}
	if w.Relationships == nil {
		w.Relationships = []Relationship{}
	}
	if w.RelationshipTypes == nil {
		w.RelationshipTypes = map[string]Cardinality{}
	}
	if w.Annotations == nil {
		w.Annotations = []Annotation{}
	}
	if w.Constraints == nil {
		w.Constraints = []Constraint{}
	}
	if w.Styles == nil {
		w.Styles = Props{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the snapshot wire form.
func (s *State) UnmarshalJSON(data []byte) error {
	var w stateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = State{
		Meta:              w.Meta,
		Entities:          w.Entities,
		Relationships:     w.Relationships,
		RelationshipTypes: w.RelationshipTypes,
		Annotations:       w.Annotations,
		Constraints:       w.Constraints,
		Styles:            w.Styles,
		Version:           w.Version,
		RootOrder:         w.RootOrder,
	}
	if s.Entities == nil {
		s.Entities = map[string]*Entity{}
	}
	if s.RelationshipTypes == nil {
		s.RelationshipTypes = map[string]Cardinality{}
	}
	if s.Styles == nil {
		s.Styles = Props{}
	}
	return nil
}

// Equal reports whether two states are semantically identical. It is used by
// the integrity check to compare a replayed state against the stored
// snapshot.
func (s *State) Equal(o *State) bool {
	a, err := json.Marshal(s)
	if err != nil {
		return false
	}
	b, err := json.Marshal(o)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
