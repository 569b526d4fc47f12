// Package page defines the event-sourced data model for a living page: a
// rooted tree of entities plus relationships, annotations, constraints and
// visual styles. The whole state is a value that reducers copy and transform;
// nothing in this package performs I/O.
//
// The authoritative representation of a page is its event log. The snapshot
// kept in State is the materialisation of that log and must be reproducible
// by replaying every event from an empty state.
package page

import (
	"fmt"
	"sort"
	"time"
)

// Version is the snapshot format version written by this package. Parsers
// must reject snapshots whose declared version exceeds it.
const Version = 3

// RootID is the sentinel parent identifier for top-level entities. The root
// is not stored in State.Entities; it behaves as an implicit entity with
// display "page" that cannot be removed.
const RootID = "root"

// MaxIDLength bounds entity identifiers.
const MaxIDLength = 64

type (
	// Display is the render hint attached to every entity. The set is closed;
	// reducers reject unknown values.
	Display string

	// Cardinality constrains how many edges of a relationship type may leave
	// or enter an entity. It is declared the first time a type appears and
	// never changes afterwards.
	Cardinality string

	// Visibility controls whether a page document may be published.
	Visibility string

	// Source records which ingress produced an event.
	Source string

	// Entity is one node in the page tree. Entities are soft-removed: the
	// Removed flag hides them from rendering and child iteration while
	// keeping them addressable so history and undo stay intact.
	Entity struct {
		// ID is the stable identifier, unique within a page for all time.
		// Lowercase, underscore-separated, at most MaxIDLength characters.
		ID string
		// Parent is the ID of the parent entity, or RootID.
		Parent string
		// Display is the render hint.
		Display Display
		// Props holds the user-visible properties.
		Props Props
		// Styles holds per-entity visual tokens (the wire key is "_styles").
		Styles Props
		// CreatedSeq is the sequence of the event that created the entity.
		CreatedSeq int64
		// UpdatedSeq is the sequence of the last event that touched the entity.
		UpdatedSeq int64
		// Removed marks a soft-deleted entity.
		Removed bool
		// Order is the explicit child ordering, present once a reorder or a
		// positioned move has touched this entity's children. When empty,
		// children order by creation sequence.
		Order []string
	}

	// Relationship is a tagged directed edge between two entities.
	Relationship struct {
		From string `json:"from"`
		To   string `json:"to"`
		Type string `json:"type"`
	}

	// Annotation is a free-form note attached to the page.
	Annotation struct {
		Note      string    `json:"note"`
		Pinned    bool      `json:"pinned"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Constraint is a declarative rule scoped to the page or to entities.
	Constraint struct {
		ID      string `json:"id"`
		Rule    string `json:"rule"`
		Value   *Value `json:"value,omitempty"`
		Message string `json:"message,omitempty"`
		// Ref scopes the rule to one entity; empty means page-wide.
		Ref string `json:"ref,omitempty"`
		// Field scopes the rule to one property key.
		Field string `json:"field,omitempty"`
	}

	// Meta carries the page-level metadata.
	Meta struct {
		Title    string `json:"title,omitempty"`
		Identity string `json:"identity,omitempty"`
		// Timezone is an IANA zone name, empty when unset.
		Timezone   string     `json:"timezone,omitempty"`
		Visibility Visibility `json:"visibility,omitempty"`
	}

	// State is the full materialised page. Reducers treat it as immutable
	// and return modified clones.
	State struct {
		Meta              Meta
		Entities          map[string]*Entity
		Relationships     []Relationship
		RelationshipTypes map[string]Cardinality
		Annotations       []Annotation
		Constraints       []Constraint
		Styles            Props
		Version           int
		// RootOrder is the explicit ordering of top-level entities, present
		// once a reorder or positioned move has touched the root's children.
		RootOrder []string
	}
)

// Displays is the closed set of render hints.
const (
	DisplayPage      Display = "page"
	DisplaySection   Display = "section"
	DisplayCard      Display = "card"
	DisplayList      Display = "list"
	DisplayTable     Display = "table"
	DisplayChecklist Display = "checklist"
	DisplayMetric    Display = "metric"
	DisplayText      Display = "text"
	DisplayImage     Display = "image"
	DisplayRow       Display = "row"
)

// Cardinalities.
const (
	ManyToOne  Cardinality = "many_to_one"
	OneToOne   Cardinality = "one_to_one"
	ManyToMany Cardinality = "many_to_many"
)

// Visibilities.
const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Event sources.
const (
	SourceWeb    Source = "web"
	SourceSignal Source = "signal"
	SourceAPI    Source = "api"
)

var displays = map[Display]struct{}{
	DisplayPage: {}, DisplaySection: {}, DisplayCard: {}, DisplayList: {},
	DisplayTable: {}, DisplayChecklist: {}, DisplayMetric: {}, DisplayText: {},
	DisplayImage: {}, DisplayRow: {},
}

// ValidDisplay reports whether d belongs to the closed display set.
func ValidDisplay(d Display) bool {
	_, ok := displays[d]
	return ok
}

// ValidCardinality reports whether c is a recognised cardinality.
func ValidCardinality(c Cardinality) bool {
	return c == ManyToOne || c == OneToOne || c == ManyToMany
}

// ValidID reports whether id conforms to the identifier grammar: lowercase
// alphanumeric runs separated by single underscores, at most MaxIDLength
// characters, and distinct from the root sentinel.
func ValidID(id string) bool {
	if id == "" || id == RootID || len(id) > MaxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_':
			if i == 0 || i == len(id)-1 || id[i-1] == '_' {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// NewState returns an empty page state at the current snapshot version.
func NewState() *State {
	return &State{
		Entities:          make(map[string]*Entity),
		RelationshipTypes: make(map[string]Cardinality),
		Styles:            Props{},
		Version:           Version,
	}
}

// Clone returns a deep copy of the state. Reducers mutate clones only.
func (s *State) Clone() *State {
	c := &State{
		Meta:              s.Meta,
		Entities:          make(map[string]*Entity, len(s.Entities)),
		Relationships:     append([]Relationship(nil), s.Relationships...),
		RelationshipTypes: make(map[string]Cardinality, len(s.RelationshipTypes)),
		Annotations:       append([]Annotation(nil), s.Annotations...),
		Constraints:       cloneConstraints(s.Constraints),
		Styles:            s.Styles.Clone(),
		Version:           s.Version,
		RootOrder:         append([]string(nil), s.RootOrder...),
	}
	for id, e := range s.Entities {
		c.Entities[id] = e.Clone()
	}
	for t, card := range s.RelationshipTypes {
		c.RelationshipTypes[t] = card
	}
	return c
}

func cloneConstraints(cs []Constraint) []Constraint {
	if cs == nil {
		return nil
	}
	out := make([]Constraint, len(cs))
	for i, c := range cs {
		out[i] = c
		if c.Value != nil {
			v := c.Value.Clone()
			out[i].Value = &v
		}
	}
	return out
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Props = e.Props.Clone()
	c.Styles = e.Styles.Clone()
	c.Order = append([]string(nil), e.Order...)
	return &c
}

// Entity returns the entity with the given id, removed or not.
func (s *State) Entity(id string) (*Entity, bool) {
	e, ok := s.Entities[id]
	return e, ok
}

// Live returns the entity with the given id when it exists and is not
// soft-removed.
func (s *State) Live(id string) (*Entity, bool) {
	e, ok := s.Entities[id]
	if !ok || e.Removed {
		return nil, false
	}
	return e, true
}

// HasParent reports whether id is a valid parent reference: the root
// sentinel or an existing live entity.
func (s *State) HasParent(id string) bool {
	if id == RootID {
		return true
	}
	_, ok := s.Live(id)
	return ok
}

// Children returns the live children of parent ordered by creation sequence,
// or by the parent's explicit order list when one has been set. Children
// absent from the explicit list sort after it by creation sequence. Pass
// RootID for the top level.
func (s *State) Children(parent string) []*Entity {
	var out []*Entity
	for _, e := range s.Entities {
		if e.Parent == parent && !e.Removed {
			out = append(out, e)
		}
	}
	order := s.ChildOrder(parent)
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	sort.Slice(out, func(i, j int) bool {
		pi, iOK := pos[out[i].ID]
		pj, jOK := pos[out[j].ID]
		switch {
		case iOK && jOK:
			return pi < pj
		case iOK:
			return true
		case jOK:
			return false
		default:
			return out[i].CreatedSeq < out[j].CreatedSeq
		}
	})
	return out
}

// ChildOrder returns the explicit order list for parent, or nil when order
// follows creation sequence.
func (s *State) ChildOrder(parent string) []string {
	if parent == RootID {
		return s.RootOrder
	}
	if e, ok := s.Entities[parent]; ok {
		return e.Order
	}
	return nil
}

// SetChildOrder replaces the explicit order list for parent.
func (s *State) SetChildOrder(parent string, order []string) {
	if parent == RootID {
		s.RootOrder = order
		return
	}
	if e, ok := s.Entities[parent]; ok {
		e.Order = order
	}
}

// LiveCount returns the number of live entities.
func (s *State) LiveCount() int {
	n := 0
	for _, e := range s.Entities {
		if !e.Removed {
			n++
		}
	}
	return n
}

// SectionCount returns the number of live top-level sections.
func (s *State) SectionCount() int {
	n := 0
	for _, e := range s.Entities {
		if e.Parent == RootID && !e.Removed && e.Display == DisplaySection {
			n++
		}
	}
	return n
}

// IsAncestor reports whether ancestor appears on the parent chain of id.
// The root is an ancestor of every entity.
func (s *State) IsAncestor(ancestor, id string) bool {
	if ancestor == RootID {
		return true
	}
	seen := make(map[string]struct{})
	cur := id
	for cur != RootID {
		e, ok := s.Entities[cur]
		if !ok {
			return false
		}
		if _, dup := seen[cur]; dup {
			return false
		}
		seen[cur] = struct{}{}
		if e.Parent == ancestor {
			return true
		}
		cur = e.Parent
	}
	return false
}

// Depth returns the number of edges between the entity and the root. A
// top-level entity has depth 1. Unknown ids report 0.
func (s *State) Depth(id string) int {
	d := 0
	cur := id
	for cur != RootID {
		e, ok := s.Entities[cur]
		if !ok {
			return 0
		}
		d++
		if d > len(s.Entities)+1 {
			return d
		}
		cur = e.Parent
	}
	return d
}

// MaxSequence returns the highest sequence recorded on any entity, used to
// resume numbering when the event log has been compacted away.
func (s *State) MaxSequence() int64 {
	var max int64
	for _, e := range s.Entities {
		if e.CreatedSeq > max {
			max = e.CreatedSeq
		}
		if e.UpdatedSeq > max {
			max = e.UpdatedSeq
		}
	}
	return max
}

func (d Display) String() string { return string(d) }

func (c Cardinality) String() string { return string(c) }

// Validate checks internal consistency of cross-entity references. It backs
// the assembly integrity check and reports the first problem found per
// category.
func (s *State) Validate() []error {
	var errs []error
	for id, e := range s.Entities {
		if id != e.ID {
			errs = append(errs, fmt.Errorf("entity %q stored under key %q", e.ID, id))
		}
		if e.Parent != RootID {
			if _, ok := s.Entities[e.Parent]; !ok {
				errs = append(errs, fmt.Errorf("entity %q references missing parent %q", id, e.Parent))
			}
		}
		if !ValidDisplay(e.Display) {
			errs = append(errs, fmt.Errorf("entity %q has unknown display %q", id, e.Display))
		}
	}
	for _, r := range s.Relationships {
		if _, ok := s.Entities[r.From]; !ok {
			errs = append(errs, fmt.Errorf("relationship %s->%s (%s) references unknown source", r.From, r.To, r.Type))
		}
		if _, ok := s.Entities[r.To]; !ok {
			errs = append(errs, fmt.Errorf("relationship %s->%s (%s) references unknown target", r.From, r.To, r.Type))
		}
		if _, ok := s.RelationshipTypes[r.Type]; !ok {
			errs = append(errs, fmt.Errorf("relationship type %q has no declared cardinality", r.Type))
		}
	}
	return errs
}
