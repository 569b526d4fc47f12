// Package reducer implements the pure state transition function of the
// editing kernel: (state, event) -> (state', outcome). It enforces every
// structural invariant of the page tree — parent existence, acyclicity, id
// permanence, the closed display set, relationship cardinality — and the
// capacity limits. Reduction is total and deterministic: no I/O, no clock
// reads (timestamps come from the event), same inputs always produce the
// same outputs.
package reducer

import (
	"encoding/json"
	"fmt"
	"time"

	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/primitive"
)

type (
	// Outcome is the result of reducing a single event.
	Outcome struct {
		// Applied reports whether the event mutated state. Signals reduce
		// with Applied false and a nil error.
		Applied bool
		// State is the resulting state: a new value when applied, the input
		// state otherwise.
		State *page.State
		// Err carries the rejection when Applied is false and the event was
		// a mutation attempt.
		Err *primitive.Error
		// Warnings lists soft-limit breaches observed during reduction.
		Warnings []string
		// RemovedEdges lists relationship edges removed as part of a rel.set
		// cardinality swap. They are part of the same atomic reduction step
		// and must be surfaced to subscribers as additional deltas.
		RemovedEdges []page.Relationship
	}

	// Rejection pairs a rejected event with its reason.
	Rejection struct {
		Event page.Event
		Err   *primitive.Error
	}

	// Batch is the result of applying a sequence of events in order.
	// Rejection of event k does not skip events after it.
	Batch struct {
		State    *page.State
		Applied  []page.Event
		Rejected []Rejection
		Warnings []string
		// RemovedEdges maps event IDs to the edges their reduction removed.
		RemovedEdges map[string][]page.Relationship
	}
)

// Reduce validates and applies one event to a copy of state. The input state
// is never mutated.
func Reduce(s *page.State, ev page.Event, lim page.Limits) Outcome {
	desc, ok := primitive.Lookup(ev.Type)
	if !ok {
		return rejected(s, primitive.NewError(primitive.CodeUnknownPrimitive, "unknown primitive %q", ev.Type))
	}
	if !desc.Mutating {
		return Outcome{Applied: false, State: s}
	}
	payload, perr := primitive.Decode(ev.Type, ev.Payload)
	if perr != nil {
		return rejected(s, perr)
	}

	next := s.Clone()
	var (
		warnings []string
		removed  []page.Relationship
		err      *primitive.Error
	)
	switch p := payload.(type) {
	case primitive.CreateEntity:
		warnings, err = reduceCreate(next, p, ev.Sequence, lim)
	case primitive.UpdateEntity:
		warnings, err = reduceUpdate(next, p, ev.Sequence, lim)
	case primitive.RemoveEntity:
		err = reduceRemove(next, p, ev.Sequence)
	case primitive.MoveEntity:
		warnings, err = reduceMove(next, p, ev.Sequence, lim)
	case primitive.ReorderChildren:
		err = reduceReorder(next, p, ev.Sequence)
	case primitive.SetRelationship:
		removed, err = reduceRelSet(next, p)
	case primitive.RemoveRelationship:
		err = reduceRelRemove(next, p)
	case primitive.SetStyles:
		next.Styles = next.Styles.Merge(p.Props)
	case primitive.SetEntityStyles:
		err = reduceStyleEntity(next, p, ev.Sequence)
	case primitive.SetMeta:
		err = reduceMetaSet(next, p)
	case primitive.Annotate:
		next.Annotations = append(next.Annotations, page.Annotation{
			Note:      p.Note,
			Pinned:    p.Pinned,
			Timestamp: ev.Timestamp,
		})
	case primitive.Constrain:
		reduceConstrain(next, p)
	default:
		err = primitive.NewError(primitive.CodeUnknownPrimitive, "unhandled payload %T", payload)
	}
	if err != nil {
		return rejected(s, err)
	}
	return Outcome{Applied: true, State: next, Warnings: warnings, RemovedEdges: removed}
}

// Apply reduces events in order against an evolving state, keeping partial
// progress: a rejection records the event and its reason and continues with
// the next event.
func Apply(s *page.State, events []page.Event, lim page.Limits) Batch {
	b := Batch{State: s, RemovedEdges: make(map[string][]page.Relationship)}
	for _, ev := range events {
		if primitive.IsSignal(ev.Type) {
			continue
		}
		out := Reduce(b.State, ev, lim)
		if !out.Applied {
			if out.Err != nil {
				b.Rejected = append(b.Rejected, Rejection{Event: ev, Err: out.Err})
			}
			continue
		}
		b.State = out.State
		b.Applied = append(b.Applied, ev)
		b.Warnings = append(b.Warnings, out.Warnings...)
		if len(out.RemovedEdges) > 0 {
			b.RemovedEdges[ev.ID] = out.RemovedEdges
		}
	}
	return b
}

// Replay applies an event log to an empty state and returns the result.
// Rejections during replay indicate a corrupt log and are returned as part
// of the batch for the caller to inspect.
func Replay(events []page.Event, lim page.Limits) Batch {
	return Apply(page.NewState(), events, lim)
}

func rejected(s *page.State, err *primitive.Error) Outcome {
	return Outcome{Applied: false, State: s, Err: err}
}

func reduceCreate(s *page.State, p primitive.CreateEntity, seq int64, lim page.Limits) ([]string, *primitive.Error) {
	// IDs are permanent: a removed holder still blocks re-use.
	if _, exists := s.Entities[p.ID]; exists {
		return nil, primitive.NewError(primitive.CodeIDAlreadyExists, "entity %q already exists", p.ID)
	}
	if !s.HasParent(p.Parent) {
		return nil, primitive.NewError(primitive.CodeParentNotFound, "parent %q not found", p.Parent)
	}
	var warnings []string
	live := s.LiveCount()
	if live+1 > lim.HardEntities {
		return nil, primitive.NewError(primitive.CodeLimitExceeded, "entity limit %d reached", lim.HardEntities)
	}
	if live+1 > lim.SoftEntities {
		warnings = append(warnings, fmt.Sprintf("page has %d entities (soft limit %d)", live+1, lim.SoftEntities))
	}
	siblings := len(s.Children(p.Parent))
	if siblings+1 > lim.HardChildren {
		return nil, primitive.NewError(primitive.CodeLimitExceeded, "parent %q child limit %d reached", p.Parent, lim.HardChildren)
	}
	if siblings+1 > lim.SoftChildren {
		warnings = append(warnings, fmt.Sprintf("parent %q has %d children (soft limit %d)", p.Parent, siblings+1, lim.SoftChildren))
	}
	if p.Display == page.DisplaySection && p.Parent == page.RootID {
		sections := s.SectionCount()
		if sections+1 > lim.HardSections {
			return nil, primitive.NewError(primitive.CodeLimitExceeded, "section limit %d reached", lim.HardSections)
		}
		if sections+1 > lim.SoftSections {
			warnings = append(warnings, fmt.Sprintf("page has %d sections (soft limit %d)", sections+1, lim.SoftSections))
		}
	}
	depth := 1
	if p.Parent != page.RootID {
		depth = s.Depth(p.Parent) + 1
	}
	if depth > lim.HardDepth {
		return nil, primitive.NewError(primitive.CodeLimitExceeded, "nesting depth %d exceeds limit %d", depth, lim.HardDepth)
	}
	if depth > lim.SoftDepth {
		warnings = append(warnings, fmt.Sprintf("nesting depth %d exceeds soft limit %d", depth, lim.SoftDepth))
	}
	ws, err := checkFieldLimits(p.Props, len(p.Props), lim)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, ws...)

	s.Entities[p.ID] = &page.Entity{
		ID:         p.ID,
		Parent:     p.Parent,
		Display:    p.Display,
		Props:      p.Props.Clone(),
		CreatedSeq: seq,
		UpdatedSeq: seq,
	}
	if order := s.ChildOrder(p.Parent); order != nil {
		s.SetChildOrder(p.Parent, append(order, p.ID))
	}
	return warnings, nil
}

func reduceUpdate(s *page.State, p primitive.UpdateEntity, seq int64, lim page.Limits) ([]string, *primitive.Error) {
	e, ok := s.Entities[p.Ref]
	if !ok {
		return nil, primitive.NewError(primitive.CodeRefNotFound, "entity %q not found", p.Ref)
	}
	if e.Removed {
		return nil, primitive.NewError(primitive.CodeRefRemoved, "entity %q is removed", p.Ref)
	}
	merged := len(e.Props)
	for k := range p.Props {
		if _, exists := e.Props[k]; !exists {
			merged++
		}
	}
	warnings, err := checkFieldLimits(p.Props, merged, lim)
	if err != nil {
		return nil, err
	}
	e.Props = e.Props.Merge(p.Props)
	e.UpdatedSeq = seq
	return warnings, nil
}

func reduceRemove(s *page.State, p primitive.RemoveEntity, seq int64) *primitive.Error {
	e, ok := s.Entities[p.Ref]
	if !ok {
		return primitive.NewError(primitive.CodeRefNotFound, "entity %q not found", p.Ref)
	}
	e.Removed = true
	e.UpdatedSeq = seq
	return nil
}

func reduceMove(s *page.State, p primitive.MoveEntity, seq int64, lim page.Limits) ([]string, *primitive.Error) {
	e, ok := s.Entities[p.Ref]
	if !ok {
		return nil, primitive.NewError(primitive.CodeRefNotFound, "entity %q not found", p.Ref)
	}
	if e.Removed {
		return nil, primitive.NewError(primitive.CodeRefRemoved, "entity %q is removed", p.Ref)
	}
	if !s.HasParent(p.Parent) {
		return nil, primitive.NewError(primitive.CodeParentNotFound, "parent %q not found", p.Parent)
	}
	if p.Parent == p.Ref || (p.Parent != page.RootID && s.IsAncestor(p.Ref, p.Parent)) {
		return nil, primitive.NewError(primitive.CodeCycle, "moving %q under %q introduces a cycle", p.Ref, p.Parent)
	}
	var warnings []string
	if p.Parent != e.Parent {
		siblings := len(s.Children(p.Parent))
		if siblings+1 > lim.HardChildren {
			return nil, primitive.NewError(primitive.CodeLimitExceeded, "parent %q child limit %d reached", p.Parent, lim.HardChildren)
		}
		depth := 1
		if p.Parent != page.RootID {
			depth = s.Depth(p.Parent) + 1
		}
		if depth > lim.HardDepth {
			return nil, primitive.NewError(primitive.CodeLimitExceeded, "nesting depth %d exceeds limit %d", depth, lim.HardDepth)
		}
		if depth > lim.SoftDepth {
			warnings = append(warnings, fmt.Sprintf("nesting depth %d exceeds soft limit %d", depth, lim.SoftDepth))
		}
	}

	// Drop from the old parent's explicit order, if any.
	if old := s.ChildOrder(e.Parent); old != nil {
		trimmed := make([]string, 0, len(old))
		for _, id := range old {
			if id != p.Ref {
				trimmed = append(trimmed, id)
			}
		}
		s.SetChildOrder(e.Parent, trimmed)
	}

	e.Parent = p.Parent
	e.UpdatedSeq = seq

	// Positioned insert materialises an explicit order for the new parent.
	order := s.ChildOrder(p.Parent)
	if order == nil && p.Position >= 0 {
		for _, c := range s.Children(p.Parent) {
			if c.ID != p.Ref {
				order = append(order, c.ID)
			}
		}
	}
	if order != nil {
		trimmed := make([]string, 0, len(order)+1)
		for _, id := range order {
			if id != p.Ref {
				trimmed = append(trimmed, id)
			}
		}
		pos := p.Position
		if pos < 0 || pos > len(trimmed) {
			pos = len(trimmed)
		}
		trimmed = append(trimmed[:pos], append([]string{p.Ref}, trimmed[pos:]...)...)
		s.SetChildOrder(p.Parent, trimmed)
	}
	return warnings, nil
}

func reduceReorder(s *page.State, p primitive.ReorderChildren, seq int64) *primitive.Error {
	if p.Ref != page.RootID {
		e, ok := s.Entities[p.Ref]
		if !ok {
			return primitive.NewError(primitive.CodeRefNotFound, "entity %q not found", p.Ref)
		}
		if e.Removed {
			return primitive.NewError(primitive.CodeRefRemoved, "entity %q is removed", p.Ref)
		}
		e.UpdatedSeq = seq
	}
	current := s.Children(p.Ref)
	if len(current) != len(p.Children) {
		return primitive.NewError(primitive.CodeNotAPermutation, "reorder lists %d children, entity has %d", len(p.Children), len(current))
	}
	live := make(map[string]struct{}, len(current))
	for _, c := range current {
		live[c.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(p.Children))
	for _, id := range p.Children {
		if _, ok := live[id]; !ok {
			return primitive.NewError(primitive.CodeNotAPermutation, "%q is not a live child of %q", id, p.Ref)
		}
		if _, dup := seen[id]; dup {
			return primitive.NewError(primitive.CodeNotAPermutation, "%q listed twice", id)
		}
		seen[id] = struct{}{}
	}
	s.SetChildOrder(p.Ref, append([]string(nil), p.Children...))
	return nil
}

func reduceRelSet(s *page.State, p primitive.SetRelationship) ([]page.Relationship, *primitive.Error) {
	if _, ok := s.Live(p.From); !ok {
		return nil, primitive.NewError(primitive.CodeRefNotFound, "relationship source %q not found", p.From)
	}
	if _, ok := s.Live(p.To); !ok {
		return nil, primitive.NewError(primitive.CodeRefNotFound, "relationship target %q not found", p.To)
	}
	card, registered := s.RelationshipTypes[p.Type]
	switch {
	case !registered:
		if p.Cardinality == "" {
			p.Cardinality = page.ManyToMany
		}
		s.RelationshipTypes[p.Type] = p.Cardinality
		card = p.Cardinality
	case p.Cardinality != "" && p.Cardinality != card:
		return nil, primitive.NewError(primitive.CodeCardinalityConflict,
			"type %q is %s, cannot change to %s", p.Type, card, p.Cardinality)
	}

	var removed []page.Relationship
	keep := s.Relationships[:0]
	for _, r := range s.Relationships {
		if r.Type != p.Type {
			keep = append(keep, r)
			continue
		}
		drop := false
		switch card {
		case page.ManyToOne:
			drop = r.From == p.From
		case page.OneToOne:
			drop = r.From == p.From || r.To == p.To
		}
		// Re-setting the identical edge replaces it in place.
		if r.From == p.From && r.To == p.To {
			drop = true
		}
		if drop {
			if !(r.From == p.From && r.To == p.To) {
				removed = append(removed, r)
			}
		} else {
			keep = append(keep, r)
		}
	}
	s.Relationships = append(keep, page.Relationship{From: p.From, To: p.To, Type: p.Type})
	return removed, nil
}

func reduceRelRemove(s *page.State, p primitive.RemoveRelationship) *primitive.Error {
	for i, r := range s.Relationships {
		if r.From == p.From && r.To == p.To && r.Type == p.Type {
			s.Relationships = append(s.Relationships[:i], s.Relationships[i+1:]...)
			return nil
		}
	}
	return primitive.NewError(primitive.CodeEdgeNotFound, "edge %s->%s (%s) not found", p.From, p.To, p.Type)
}

func reduceStyleEntity(s *page.State, p primitive.SetEntityStyles, seq int64) *primitive.Error {
	e, ok := s.Entities[p.Ref]
	if !ok {
		return primitive.NewError(primitive.CodeRefNotFound, "entity %q not found", p.Ref)
	}
	if e.Removed {
		return primitive.NewError(primitive.CodeRefRemoved, "entity %q is removed", p.Ref)
	}
	e.Styles = e.Styles.Merge(p.Props)
	e.UpdatedSeq = seq
	return nil
}

func reduceMetaSet(s *page.State, p primitive.SetMeta) *primitive.Error {
	if p.Timezone != nil && *p.Timezone != "" {
		if _, err := time.LoadLocation(*p.Timezone); err != nil {
			return primitive.NewError(primitive.CodeUnknownTimezone, "unknown timezone %q", *p.Timezone)
		}
	}
	if p.Title != nil {
		s.Meta.Title = *p.Title
	}
	if p.Identity != nil {
		s.Meta.Identity = *p.Identity
	}
	if p.Timezone != nil {
		s.Meta.Timezone = *p.Timezone
	}
	if p.Visibility != nil {
		s.Meta.Visibility = *p.Visibility
	}
	return nil
}

func reduceConstrain(s *page.State, p primitive.Constrain) {
	c := page.Constraint{
		ID:      p.ID,
		Rule:    p.Rule,
		Value:   p.Value,
		Message: p.Message,
		Ref:     p.Ref,
		Field:   p.Field,
	}
	for i, existing := range s.Constraints {
		if existing.ID == p.ID {
			s.Constraints[i] = c
			return
		}
	}
	s.Constraints = append(s.Constraints, c)
}

func checkFieldLimits(props page.Props, total int, lim page.Limits) ([]string, *primitive.Error) {
	if total > lim.HardFields {
		return nil, primitive.NewError(primitive.CodeLimitExceeded, "entity would have %d fields (limit %d)", total, lim.HardFields)
	}
	var warnings []string
	if total > lim.SoftFields {
		warnings = append(warnings, fmt.Sprintf("entity has %d fields (soft limit %d)", total, lim.SoftFields))
	}
	for key, v := range props {
		if v.Kind() != page.KindList {
			continue
		}
		n := len(v.Items())
		if n > lim.HardListLen {
			return nil, primitive.NewError(primitive.CodeLimitExceeded, "property %q has %d items (limit %d)", key, n, lim.HardListLen)
		}
		if n > lim.SoftListLen {
			warnings = append(warnings, fmt.Sprintf("property %q has %d items (soft limit %d)", key, n, lim.SoftListLen))
		}
	}
	return warnings, nil
}

// SwapEvent synthesises a rel.remove event describing one edge removed by a
// cardinality swap, for broadcast alongside the rel.set delta. The synthetic
// event shares the triggering event's sequence and is not part of the log.
func SwapEvent(trigger page.Event, edge page.Relationship) page.Event {
	payload, _ := json.Marshal(primitive.RemoveRelationship{From: edge.From, To: edge.To, Type: edge.Type})
	return page.Event{
		ID:        trigger.ID + ":swap",
		Sequence:  trigger.Sequence,
		Timestamp: trigger.Timestamp,
		Actor:     trigger.Actor,
		Source:    trigger.Source,
		Type:      primitive.RelRemove,
		Payload:   payload,
	}
}
