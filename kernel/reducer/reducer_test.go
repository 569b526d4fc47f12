package reducer

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/primitive"
)

var testTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func ev(seq int64, typ string, payload any) page.Event {
	return page.Event{
		ID:        "ev-" + typ + "-" + string(rune('0'+seq%10)),
		Sequence:  seq,
		Timestamp: testTime,
		Actor:     "tester",
		Source:    page.SourceAPI,
		Type:      typ,
		Payload:   primitive.MustPayload(payload),
	}
}

func create(seq int64, id, parent string, display page.Display) page.Event {
	return ev(seq, primitive.EntityCreate, primitive.CreateEntity{
		ID: id, Parent: parent, Display: display,
	})
}

func TestReduceCreate(t *testing.T) {
	s := page.NewState()
	out := Reduce(s, create(1, "tasks", page.RootID, page.DisplaySection), page.DefaultLimits())
	require.True(t, out.Applied)
	require.Nil(t, out.Err)

	e, ok := out.State.Live("tasks")
	require.True(t, ok)
	require.Equal(t, page.RootID, e.Parent)
	require.Equal(t, int64(1), e.CreatedSeq)
	require.Equal(t, int64(1), e.UpdatedSeq)

	// Input state untouched.
	require.Zero(t, s.LiveCount())
}

func TestReduceCreateRejections(t *testing.T) {
	s := page.NewState()
	s = Reduce(s, create(1, "tasks", page.RootID, page.DisplaySection), page.DefaultLimits()).State

	cases := []struct {
		name string
		ev   page.Event
		code primitive.Code
	}{
		{"duplicate id", create(2, "tasks", page.RootID, page.DisplayCard), primitive.CodeIDAlreadyExists},
		{"uppercase id", create(2, "Tasks2", page.RootID, page.DisplayCard), primitive.CodeIDInvalid},
		{"root sentinel id", create(2, "root", page.RootID, page.DisplayCard), primitive.CodeIDInvalid},
		{"missing parent", create(2, "orphan", "nope", page.DisplayCard), primitive.CodeParentNotFound},
		{"unknown display", ev(2, primitive.EntityCreate, primitive.CreateEntity{
			ID: "x", Parent: page.RootID, Display: "hologram",
		}), primitive.CodeUnknownDisplay},
		{"unknown primitive", page.Event{Sequence: 2, Type: "entity.explode"}, primitive.CodeUnknownPrimitive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Reduce(s, tc.ev, page.DefaultLimits())
			require.False(t, out.Applied)
			require.NotNil(t, out.Err)
			require.Equal(t, tc.code, out.Err.Code)
		})
	}
}

func TestIDPermanence(t *testing.T) {
	lim := page.DefaultLimits()
	s := page.NewState()
	s = Reduce(s, create(1, "note", page.RootID, page.DisplayText), lim).State
	s = Reduce(s, ev(2, primitive.EntityRemove, primitive.RemoveEntity{Ref: "note"}), lim).State

	// The holder is soft-removed but its id stays taken forever.
	_, live := s.Live("note")
	require.False(t, live)
	out := Reduce(s, create(3, "note", page.RootID, page.DisplayText), lim)
	require.False(t, out.Applied)
	require.Equal(t, primitive.CodeIDAlreadyExists, out.Err.Code)

	// Updates against the removed holder are rejected too.
	out = Reduce(s, ev(3, primitive.EntityUpdate, primitive.UpdateEntity{
		Ref: "note", Props: page.Props{"text": page.String("hi")},
	}), lim)
	require.Equal(t, primitive.CodeRefRemoved, out.Err.Code)
}

func TestReduceMoveCycle(t *testing.T) {
	lim := page.DefaultLimits()
	s := page.NewState()
	s = Reduce(s, create(1, "a", page.RootID, page.DisplaySection), lim).State
	s = Reduce(s, create(2, "b", "a", page.DisplayCard), lim).State

	out := Reduce(s, ev(3, primitive.EntityMove, primitive.MoveEntity{
		Ref: "a", Parent: "b", Position: -1,
	}), lim)
	require.False(t, out.Applied)
	require.Equal(t, primitive.CodeCycle, out.Err.Code)

	out = Reduce(s, ev(3, primitive.EntityMove, primitive.MoveEntity{
		Ref: "a", Parent: "a", Position: -1,
	}), lim)
	require.Equal(t, primitive.CodeCycle, out.Err.Code)
}

func TestReduceMovePosition(t *testing.T) {
	lim := page.DefaultLimits()
	s := page.NewState()
	s = Reduce(s, create(1, "list", page.RootID, page.DisplayList), lim).State
	s = Reduce(s, create(2, "one", "list", page.DisplayRow), lim).State
	s = Reduce(s, create(3, "two", "list", page.DisplayRow), lim).State
	s = Reduce(s, create(4, "three", page.RootID, page.DisplayRow), lim).State

	out := Reduce(s, ev(5, primitive.EntityMove, primitive.MoveEntity{
		Ref: "three", Parent: "list", Position: 0,
	}), lim)
	require.True(t, out.Applied)
	kids := out.State.Children("list")
	require.Len(t, kids, 3)
	require.Equal(t, "three", kids[0].ID)
	require.Equal(t, "one", kids[1].ID)
	require.Equal(t, "two", kids[2].ID)
}

func TestReduceReorder(t *testing.T) {
	lim := page.DefaultLimits()
	s := page.NewState()
	s = Reduce(s, create(1, "a", page.RootID, page.DisplayCard), lim).State
	s = Reduce(s, create(2, "b", page.RootID, page.DisplayCard), lim).State
	s = Reduce(s, create(3, "c", page.RootID, page.DisplayCard), lim).State

	out := Reduce(s, ev(4, primitive.EntityReorder, primitive.ReorderChildren{
		Ref: page.RootID, Children: []string{"c", "a", "b"},
	}), lim)
	require.True(t, out.Applied)
	kids := out.State.Children(page.RootID)
	require.Equal(t, []string{"c", "a", "b"}, ids(kids))

	// Not a permutation: missing child.
	out = Reduce(out.State, ev(5, primitive.EntityReorder, primitive.ReorderChildren{
		Ref: page.RootID, Children: []string{"c", "a"},
	}), lim)
	require.Equal(t, primitive.CodeNotAPermutation, out.Err.Code)

	// Not a permutation: duplicate.
	out2 := Reduce(s, ev(5, primitive.EntityReorder, primitive.ReorderChildren{
		Ref: page.RootID, Children: []string{"a", "a", "b"},
	}), lim)
	require.Equal(t, primitive.CodeNotAPermutation, out2.Err.Code)
}

// Reorder must survive replay: later creations under an ordered parent append
// to the explicit order rather than falling back to creation sequence.
func TestExplicitOrderExtendsOnCreate(t *testing.T) {
	lim := page.DefaultLimits()
	events := []page.Event{
		create(1, "a", page.RootID, page.DisplayCard),
		create(2, "b", page.RootID, page.DisplayCard),
		ev(3, primitive.EntityReorder, primitive.ReorderChildren{
			Ref: page.RootID, Children: []string{"b", "a"},
		}),
		create(4, "c", page.RootID, page.DisplayCard),
	}
	batch := Replay(events, lim)
	require.Empty(t, batch.Rejected)
	require.Equal(t, []string{"b", "a", "c"}, ids(batch.State.Children(page.RootID)))
}

func TestRelationshipCardinality(t *testing.T) {
	lim := page.DefaultLimits()
	s := page.NewState()
	for i, id := range []string{"alice", "bob", "team_a", "team_b"} {
		s = Reduce(s, create(int64(i+1), id, page.RootID, page.DisplayCard), lim).State
	}

	set := func(seq int64, from, to string, card page.Cardinality) Outcome {
		out := Reduce(s, ev(seq, primitive.RelSet, primitive.SetRelationship{
			From: from, To: to, Type: "member_of", Cardinality: card,
		}), lim)
		if out.Applied {
			s = out.State
		}
		return out
	}

	out := set(5, "alice", "team_a", page.ManyToOne)
	require.True(t, out.Applied)
	require.Empty(t, out.RemovedEdges)

	// Same source under many_to_one: prior edge swaps out atomically.
	out = set(6, "alice", "team_b", "")
	require.True(t, out.Applied)
	require.Equal(t, []page.Relationship{{From: "alice", To: "team_a", Type: "member_of"}}, out.RemovedEdges)
	require.Len(t, s.Relationships, 1)

	// Declared cardinality is permanent.
	out = set(7, "bob", "team_a", page.ManyToMany)
	require.False(t, out.Applied)
	require.Equal(t, primitive.CodeCardinalityConflict, out.Err.Code)

	// Removed entities cannot anchor edges.
	s = Reduce(s, ev(8, primitive.EntityRemove, primitive.RemoveEntity{Ref: "bob"}), lim).State
	out = set(9, "bob", "team_a", "")
	require.Equal(t, primitive.CodeRefNotFound, out.Err.Code)
}

func TestRelationshipRemove(t *testing.T) {
	lim := page.DefaultLimits()
	s := page.NewState()
	s = Reduce(s, create(1, "a", page.RootID, page.DisplayCard), lim).State
	s = Reduce(s, create(2, "b", page.RootID, page.DisplayCard), lim).State
	s = Reduce(s, ev(3, primitive.RelSet, primitive.SetRelationship{
		From: "a", To: "b", Type: "links_to",
	}), lim).State

	out := Reduce(s, ev(4, primitive.RelRemove, primitive.RemoveRelationship{
		From: "a", To: "b", Type: "links_to",
	}), lim)
	require.True(t, out.Applied)
	require.Empty(t, out.State.Relationships)

	out = Reduce(out.State, ev(5, primitive.RelRemove, primitive.RemoveRelationship{
		From: "a", To: "b", Type: "links_to",
	}), lim)
	require.Equal(t, primitive.CodeEdgeNotFound, out.Err.Code)
}

func TestHardLimits(t *testing.T) {
	lim := page.DefaultLimits()
	lim.SoftEntities = 2
	lim.HardEntities = 3

	s := page.NewState()
	s = Reduce(s, create(1, "a", page.RootID, page.DisplayCard), lim).State
	s = Reduce(s, create(2, "b", page.RootID, page.DisplayCard), lim).State

	out := Reduce(s, create(3, "c", page.RootID, page.DisplayCard), lim)
	require.True(t, out.Applied)
	require.NotEmpty(t, out.Warnings)

	out = Reduce(out.State, create(4, "d", page.RootID, page.DisplayCard), lim)
	require.False(t, out.Applied)
	require.Equal(t, primitive.CodeLimitExceeded, out.Err.Code)

	// Removing one frees capacity: limits count live entities only.
	s2 := Reduce(out.State, ev(4, primitive.EntityRemove, primitive.RemoveEntity{Ref: "a"}), lim).State
	out = Reduce(s2, create(5, "d", page.RootID, page.DisplayCard), lim)
	require.True(t, out.Applied)
}

func TestMetaAndAnnotations(t *testing.T) {
	lim := page.DefaultLimits()
	s := page.NewState()

	title := "Trip Plan"
	tz := "Europe/Amsterdam"
	out := Reduce(s, ev(1, primitive.MetaSet, primitive.SetMeta{Title: &title, Timezone: &tz}), lim)
	require.True(t, out.Applied)
	require.Equal(t, "Trip Plan", out.State.Meta.Title)
	require.Equal(t, tz, out.State.Meta.Timezone)

	bad := "Mars/Olympus"
	out2 := Reduce(out.State, ev(2, primitive.MetaSet, primitive.SetMeta{Timezone: &bad}), lim)
	require.Equal(t, primitive.CodeUnknownTimezone, out2.Err.Code)

	out3 := Reduce(out.State, ev(2, primitive.MetaAnnotate, primitive.Annotate{Note: "booked flights"}), lim)
	require.True(t, out3.Applied)
	require.Len(t, out3.State.Annotations, 1)
	require.Equal(t, testTime, out3.State.Annotations[0].Timestamp)
}

func TestConstrainReplacesByID(t *testing.T) {
	lim := page.DefaultLimits()
	s := page.NewState()
	s = Reduce(s, ev(1, primitive.MetaConstrain, primitive.Constrain{
		ID: "title_required", Rule: "require", Field: "title",
	}), lim).State
	out := Reduce(s, ev(2, primitive.MetaConstrain, primitive.Constrain{
		ID: "title_required", Rule: "forbid", Field: "title",
	}), lim)
	require.True(t, out.Applied)
	require.Len(t, out.State.Constraints, 1)
	require.Equal(t, "forbid", out.State.Constraints[0].Rule)
}

// A batch keeps partial progress: a rejection mid-batch records the reason
// and applies the remaining events.
func TestApplyPartialBatch(t *testing.T) {
	lim := page.DefaultLimits()
	events := []page.Event{
		create(1, "a", page.RootID, page.DisplayCard),
		create(2, "a", page.RootID, page.DisplayCard), // duplicate
		create(3, "b", page.RootID, page.DisplayCard),
	}
	batch := Apply(page.NewState(), events, lim)
	require.Len(t, batch.Applied, 2)
	require.Len(t, batch.Rejected, 1)
	require.Equal(t, primitive.CodeIDAlreadyExists, batch.Rejected[0].Err.Code)
	require.Equal(t, 2, batch.State.LiveCount())
}

func TestApplySkipsSignals(t *testing.T) {
	lim := page.DefaultLimits()
	events := []page.Event{
		ev(1, primitive.Voice, primitive.VoiceSignal{Text: "on it"}),
		create(2, "a", page.RootID, page.DisplayCard),
		ev(3, primitive.BatchEnd, struct{}{}),
	}
	batch := Apply(page.NewState(), events, lim)
	require.Len(t, batch.Applied, 1)
	require.Empty(t, batch.Rejected)
}

func TestSwapEvent(t *testing.T) {
	trigger := ev(7, primitive.RelSet, primitive.SetRelationship{From: "a", To: "c", Type: "t"})
	swap := SwapEvent(trigger, page.Relationship{From: "a", To: "b", Type: "t"})
	require.Equal(t, trigger.Sequence, swap.Sequence)
	require.Equal(t, primitive.RelRemove, swap.Type)
	require.Equal(t, trigger.ID+":swap", swap.ID)

	payload, perr := primitive.Decode(swap.Type, swap.Payload)
	require.Nil(t, perr)
	require.Equal(t, primitive.RemoveRelationship{From: "a", To: "b", Type: "t"}, payload)
}

// Replaying the same log any number of times yields semantically identical
// states, and replay of applied-only prefixes matches incremental reduction.
func TestReplayDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	idGen := gen.OneConstOf("a", "b", "c", "d", "e", "f")

	properties.Property("replay is deterministic", prop.ForAll(
		func(ops []int, idxs []int) bool {
			events := genEvents(ops, idxs)
			first := Replay(events, page.DefaultLimits())
			second := Replay(events, page.DefaultLimits())
			return first.State.Equal(second.State)
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.Property("incremental application matches replay", prop.ForAll(
		func(ops []int, idxs []int) bool {
			events := genEvents(ops, idxs)
			batch := Replay(events, page.DefaultLimits())

			s := page.NewState()
			for _, e := range batch.Applied {
				out := Reduce(s, e, page.DefaultLimits())
				if !out.Applied {
					return false
				}
				s = out.State
			}
			return s.Equal(batch.State)
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.Property("reduce never mutates its input", prop.ForAll(
		func(id string) bool {
			s := page.NewState()
			s = Reduce(s, create(1, id, page.RootID, page.DisplayCard), page.DefaultLimits()).State
			snapshot := s.Clone()
			Reduce(s, ev(2, primitive.EntityUpdate, primitive.UpdateEntity{
				Ref: id, Props: page.Props{"x": page.Number(1)},
			}), page.DefaultLimits())
			Reduce(s, ev(2, primitive.EntityRemove, primitive.RemoveEntity{Ref: id}), page.DefaultLimits())
			return s.Equal(snapshot)
		},
		idGen,
	))

	properties.TestingRun(t)
}

// genEvents derives a small mixed event log from two integer vectors. The log
// intentionally contains events the reducer will reject.
func genEvents(ops []int, idxs []int) []page.Event {
	names := []string{"a", "b", "c", "d", "e", "f"}
	var events []page.Event
	seq := int64(0)
	pick := func(i int) string { return names[idxs[i%len(idxs)]%len(names)] }
	for i, op := range ops {
		if len(idxs) == 0 {
			break
		}
		seq++
		id := pick(i)
		switch op {
		case 0:
			events = append(events, create(seq, id, page.RootID, page.DisplayCard))
		case 1:
			events = append(events, ev(seq, primitive.EntityUpdate, primitive.UpdateEntity{
				Ref: id, Props: page.Props{"n": page.Number(float64(i))},
			}))
		case 2:
			events = append(events, ev(seq, primitive.EntityRemove, primitive.RemoveEntity{Ref: id}))
		case 3:
			events = append(events, ev(seq, primitive.EntityMove, primitive.MoveEntity{
				Ref: id, Parent: pick(i + 1), Position: -1,
			}))
		case 4:
			events = append(events, ev(seq, primitive.RelSet, primitive.SetRelationship{
				From: id, To: pick(i + 1), Type: "linked",
			}))
		case 5:
			events = append(events, ev(seq, primitive.MetaAnnotate, primitive.Annotate{Note: "n" + id}))
		}
	}
	return events
}

func ids(es []*page.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
