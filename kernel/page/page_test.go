package page

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidID(t *testing.T) {
	valid := []string{"a", "bed_one", "a1", "x_2_y", "task9"}
	for _, id := range valid {
		require.True(t, ValidID(id), "id %q", id)
	}
	invalid := []string{
		"", "root", "Bed", "bed-one", "_bed", "bed_", "bed__one", "bed one",
		strings.Repeat("a", MaxIDLength+1),
	}
	for _, id := range invalid {
		require.False(t, ValidID(id), "id %q", id)
	}
	require.True(t, ValidID(strings.Repeat("a", MaxIDLength)))
}

func entity(id, parent string, seq int64) *Entity {
	return &Entity{ID: id, Parent: parent, Display: DisplayCard, CreatedSeq: seq, UpdatedSeq: seq}
}

func treeState() *State {
	s := NewState()
	s.Entities["beds"] = &Entity{ID: "beds", Parent: RootID, Display: DisplaySection, CreatedSeq: 1, UpdatedSeq: 1}
	s.Entities["bed_one"] = entity("bed_one", "beds", 2)
	s.Entities["bed_two"] = entity("bed_two", "beds", 3)
	s.Entities["note"] = entity("note", "bed_one", 4)
	return s
}

func TestChildrenOrderByCreation(t *testing.T) {
	s := treeState()
	kids := s.Children("beds")
	require.Len(t, kids, 2)
	require.Equal(t, "bed_one", kids[0].ID)
	require.Equal(t, "bed_two", kids[1].ID)
}

func TestChildrenExplicitOrder(t *testing.T) {
	s := treeState()
	s.SetChildOrder("beds", []string{"bed_two", "bed_one"})
	kids := s.Children("beds")
	require.Equal(t, "bed_two", kids[0].ID)
	require.Equal(t, "bed_one", kids[1].ID)

	// Entities missing from the explicit list sort after it.
	s.Entities["bed_three"] = entity("bed_three", "beds", 5)
	kids = s.Children("beds")
	require.Equal(t, []string{"bed_two", "bed_one", "bed_three"}, []string{kids[0].ID, kids[1].ID, kids[2].ID})
}

func TestChildrenSkipRemoved(t *testing.T) {
	s := treeState()
	s.Entities["bed_one"].Removed = true
	kids := s.Children("beds")
	require.Len(t, kids, 1)
	require.Equal(t, "bed_two", kids[0].ID)
}

func TestRootOrder(t *testing.T) {
	s := treeState()
	s.Entities["extra"] = entity("extra", RootID, 5)
	s.SetChildOrder(RootID, []string{"extra", "beds"})
	require.Equal(t, []string{"extra", "beds"}, s.ChildOrder(RootID))
	kids := s.Children(RootID)
	require.Equal(t, "extra", kids[0].ID)
}

func TestLiveAndCounts(t *testing.T) {
	s := treeState()
	require.Equal(t, 4, s.LiveCount())
	require.Equal(t, 1, s.SectionCount())

	s.Entities["note"].Removed = true
	require.Equal(t, 3, s.LiveCount())
	_, ok := s.Live("note")
	require.False(t, ok)
	_, ok = s.Entity("note")
	require.True(t, ok, "removed entities stay addressable")
}

func TestHasParent(t *testing.T) {
	s := treeState()
	require.True(t, s.HasParent(RootID))
	require.True(t, s.HasParent("beds"))
	require.False(t, s.HasParent("ghost"))
	s.Entities["beds"].Removed = true
	require.False(t, s.HasParent("beds"), "removed entities cannot be parents")
}

func TestIsAncestorAndDepth(t *testing.T) {
	s := treeState()
	require.True(t, s.IsAncestor(RootID, "note"))
	require.True(t, s.IsAncestor("beds", "note"))
	require.False(t, s.IsAncestor("note", "beds"))
	require.False(t, s.IsAncestor("bed_two", "note"))

	require.Equal(t, 1, s.Depth("beds"))
	require.Equal(t, 3, s.Depth("note"))
	require.Equal(t, 0, s.Depth("ghost"))
}

func TestMaxSequence(t *testing.T) {
	s := treeState()
	require.Equal(t, int64(4), s.MaxSequence())
	s.Entities["beds"].UpdatedSeq = 9
	require.Equal(t, int64(9), s.MaxSequence())
	require.Zero(t, NewState().MaxSequence())
}

func TestCloneIsDeep(t *testing.T) {
	s := treeState()
	s.Meta.Title = "Garden"
	s.Relationships = []Relationship{{From: "note", To: "beds", Type: "belongs_to"}}
	s.RelationshipTypes["belongs_to"] = ManyToOne
	s.Entities["bed_one"].Props = Props{"soil": String("clay")}
	s.SetChildOrder("beds", []string{"bed_two", "bed_one"})

	c := s.Clone()
	c.Entities["bed_one"].Props["soil"] = String("sand")
	c.Entities["beds"].Order[0] = "bed_one"
	c.Relationships[0].Type = "other"
	c.RelationshipTypes["belongs_to"] = ManyToMany

	require.Equal(t, "clay", s.Entities["bed_one"].Props["soil"].Str())
	require.Equal(t, "bed_two", s.Entities["beds"].Order[0])
	require.Equal(t, "belongs_to", s.Relationships[0].Type)
	require.Equal(t, ManyToOne, s.RelationshipTypes["belongs_to"])
}

func TestValidate(t *testing.T) {
	s := treeState()
	require.Empty(t, s.Validate())

	s.Entities["orphan"] = entity("orphan", "ghost", 6)
	s.Entities["odd"] = &Entity{ID: "odd", Parent: RootID, Display: "hologram", CreatedSeq: 7}
	s.Relationships = []Relationship{{From: "ghost2", To: "beds", Type: "untyped"}}

	errs := s.Validate()
	require.Len(t, errs, 4)
}

func TestValidDisplayAndCardinality(t *testing.T) {
	require.True(t, ValidDisplay(DisplayChecklist))
	require.False(t, ValidDisplay("hologram"))
	require.True(t, ValidCardinality(OneToOne))
	require.False(t, ValidCardinality("some_to_any"))
}
