package render

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"aide.dev/aide/kernel/blueprint"
	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/primitive"
	"aide.dev/aide/kernel/reducer"
)

func buildState(t *testing.T, events []page.Event) *page.State {
	t.Helper()
	batch := reducer.Replay(events, page.DefaultLimits())
	require.Empty(t, batch.Rejected)
	return batch.State
}

func mkEvent(seq int64, typ string, payload any) page.Event {
	return page.Event{
		ID:       "ev" + string(rune('a'+seq%26)),
		Sequence: seq,
		Actor:    "tester",
		Source:   page.SourceAPI,
		Type:     typ,
		Payload:  primitive.MustPayload(payload),
	}
}

func sampleEvents() []page.Event {
	title := "Garden Log"
	return []page.Event{
		mkEvent(1, primitive.MetaSet, primitive.SetMeta{Title: &title}),
		mkEvent(2, primitive.EntityCreate, primitive.CreateEntity{
			ID: "beds", Parent: page.RootID, Display: page.DisplaySection,
			Props: page.Props{"title": page.String("Beds")},
		}),
		mkEvent(3, primitive.EntityCreate, primitive.CreateEntity{
			ID: "bed_one", Parent: "beds", Display: page.DisplayCard,
			Props: page.Props{"title": page.String("Bed one"), "soil": page.String("clay")},
		}),
		mkEvent(4, primitive.EntityCreate, primitive.CreateEntity{
			ID: "todo", Parent: page.RootID, Display: page.DisplayChecklist,
			Props: page.Props{"title": page.String("To do")},
		}),
		mkEvent(5, primitive.EntityCreate, primitive.CreateEntity{
			ID: "water", Parent: "todo", Display: page.DisplayRow,
			Props: page.Props{"title": page.String("Water beds"), "done": page.Bool(true)},
		}),
		mkEvent(6, primitive.RelSet, primitive.SetRelationship{
			From: "water", To: "bed_one", Type: "targets",
		}),
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	events := sampleEvents()
	state := buildState(t, events)
	bp := blueprint.Default()

	doc := Render(state, bp, events)
	parsed, err := Parse(doc)
	require.NoError(t, err)
	require.NotNil(t, parsed.Snapshot)
	require.True(t, state.Equal(parsed.Snapshot), "snapshot must survive the round trip")
	require.Equal(t, bp.Identity, parsed.Blueprint.Identity)
	require.Len(t, parsed.Events, len(events))
	require.Equal(t, events[0].ID, parsed.Events[0].ID)
}

func TestRenderDeterministic(t *testing.T) {
	events := sampleEvents()
	state := buildState(t, events)
	a := Render(state, blueprint.Default(), events)
	b := Render(state, blueprint.Default(), events)
	require.Equal(t, a, b)
}

func TestRenderBody(t *testing.T) {
	events := sampleEvents()
	state := buildState(t, events)
	doc := string(Render(state, blueprint.Default(), events))

	require.Contains(t, doc, "<h1>Garden Log</h1>")
	require.Contains(t, doc, `data-entity="beds"`)
	require.Contains(t, doc, "[x] Water beds")
	require.Contains(t, doc, "<dt>soil</dt><dd>clay</dd>")
}

func TestRenderEscapesContent(t *testing.T) {
	events := []page.Event{
		mkEvent(1, primitive.EntityCreate, primitive.CreateEntity{
			ID: "note", Parent: page.RootID, Display: page.DisplayText,
			Props: page.Props{"text": page.String(`<script>alert("x")</script>`)},
		}),
	}
	state := buildState(t, events)
	doc := string(Render(state, blueprint.Default(), events))
	require.NotContains(t, doc, `<script>alert`)
	require.Contains(t, doc, "&lt;script&gt;")

	// The payload inside the data blocks cannot close the script element
	// early: json.Marshal escapes angle brackets.
	require.NotContains(t, doc, `"</script>`)
	parsed, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.True(t, state.Equal(parsed.Snapshot))
}

func TestRenderDocOptions(t *testing.T) {
	events := sampleEvents()
	state := buildState(t, events)

	doc := string(RenderDoc(state, blueprint.Default(), events, Options{
		Footer:     `<footer class="attribution">made with aide</footer>`,
		OmitEvents: true,
	}))
	require.Contains(t, doc, "made with aide")
	require.NotContains(t, doc, EventsBlockType)

	parsed, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Empty(t, parsed.Events)
}

func TestParseMissingSnapshot(t *testing.T) {
	_, err := Parse([]byte("<!DOCTYPE html><html><body><p>hello</p></body></html>"))
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestParseRejectsNewerVersion(t *testing.T) {
	events := sampleEvents()
	state := buildState(t, events)
	state.Version = page.Version + 1
	doc := Render(state, blueprint.Default(), events)
	_, err := Parse(doc)
	require.ErrorIs(t, err, ErrVersionTooNew)
}

func TestRenderText(t *testing.T) {
	events := sampleEvents()
	state := buildState(t, events)
	text := RenderText(state)
	require.Contains(t, text, "Garden Log")
	require.Contains(t, text, "- Beds")
	require.Contains(t, text, "  - Bed one | soil: clay")
}

// Whatever props an entity carries, the rendered document parses back to a
// semantically equal snapshot.
func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot survives render/parse for arbitrary strings", prop.ForAll(
		func(title, body string) bool {
			events := []page.Event{
				mkEvent(1, primitive.EntityCreate, primitive.CreateEntity{
					ID: "card", Parent: page.RootID, Display: page.DisplayCard,
					Props: page.Props{
						"title": page.String(title),
						"body":  page.String(body),
					},
				}),
			}
			batch := reducer.Replay(events, page.DefaultLimits())
			if len(batch.Rejected) > 0 {
				return false
			}
			doc := Render(batch.State, blueprint.Default(), events)
			parsed, err := Parse(doc)
			if err != nil {
				return false
			}
			return batch.State.Equal(parsed.Snapshot)
		},
		gen.AnyString().SuchThat(func(s string) bool { return !strings.ContainsRune(s, 0) }),
		gen.AnyString().SuchThat(func(s string) bool { return !strings.ContainsRune(s, 0) }),
	))

	properties.TestingRun(t)
}
