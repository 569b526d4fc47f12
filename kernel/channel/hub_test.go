package channel

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/primitive"
	"aide.dev/aide/kernel/reducer"
)

func testState(t *testing.T) *page.State {
	t.Helper()
	events := []page.Event{
		{ID: "e1", Sequence: 1, Type: primitive.EntityCreate, Payload: primitive.MustPayload(
			primitive.CreateEntity{ID: "tasks", Parent: page.RootID, Display: page.DisplaySection})},
		{ID: "e2", Sequence: 2, Type: primitive.EntityCreate, Payload: primitive.MustPayload(
			primitive.CreateEntity{ID: "first", Parent: "tasks", Display: page.DisplayCard})},
		{ID: "e3", Sequence: 3, Type: primitive.RelSet, Payload: primitive.MustPayload(
			primitive.SetRelationship{From: "first", To: "tasks", Type: "belongs_to"})},
	}
	batch := reducer.Replay(events, page.DefaultLimits())
	require.Empty(t, batch.Rejected)
	return batch.State
}

func collect(sub *Subscription, n int) []Frame {
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, <-sub.C())
	}
	return frames
}

func TestAttachReplaysSnapshot(t *testing.T) {
	hub := NewHub(HubOptions{})
	defer hub.Close()

	sub := hub.Attach(context.Background(), "p1", testState(t))
	frames := collect(sub, 5)

	require.Equal(t, FrameSnapshotStart, frames[0].Type)
	// Parents before children.
	require.Equal(t, "entity.create", frames[1].Type)
	require.Equal(t, "entity.create", frames[2].Type)
	require.Equal(t, "rel.set", frames[3].Type)
	require.Equal(t, FrameSnapshotEnd, frames[4].Type)
	require.Equal(t, 1, hub.Subscribers("p1"))
}

func TestBroadcastFanOutOrder(t *testing.T) {
	hub := NewHub(HubOptions{})
	defer hub.Close()
	ctx := context.Background()
	state := page.NewState()

	a := hub.Attach(ctx, "p1", state)
	b := hub.Attach(ctx, "p1", state)
	other := hub.Attach(ctx, "p2", state)

	// Drain the (empty) snapshot replays.
	collect(a, 2)
	collect(b, 2)
	collect(other, 2)

	frames := []Frame{
		{Type: FrameStreamStart, PageID: "p1", TurnID: "t1"},
		{Type: FrameVoice, PageID: "p1", Text: "hello"},
		{Type: FrameStreamEnd, PageID: "p1", TurnID: "t1"},
	}
	hub.Broadcast(ctx, "p1", frames...)

	for _, sub := range []*Subscription{a, b} {
		got := collect(sub, 3)
		require.Equal(t, frames, got, "every subscriber sees the same frames in order")
	}
	select {
	case f := <-other.C():
		t.Fatalf("page p2 subscriber received frame %q", f.Type)
	default:
	}
}

func TestSlowSubscriberDetached(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 2})
	ctx := context.Background()

	sub := hub.Attach(ctx, "p1", page.NewState())
	collect(sub, 2) // snapshot start/end

	hub.Broadcast(ctx, "p1", Frame{Type: FrameVoice}, Frame{Type: FrameVoice})
	// Third frame overflows the buffer of a subscriber that never reads.
	hub.Broadcast(ctx, "p1", Frame{Type: FrameVoice})

	require.Zero(t, hub.Subscribers("p1"))
	// Channel drains the buffered frames then closes.
	collect(sub, 2)
	_, open := <-sub.C()
	require.False(t, open)
}

func TestDetachIdempotent(t *testing.T) {
	hub := NewHub(HubOptions{})
	sub := hub.Attach(context.Background(), "p1", page.NewState())
	hub.Detach(sub)
	hub.Detach(sub)
	require.Zero(t, hub.Subscribers("p1"))
}

func TestCloseRejectsNewAttaches(t *testing.T) {
	hub := NewHub(HubOptions{})
	hub.Close()
	sub := hub.Attach(context.Background(), "p1", page.NewState())
	_, open := <-sub.C()
	require.False(t, open)
}

func TestDeltaFrameTypes(t *testing.T) {
	ev := page.Event{
		ID:       "e1",
		Sequence: 4,
		Type:     primitive.EntityUpdate,
		Payload:  primitive.MustPayload(primitive.UpdateEntity{Ref: "x"}),
	}
	f := DeltaFrame("p1", ev)
	require.Equal(t, primitive.EntityUpdate, f.Type)
	require.Equal(t, "p1", f.PageID)
	require.Equal(t, &ev, f.Event)
}

func TestDiagnosticOf(t *testing.T) {
	perr := primitive.NewError(primitive.CodeParentNotFound, "parent %q not found", "ghost")
	d := DiagnosticOf(perr, "ev9")
	require.Equal(t, string(primitive.CodeParentNotFound), d.Code)
	require.Equal(t, "ev9", d.EventID)
	require.NotEmpty(t, d.Message)
}

// Fan-out keeps per-subscriber order under any interleaving of broadcasts.
func TestFanOutOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("subscribers observe broadcast order", prop.ForAll(
		func(texts []string) bool {
			hub := NewHub(HubOptions{Buffer: len(texts) + 4})
			defer hub.Close()
			ctx := context.Background()
			sub := hub.Attach(ctx, "p", page.NewState())
			collect(sub, 2)

			for _, txt := range texts {
				hub.Broadcast(ctx, "p", Frame{Type: FrameVoice, Text: txt})
			}
			for _, txt := range texts {
				got := <-sub.C()
				if got.Text != txt {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
