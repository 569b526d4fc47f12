// Package assembly owns the lifecycle of page documents: load, apply, save,
// create, fork, publish, compact, integrity-check and repair. It is the only
// kernel component that touches storage; the reducer and renderer it drives
// stay pure.
package assembly

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"aide.dev/aide/kernel/blueprint"
	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/primitive"
	"aide.dev/aide/kernel/reducer"
	"aide.dev/aide/kernel/render"
	"aide.dev/aide/kernel/telemetry"
)

type (
	// File is the in-memory form of one page document for the duration of a
	// turn. It is not shared across turns: any other writer may advance the
	// stored copy, so every turn begins with a fresh Load.
	File struct {
		// PageID is the opaque immutable page identifier.
		PageID string
		// State is the materialised snapshot.
		State *page.State
		// Events is the ordered event log. After compaction the first
		// sequence may exceed one.
		Events []page.Event
		// Blueprint is the identity scaffold embedded in the document.
		Blueprint *blueprint.Blueprint
		// HTML is the rendered document as of the last render.
		HTML []byte
		// LastSeq is the highest sequence assigned on this page.
		LastSeq int64
		// Size is the byte length of HTML.
		Size int
	}

	// Pending is one event awaiting assignment: the assembler fills in id,
	// sequence and timestamp before reduction.
	Pending struct {
		Type    string
		Payload []byte
		Actor   string
		Source  page.Source
	}

	// PublishOptions tweaks the public copy of a document.
	PublishOptions struct {
		// Slug overrides the generated slug. Must already be validated.
		Slug string
		// FreeTier injects the attribution footer.
		FreeTier bool
	}

	// IntegrityReport is the result of CheckIntegrity.
	IntegrityReport struct {
		// Clean reports that no problem was found.
		Clean bool
		// ReplaySkipped is set when the log was compacted and the snapshot
		// cannot be rebuilt from it, so only structural checks ran.
		ReplaySkipped bool
		// Mismatch reports that replaying the log produced a different state
		// than the stored snapshot.
		Mismatch bool
		// SequenceGaps lists missing sequence numbers in the log.
		SequenceGaps []int64
		// BrokenParents lists entity ids whose parent is not in the state.
		BrokenParents []string
		// UnknownEndpoints lists relationship endpoints not in the state.
		UnknownEndpoints []string
		// ReplayRejections counts events the reducer rejected during replay.
		ReplayRejections int
	}

	// Options configures an Assembler.
	Options struct {
		// Workspace is the store holding private working copies. Required.
		Workspace Store
		// Public is the store holding published copies. Defaults to
		// Workspace.
		Public Store
		// PublicBaseURL prefixes published slugs to form public URLs.
		PublicBaseURL string
		// Footer is the HTML injected on free-tier publishes.
		Footer string
		// Limits are the capacity limits passed to the reducer.
		Limits page.Limits
		// Logger receives save/publish diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// Clock supplies event timestamps. Defaults to time.Now.
		Clock func() time.Time
	}

	// Assembler performs document lifecycle operations against a pair of
	// stores. Safe for concurrent use across pages; per-page exclusion is the
	// orchestrator's job.
	Assembler struct {
		workspace Store
		public    Store
		baseURL   string
		footer    string
		limits    page.Limits
		log       telemetry.Logger
		now       func() time.Time
	}
)

// Publish thresholds and compaction bounds.
const (
	// StripEventsAbove is the event count beyond which published copies omit
	// the log.
	StripEventsAbove = 500
	// CompactAboveEvents triggers compaction on event count.
	CompactAboveEvents = 500
	// CompactAboveBytes triggers compaction on rendered size.
	CompactAboveBytes = 200 << 10
	// DefaultKeepRecent is the suffix of the log retained by Compact.
	DefaultKeepRecent = 100
	// SlugLength is the default published slug length.
	SlugLength = 8
)

const docContentType = "text/html; charset=utf-8"

// New validates opts and returns an Assembler.
func New(opts Options) (*Assembler, error) {
	if opts.Workspace == nil {
		return nil, fmt.Errorf("assembly: workspace store is required")
	}
	if opts.Public == nil {
		opts.Public = opts.Workspace
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Limits == (page.Limits{}) {
		opts.Limits = page.DefaultLimits()
	}
	return &Assembler{
		workspace: opts.Workspace,
		public:    opts.Public,
		baseURL:   opts.PublicBaseURL,
		footer:    opts.Footer,
		limits:    opts.Limits,
		log:       opts.Logger,
		now:       opts.Clock,
	}, nil
}

// WorkspaceKey returns the storage key of a page's working copy.
func WorkspaceKey(pageID string) string {
	return "pages/" + pageID + ".html"
}

// PublicKey returns the storage key of a published slug.
func PublicKey(slug string) string {
	return "p/" + slug + ".html"
}

// Create builds a fresh unsaved file around a blueprint. The first save
// happens after the first batch of primitives.
func (a *Assembler) Create(bp *blueprint.Blueprint) *File {
	if bp == nil {
		bp = blueprint.Default()
	}
	f := &File{
		PageID:    uuid.NewString(),
		State:     page.NewState(),
		Events:    []page.Event{},
		Blueprint: bp.Clone(),
	}
	a.render(f)
	return f
}

// Load fetches and parses the stored document for a page.
func (a *Assembler) Load(ctx context.Context, pageID string) (*File, error) {
	raw, err := a.workspace.Get(ctx, WorkspaceKey(pageID))
	if err != nil {
		return nil, fmt.Errorf("load page %s: %w", pageID, err)
	}
	doc, err := render.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("load page %s: %w", pageID, err)
	}
	bp := doc.Blueprint
	if bp == nil {
		bp = blueprint.Default()
	}
	f := &File{
		PageID:    pageID,
		State:     doc.Snapshot,
		Events:    doc.Events,
		Blueprint: bp,
		HTML:      raw,
		Size:      len(raw),
	}
	f.LastSeq = lastSequence(doc.Snapshot, doc.Events)
	return f, nil
}

// Apply assigns identifiers, sequences and timestamps to pending events, runs
// the reducer in order and re-renders on any applied event. Rejected events
// do not consume sequences, so the persisted log stays gap-free. Apply does
// not persist.
func (a *Assembler) Apply(f *File, pending []Pending) reducer.Batch {
	batch := reducer.Batch{State: f.State, RemovedEdges: make(map[string][]page.Relationship)}
	now := a.now().UTC()
	for _, p := range pending {
		if primitive.IsSignal(p.Type) {
			continue
		}
		ev := page.Event{
			ID:        uuid.NewString(),
			Sequence:  f.LastSeq + 1,
			Timestamp: now,
			Actor:     p.Actor,
			Source:    p.Source,
			Type:      p.Type,
			Payload:   p.Payload,
		}
		out := reducer.Reduce(batch.State, ev, a.limits)
		if !out.Applied {
			if out.Err != nil {
				batch.Rejected = append(batch.Rejected, reducer.Rejection{Event: ev, Err: out.Err})
			}
			continue
		}
		f.LastSeq++
		batch.State = out.State
		batch.Applied = append(batch.Applied, ev)
		batch.Warnings = append(batch.Warnings, out.Warnings...)
		if len(out.RemovedEdges) > 0 {
			batch.RemovedEdges[ev.ID] = out.RemovedEdges
		}
	}
	f.State = batch.State
	if len(batch.Applied) > 0 {
		f.Events = append(f.Events, batch.Applied...)
		a.render(f)
	}
	return batch
}

// Save writes the working copy. Transient failures are retried once before
// surfacing.
func (a *Assembler) Save(ctx context.Context, f *File) error {
	if len(f.HTML) == 0 {
		a.render(f)
	}
	opts := PutOptions{ContentType: docContentType, CacheControl: "no-cache"}
	op := func() error {
		return a.workspace.Put(ctx, WorkspaceKey(f.PageID), f.HTML, opts)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		a.log.Error(ctx, "page save failed", "page_id", f.PageID, "err", err)
		return fmt.Errorf("save page %s: %w", f.PageID, err)
	}
	return nil
}

// Fork deep-copies a page into a new page id with a cleared event log and
// cleared per-entity sequence metadata.
func (a *Assembler) Fork(ctx context.Context, pageID string) (*File, error) {
	src, err := a.Load(ctx, pageID)
	if err != nil {
		return nil, err
	}
	state := src.State.Clone()
	for _, e := range state.Entities {
		e.CreatedSeq = 0
		e.UpdatedSeq = 0
	}
	f := &File{
		PageID:    uuid.NewString(),
		State:     state,
		Events:    []page.Event{},
		Blueprint: src.Blueprint.Clone(),
	}
	a.render(f)
	return f, nil
}

// Publish writes a public copy of the document and returns its URL. Logs
// longer than StripEventsAbove are omitted from the copy; free-tier actors
// get the attribution footer.
func (a *Assembler) Publish(ctx context.Context, f *File, opts PublishOptions) (string, error) {
	slug := opts.Slug
	if slug == "" {
		slug = NewSlug(SlugLength)
	}
	ropts := render.Options{OmitEvents: len(f.Events) > StripEventsAbove}
	if opts.FreeTier {
		ropts.Footer = a.footer
	}
	doc := render.RenderDoc(f.State, f.Blueprint, f.Events, ropts)
	put := PutOptions{ContentType: docContentType, CacheControl: "public, max-age=60"}
	if err := a.public.Put(ctx, PublicKey(slug), doc, put); err != nil {
		a.log.Error(ctx, "page publish failed", "page_id", f.PageID, "slug", slug, "err", err)
		return "", fmt.Errorf("publish page %s: %w", f.PageID, err)
	}
	a.log.Info(ctx, "page published", "page_id", f.PageID, "slug", slug, "bytes", len(doc))
	if f.State.Meta.Visibility != page.VisibilityPublic {
		f.State.Meta.Visibility = page.VisibilityPublic
	}
	return a.baseURL + "/" + slug, nil
}

// Published returns the rendered public copy stored under a slug.
func (a *Assembler) Published(ctx context.Context, slug string) ([]byte, error) {
	data, err := a.public.Get(ctx, PublicKey(slug))
	if err != nil {
		return nil, fmt.Errorf("published %s: %w", slug, err)
	}
	return data, nil
}

// Compact drops the event log prefix, keeping the most recent keepRecent
// events. The snapshot is authoritative, so no state changes.
func (a *Assembler) Compact(f *File, keepRecent int) {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	if len(f.Events) <= keepRecent {
		return
	}
	kept := f.Events[len(f.Events)-keepRecent:]
	f.Events = append([]page.Event{}, kept...)
	a.render(f)
}

// ShouldCompact reports whether the file crossed a compaction threshold.
func (a *Assembler) ShouldCompact(f *File) bool {
	return len(f.Events) > CompactAboveEvents || f.Size > CompactAboveBytes
}

// CheckIntegrity replays the log from empty state and compares to the stored
// snapshot, and checks structural referential integrity. A compacted log
// (first sequence above one) skips the replay comparison.
func (a *Assembler) CheckIntegrity(f *File) IntegrityReport {
	var report IntegrityReport

	// Sequence continuity.
	for i := 1; i < len(f.Events); i++ {
		prev, cur := f.Events[i-1].Sequence, f.Events[i].Sequence
		for missing := prev + 1; missing < cur; missing++ {
			report.SequenceGaps = append(report.SequenceGaps, missing)
		}
	}

	// Parent references among live entities.
	for id, e := range f.State.Entities {
		if e.Parent == "" || e.Parent == page.RootID {
			continue
		}
		if _, ok := f.State.Entities[e.Parent]; !ok {
			report.BrokenParents = append(report.BrokenParents, id)
		}
	}

	// Relationship endpoints.
	for _, rel := range f.State.Relationships {
		if _, ok := f.State.Entities[rel.From]; !ok {
			report.UnknownEndpoints = append(report.UnknownEndpoints, rel.From)
		}
		if _, ok := f.State.Entities[rel.To]; !ok {
			report.UnknownEndpoints = append(report.UnknownEndpoints, rel.To)
		}
	}

	if len(f.Events) > 0 && f.Events[0].Sequence > 1 {
		report.ReplaySkipped = true
	} else if len(f.Events) > 0 {
		batch := reducer.Replay(f.Events, a.limits)
		report.ReplayRejections = len(batch.Rejected)
		if !batch.State.Equal(f.State) {
			report.Mismatch = true
		}
	}

	report.Clean = !report.Mismatch &&
		report.ReplayRejections == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.BrokenParents) == 0 &&
		len(report.UnknownEndpoints) == 0
	return report
}

// Repair rebuilds the snapshot by replaying the log and re-renders. It is
// only meaningful on an uncompacted log.
func (a *Assembler) Repair(f *File) reducer.Batch {
	batch := reducer.Replay(f.Events, a.limits)
	f.State = batch.State
	f.LastSeq = lastSequence(f.State, f.Events)
	a.render(f)
	return batch
}

func (a *Assembler) render(f *File) {
	f.HTML = render.Render(f.State, f.Blueprint, f.Events)
	f.Size = len(f.HTML)
}

func lastSequence(s *page.State, events []page.Event) int64 {
	last := s.MaxSequence()
	if n := len(events); n > 0 && events[n-1].Sequence > last {
		last = events[n-1].Sequence
	}
	return last
}

const slugAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewSlug returns a random lowercase alphanumeric slug of length n.
func NewSlug(n int) string {
	if n <= 0 {
		n = SlugLength
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = slugAlphabet[int(b)%len(slugAlphabet)]
	}
	return string(buf)
}
