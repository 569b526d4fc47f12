package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"aide.dev/aide/kernel/assembly"
	"aide.dev/aide/kernel/channel"
	"aide.dev/aide/kernel/decompose"
	"aide.dev/aide/kernel/model"
	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/primitive"
	"aide.dev/aide/kernel/recorder"
	"aide.dev/aide/kernel/reducer"
	"aide.dev/aide/kernel/render"
)

// turn carries the mutable state of one editing turn.
type turn struct {
	id      string
	pageID  string
	actorID string
	msgID   string
	message string
	source  page.Source
	start   time.Time

	file   *assembly.File
	before string

	calls       []recorder.ModelCall
	primitives  []string
	applied     int
	rejectedN   int
	diagnostics []channel.Diagnostic

	// batching buffers delta frames between batch brackets so the group
	// reaches subscribers in one broadcast.
	batching bool
	batched  []channel.Frame
}

// Message is one inbound user message.
type Message struct {
	// PageID targets an existing page. Empty creates a fresh page for the
	// message.
	PageID string
	// ActorID identifies the author.
	ActorID string
	// Content is the message text.
	Content string
	// MessageID is the client-assigned message id, echoed in the flight
	// record.
	MessageID string
	// Source is the ingress that carried the message. Defaults to signal.
	Source page.Source
}

// HandleMessage runs one user message through the full turn state machine:
// lock, load, tier call(s), streaming apply and broadcast, save, record. A
// message without a page identifier creates a fresh page first; the returned
// id names the page the turn ran against. HandleMessage returns once the
// turn is finalized; the turn trace is recorded asynchronously when a shadow
// call is configured.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg Message) (string, error) {
	if err := o.begin(); err != nil {
		return "", err
	}
	defer o.inflight.Done()

	source := msg.Source
	if source == "" {
		source = page.SourceSignal
	}
	pageID := msg.PageID
	if pageID == "" {
		nf := o.assembler.Create(o.blueprint)
		if err := o.assembler.Save(ctx, nf); err != nil {
			return "", fmt.Errorf("create page for message: %w", err)
		}
		pageID = nf.PageID
		o.metrics.IncCounter("orchestrator.pages_created", 1)
	}

	if err := o.locks.acquire(ctx, pageID); err != nil {
		return pageID, err
	}
	locked := true
	defer func() {
		if locked {
			o.locks.release(pageID)
		}
	}()

	t := &turn{
		id:      uuid.NewString(),
		pageID:  pageID,
		actorID: msg.ActorID,
		msgID:   msg.MessageID,
		message: msg.Content,
		source:  source,
		start:   time.Now(),
	}
	o.metrics.IncCounter("orchestrator.turns", 1, "source", "message")

	f, err := o.assembler.Load(ctx, pageID)
	if err != nil {
		o.hub.Broadcast(ctx, pageID, errorFrame(t, primitive.WrapError(
			primitive.CodeBadPayload, err, "page load failed")))
		return pageID, fmt.Errorf("turn %s: %w", t.id, err)
	}
	t.file = f
	t.before = render.RenderText(f.State)

	o.hub.Broadcast(ctx, pageID, channel.Frame{
		Type: channel.FrameStreamStart, PageID: pageID, TurnID: t.id,
	})

	tier := o.selectTier(f.State)
	extract := ""
	var streamErr error
	for hop := 0; ; hop++ {
		esc, err := o.streamTier(ctx, t, tier, extract)
		if err != nil {
			streamErr = err
			break
		}
		if esc == nil {
			break
		}
		next, derr := o.escalationTarget(tier, esc, hop)
		if derr != nil {
			t.diagnostics = append(t.diagnostics, channel.DiagnosticOf(derr, ""))
			break
		}
		o.log.Info(ctx, "escalating turn",
			"turn_id", t.id, "from", string(tier), "to", string(next), "reason", esc.Reason)
		o.metrics.IncCounter("orchestrator.escalations", 1, "to", string(next))
		tier = next
		extract = esc.Extract
	}

	// Partial work survives stream failures: whatever reduced before the
	// failure is saved and the client sees an error signal.
	var saveErr error
	if t.applied > 0 {
		saveErr = o.assembler.Save(ctx, f)
		if saveErr == nil && o.assembler.ShouldCompact(f) {
			o.assembler.Compact(f, 0)
			saveErr = o.assembler.Save(ctx, f)
			o.metrics.IncCounter("orchestrator.compactions", 1)
		}
	}

	final := []channel.Frame{}
	if len(t.diagnostics) > 0 {
		final = append(final, channel.Frame{
			Type: channel.FrameDiagnostics, PageID: pageID, TurnID: t.id,
			Diagnostics: t.diagnostics,
		})
	}
	if streamErr != nil {
		final = append(final, errorFrame(t, primitive.WrapError(
			primitive.CodeBadPayload, streamErr, "stream failed, partial work kept")))
	}
	if saveErr != nil {
		final = append(final, errorFrame(t, primitive.WrapError(
			primitive.CodeBadPayload, saveErr, "page save failed")))
	}
	final = append(final, channel.Frame{
		Type: channel.FrameStreamEnd, PageID: pageID, TurnID: t.id,
	})
	o.hub.Broadcast(ctx, pageID, final...)

	o.locks.release(pageID)
	locked = false

	o.finishTurn(ctx, t, tier)

	if streamErr != nil {
		return pageID, fmt.Errorf("turn %s: %w", t.id, streamErr)
	}
	return pageID, saveErr
}

// DirectEdit runs a synthetic single-primitive turn for an in-page field
// edit. It follows the same lock, apply, save and broadcast path as a model
// turn.
func (o *Orchestrator) DirectEdit(ctx context.Context, pageID, actorID, entityID, field string, value page.Value) error {
	if err := o.begin(); err != nil {
		return err
	}
	defer o.inflight.Done()

	if err := o.locks.acquire(ctx, pageID); err != nil {
		return err
	}
	defer o.locks.release(pageID)

	t := &turn{
		id:      uuid.NewString(),
		pageID:  pageID,
		actorID: actorID,
		message: fmt.Sprintf("direct edit: %s.%s", entityID, field),
		source:  page.SourceWeb,
		start:   time.Now(),
	}
	o.metrics.IncCounter("orchestrator.turns", 1, "source", "direct_edit")

	f, err := o.assembler.Load(ctx, pageID)
	if err != nil {
		o.hub.Broadcast(ctx, pageID, channel.Frame{
			Type: channel.FrameDirectEditError, PageID: pageID, TurnID: t.id,
			EntityID: entityID, Field: field,
			Error: &channel.Diagnostic{Code: string(primitive.CodeBadPayload), Message: err.Error()},
		})
		return fmt.Errorf("direct edit %s: %w", t.id, err)
	}
	t.file = f
	t.before = render.RenderText(f.State)

	payload := primitive.MustPayload(primitive.UpdateEntity{
		Ref:   entityID,
		Props: page.Props{field: value},
	})
	batch := o.assembler.Apply(f, []assembly.Pending{{
		Type:    primitive.EntityUpdate,
		Payload: payload,
		Actor:   actorID,
		Source:  page.SourceWeb,
	}})
	t.primitives = append(t.primitives, primitive.EntityUpdate)

	if len(batch.Rejected) > 0 {
		rej := batch.Rejected[0]
		t.rejectedN++
		o.hub.Broadcast(ctx, pageID, channel.Frame{
			Type: channel.FrameDirectEditError, PageID: pageID, TurnID: t.id,
			EntityID: entityID, Field: field,
			Error: &channel.Diagnostic{Code: string(rej.Err.Code), Message: rej.Err.Message},
		})
		o.finishTurn(ctx, t, "")
		return nil
	}

	t.applied += len(batch.Applied)
	if err := o.assembler.Save(ctx, f); err != nil {
		o.hub.Broadcast(ctx, pageID, channel.Frame{
			Type: channel.FrameDirectEditError, PageID: pageID, TurnID: t.id,
			EntityID: entityID, Field: field,
			Error: &channel.Diagnostic{Code: string(primitive.CodeBadPayload), Message: err.Error()},
		})
		return fmt.Errorf("direct edit %s: %w", t.id, err)
	}

	frames := deltaFrames(pageID, batch)
	frames = append(frames, channel.Frame{
		Type: channel.FrameDirectEditAck, PageID: pageID, TurnID: t.id,
		EntityID: entityID, Field: field,
	})
	o.hub.Broadcast(ctx, pageID, frames...)

	o.finishTurn(ctx, t, "")
	return nil
}

// streamTier performs one tier call and consumes its stream to completion,
// applying primitives as they decompose. It returns a non-nil escalation
// signal when the tier handed the turn upward.
func (o *Orchestrator) streamTier(ctx context.Context, t *turn, tier model.Tier, extract string) (*primitive.EscalateSignal, error) {
	cfg := o.tiers[tier]
	req := o.buildRequest(t.file, cfg.Model, t.message, extract)

	call := recorder.ModelCall{Tier: string(tier), Model: cfg.Model, Prompt: t.message}
	callStart := time.Now()
	defer func() {
		call.LatencyMS = time.Since(callStart).Milliseconds()
		t.calls = append(t.calls, call)
	}()

	cctx, cancel := context.WithTimeout(ctx, o.tierTimeout(cfg))
	defer cancel()

	stream, err := cfg.Client.Stream(cctx, req)
	if err != nil {
		call.Error = err.Error()
		return nil, fmt.Errorf("tier %s call: %w", tier, err)
	}
	defer stream.Close()

	// A batch the stream never closed still flushes when the tier is done.
	defer o.flushBatch(cctx, t)

	machine := decompose.NewMachine()
	var (
		response strings.Builder
		esc      *primitive.EscalateSignal
	)
	for {
		chunk, rerr := stream.Recv()
		if rerr != nil {
			for _, item := range machine.Finish() {
				o.handleItem(cctx, t, item, &response, &esc)
			}
			if errors.Is(rerr, io.EOF) {
				break
			}
			call.Error = rerr.Error()
			call.Response = response.String()
			return nil, fmt.Errorf("tier %s stream: %w", tier, rerr)
		}
		if chunk.Type == model.ChunkTypeText && chunk.Text != "" {
			// Live narration reaches subscribers as it streams; the machine
			// still flushes the whole block for the trace.
			o.hub.Broadcast(cctx, t.pageID, channel.Frame{
				Type: channel.FrameVoice, PageID: t.pageID, TurnID: t.id, Text: chunk.Text,
			})
		}
		if chunk.Type == model.ChunkTypeUsage && chunk.UsageDelta != nil {
			call.InputTokens += chunk.UsageDelta.InputTokens
			call.OutputTokens += chunk.UsageDelta.OutputTokens
		}
		for _, item := range machine.Feed(chunk) {
			o.handleItem(cctx, t, item, &response, &esc)
		}
		if chunk.Type == model.ChunkTypeStop {
			break
		}
		if esc != nil {
			break
		}
	}
	call.Response = response.String()
	return esc, nil
}

// handleItem routes one decomposed item: primitives to the reducer and the
// hub, signals to their side effects, parse errors to diagnostics.
func (o *Orchestrator) handleItem(ctx context.Context, t *turn, item decompose.Item, response *strings.Builder, esc **primitive.EscalateSignal) {
	switch {
	case item.Primitive != nil:
		t.primitives = append(t.primitives, item.Primitive.Name)
		batch := o.assembler.Apply(t.file, []assembly.Pending{{
			Type:    item.Primitive.Name,
			Payload: item.Primitive.Payload,
			Actor:   t.actorID,
			Source:  t.source,
		}})
		t.applied += len(batch.Applied)
		t.rejectedN += len(batch.Rejected)
		for _, rej := range batch.Rejected {
			t.diagnostics = append(t.diagnostics, channel.DiagnosticOf(rej.Err, rej.Event.ID))
		}
		for _, w := range batch.Warnings {
			t.diagnostics = append(t.diagnostics, channel.Diagnostic{
				Code: string(primitive.CodeLimitExceeded), Message: w,
			})
		}
		if frames := deltaFrames(t.pageID, batch); len(frames) > 0 {
			if t.batching {
				t.batched = append(t.batched, frames...)
			} else {
				o.hub.Broadcast(ctx, t.pageID, frames...)
			}
		}

	case item.Voice != "":
		// Already broadcast chunk by chunk; keep the whole block for the
		// trace.
		response.WriteString(item.Voice)
		response.WriteString("\n")
		t.primitives = append(t.primitives, primitive.Voice)

	case item.Escalate != nil:
		t.primitives = append(t.primitives, primitive.Escalate)
		*esc = item.Escalate

	case item.Clarify != nil:
		t.primitives = append(t.primitives, primitive.Clarify)
		o.hub.Broadcast(ctx, t.pageID, channel.Frame{
			Type: channel.FrameClarify, PageID: t.pageID, TurnID: t.id,
			Prompt: item.Clarify.Prompt, Options: item.Clarify.Options,
		})

	case item.BatchStart:
		t.primitives = append(t.primitives, primitive.BatchStart)
		t.batching = true

	case item.BatchEnd:
		t.primitives = append(t.primitives, primitive.BatchEnd)
		o.flushBatch(ctx, t)

	case item.ParseErr != nil:
		o.metrics.IncCounter("orchestrator.parse_errors", 1, "tool", item.Tool)
		t.diagnostics = append(t.diagnostics, channel.DiagnosticOf(item.ParseErr, item.ToolID))
	}
}

// flushBatch delivers deltas held back inside a batch bracket in a single
// broadcast, so subscribers see the group whole.
func (o *Orchestrator) flushBatch(ctx context.Context, t *turn) {
	if !t.batching {
		return
	}
	t.batching = false
	if len(t.batched) > 0 {
		o.hub.Broadcast(ctx, t.pageID, t.batched...)
		t.batched = nil
	}
}

// escalationTarget validates a requested tier jump.
func (o *Orchestrator) escalationTarget(current model.Tier, esc *primitive.EscalateSignal, hop int) (model.Tier, *primitive.Error) {
	if hop >= o.maxEsc {
		return "", primitive.NewError(primitive.CodeBadPayload,
			"escalation budget exhausted at tier %s", current)
	}
	next := model.Tier(esc.Tier)
	if !model.ValidTier(next) {
		return "", primitive.NewError(primitive.CodeBadPayload, "unknown tier %q", esc.Tier)
	}
	if !next.Above(current) {
		return "", primitive.NewError(primitive.CodeBadPayload,
			"cannot escalate from %s to %s", current, next)
	}
	if cfg, ok := o.tiers[next]; !ok || cfg.Client == nil {
		return "", primitive.NewError(primitive.CodeBadPayload, "tier %s is not configured", next)
	}
	return next, nil
}

// buildRequest assembles the tier request: blueprint scaffold plus current
// page outline as the system prompt, the user content as the only message.
func (o *Orchestrator) buildRequest(f *assembly.File, modelID, content, extract string) model.Request {
	var sys strings.Builder
	bp := f.Blueprint
	if bp.Prompt != "" {
		sys.WriteString(bp.Prompt)
		sys.WriteString("\n\n")
	}
	if bp.Identity != "" {
		fmt.Fprintf(&sys, "Identity: %s\n", bp.Identity)
	}
	if bp.Voice != "" {
		fmt.Fprintf(&sys, "Voice: %s\n", bp.Voice)
	}
	sys.WriteString("\nCurrent page:\n")
	sys.WriteString(render.RenderText(f.State))
	if extract != "" {
		sys.WriteString("\nEscalation context:\n")
		sys.WriteString(extract)
	}
	return model.Request{
		Model:    modelID,
		System:   sys.String(),
		Messages: []model.Message{{Role: model.RoleUser, Content: content}},
		Tools:    decompose.ToolDefinitions(),
	}
}

// finishTurn records the turn trace, running the shadow call first when one
// is configured. Both happen off the lock-protected path.
func (o *Orchestrator) finishTurn(ctx context.Context, t *turn, tier model.Tier) {
	after := ""
	if t.file != nil {
		after = render.RenderText(t.file.State)
	}
	rec := recorder.TurnRecord{
		TurnID:         t.id,
		PageID:         t.pageID,
		ActorID:        t.actorID,
		Source:         t.source,
		Timestamp:      t.start.UTC(),
		UserMessage:    t.message,
		MessageID:      t.msgID,
		SnapshotBefore: t.before,
		SnapshotAfter:  after,
		Calls:          t.calls,
		Primitives:     t.primitives,
		AppliedCount:   t.applied,
		RejectedCount:  t.rejectedN,
		LatencyMS:      time.Since(t.start).Milliseconds(),
	}
	for _, d := range t.diagnostics {
		if rec.Error == "" {
			rec.Error = d.Code + ": " + d.Message
		}
	}

	var shadow *model.TierConfig
	if tier != "" {
		if cfg, ok := o.tiers[tier]; ok && cfg.ShadowModel != "" {
			shadow = &cfg
		}
	}
	if shadow == nil {
		o.record(ctx, rec)
		return
	}

	o.inflight.Add(1)
	sctx := context.WithoutCancel(ctx)
	go func() {
		defer o.inflight.Done()
		rec.Calls = append(rec.Calls, o.shadowCall(sctx, t, *shadow))
		o.record(sctx, rec)
	}()
}

// shadowCall replays the turn prompt against the shadow model. Its output is
// traced and discarded: no reduction, no broadcast.
func (o *Orchestrator) shadowCall(ctx context.Context, t *turn, cfg model.TierConfig) recorder.ModelCall {
	call := recorder.ModelCall{Model: cfg.ShadowModel, Prompt: t.message, Shadow: true}
	start := time.Now()
	defer func() { call.LatencyMS = time.Since(start).Milliseconds() }()

	req := o.buildRequest(t.file, cfg.ShadowModel, t.message, "")
	cctx, cancel := context.WithTimeout(ctx, o.tierTimeout(cfg))
	defer cancel()

	stream, err := cfg.Client.Stream(cctx, req)
	if err != nil {
		call.Error = err.Error()
		return call
	}
	defer stream.Close()

	var response strings.Builder
	machine := decompose.NewMachine()
	for {
		chunk, rerr := stream.Recv()
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				call.Error = rerr.Error()
			}
			break
		}
		if chunk.Type == model.ChunkTypeUsage && chunk.UsageDelta != nil {
			call.InputTokens += chunk.UsageDelta.InputTokens
			call.OutputTokens += chunk.UsageDelta.OutputTokens
		}
		for _, item := range machine.Feed(chunk) {
			switch {
			case item.Voice != "":
				response.WriteString(item.Voice)
			case item.Primitive != nil:
				response.WriteString(item.Primitive.Name)
				response.WriteString(" ")
			}
		}
		if chunk.Type == model.ChunkTypeStop {
			break
		}
	}
	call.Response = response.String()
	return call
}

func (o *Orchestrator) record(ctx context.Context, rec recorder.TurnRecord) {
	if o.recorder == nil {
		return
	}
	o.recorder.Record(ctx, rec)
}

// deltaFrames converts a batch result into ordered delta frames, including
// the synthetic removal deltas of cardinality swaps.
func deltaFrames(pageID string, batch reducer.Batch) []channel.Frame {
	var frames []channel.Frame
	for _, ev := range batch.Applied {
		frames = append(frames, channel.DeltaFrame(pageID, ev))
		for _, edge := range batch.RemovedEdges[ev.ID] {
			frames = append(frames, channel.DeltaFrame(pageID, reducer.SwapEvent(ev, edge)))
		}
	}
	return frames
}

func errorFrame(t *turn, err *primitive.Error) channel.Frame {
	return channel.Frame{
		Type: channel.FrameError, PageID: t.pageID, TurnID: t.id,
		Error: &channel.Diagnostic{Code: string(err.Code), Message: err.Message},
	}
}
