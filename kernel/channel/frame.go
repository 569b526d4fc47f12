// Package channel implements the delivery side of the duplex client channel:
// typed frames, per-page subscriber fan-out and snapshot replay for newly
// attached clients. The concrete wire transport is a seam; features/stream
// provides a Redis-streams forwarder and servers can bridge subscriptions to
// websockets directly.
package channel

import (
	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/primitive"
)

type (
	// Frame is one server-to-client message. Type discriminates which fields
	// are meaningful; frames marshal as single JSON objects.
	Frame struct {
		// Type is one of the Frame* constants or, for delta frames, the
		// primitive name of the applied event.
		Type string `json:"type"`
		// PageID identifies the page the frame belongs to.
		PageID string `json:"page_id,omitempty"`
		// TurnID identifies the originating turn for stream and diagnostics
		// frames.
		TurnID string `json:"turn_id,omitempty"`
		// Event carries the applied event on delta frames and synthetic
		// replay frames.
		Event *page.Event `json:"event,omitempty"`
		// Text carries voice narration.
		Text string `json:"text,omitempty"`
		// Prompt and Options carry a clarify request.
		Prompt  string   `json:"prompt,omitempty"`
		Options []string `json:"options,omitempty"`
		// EntityID and Field identify the target of a direct-edit ack or
		// error.
		EntityID string `json:"entity_id,omitempty"`
		Field    string `json:"field,omitempty"`
		// Diagnostics aggregates per-turn rejections and warnings.
		Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
		// Error carries the failure on error frames.
		Error *Diagnostic `json:"error,omitempty"`
	}

	// Diagnostic is one structured problem surfaced to the client.
	Diagnostic struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		EventID string `json:"event_id,omitempty"`
	}

	// ClientMessage is one client-to-server frame.
	ClientMessage struct {
		// Type is "message" or "direct_edit".
		Type string `json:"type"`
		// Content and MessageID describe a user message.
		Content   string `json:"content,omitempty"`
		MessageID string `json:"message_id,omitempty"`
		// EntityID, Field and Value describe a direct edit.
		EntityID string      `json:"entity_id,omitempty"`
		Field    string      `json:"field,omitempty"`
		Value    *page.Value `json:"value,omitempty"`
	}
)

// Server-to-client frame types. Delta frames use the primitive name of the
// applied event as their type.
const (
	FrameSnapshotStart   = "snapshot.start"
	FrameSnapshotEnd     = "snapshot.end"
	FrameVoice           = "voice"
	FrameStreamStart     = "stream.start"
	FrameStreamEnd       = "stream.end"
	FrameDirectEditAck   = "direct_edit.ack"
	FrameDirectEditError = "direct_edit.error"
	FrameClarify         = "clarify"
	FrameDiagnostics     = "diagnostics"
	FrameError           = "error"
)

// Client-to-server message types.
const (
	MessageTypeMessage    = "message"
	MessageTypeDirectEdit = "direct_edit"
)

// DeltaFrame wraps an applied event as a delta frame.
func DeltaFrame(pageID string, ev page.Event) Frame {
	e := ev
	return Frame{Type: ev.Type, PageID: pageID, Event: &e}
}

// DiagnosticOf converts a primitive error into a client diagnostic.
func DiagnosticOf(err *primitive.Error, eventID string) Diagnostic {
	return Diagnostic{
		Code:    string(err.Code),
		Message: err.Message,
		EventID: eventID,
	}
}
