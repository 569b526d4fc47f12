package decompose

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"aide.dev/aide/kernel/primitive"
)

// lineWire is the legacy JSONL shape: one primitive per line, named by type.
type lineWire struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseLine decodes one legacy JSONL line into an item. Blank lines yield a
// zero item with no fields set; callers skip those. Malformed lines become
// ParseErr items, matching the tolerance of the streaming machine.
func ParseLine(line []byte) Item {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Item{}
	}
	var w lineWire
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return Item{ParseErr: primitive.WrapError(primitive.CodeBadPayload, err, "jsonl line")}
	}
	if !primitive.Known(w.Type) {
		return Item{ParseErr: primitive.NewError(primitive.CodeUnknownPrimitive, "unknown primitive %q", w.Type)}
	}
	decoded, perr := primitive.Decode(w.Type, w.Payload)
	if perr != nil {
		return Item{ParseErr: perr}
	}
	switch w.Type {
	case primitive.Voice:
		sig := decoded.(primitive.VoiceSignal)
		return Item{Voice: sig.Text}
	case primitive.Escalate:
		sig := decoded.(primitive.EscalateSignal)
		return Item{Escalate: &sig}
	case primitive.Clarify:
		sig := decoded.(primitive.ClarifySignal)
		return Item{Clarify: &sig}
	case primitive.BatchStart:
		return Item{BatchStart: true}
	case primitive.BatchEnd:
		return Item{BatchEnd: true}
	}
	payload := w.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Item{Primitive: &Primitive{Name: w.Type, Payload: payload}}
}

// ParseLines decodes a whole legacy JSONL stream, skipping blank lines.
func ParseLines(r io.Reader) ([]Item, error) {
	var items []Item
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		it := ParseLine(sc.Bytes())
		if it == (Item{}) {
			continue
		}
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return items, err
	}
	return items, nil
}
