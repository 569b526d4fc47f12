package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	xhtml "golang.org/x/net/html"

	"aide.dev/aide/kernel/blueprint"
	"aide.dev/aide/kernel/page"
)

// ErrNoSnapshot reports a document without a snapshot block.
var ErrNoSnapshot = errors.New("render: document has no snapshot block")

// ErrVersionTooNew reports a snapshot written by a newer kernel.
var ErrVersionTooNew = errors.New("render: snapshot version exceeds supported version")

// Document is the recoverable content of a stored page document.
type Document struct {
	// Blueprint is nil when the document carries no blueprint block.
	Blueprint *blueprint.Blueprint
	// Snapshot is the materialised state. Always present in valid documents.
	Snapshot *page.State
	// Events is the ordered event log; empty when the block is absent or was
	// stripped at publish time.
	Events []page.Event
}

// Parse recovers the blueprint, snapshot and event log from a page document.
// Blocks are located by their declared type attribute using an HTML
// tokenizer. Missing blueprint and events blocks are tolerated; a missing
// snapshot or a snapshot with an unsupported version is an error.
func Parse(doc []byte) (*Document, error) {
	blocks, err := dataBlocks(doc)
	if err != nil {
		return nil, err
	}
	out := &Document{}
	if raw, ok := blocks[SnapshotBlockType]; ok {
		var probe struct {
			Version int `json:"version"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("render: decode snapshot: %w", err)
		}
		if probe.Version > page.Version {
			return nil, fmt.Errorf("%w: %d > %d", ErrVersionTooNew, probe.Version, page.Version)
		}
		s := page.NewState()
		if err := json.Unmarshal(raw, s); err != nil {
			return nil, fmt.Errorf("render: decode snapshot: %w", err)
		}
		out.Snapshot = s
	} else {
		return nil, ErrNoSnapshot
	}
	if raw, ok := blocks[BlueprintBlockType]; ok && !bytes.Equal(raw, []byte("null")) {
		var bp blueprint.Blueprint
		if err := json.Unmarshal(raw, &bp); err != nil {
			return nil, fmt.Errorf("render: decode blueprint: %w", err)
		}
		out.Blueprint = &bp
	}
	if raw, ok := blocks[EventsBlockType]; ok {
		if err := json.Unmarshal(raw, &out.Events); err != nil {
			return nil, fmt.Errorf("render: decode events: %w", err)
		}
	}
	return out, nil
}

// dataBlocks tokenizes the document and collects the text content of every
// script element whose type attribute names one of the kernel block types.
func dataBlocks(doc []byte) (map[string]json.RawMessage, error) {
	known := map[string]struct{}{
		BlueprintBlockType: {},
		SnapshotBlockType:  {},
		EventsBlockType:    {},
	}
	blocks := make(map[string]json.RawMessage)
	z := xhtml.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case xhtml.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return blocks, nil
			}
			return nil, fmt.Errorf("render: tokenize document: %w", z.Err())
		case xhtml.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "script" || !hasAttr {
				continue
			}
			var blockType string
			for {
				key, val, more := z.TagAttr()
				if string(key) == "type" {
					blockType = string(val)
				}
				if !more {
					break
				}
			}
			if _, ok := known[blockType]; !ok {
				continue
			}
			// The next token is the raw text content of the script element.
			// Text returns a slice of the tokenizer's internal buffer, which
			// later Next calls overwrite, so the bytes must be copied.
			if z.Next() == xhtml.TextToken {
				blocks[blockType] = json.RawMessage(bytes.Clone(bytes.TrimSpace(z.Text())))
			}
		}
	}
}
