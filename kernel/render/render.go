// Package render turns page state into a self-describing HTML document and
// back. The document carries the rendered body plus three typed data blocks —
// blueprint, snapshot and event log — so that a parser can recover the full
// editing state from the document alone. Rendering is pure and deterministic:
// the same state always produces the same bytes.
package render

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"aide.dev/aide/kernel/blueprint"
	"aide.dev/aide/kernel/page"
)

// Content types of the embedded data blocks. Parsers locate blocks by these
// declared type attributes, never by pattern matching on the body.
const (
	BlueprintBlockType = "application/aide-blueprint+json"
	SnapshotBlockType  = "application/aide-snapshot+json"
	EventsBlockType    = "application/aide-events+json"
)

// Options tweaks document rendering.
type Options struct {
	// Footer is raw HTML injected before the closing body tag, used for the
	// free-tier attribution on published copies. Empty means no footer.
	Footer string
	// OmitEvents drops the event log block from the document.
	OmitEvents bool
}

// Render produces the canonical workspace document for a state.
func Render(s *page.State, bp *blueprint.Blueprint, events []page.Event) []byte {
	return RenderDoc(s, bp, events, Options{})
}

// RenderDoc produces an HTML document for the state with the given options.
func RenderDoc(s *page.State, bp *blueprint.Blueprint, events []page.Event, opts Options) []byte {
	var b strings.Builder
	title := s.Meta.Title
	if title == "" {
		title = "Untitled page"
	}
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(title))
	writeStyles(&b, s)
	b.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&b, "<main class=\"aide-page\" data-version=\"%d\">\n", s.Version)
	if s.Meta.Title != "" {
		fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(s.Meta.Title))
	}
	for _, child := range s.Children(page.RootID) {
		renderEntity(&b, s, child, 2)
	}
	b.WriteString("</main>\n")
	if opts.Footer != "" {
		b.WriteString(opts.Footer)
		b.WriteString("\n")
	}
	writeBlock(&b, BlueprintBlockType, bp)
	writeBlock(&b, SnapshotBlockType, s)
	if !opts.OmitEvents {
		if events == nil {
			events = []page.Event{}
		}
		writeBlock(&b, EventsBlockType, events)
	}
	b.WriteString("</body>\n</html>\n")
	return []byte(b.String())
}

// RenderText produces the plain-text variant of the page: an indented
// outline of live entities in render order.
func RenderText(s *page.State) string {
	var b strings.Builder
	if s.Meta.Title != "" {
		b.WriteString(s.Meta.Title)
		b.WriteString("\n\n")
	}
	for _, child := range s.Children(page.RootID) {
		renderTextEntity(&b, s, child, 0)
	}
	return b.String()
}

func renderTextEntity(b *strings.Builder, s *page.State, e *page.Entity, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteString("- ")
	b.WriteString(entityTitle(e))
	for _, key := range e.Props.Keys() {
		if key == "title" || key == "name" {
			continue
		}
		fmt.Fprintf(b, " | %s: %s", key, valueText(e.Props[key]))
	}
	b.WriteString("\n")
	for _, child := range s.Children(e.ID) {
		renderTextEntity(b, s, child, depth+1)
	}
}

// writeBlock emits one typed data block. json.Marshal escapes angle brackets
// so the payload can never terminate the script element early.
func writeBlock(b *strings.Builder, contentType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		// Rendering is infallible for kernel types; a marshal failure here is
		// a programming error surfaced as an empty block.
		data = []byte("null")
	}
	fmt.Fprintf(b, "<script type=\"%s\">%s</script>\n", contentType, data)
}

func writeStyles(b *strings.Builder, s *page.State) {
	b.WriteString("<style>\n:root {\n")
	for _, key := range s.Styles.Keys() {
		fmt.Fprintf(b, "  --%s: %s;\n", cssToken(key), cssToken(valueText(s.Styles[key])))
	}
	b.WriteString("}\n</style>\n")
}

func renderEntity(b *strings.Builder, s *page.State, e *page.Entity, depth int) {
	display := EffectiveDisplay(s, e)
	attrs := fmt.Sprintf(" data-entity=\"%s\" data-display=\"%s\"%s",
		html.EscapeString(e.ID), html.EscapeString(string(display)), styleAttr(e))
	children := s.Children(e.ID)

	switch display {
	case page.DisplaySection:
		fmt.Fprintf(b, "<section%s>\n<h%d>%s</h%d>\n", attrs, headingLevel(depth), html.EscapeString(entityTitle(e)), headingLevel(depth))
		renderPropList(b, e)
		for _, child := range children {
			renderEntity(b, s, child, depth+1)
		}
		b.WriteString("</section>\n")
	case page.DisplayTable:
		fmt.Fprintf(b, "<figure%s>\n<figcaption>%s</figcaption>\n<table>\n", attrs, html.EscapeString(entityTitle(e)))
		renderTable(b, s, children)
		b.WriteString("</table>\n</figure>\n")
	case page.DisplayList, page.DisplayChecklist:
		class := ""
		if display == page.DisplayChecklist {
			class = " class=\"checklist\""
		}
		fmt.Fprintf(b, "<div%s>\n<h%d>%s</h%d>\n<ul%s>\n", attrs, headingLevel(depth), html.EscapeString(entityTitle(e)), headingLevel(depth), class)
		for _, child := range children {
			b.WriteString("<li>")
			if display == page.DisplayChecklist {
				mark := "[ ] "
				if done, ok := child.Props["done"]; ok && done.Kind() == page.KindBool && done.Boolean() {
					mark = "[x] "
				}
				b.WriteString(mark)
			}
			b.WriteString(html.EscapeString(entityTitle(child)))
			b.WriteString("</li>\n")
		}
		b.WriteString("</ul>\n</div>\n")
	case page.DisplayMetric:
		fmt.Fprintf(b, "<div%s class=\"metric\">\n<span class=\"label\">%s</span>\n", attrs, html.EscapeString(entityTitle(e)))
		if v, ok := e.Props["value"]; ok {
			fmt.Fprintf(b, "<span class=\"value\">%s</span>\n", html.EscapeString(valueText(v)))
		}
		b.WriteString("</div>\n")
	case page.DisplayImage:
		src := ""
		if v, ok := e.Props["src"]; ok {
			src = v.Str()
		}
		fmt.Fprintf(b, "<img%s src=\"%s\" alt=\"%s\">\n", attrs, html.EscapeString(src), html.EscapeString(entityTitle(e)))
	case page.DisplayText:
		text := entityTitle(e)
		if v, ok := e.Props["text"]; ok {
			text = v.Str()
		}
		fmt.Fprintf(b, "<p%s>%s</p>\n", attrs, html.EscapeString(text))
	case page.DisplayRow:
		fmt.Fprintf(b, "<div%s class=\"row\">%s", attrs, html.EscapeString(entityTitle(e)))
		renderPropList(b, e)
		b.WriteString("</div>\n")
	default: // card, page and anything structured
		fmt.Fprintf(b, "<article%s>\n<h%d>%s</h%d>\n", attrs, headingLevel(depth), html.EscapeString(entityTitle(e)), headingLevel(depth))
		renderPropList(b, e)
		for _, child := range children {
			renderEntity(b, s, child, depth+1)
		}
		b.WriteString("</article>\n")
	}
}

func renderTable(b *strings.Builder, s *page.State, rows []*page.Entity) {
	cols := tableColumns(rows)
	b.WriteString("<thead><tr>")
	for _, c := range cols {
		fmt.Fprintf(b, "<th>%s</th>", html.EscapeString(c))
	}
	b.WriteString("</tr></thead>\n<tbody>\n")
	for _, row := range rows {
		fmt.Fprintf(b, "<tr data-entity=\"%s\">", html.EscapeString(row.ID))
		for _, c := range cols {
			if v, ok := row.Props[c]; ok {
				fmt.Fprintf(b, "<td>%s</td>", html.EscapeString(valueText(v)))
			} else {
				b.WriteString("<td></td>")
			}
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</tbody>\n")
}

func tableColumns(rows []*page.Entity) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, row := range rows {
		for _, key := range row.Props.Keys() {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				cols = append(cols, key)
			}
		}
	}
	return cols
}

func renderPropList(b *strings.Builder, e *page.Entity) {
	keys := e.Props.Keys()
	var shown []string
	for _, key := range keys {
		if key == "title" || key == "name" {
			continue
		}
		shown = append(shown, key)
	}
	if len(shown) == 0 {
		return
	}
	b.WriteString("<dl>\n")
	for _, key := range shown {
		fmt.Fprintf(b, "<dt>%s</dt><dd>%s</dd>\n", html.EscapeString(key), html.EscapeString(valueText(e.Props[key])))
	}
	b.WriteString("</dl>\n")
}

func entityTitle(e *page.Entity) string {
	if v, ok := e.Props["title"]; ok && v.Kind() == page.KindString {
		return v.Str()
	}
	if v, ok := e.Props["name"]; ok && v.Kind() == page.KindString {
		return v.Str()
	}
	return e.ID
}

func valueText(v page.Value) string {
	switch v.Kind() {
	case page.KindString:
		return v.Str()
	case page.KindNumber:
		n := v.Num()
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%g", n)
	case page.KindBool:
		if v.Boolean() {
			return "yes"
		}
		return "no"
	case page.KindDate:
		return v.Time().Format(page.DateLayout)
	case page.KindDateTime:
		return v.Time().Format(time.RFC3339)
	case page.KindList:
		parts := make([]string, len(v.Items()))
		for i, it := range v.Items() {
			parts[i] = valueText(it)
		}
		return strings.Join(parts, ", ")
	case page.KindMap:
		m := v.Fields()
		parts := make([]string, 0, len(m))
		for _, k := range page.Props(m).Keys() {
			parts = append(parts, k+": "+valueText(m[k]))
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func styleAttr(e *page.Entity) string {
	if len(e.Styles) == 0 {
		return ""
	}
	var parts []string
	for _, key := range e.Styles.Keys() {
		parts = append(parts, fmt.Sprintf("--%s: %s", cssToken(key), cssToken(valueText(e.Styles[key]))))
	}
	return fmt.Sprintf(" style=\"%s\"", html.EscapeString(strings.Join(parts, "; ")))
}

// cssToken strips characters that could escape a declaration.
func cssToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ';', '{', '}', '<', '>', '"', '\'':
			return -1
		}
		return r
	}, s)
}

func headingLevel(depth int) int {
	if depth > 6 {
		return 6
	}
	return depth
}
