package viewer

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"
)

// RenderOptions controls both renderers.
type RenderOptions struct {
	Query string
	// Details adds size and modification time columns to file rows.
	Details bool
	// BaseURL prefixes raw and permalink hrefs in the HTML rendering.
	BaseURL string
}

const indentUnit = "  "

// RenderText writes the shown rows as an indented listing. Directories carry
// a ▸ (collapsed) or ▾ (expanded) marker.
func RenderText(w io.Writer, items []Item, opts RenderOptions) error {
	shown := Shown(items, opts.Query)
	if len(shown) == 0 {
		if strings.TrimSpace(opts.Query) != "" {
			_, err := fmt.Fprintf(w, "No matches for %q\n", opts.Query)
			return err
		}
		_, err := fmt.Fprintln(w, "(empty)")
		return err
	}
	for _, it := range shown {
		indent := strings.Repeat(indentUnit, it.Depth)
		var line string
		switch {
		case it.Dir && it.Collapsed:
			line = fmt.Sprintf("%s▸ %s/", indent, it.Name)
		case it.Dir:
			line = fmt.Sprintf("%s▾ %s/", indent, it.Name)
		case opts.Details:
			line = fmt.Sprintf("%s  %s  (%s, %s)", indent, it.Name, it.SizeText, it.MTimeText)
		default:
			line = fmt.Sprintf("%s  %s", indent, it.Name)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// RenderHTML renders every row, shown or not, as a flat list of divs. Rows
// hidden by collapse or search carry the hidden attribute so the page script
// can flip them without a refetch.
func RenderHTML(items []Item, opts RenderOptions) template.HTML {
	searching := strings.TrimSpace(opts.Query) != ""
	base := strings.TrimRight(opts.BaseURL, "/")

	var buf bytes.Buffer
	buf.WriteString(`<div class="tree" role="tree">`)
	for _, it := range items {
		hidden := it.Hidden || (!searching && !it.Visible)
		class := "tree-file"
		if it.Dir {
			class = "tree-directory"
		}
		fmt.Fprintf(&buf, `<div class="tree-item %s" data-path="%s" data-depth="%d" style="--depth:%d"`,
			class, template.HTMLEscapeString(it.Path), it.Depth, it.Depth)
		if hidden {
			buf.WriteString(` hidden`)
		}
		buf.WriteString(`>`)

		if it.Dir {
			icon := "▾"
			expanded := "true"
			if it.Collapsed {
				icon = "▸"
				expanded = "false"
			}
			fmt.Fprintf(&buf, `<button class="toggle" aria-expanded="%s" data-path="%s">%s</button>`,
				expanded, template.HTMLEscapeString(it.Path), icon)
			fmt.Fprintf(&buf, `<span class="dir-name">%s</span>`, template.HTMLEscapeString(it.Name))
		} else {
			fmt.Fprintf(&buf, `<a class="file-name" href="%s" data-preview="%s">%s</a>`,
				template.HTMLEscapeString(base+rawPrefix+escapePath(it.Path)),
				Classify(it.Path),
				template.HTMLEscapeString(it.Name))
			fmt.Fprintf(&buf, `<span class="size">%s</span>`, template.HTMLEscapeString(it.SizeText))
			fmt.Fprintf(&buf, `<span class="mtime" title="%s">%s</span>`,
				template.HTMLEscapeString(it.MTimeText), template.HTMLEscapeString(it.MTimeAgo))
			fmt.Fprintf(&buf, `<a class="permalink" href="%s" title="Permalink">#</a>`,
				template.HTMLEscapeString(Permalink(base, it.Path)))
		}
		buf.WriteString(`</div>`)
	}
	buf.WriteString(`</div>`)
	return template.HTML(buf.String())
}
