// Package preview renders file content for the server's preview pane.
package preview

import (
	"bytes"
	"fmt"
	"html/template"
	"path"
	"strings"
	"sync"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

// HighlightStyle is the chroma style the highlighting CSS is generated from.
const HighlightStyle = "github"

// Renderer turns file content into sanitized HTML. It is safe for
// concurrent use.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy

	cssOnce sync.Once
	css     string
}

func NewRenderer() *Renderer {
	policy := bluemonday.UGCPolicy()
	// Highlighted code and heading anchors rely on these.
	policy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).Globally()
	policy.AllowAttrs("id").Matching(bluemonday.Paragraph).Globally()

	return &Renderer{
		md:     newMarkdown(),
		policy: policy,
	}
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Typographer,
			highlighting.NewHighlighting(
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		// Raw HTML passes through goldmark and is cleaned by the policy.
		goldmark.WithRendererOptions(
			html.WithUnsafe(),
		),
	)
}

// IsMarkdown reports whether name is rendered as markdown.
func IsMarkdown(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// Render converts content to HTML. Markdown files are rendered and
// sanitized; anything else is escaped inside a <pre> block.
func (r *Renderer) Render(name string, content []byte) (template.HTML, error) {
	if !IsMarkdown(name) {
		return template.HTML(`<pre class="plain">` + template.HTMLEscapeString(string(content)) + `</pre>`), nil
	}
	var buf bytes.Buffer
	if err := r.md.Convert(content, &buf); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return template.HTML(r.policy.SanitizeBytes(buf.Bytes())), nil
}

// CSS returns the stylesheet for highlighted code blocks.
func (r *Renderer) CSS() template.CSS {
	r.cssOnce.Do(func() {
		var buf bytes.Buffer
		formatter := chromahtml.New(chromahtml.WithClasses(true))
		if err := formatter.WriteCSS(&buf, styles.Get(HighlightStyle)); err == nil {
			r.css = buf.String()
		}
	})
	return template.CSS(r.css)
}
