// Package render converts assistant replies from Markdown into the small
// HTML subset accepted by chat transports such as Telegram: b, i, u, s,
// code, pre, a and blockquote. Block structure that has no tag in that set
// (paragraphs, headings, lists) is expressed with line breaks and bullet
// prefixes instead.
package render

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Bullet prefixes unordered list items.
const Bullet = "• "

// Renderer turns Markdown into chat-safe HTML. It is safe for concurrent use.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// New creates a Renderer with GitHub-flavoured Markdown parsing and the
// chat tag policy.
func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.Strikethrough,
				extension.Linkify,
			),
		),
		policy: Policy(),
	}
}

// Policy returns the sanitizer applied to every rendered reply.
func Policy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "s", "code", "pre", "blockquote")
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^language-[\w+#-]+$`)).OnElements("code")
	p.AllowURLSchemes("http", "https", "mailto", "tg")
	p.RequireParseableURLs(true)
	return p
}

var (
	defaultRenderer     *Renderer
	defaultRendererOnce sync.Once
)

// HTML renders markdown with a shared default Renderer.
func HTML(markdown string) string {
	defaultRendererOnce.Do(func() {
		defaultRenderer = New()
	})
	return defaultRenderer.HTML(markdown)
}

// HTML renders markdown and sanitizes the result.
func (r *Renderer) HTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}
	source := []byte(markdown)
	document := r.md.Parser().Parse(text.NewReader(source))

	w := &walker{source: source}
	_ = ast.Walk(document, w.walk)

	return strings.TrimSpace(r.policy.Sanitize(w.out.String()))
}

// walker emits HTML for a goldmark AST. Line breaks between blocks are
// deferred in pending so that trailing separators never reach the output.
type walker struct {
	source  []byte
	out     strings.Builder
	pending int
}

func (w *walker) write(s string) {
	if w.pending > 0 && w.out.Len() > 0 {
		w.out.WriteString(strings.Repeat("\n", w.pending))
	}
	w.pending = 0
	w.out.WriteString(s)
}

func (w *walker) escape(b []byte) {
	w.write(html.EscapeString(string(b)))
}

func (w *walker) breakAfter(n ast.Node) {
	k := 2
	if _, inItem := n.Parent().(*ast.ListItem); inItem {
		if n.NextSibling() == nil {
			return
		}
		k = 1
	}
	if k > w.pending {
		w.pending = k
	}
}

func (w *walker) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Document:

	case *ast.Paragraph, *ast.TextBlock:
		if !entering {
			w.breakAfter(n)
		}

	case *ast.Heading:
		if entering {
			w.write("<b>")
		} else {
			w.out.WriteString("</b>")
			w.breakAfter(n)
		}

	case *ast.ThematicBreak:
		if entering {
			w.write("──────")
			w.breakAfter(n)
		}

	case *ast.FencedCodeBlock:
		if entering {
			open := "<pre><code>"
			if lang := node.Language(w.source); len(lang) > 0 {
				open = `<pre><code class="language-` + html.EscapeString(string(lang)) + `">`
			}
			w.write(open)
			w.codeLines(n)
			w.out.WriteString("</code></pre>")
			w.breakAfter(n)
		}
		return ast.WalkSkipChildren, nil

	case *ast.CodeBlock:
		if entering {
			w.write("<pre><code>")
			w.codeLines(n)
			w.out.WriteString("</code></pre>")
			w.breakAfter(n)
		}
		return ast.WalkSkipChildren, nil

	case *ast.HTMLBlock:
		if entering {
			w.codeLines(n)
			if node.HasClosure() {
				w.escape(node.ClosureLine.Value(w.source))
			}
			w.breakAfter(n)
		}
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		if entering {
			w.write("<blockquote>")
		} else {
			w.pending = 0
			w.out.WriteString("</blockquote>")
			w.breakAfter(n)
		}

	case *ast.List:
		if !entering {
			if _, nested := n.Parent().(*ast.ListItem); !nested {
				w.breakAfter(n)
			}
		}

	case *ast.ListItem:
		if entering {
			w.write(strings.Repeat("  ", listDepth(n)-1) + itemPrefix(node))
		} else if w.pending < 1 {
			w.pending = 1
		}

	case *ast.Text:
		if entering {
			w.escape(node.Segment.Value(w.source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				w.out.WriteString("\n")
			}
		}

	case *ast.String:
		if entering {
			w.escape(node.Value)
		}

	case *ast.CodeSpan:
		if entering {
			w.write("<code>")
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				switch t := c.(type) {
				case *ast.Text:
					w.out.WriteString(html.EscapeString(string(t.Segment.Value(w.source))))
				case *ast.String:
					w.out.WriteString(html.EscapeString(string(t.Value)))
				}
			}
			w.out.WriteString("</code>")
		}
		return ast.WalkSkipChildren, nil

	case *ast.Emphasis:
		tag := "i"
		if node.Level >= 2 {
			tag = "b"
		}
		if entering {
			w.write("<" + tag + ">")
		} else {
			w.out.WriteString("</" + tag + ">")
		}

	case *extast.Strikethrough:
		if entering {
			w.write("<s>")
		} else {
			w.out.WriteString("</s>")
		}

	case *ast.Link:
		w.anchor(node.Destination, entering)

	case *ast.Image:
		w.anchor(node.Destination, entering)

	case *ast.AutoLink:
		if entering {
			url := node.URL(w.source)
			w.write(`<a href="` + html.EscapeString(string(url)) + `">`)
			w.escape(node.Label(w.source))
			w.out.WriteString("</a>")
		}
		return ast.WalkSkipChildren, nil

	case *ast.RawHTML:
		if entering {
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				w.escape(seg.Value(w.source))
			}
		}
		return ast.WalkSkipChildren, nil
	}

	return ast.WalkContinue, nil
}

func (w *walker) anchor(dest []byte, entering bool) {
	if entering {
		w.write(`<a href="` + html.EscapeString(string(dest)) + `">`)
	} else {
		w.out.WriteString("</a>")
	}
}

func (w *walker) codeLines(n ast.Node) {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		sb.Write(line.Value(w.source))
	}
	w.write(html.EscapeString(strings.TrimSuffix(sb.String(), "\n")))
}

func listDepth(n ast.Node) int {
	depth := 0
	for p := n; p != nil; p = p.Parent() {
		if _, ok := p.(*ast.List); ok {
			depth++
		}
	}
	return depth
}

func itemPrefix(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return Bullet
	}
	index := list.Start
	for s := item.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		index++
	}
	return strconv.Itoa(index) + ". "
}
