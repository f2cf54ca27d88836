// ABOUTME: Reduces LLM markdown replies to plain text suitable for speech.

package roles

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// PlainText strips markdown syntax from md, keeping the words a listener
// should hear. Code blocks are read verbatim, images and raw HTML dropped,
// and whitespace collapsed to single spaces.
func PlainText(md string) string {
	source := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}

		switch n.Kind() {
		case ast.KindText:
			t := n.(*ast.Text)
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case ast.KindString:
			b.Write(n.(*ast.String).Value)
		case ast.KindAutoLink:
			b.Write(n.(*ast.AutoLink).Label(source))
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
			}
			b.WriteByte(' ')
			return ast.WalkSkipChildren, nil
		case ast.KindImage, ast.KindHTMLBlock, ast.KindRawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(b.String()), " ")
}
