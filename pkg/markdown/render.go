// Package markdown renders the small markdown subset produced by chat providers into HTML.
//
// Render is total: it accepts any prefix of a document, including unterminated code fences and
// half-written list runs, and always returns well-formed markup. Stream renders the same output
// incrementally while text is still arriving.
package markdown

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark/util"
)

var (
	fencePattern      = regexp.MustCompile("```(\\w*)\\r?\\n((?s).*?)```")
	inlineCodePattern = regexp.MustCompile("`([^`]+)`")
	boldPattern       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	headerPattern     = regexp.MustCompile(`^\s*###\s+(.*?)\s*$`)
	bulletPattern     = regexp.MustCompile(`^\s*[*-]\s+(.*?)\s*$`)
	orderedPattern    = regexp.MustCompile(`^\s*\d+\.\s+(.*?)\s*$`)
)

type lineKind int

const (
	lineBlank lineKind = iota
	lineText
	lineHeader
	lineBullet
	lineOrdered
)

// Render converts text to markup. Rules are applied in a fixed order: fenced code blocks, inline
// code, level-3 headers (including the bold-as-header quirk), bullet lists, numbered lists and
// finally one paragraph per remaining non-blank line. An unterminated fence is not a code block
// yet; its lines render as plain paragraphs until the closing fence arrives.
func Render(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	renderInto(&b, text)
	return b.String()
}

func renderInto(b *strings.Builder, text string) {
	last := 0
	for _, m := range fencePattern.FindAllStringSubmatchIndex(text, -1) {
		renderProse(b, text[last:m[0]])
		renderCode(b, text[m[2]:m[3]], text[m[4]:m[5]])
		last = m[1]
	}
	renderProse(b, text[last:])
}

func renderCode(b *strings.Builder, lang string, code string) {
	if lang == "" {
		b.WriteString("<pre><code>")
	} else {
		b.WriteString(`<pre><code class="language-`)
		b.WriteString(escape(lang))
		b.WriteString(`">`)
	}
	b.WriteString(escape(strings.TrimSpace(code)))
	b.WriteString("</code></pre>")
}

func renderProse(b *strings.Builder, prose string) {
	if prose == "" {
		return
	}
	open := lineBlank
	closeList := func() {
		switch open {
		case lineBullet:
			b.WriteString("</ul>")
		case lineOrdered:
			b.WriteString("</ol>")
		}
		open = lineBlank
	}

	for _, line := range strings.Split(prose, "\n") {
		kind, content := classify(line)
		if open != lineBlank && kind != open {
			closeList()
		}
		switch kind {
		case lineBlank:
		case lineHeader:
			b.WriteString("<h3>")
			renderInline(b, content, false)
			b.WriteString("</h3>")
		case lineBullet, lineOrdered:
			if open != kind {
				if kind == lineBullet {
					b.WriteString("<ul>")
				} else {
					b.WriteString("<ol>")
				}
				open = kind
			}
			// items without text are dropped but keep the run going
			if content == "" {
				continue
			}
			b.WriteString("<li>")
			renderInline(b, content, true)
			b.WriteString("</li>")
		case lineText:
			renderParagraph(b, content)
		}
	}
	closeList()
}

func classify(line string) (lineKind, string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return lineBlank, ""
	}
	if m := headerPattern.FindStringSubmatch(line); m != nil {
		return lineHeader, m[1]
	}
	if m := bulletPattern.FindStringSubmatch(line); m != nil {
		return lineBullet, m[1]
	}
	if m := orderedPattern.FindStringSubmatch(line); m != nil {
		return lineOrdered, m[1]
	}
	return lineText, trimmed
}

// renderParagraph wraps a text line in <p>. Bold spans are promoted to headers, which may not
// nest inside a paragraph, so the line is split around them and empty paragraphs are pruned.
func renderParagraph(b *strings.Builder, line string) {
	codes := inlineCodePattern.FindAllStringIndex(line, -1)
	last := 0
	for _, m := range boldPattern.FindAllStringSubmatchIndex(maskCode(line, codes), -1) {
		writeParagraph(b, line, last, m[0], codes)
		b.WriteString("<h3>")
		writeInline(b, line, m[2], m[3], codes)
		b.WriteString("</h3>")
		last = m[1]
	}
	writeParagraph(b, line, last, len(line), codes)
}

func writeParagraph(b *strings.Builder, line string, from, to int, codes [][]int) {
	for from < to && isSpace(line[from]) {
		from++
	}
	for to > from && isSpace(line[to-1]) {
		to--
	}
	if from >= to {
		return
	}
	b.WriteString("<p>")
	writeInline(b, line, from, to, codes)
	b.WriteString("</p>")
}

// renderInline handles inline code and bold spans. With promote, bold spans become headers,
// which is only valid inside flow content such as a list item. A header line passes false: it is
// a header already, so its bold spans are written as plain text.
func renderInline(b *strings.Builder, s string, promote bool) {
	codes := inlineCodePattern.FindAllStringIndex(s, -1)
	last := 0
	for _, m := range boldPattern.FindAllStringSubmatchIndex(maskCode(s, codes), -1) {
		writeInline(b, s, last, m[0], codes)
		if promote {
			b.WriteString("<h3>")
		}
		writeInline(b, s, m[2], m[3], codes)
		if promote {
			b.WriteString("</h3>")
		}
		last = m[1]
	}
	writeInline(b, s, last, len(s), codes)
}

// writeInline escapes s[from:to], wrapping the code spans that fall inside the range.
func writeInline(b *strings.Builder, s string, from, to int, codes [][]int) {
	pos := from
	for _, c := range codes {
		if c[0] < from || c[1] > to {
			continue
		}
		b.WriteString(escape(s[pos:c[0]]))
		b.WriteString("<code>")
		b.WriteString(escape(s[c[0]+1 : c[1]-1]))
		b.WriteString("</code>")
		pos = c[1]
	}
	b.WriteString(escape(s[pos:to]))
}

// maskCode blanks out code spans so that emphasis markers inside them are ignored. Byte offsets
// are preserved.
func maskCode(s string, codes [][]int) string {
	if len(codes) == 0 {
		return s
	}
	masked := []byte(s)
	for _, c := range codes {
		for i := c[0]; i < c[1]; i++ {
			masked[i] = 'x'
		}
	}
	return string(masked)
}

func escape(s string) string {
	if s == "" {
		return ""
	}
	return string(util.EscapeHTML([]byte(s)))
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}
