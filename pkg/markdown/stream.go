package markdown

import (
	"strings"
)

// Stream renders a document that grows by appends. Text that can no longer change its rendering
// (closed code blocks, finished paragraphs, list runs followed by another block) is rendered once
// and kept as committed markup; only the open tail is re-rendered on each append.
//
// After every Append, Markup() equals Render of everything appended so far.
type Stream struct {
	committed strings.Builder
	pending   string
	size      int
	markup    string
}

// NewStream returns an empty Stream.
func NewStream() *Stream {
	return &Stream{}
}

// Append adds a fragment and returns the markup of the whole document.
func (s *Stream) Append(fragment string) string {
	if fragment == "" && s.markup != "" {
		return s.markup
	}
	s.pending += fragment
	s.size += len(fragment)
	if cut := commitPoint(s.pending); cut > 0 {
		renderInto(&s.committed, s.pending[:cut])
		s.pending = s.pending[cut:]
	}
	s.markup = s.committed.String() + Render(s.pending)
	return s.markup
}

// Markup returns the markup of everything appended so far.
func (s *Stream) Markup() string {
	return s.markup
}

// Len returns the number of bytes appended so far.
func (s *Stream) Len() int {
	return s.size
}

// Pending returns the number of bytes that are still re-rendered on every append.
func (s *Stream) Pending() int {
	return len(s.pending)
}

// Reset discards all state.
func (s *Stream) Reset() {
	s.committed.Reset()
	s.pending = ""
	s.size = 0
	s.markup = ""
}

// commitPoint returns the length of the longest prefix of text whose rendering cannot be changed
// by any later append.
func commitPoint(text string) int {
	cut := 0
	if matches := fencePattern.FindAllStringIndex(text, -1); len(matches) > 0 {
		cut = matches[len(matches)-1][1]
	}

	tail := text[cut:]
	// a backtick fence after the last closed block may still open one
	if i := strings.Index(tail, "```"); i >= 0 {
		tail = tail[:i]
	}
	end := strings.LastIndexByte(tail, '\n')
	if end < 0 {
		return cut
	}

	// walk the complete lines and remember where the trailing list run starts, if any
	runStart := -1
	runKind := lineBlank
	offset := 0
	for offset <= end {
		next := strings.IndexByte(tail[offset:], '\n')
		line := tail[offset : offset+next]
		kind, _ := classify(line)
		switch {
		case kind == lineBullet || kind == lineOrdered:
			if runKind != kind {
				runStart = offset
				runKind = kind
			}
		default:
			runStart = -1
			runKind = lineBlank
		}
		offset += next + 1
	}

	if runStart >= 0 {
		return cut + runStart
	}
	return cut + end + 1
}
