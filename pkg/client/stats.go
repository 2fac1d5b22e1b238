package client

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"
)

// Stats describes a finished answer.
type Stats struct {
	Tokens int
	Lines  int
	Bytes  int
}

// ComputeStats counts lines, bytes and cl100k tokens of text. Lines and bytes are set even when
// the token counter cannot be loaded.
func ComputeStats(text string) (Stats, error) {
	s := Stats{Bytes: len(text)}
	if text != "" {
		s.Lines = strings.Count(text, "\n") + 1
		if strings.HasSuffix(text, "\n") {
			s.Lines--
		}
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return s, errors.Wrap(err, "initialize token counter")
	}
	s.Tokens = len(enc.Encode(text, nil, nil))
	return s, nil
}

func (s Stats) Print(w io.Writer) {
	_, _ = fmt.Fprintf(w, "Statistics:\n")
	_, _ = fmt.Fprintf(w, "  Tokens: %d\n", s.Tokens)
	_, _ = fmt.Fprintf(w, "  Lines:  %d\n", s.Lines)
	_, _ = fmt.Fprintf(w, "  Size:   %d bytes\n", s.Bytes)
}
