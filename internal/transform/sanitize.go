package transform

import (
	"bufio"
	"io"
	"strings"
)

// SanitizeRule rewrites one exact SSE line into another. Rules apply only on
// the identity fast path, where upstream bytes are otherwise forwarded
// verbatim.
type SanitizeRule struct {
	Match   string
	Replace string
}

// DefaultSanitizeRules covers the known malformed terminators some upstreams
// emit in place of the chat sentinel.
var DefaultSanitizeRules = []SanitizeRule{
	{Match: "data: null", Replace: "data: [DONE]"},
	{Match: "data: undefined", Replace: "data: [DONE]"},
}

// Sanitizer streams SSE text through line-exact rewrite rules. Data lines
// are normalized to a single space after the "data:" prefix before matching,
// so "data:null" and "data:  null" hit the same rule. Lines that match no
// rule pass through byte-identical, including blank separators and keepalive
// comments.
type Sanitizer struct {
	rules []SanitizeRule
}

func NewSanitizer(rules []SanitizeRule) *Sanitizer {
	return &Sanitizer{rules: rules}
}

// Copy pumps r into w applying the rewrite rules, flushing after each line.
func (s *Sanitizer) Copy(w io.Writer, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			out := line
			trimmed := line
			hadNL := false
			if n := len(trimmed); n > 0 && trimmed[n-1] == '\n' {
				trimmed = trimmed[:n-1]
				hadNL = true
			}
			if n := len(trimmed); n > 0 && trimmed[n-1] == '\r' {
				trimmed = trimmed[:n-1]
			}
			match := trimmed
			if rest, ok := strings.CutPrefix(trimmed, "data:"); ok {
				match = "data: " + strings.TrimSpace(rest)
			}
			for _, rule := range s.rules {
				if match == rule.Match {
					out = rule.Replace
					if hadNL {
						out += "\n"
					}
					break
				}
			}
			if _, werr := io.WriteString(w, out); werr != nil {
				return werr
			}
			flush(w)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
