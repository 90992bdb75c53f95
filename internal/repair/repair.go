// Package repair turns model replies that are meant to be JSON into parsed
// values, tolerating code fences, trailing commas and truncated output.
package repair

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Diagnostic describes a reply that could not be repaired.
type Diagnostic struct {
	RawContent   string `json:"rawContent"`
	ParsingError string `json:"parsingError"`
}

// Outcome is the result of a repair attempt. Exactly one of Value (when OK)
// and Diagnostic is meaningful.
type Outcome struct {
	OK         bool
	Value      any
	Diagnostic *Diagnostic
}

// Content returns the parsed value, or the diagnostic payload on failure.
func (o Outcome) Content() any {
	if o.OK {
		return o.Value
	}
	if o.Diagnostic == nil {
		return nil
	}
	return map[string]any{
		"rawContent":   o.Diagnostic.RawContent,
		"parsingError": o.Diagnostic.ParsingError,
	}
}

// Err returns a non-nil error when the repair failed.
func (o Outcome) Err() error {
	if o.OK {
		return nil
	}
	if o.Diagnostic == nil {
		return fmt.Errorf("parse model response: unknown failure")
	}
	return fmt.Errorf("parse model response: %s", o.Diagnostic.ParsingError)
}

// Repairer converts raw model text into a structured value.
type Repairer interface {
	Repair(raw string) Outcome
}

// JSON is the default Repairer.
type JSON struct{}

// Repair implements Repairer.
func (JSON) Repair(raw string) Outcome { return Repair(raw) }

// Repair strips a code fence, parses, and on failure retries once on the
// extracted JSON span with trailing commas removed and open containers closed.
// It is deterministic and never panics.
func Repair(raw string) (out Outcome) {
	text := strings.TrimSpace(raw)
	defer func() {
		if r := recover(); r != nil {
			out = failure(text, fmt.Errorf("repair panic: %v", r))
		}
	}()

	// Valid JSON is returned as is, even when a string value holds a fence.
	if v, err := parse(text); err == nil {
		return Outcome{OK: true, Value: v}
	}
	text = StripFence(text)
	v, err := parse(text)
	if err == nil {
		return Outcome{OK: true, Value: v}
	}

	span, found := locateSpan(text)
	if !found {
		return failure(text, err)
	}
	fixed := closeOpen(removeTrailingCommas(span))
	v, err = parse(fixed)
	if err != nil {
		return failure(text, err)
	}
	return Outcome{OK: true, Value: v}
}

// StripFence removes one enclosing markdown code fence with an optional
// language tag. Text without a fence is returned trimmed.
func StripFence(s string) string {
	t := strings.TrimSpace(s)
	start := strings.Index(t, "```")
	if start < 0 {
		return t
	}
	rest := t[start+3:]
	if start > 0 && closingOnly(t, rest) {
		return strings.TrimSpace(t[:start])
	}
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && isLangTag(rest[:nl]) {
		rest = rest[nl+1:]
	} else if nl < 0 && isLangTag(rest) {
		return ""
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// closingOnly reports whether the only fence in t closes a body that began
// without its opening fence. A lead-in such as "policy [A]:" before a full
// fenced block does not count.
func closingOnly(t, afterFence string) bool {
	if strings.Contains(afterFence, "```") {
		return false
	}
	if t[0] == '{' || t[0] == '[' {
		return true
	}
	return strings.TrimSpace(afterFence) == "" && strings.ContainsAny(t, "{[")
}

func isLangTag(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func parse(s string) (any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty response")
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func failure(text string, err error) Outcome {
	return Outcome{Diagnostic: &Diagnostic{RawContent: text, ParsingError: err.Error()}}
}

// locateSpan returns text from the first '{' or '[' to its matching closer,
// or to the end of text when the structure never closes.
func locateSpan(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return strings.TrimRight(text[start:], " \t\r\n"), true
}

// removeTrailingCommas drops commas that are followed only by whitespace and
// then a closer or the end of input.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j == len(s) || s[j] == '}' || s[j] == ']' {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// closeOpen terminates an unterminated string and appends the closers for
// every container still open, innermost first.
func closeOpen(s string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
		}
	}
	if !inString && len(stack) == 0 {
		return s
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		if escaped {
			trimmed := b.String()
			b.Reset()
			b.WriteString(trimmed[:len(trimmed)-1])
		}
		b.WriteByte('"')
	}
	tail := strings.TrimRight(b.String(), " \t\r\n")
	if strings.HasSuffix(tail, ":") {
		b.Reset()
		b.WriteString(tail)
		b.WriteString("null")
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
