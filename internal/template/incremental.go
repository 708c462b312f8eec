package template

import "strings"

// genericHoldMarkers are prefixes held back even when not an explicit stop
// sequence, since they commonly introduce a control token a chunk boundary
// could otherwise split in half.
var genericHoldMarkers = []string{"<|", "###"}

// IncrementalCleaner applies Clean's truncation and role-prefix stripping
// to a token stream one fragment at a time, without ever emitting text
// that a later fragment could prove needed to be held back: a stop
// sequence split across two fragments, or a line-start role label whose
// bytes haven't fully arrived yet. Once a line's start is known not to be
// a role label, the rest of that line streams through byte for byte.
type IncrementalCleaner struct {
	stops     []string
	pending   string
	lineStart bool
	done      bool
}

// NewIncrementalCleaner builds a cleaner for the given effective stop list.
func NewIncrementalCleaner(stops []string) *IncrementalCleaner {
	return &IncrementalCleaner{stops: stops, lineStart: true}
}

// Push appends a fragment of raw model output. It returns the text that
// is now safe to emit to the caller, and whether a stop sequence was
// found (in which case emit is everything cleaned up to, and excluding,
// the match, and the cleaner will not accept further input).
func (c *IncrementalCleaner) Push(fragment string) (emit string, stopped bool) {
	if c.done {
		return "", true
	}
	c.pending += fragment

	if idx := firstStopIndex(c.pending, c.stops); idx >= 0 {
		emit = c.consume(c.pending[:idx])
		c.pending = ""
		c.done = true
		return emit, true
	}

	safe := len(c.pending) - maxMarkerOverlap(c.pending, c.stops)
	if hold := c.roleLabelHold(safe); hold > 0 {
		safe -= hold
	}
	if safe <= 0 {
		return "", false
	}
	emit = c.consume(c.pending[:safe])
	c.pending = c.pending[safe:]
	return emit, false
}

// Flush returns any text still held back, role-stripped, for when the
// underlying stream ends without ever matching a stop sequence.
func (c *IncrementalCleaner) Flush() string {
	if c.done {
		return ""
	}
	out := c.consume(c.pending)
	c.pending = ""
	c.done = true
	return strings.TrimRight(out, " \t\n\r")
}

// consume emits segment, stripping a role label from the start of every
// line whose beginning falls inside it, and tracks whether the next byte
// after segment starts a new line.
func (c *IncrementalCleaner) consume(segment string) string {
	var b strings.Builder
	for len(segment) > 0 {
		nl := strings.IndexByte(segment, '\n')
		if nl < 0 {
			line := segment
			if c.lineStart {
				line = stripLeadingLabel(line)
			}
			b.WriteString(line)
			c.lineStart = false
			break
		}
		line := segment[:nl]
		if c.lineStart {
			line = stripLeadingLabel(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
		c.lineStart = true
		segment = segment[nl+1:]
	}
	return b.String()
}

// roleLabelHold returns how many trailing bytes of pending[:safe] must be
// held back because they sit at a line start and could still grow into a
// role label. Once part of a line has been emitted, its label question is
// settled and nothing on it is ever held.
func (c *IncrementalCleaner) roleLabelHold(safe int) int {
	if safe <= 0 || safe > len(c.pending) {
		return 0
	}
	window := c.pending[:safe]
	start := strings.LastIndexByte(window, '\n') + 1
	if start == 0 && !c.lineStart {
		return 0
	}
	tail := strings.TrimLeft(window[start:], " \t")
	if tail == "" {
		if start == safe {
			return 0
		}
		// whitespace so far; a label could still follow it
		return safe - start
	}
	for _, p := range rolePrefixes {
		if len(tail) < len(p) && strings.HasPrefix(p, tail) {
			return safe - start
		}
	}
	return 0
}

// stripLeadingLabel removes role labels from the start of line, repeating
// until none is left so stacked labels ("AI: You: ...") all go; the same
// rule Clean applies per line.
func stripLeadingLabel(line string) string {
	for {
		trimmed := strings.TrimLeft(line, " \t")
		stripped := false
		for _, p := range rolePrefixes {
			if strings.HasPrefix(trimmed, p) {
				line = strings.TrimLeft(trimmed[len(p):], " \t")
				stripped = true
				break
			}
		}
		if !stripped {
			return line
		}
	}
}

func firstStopIndex(text string, stops []string) int {
	best := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// maxMarkerOverlap returns the length of the longest suffix of text that
// could still grow into a stop sequence or hold marker: a proper prefix
// of a stop (a full match would already have fired), or any prefix of a
// generic marker including the whole marker, since "<|" may open a longer
// control token.
func maxMarkerOverlap(text string, stops []string) int {
	max := 0
	for _, s := range stops {
		if l := suffixPrefixOverlap(text, s, len(s)-1); l > max {
			max = l
		}
	}
	for _, m := range genericHoldMarkers {
		if l := suffixPrefixOverlap(text, m, len(m)); l > max {
			max = l
		}
	}
	return max
}

func suffixPrefixOverlap(text, marker string, maxLen int) int {
	for l := maxLen; l > 0; l-- {
		if l > len(text) {
			continue
		}
		if strings.HasSuffix(text, marker[:l]) {
			return l
		}
	}
	return 0
}
