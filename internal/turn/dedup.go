package turn

import (
	"strings"
	"time"
	"unicode"
)

// dedupWindow is the span within which an identical transcript is treated
// as a duplicate delivery rather than the user repeating themselves.
const dedupWindow = 2 * time.Second

// TranscriptDeduper suppresses duplicate transcript events. The rule is
// canonical content plus time window: two events whose canonicalized text
// matches, observed within dedupWindow of each other, are one event.
type TranscriptDeduper struct {
	now      func() time.Time
	lastText string
	lastSeen time.Time
}

func NewTranscriptDeduper(opts ...DeduperOption) *TranscriptDeduper {
	d := &TranscriptDeduper{now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type DeduperOption func(*TranscriptDeduper)

func DeduperClock(now func() time.Time) DeduperOption {
	return func(d *TranscriptDeduper) { d.now = now }
}

// Observe reports whether the transcript should be delivered. Duplicates
// within the window return false.
func (d *TranscriptDeduper) Observe(text string) bool {
	canon := canonicalizeTranscript(text)
	if canon == "" {
		return false
	}
	now := d.now()
	if canon == d.lastText && now.Sub(d.lastSeen) < dedupWindow {
		d.lastSeen = now
		return false
	}
	d.lastText = canon
	d.lastSeen = now
	return true
}

// Reset forgets dedup history; called across reconnect boundaries.
func (d *TranscriptDeduper) Reset() {
	d.lastText = ""
	d.lastSeen = time.Time{}
}

func canonicalizeTranscript(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
