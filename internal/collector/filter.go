package collector

import (
	"regexp"
	"strings"
	"sync"
)

// nonInformative matches transcription artifacts that carry no speech:
// bracket/paren-only markers, emoticon debris and bare angle-bracket runs.
var nonInformativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\[[^\]]*\]$`),
	regexp.MustCompile(`^\([^)]*\)$`),
	regexp.MustCompile(`^<3+$`),
	regexp.MustCompile(`^[<>\s]+$`),
	regexp.MustCompile(`^\.+$`),
}

// stopwords for the real-word count. Tokens this common don't make a segment
// informative on their own.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "you": {}, "that": {}, "this": {}, "with": {},
	"for": {}, "was": {}, "are": {}, "but": {}, "not": {}, "they": {},
	"have": {}, "had": {}, "his": {}, "her": {}, "she": {}, "him": {},
	"one": {}, "all": {}, "were": {}, "can": {}, "our": {}, "out": {},
	"your": {}, "what": {}, "when": {}, "who": {}, "get": {}, "which": {},
	"there": {}, "their": {}, "will": {}, "would": {}, "about": {},
	"yeah": {}, "okay": {}, "like": {}, "just": {}, "know": {},
}

type cachedSegment struct {
	text  string
	start float64
	end   float64
}

// Filter decides which mutable segments are worth persisting. It keeps a
// per-meeting cache of recently accepted segments for time/text dedup; the
// flusher clears a meeting's cache when the meeting leaves active_meetings.
type Filter struct {
	minChars     int
	minRealWords int

	mu    sync.Mutex
	cache map[int64][]cachedSegment
}

func NewFilter(minChars, minRealWords int) *Filter {
	return &Filter{
		minChars:     minChars,
		minRealWords: minRealWords,
		cache:        make(map[int64][]cachedSegment),
	}
}

// Accept reports whether the segment passes the filter pipeline. Accepted
// segments enter the meeting's dedup cache and may evict cached entries they
// supersede.
func (f *Filter) Accept(meetingID int64, text string, start, end float64) bool {
	text = strings.TrimSpace(text)
	if len(text) < f.minChars {
		return false
	}
	for _, re := range nonInformativePatterns {
		if re.MatchString(text) {
			return false
		}
	}
	if realWordCount(text) < f.minRealWords {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cached := f.cache[meetingID]
	keep := cached[:0:0]
	for _, c := range cached {
		switch {
		case c.text == text && subRange(start, end, c.start, c.end):
			// New is a sub-range repeat of a cached segment: drop new.
			f.cache[meetingID] = cached
			return false
		case c.text == text && subRange(c.start, c.end, start, end):
			// Cached is a sub-range of the new: evict cached, keep new.
			continue
		case c.text != text && overlaps(start, end, c.start, c.end):
			// Overlapping different texts: the shorter text inside the
			// longer's span is a partial, drop it.
			if len(text) < len(c.text) && subRange(start, end, c.start, c.end) {
				f.cache[meetingID] = cached
				return false
			}
			if len(c.text) < len(text) && subRange(c.start, c.end, start, end) {
				continue
			}
			keep = append(keep, c)
		default:
			keep = append(keep, c)
		}
	}

	f.cache[meetingID] = append(keep, cachedSegment{text: text, start: start, end: end})
	return true
}

// ClearMeeting drops the dedup cache for a meeting that went inactive.
func (f *Filter) ClearMeeting(meetingID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, meetingID)
}

func subRange(aStart, aEnd, bStart, bEnd float64) bool {
	return aStart >= bStart && aEnd <= bEnd
}

func overlaps(aStart, aEnd, bStart, bEnd float64) bool {
	return aStart < bEnd && bStart < aEnd
}

// realWordCount counts tokens that look like actual words: at least three
// characters, not a stopword, not markup.
func realWordCount(text string) int {
	n := 0
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ".,!?;:\"'")
		if len(tok) < 3 {
			continue
		}
		if strings.HasPrefix(tok, "<") || strings.HasPrefix(tok, "[") {
			continue
		}
		if _, stop := stopwords[strings.ToLower(tok)]; stop {
			continue
		}
		n++
	}
	return n
}
