package collector

import "testing"

func TestFilterRejectsShortAndNonInformative(t *testing.T) {
	f := NewFilter(3, 1)

	tests := []struct {
		name string
		text string
		want bool
	}{
		{name: "empty", text: "", want: false},
		{name: "whitespace only", text: "   ", want: false},
		{name: "below min length", text: "hi", want: false},
		{name: "blank audio marker", text: "[BLANK_AUDIO]", want: false},
		{name: "paren marker", text: "(inaudible)", want: false},
		{name: "heart emoticon", text: "<3", want: false},
		{name: "angle bracket run", text: ">> >>", want: false},
		{name: "dots", text: "...", want: false},
		{name: "stopwords only", text: "the and you", want: false},
		{name: "short tokens only", text: "a b c d", want: false},
		{name: "real sentence", text: "let's review the deployment plan", want: true},
		{name: "single real word", text: "deployment", want: true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Distinct time ranges so the dedup cache never interferes.
			start := float64(i * 100)
			if got := f.Accept(1, tt.text, start, start+1); got != tt.want {
				t.Errorf("Accept(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestFilterDedupSubRange(t *testing.T) {
	f := NewFilter(3, 1)

	if !f.Accept(1, "hello everyone welcome", 0, 5) {
		t.Fatal("first segment should pass")
	}
	// Same text, sub-range: drop.
	if f.Accept(1, "hello everyone welcome", 1, 4) {
		t.Error("same-text sub-range repeat should be dropped")
	}
	// Same text, wider range: replaces the cached entry and passes.
	if !f.Accept(1, "hello everyone welcome", 0, 6) {
		t.Error("same-text super-range should pass")
	}
}

func TestFilterDedupShorterPartialInsideLonger(t *testing.T) {
	f := NewFilter(3, 1)

	if !f.Accept(1, "today we are shipping the new collector", 0, 10) {
		t.Fatal("long segment should pass")
	}
	// Shorter different text fully inside the longer one's span: partial.
	if f.Accept(1, "today we are shipping", 2, 8) {
		t.Error("shorter partial inside a longer cached span should be dropped")
	}
	// Non-overlapping segment passes regardless of text length.
	if !f.Accept(1, "short note", 20, 22) {
		t.Error("non-overlapping segment should pass")
	}
}

func TestFilterCacheIsPerMeeting(t *testing.T) {
	f := NewFilter(3, 1)

	if !f.Accept(1, "same words here", 0, 5) {
		t.Fatal("meeting 1 segment should pass")
	}
	if !f.Accept(2, "same words here", 1, 4) {
		t.Error("meeting 2 must not be affected by meeting 1's cache")
	}
}

func TestFilterClearMeeting(t *testing.T) {
	f := NewFilter(3, 1)

	if !f.Accept(1, "repeat after me", 0, 5) {
		t.Fatal("segment should pass")
	}
	f.ClearMeeting(1)
	if !f.Accept(1, "repeat after me", 1, 4) {
		t.Error("cache should be empty after ClearMeeting")
	}
}
