package recognizer

import (
	"testing"
	"time"

	"github.com/echoscribe/echoscribe/internal/logger"
)

func testBreaker(pulse *Pulse, tripped *bool) *Breaker {
	return NewBreaker(pulse, 60*time.Second, 8*time.Second, 30*time.Second, 2,
		func() { *tripped = true }, logger.New(logger.Config{}))
}

func TestBreakerSilentDuringWarmup(t *testing.T) {
	pulse := NewPulse()
	var tripped bool
	b := testBreaker(pulse, &tripped)

	pulse.MarkSpeakerActivity()
	now := pulse.startedAt.Add(30 * time.Second)

	if b.check(now) {
		t.Error("breaker must not trip during warmup")
	}
	if b.streak != 0 {
		t.Errorf("expected zero streak during warmup, got %d", b.streak)
	}
}

func TestBreakerTripsAfterConsecutiveStalls(t *testing.T) {
	pulse := NewPulse()
	var tripped bool
	b := testBreaker(pulse, &tripped)

	// Past warmup, speaker heard 5s ago, no transcription ever.
	now := pulse.startedAt.Add(2 * time.Minute)
	pulse.lastSpeaker.Store(now.Add(-5 * time.Second).UnixNano())

	if b.check(now) {
		t.Fatal("first stalled check must not trip yet")
	}
	if !b.check(now.Add(10 * time.Second)) {
		t.Fatal("second consecutive stalled check should trip")
	}
}

func TestBreakerStreakResetsOnOutput(t *testing.T) {
	pulse := NewPulse()
	var tripped bool
	b := testBreaker(pulse, &tripped)

	now := pulse.startedAt.Add(2 * time.Minute)
	pulse.lastSpeaker.Store(now.Add(-5 * time.Second).UnixNano())

	if b.check(now) {
		t.Fatal("first stalled check must not trip")
	}

	// Transcription output arrives; the next check is healthy.
	pulse.lastTranscription.Store(now.Add(5 * time.Second).UnixNano())
	if b.check(now.Add(10 * time.Second)) {
		t.Fatal("check after output must not trip")
	}
	if b.streak != 0 {
		t.Errorf("expected streak reset, got %d", b.streak)
	}

	// A later stall starts the streak over from zero.
	later := now.Add(5 * time.Minute)
	pulse.lastSpeaker.Store(later.Add(-2 * time.Second).UnixNano())
	if b.check(later) {
		t.Error("first check of a new stall must not trip")
	}
}

func TestBreakerIgnoresStallWithoutSpeakers(t *testing.T) {
	pulse := NewPulse()
	var tripped bool
	b := testBreaker(pulse, &tripped)

	// Nobody has spoken: silence is not a stall.
	now := pulse.startedAt.Add(10 * time.Minute)
	if b.check(now) || b.check(now.Add(10*time.Second)) {
		t.Error("breaker must not trip when no speaker is active")
	}
}

func TestBreakerIgnoresStaleSpeakerActivity(t *testing.T) {
	pulse := NewPulse()
	var tripped bool
	b := testBreaker(pulse, &tripped)

	now := pulse.startedAt.Add(2 * time.Minute)
	pulse.lastSpeaker.Store(now.Add(-20 * time.Second).UnixNano())

	if b.check(now) {
		t.Error("speaker outside the active window must not count")
	}
}
