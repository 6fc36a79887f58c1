package recognizer

import (
	"math"
	"testing"
)

func secondsOf(s float64) []float32 {
	return make([]float32, int(s*float64(sampleRate)))
}

func TestAudioBufferDiscardsOldestPastMax(t *testing.T) {
	buf := newAudioBuffer(45, 30, 25, 5)

	// Segments are being produced, so the no-segment clip never fires.
	for i := 0; i < 46; i++ {
		buf.append(secondsOf(1))
		buf.sinceSegment = 0
	}

	if got := buf.duration(); math.Abs(got-16) > 0.01 {
		t.Errorf("expected ~16s retained after discard, got %.2fs", got)
	}
	if math.Abs(buf.offset-30) > 0.01 {
		t.Errorf("expected offset advanced by 30s, got %.2fs", buf.offset)
	}
}

func TestAudioBufferClipsWithoutSegments(t *testing.T) {
	buf := newAudioBuffer(45, 30, 25, 5)

	for i := 0; i < 25; i++ {
		buf.append(secondsOf(1))
	}

	if got := buf.duration(); math.Abs(got-5) > 0.01 {
		t.Errorf("expected 5s retained after clip, got %.2fs", got)
	}
	if math.Abs(buf.offset-20) > 0.01 {
		t.Errorf("expected offset advanced by 20s, got %.2fs", buf.offset)
	}
	if math.Abs(buf.sinceSegment-5) > 0.01 {
		t.Errorf("expected sinceSegment reset to retain duration, got %.2fs", buf.sinceSegment)
	}
}

func TestAudioBufferNoClipWhileSegmentsFlow(t *testing.T) {
	buf := newAudioBuffer(45, 30, 25, 5)

	for i := 0; i < 20; i++ {
		buf.append(secondsOf(1))
		buf.trimTo(0.5)
	}

	if math.Abs(buf.duration()-10) > 0.01 {
		t.Errorf("expected 10s buffered, got %.2fs", buf.duration())
	}
	if math.Abs(buf.offset-10) > 0.01 {
		t.Errorf("expected offset 10s, got %.2fs", buf.offset)
	}
}

func TestAudioBufferTrimToAdvancesOffset(t *testing.T) {
	buf := newAudioBuffer(45, 30, 25, 5)
	buf.append(secondsOf(10))

	buf.trimTo(4)

	if math.Abs(buf.duration()-6) > 0.01 {
		t.Errorf("expected 6s left, got %.2fs", buf.duration())
	}
	if math.Abs(buf.offset-4) > 0.01 {
		t.Errorf("expected offset 4s, got %.2fs", buf.offset)
	}
	if buf.sinceSegment != 0 {
		t.Errorf("expected sinceSegment reset, got %.2fs", buf.sinceSegment)
	}
}

func TestAudioBufferTrimToBeyondEnd(t *testing.T) {
	buf := newAudioBuffer(45, 30, 25, 5)
	buf.append(secondsOf(2))

	buf.trimTo(10)

	if buf.duration() != 0 {
		t.Errorf("expected empty buffer, got %.2fs", buf.duration())
	}
	if math.Abs(buf.offset-2) > 0.01 {
		t.Errorf("offset should only advance by buffered audio, got %.2fs", buf.offset)
	}
}

func TestDecodeSamples(t *testing.T) {
	raw := []byte{
		0x00, 0x00, 0x80, 0x3f, // 1.0
		0x00, 0x00, 0x00, 0xbf, // -0.5
		0xaa, 0xbb, // trailing partial sample, dropped
	}
	samples := decodeSamples(raw)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0] != 1.0 || samples[1] != -0.5 {
		t.Errorf("unexpected samples: %v", samples)
	}
}
