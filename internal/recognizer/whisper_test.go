package recognizer

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWhisperEngineParsesSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("expected verbose_json response_format, got %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("expected language hint, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"text": " hello world. how are you.",
			"language": "en",
			"segments": [
				{"start": 0.0, "end": 1.2, "text": " hello world."},
				{"start": 1.2, "end": 2.5, "text": " how are you."},
				{"start": 2.5, "end": 2.5, "text": "  "}
			]
		}`))
	}))
	defer srv.Close()

	engine := NewWhisperEngine(srv.URL, "")
	result, err := engine.Transcribe(context.Background(), make([]float32, sampleRate),
		TranscribeOptions{Language: "en"})
	if err != nil {
		t.Fatalf("transcribe failed: %v", err)
	}

	if len(result.Segments) != 2 {
		t.Fatalf("expected 2 segments (blank dropped), got %d", len(result.Segments))
	}
	if result.Segments[0].Text != "hello world." || result.Segments[0].End != 1.2 {
		t.Errorf("unexpected first segment: %+v", result.Segments[0])
	}
	if result.Language != "en" {
		t.Errorf("expected language en, got %q", result.Language)
	}
}

func TestWhisperEngineTextOnlyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": " just text "}`))
	}))
	defer srv.Close()

	engine := NewWhisperEngine(srv.URL, "")
	result, err := engine.Transcribe(context.Background(), make([]float32, 2*sampleRate), TranscribeOptions{})
	if err != nil {
		t.Fatalf("transcribe failed: %v", err)
	}

	if len(result.Segments) != 1 {
		t.Fatalf("expected 1 fallback segment, got %d", len(result.Segments))
	}
	seg := result.Segments[0]
	if seg.Text != "just text" || seg.Start != 0 || seg.End != 2 {
		t.Errorf("unexpected fallback segment: %+v", seg)
	}
}

func TestWhisperEngineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine := NewWhisperEngine(srv.URL, "")
	if _, err := engine.Transcribe(context.Background(), make([]float32, sampleRate), TranscribeOptions{}); err == nil {
		t.Error("expected error on HTTP 500")
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1}
	wav := encodeWAV(samples, sampleRate)

	if len(wav) != 44+len(samples)*2 {
		t.Fatalf("unexpected wav size %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE magic")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != sampleRate {
		t.Errorf("expected sample rate %d, got %d", sampleRate, rate)
	}
	// Full-scale samples clamp to the int16 range.
	if v := int16(binary.LittleEndian.Uint16(wav[44+3*2:])); v != 32767 {
		t.Errorf("expected +1.0 to encode as 32767, got %d", v)
	}
	if v := int16(binary.LittleEndian.Uint16(wav[44+4*2:])); v != -32767 {
		t.Errorf("expected -1.0 to encode as -32767, got %d", v)
	}
}
