// Package recognizer terminates bot audio connections, transcribes audio
// incrementally against a batch ASR backend, filters hallucinations and
// forwards segments and speaker events onto the collector's streams.
package recognizer

import "context"

// sampleRate is the fixed input rate. Bots resample before streaming.
const sampleRate = 16000

// Segment is one transcribed span with times relative to the audio the
// engine was given.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// Result is the outcome of one recognition pass.
type Result struct {
	Segments []Segment
	Language string
}

// TranscribeOptions carries per-session hints forwarded to the backend.
type TranscribeOptions struct {
	Language      string
	Task          string // "transcribe" or "translate"
	InitialPrompt string
}

// Engine is a batch speech recognizer. Implementations must be safe for
// concurrent use by multiple sessions.
type Engine interface {
	// Transcribe runs recognition over the full sample window and returns
	// zero or more segments with times relative to the window start.
	Transcribe(ctx context.Context, samples []float32, opts TranscribeOptions) (Result, error)

	// Name identifies the backend in SERVER_READY frames and logs.
	Name() string
}
