package recognizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const bitsPerSample = 16

// WhisperEngine talks to a running whisper-server binary, which exposes a
// batch REST API at POST /inference. Audio is wrapped in a RIFF/WAV container
// and submitted as multipart/form-data; verbose_json responses carry
// per-segment timestamps.
type WhisperEngine struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

func NewWhisperEngine(serverURL, model string) *WhisperEngine {
	return &WhisperEngine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *WhisperEngine) Name() string { return "whisper" }

func (e *WhisperEngine) Transcribe(ctx context.Context, samples []float32, opts TranscribeOptions) (Result, error) {
	wav := encodeWAV(samples, sampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := map[string]string{
		"response_format": "verbose_json",
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.Task == "translate" {
		fields["translate"] = "true"
	}
	if opts.InitialPrompt != "" {
		fields["prompt"] = opts.InitialPrompt
	}
	if e.model != "" {
		fields["model"] = e.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Result{}, fmt.Errorf("whisper: write field %s: %w", k, err)
		}
	}

	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var parsed struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		Segments []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	out := Result{Language: parsed.Language}
	for _, s := range parsed.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out.Segments = append(out.Segments, Segment{Start: s.Start, End: s.End, Text: text})
	}

	// Older server builds omit segments even in verbose mode; fall back to a
	// single span covering the whole window.
	if len(out.Segments) == 0 && strings.TrimSpace(parsed.Text) != "" {
		out.Segments = append(out.Segments, Segment{
			Start: 0,
			End:   float64(len(samples)) / float64(sampleRate),
			Text:  strings.TrimSpace(parsed.Text),
		})
	}
	return out, nil
}

// encodeWAV wraps float32 samples, converted to 16-bit signed little-endian
// PCM, in a standard RIFF/WAV container.
func encodeWAV(samples []float32, rate int) []byte {
	const channels = 1
	byteRate := rate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(samples) * 2

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(s*32767)))
	}
	return buf
}
