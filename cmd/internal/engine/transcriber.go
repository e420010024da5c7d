// Package engine provides the speech-to-text engine abstraction and its
// concrete implementations. The pipeline depends only on the Transcriber
// interface shape, not on any one provider's schema.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Segment is a single transcribed interval. Start and End are seconds from
// the audio start, Start <= End.
type Segment struct {
	// ID is the sequential identifier of this segment within the transcript
	ID int `json:"id"`

	// Start is the beginning time of this segment in seconds
	Start float64 `json:"start"`

	// End is the ending time of this segment in seconds
	End float64 `json:"end"`

	// Text is the transcribed text content of this segment
	Text string `json:"text"`

	// Speaker is the optional diarization label
	Speaker string `json:"speaker,omitempty"`
}

// Result is the complete outcome of a transcription call.
//
// Text must be reconstructible from Segments in join order. The two may
// diverge mid-pipeline while refinement rewrites the text; the timeline
// reconciler restores the invariant before the result leaves the pipeline.
type Result struct {
	// Text is the full transcribed text
	Text string `json:"text"`

	// Segments is the list of time-coded segments
	Segments []Segment `json:"segments"`

	// Language is the detected or requested language code (e.g. "en", "zh")
	Language string `json:"language"`

	// Duration is the total audio duration in seconds
	Duration float64 `json:"duration"`

	// RawSubtitles optionally carries provider-formatted subtitles untouched
	RawSubtitles string `json:"raw_subtitles,omitempty"`
}

// JoinedText returns the segment texts concatenated in order.
func (r *Result) JoinedText() string {
	var b strings.Builder
	for _, s := range r.Segments {
		b.WriteString(s.Text)
	}
	return b.String()
}

// Options are optional transcription parameters. All fields are optional;
// implementations provide their own defaults.
type Options struct {
	// Model overrides the provider's default model
	Model string

	// Language forces a language (ISO 639-1). Empty means auto-detect.
	Language string

	// ClipSeconds limits transcription to a short window of the audio.
	// 0 means the full recording. Used by the language probe.
	ClipSeconds int

	// OffsetSeconds shifts the window start. Only meaningful together with
	// ClipSeconds; lets the probe skip a cold open or music intro.
	OffsetSeconds int

	// Timeout overrides the implementation's request timeout.
	Timeout time.Duration
}

// Transcriber is the standard speech-to-text engine interface. Every
// implementation must respect context cancellation and return a valid empty
// Result rather than an error when the audio contains no speech.
type Transcriber interface {
	// Transcribe transcribes the audio reachable at audioURL.
	Transcribe(ctx context.Context, audioURL string, opts *Options) (*Result, error)

	// HealthCheck reports whether the engine is operational. It should be
	// cheap and respect short timeouts.
	HealthCheck(ctx context.Context) (bool, error)

	// Name returns the engine identifier used in logs and errors.
	Name() string
}

// EngineError wraps a provider failure with the engine name so the strategy
// layer can report which engines were attempted.
type EngineError struct {
	Engine string
	Status int // 0 for transport errors
	Cause  error
}

func (e *EngineError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("engine %s: HTTP %d: %v", e.Engine, e.Status, e.Cause)
	}
	return fmt.Sprintf("engine %s: %v", e.Engine, e.Cause)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// flexFloat decodes JSON values that arrive as a number, a numeric string, or
// null. Providers disagree on how they encode timestamps; normalization
// happens once here at the boundary.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp field %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// normalizeSegments validates and renumbers loosely typed provider segments.
func normalizeSegments(raw []rawSegment) ([]Segment, error) {
	segs := make([]Segment, 0, len(raw))
	for i, rs := range raw {
		if rs.End < rs.Start {
			return nil, fmt.Errorf("segment %d: end %.3f before start %.3f", i, float64(rs.End), float64(rs.Start))
		}
		segs = append(segs, Segment{
			ID:      i,
			Start:   float64(rs.Start),
			End:     float64(rs.End),
			Text:    rs.Text,
			Speaker: rs.Speaker,
		})
	}
	return segs, nil
}

// rawSegment mirrors the provider payload before normalization.
type rawSegment struct {
	Start   flexFloat `json:"start"`
	End     flexFloat `json:"end"`
	Text    string    `json:"text"`
	Speaker string    `json:"speaker,omitempty"`
}
