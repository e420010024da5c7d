package engine

import (
	"context"
	"log/slog"
)

// MockEngine is the degraded-mode implementation used when no real engine is
// configured. It returns an empty result instead of blocking or erroring so
// the rest of the service stays operational.
type MockEngine struct {
	logger *slog.Logger
}

// NewMockEngine creates a MockEngine. logger may be nil.
func NewMockEngine(logger *slog.Logger) *MockEngine {
	return &MockEngine{logger: logger}
}

// Transcribe returns an empty result and never an error.
func (m *MockEngine) Transcribe(ctx context.Context, audioURL string, opts *Options) (*Result, error) {
	if m.logger != nil {
		m.logger.Warn("mock engine invoked, transcription unavailable", "audio_url", audioURL)
	}
	return &Result{
		Segments: []Segment{},
		Text:     "",
		Language: "unknown",
		Duration: 0,
	}, nil
}

// HealthCheck always reports unhealthy: the mock represents a degraded state.
func (m *MockEngine) HealthCheck(ctx context.Context) (bool, error) {
	return false, nil
}

// Name returns the engine identifier.
func (m *MockEngine) Name() string {
	return "mock-degraded"
}
