package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PrecisionEngine is the slower high-accuracy provider. It is the fallback
// target of the SLO race, and the direct primary for Han-script audio and
// for guaranteed-accuracy requests.
type PrecisionEngine struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
}

// NewPrecisionEngine creates a PrecisionEngine for the service at apiURL.
// The client timeout is generous: transcription time roughly tracks audio
// duration on this provider.
func NewPrecisionEngine(apiURL, apiKey string) *PrecisionEngine {
	return &PrecisionEngine{
		apiURL: apiURL,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

type precisionRequest struct {
	URL      string `json:"url"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type precisionResponse struct {
	Text     string       `json:"text"`
	Segments []rawSegment `json:"segments"`
	Language string       `json:"language"`
	Duration flexFloat    `json:"duration"`
	SRT      string       `json:"srt,omitempty"`
}

// Transcribe sends the audio URL for transcription.
func (p *PrecisionEngine) Transcribe(ctx context.Context, audioURL string, opts *Options) (*Result, error) {
	if opts != nil && opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	payload := precisionRequest{URL: audioURL}
	if opts != nil {
		payload.Model = opts.Model
		payload.Language = opts.Language
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &EngineError{Engine: p.Name(), Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/api/transcribe", bytes.NewReader(body))
	if err != nil {
		return nil, &EngineError{Engine: p.Name(), Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &EngineError{Engine: p.Name(), Cause: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &EngineError{Engine: p.Name(), Status: resp.StatusCode,
			Cause: fmt.Errorf("%s", truncate(string(raw), 200))}
	}

	var parsed precisionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &EngineError{Engine: p.Name(), Cause: fmt.Errorf("decode response: %w", err)}
	}

	segments, err := normalizeSegments(parsed.Segments)
	if err != nil {
		return nil, &EngineError{Engine: p.Name(), Cause: err}
	}

	return &Result{
		Text:         parsed.Text,
		Segments:     segments,
		Language:     parsed.Language,
		Duration:     float64(parsed.Duration),
		RawSubtitles: parsed.SRT,
	}, nil
}

// HealthCheck probes the provider's health endpoint.
func (p *PrecisionEngine) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"/api/health", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
	}
	return true, nil
}

// Name returns the engine identifier.
func (p *PrecisionEngine) Name() string {
	return "precision"
}
