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

// NovaEngine is the fast/cheap provider. It accepts a remote audio URL and
// auto-detects the language; accuracy is traded for latency, which makes it
// the default primary under an SLO budget.
type NovaEngine struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
}

// NewNovaEngine creates a NovaEngine for the service at apiURL.
func NewNovaEngine(apiURL, apiKey string) *NovaEngine {
	return &NovaEngine{
		apiURL: apiURL,
		apiKey: apiKey,
		httpClient: &http.Client{
			// Fast engine, but long recordings still take a while.
			Timeout: 5 * time.Minute,
		},
	}
}

type novaRequest struct {
	URL           string `json:"url"`
	ClipSeconds   int    `json:"clip_seconds,omitempty"`
	OffsetSeconds int    `json:"offset_seconds,omitempty"`
}

// novaResponse mirrors the provider's channel/alternative layout.
type novaResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []rawSegment `json:"utterances"`
		Duration   flexFloat    `json:"duration"`
	} `json:"results"`
}

// Transcribe sends the audio URL for transcription. Language is a query
// parameter; when empty the provider auto-detects.
func (n *NovaEngine) Transcribe(ctx context.Context, audioURL string, opts *Options) (*Result, error) {
	if opts != nil && opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	endpoint := n.apiURL + "/v1/listen?smart_format=true&utterances=true"
	if opts != nil && opts.Model != "" {
		endpoint += "&model=" + opts.Model
	}
	if opts != nil && opts.Language != "" {
		endpoint += "&language=" + opts.Language
	} else {
		endpoint += "&detect_language=true"
	}

	payload := novaRequest{URL: audioURL}
	if opts != nil {
		payload.ClipSeconds = opts.ClipSeconds
		payload.OffsetSeconds = opts.OffsetSeconds
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &EngineError{Engine: n.Name(), Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &EngineError{Engine: n.Name(), Cause: err}
	}
	req.Header.Set("Authorization", "Token "+n.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, &EngineError{Engine: n.Name(), Cause: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &EngineError{Engine: n.Name(), Status: resp.StatusCode,
			Cause: fmt.Errorf("%s", truncate(string(raw), 200))}
	}

	var parsed novaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &EngineError{Engine: n.Name(), Cause: fmt.Errorf("decode response: %w", err)}
	}

	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return nil, &EngineError{Engine: n.Name(), Cause: fmt.Errorf("empty transcript in response")}
	}

	segments, err := normalizeSegments(parsed.Results.Utterances)
	if err != nil {
		return nil, &EngineError{Engine: n.Name(), Cause: err}
	}

	return &Result{
		Text:     parsed.Results.Channels[0].Alternatives[0].Transcript,
		Segments: segments,
		Language: parsed.Results.Channels[0].DetectedLanguage,
		Duration: float64(parsed.Results.Duration),
	}, nil
}

// HealthCheck probes the provider's health endpoint with the configured key.
func (n *NovaEngine) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.apiURL+"/v1/health", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Token "+n.apiKey)

	resp, err := n.httpClient.Do(req)
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
func (n *NovaEngine) Name() string {
	return "nova"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
