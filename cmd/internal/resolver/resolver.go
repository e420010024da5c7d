package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound indicates the source yields no audio-capable stream.
var ErrNotFound = errors.New("no audio-capable stream found")

// UpstreamError indicates the metadata provider is unreachable or kept
// returning non-success statuses after bounded retry.
type UpstreamError struct {
	Status   int
	Attempts int
	Cause    error
}

func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("metadata provider failed after %d attempts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("metadata provider returned HTTP %d after %d attempts", e.Status, e.Attempts)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// ResolveOptions tunes a single resolution.
type ResolveOptions struct {
	// ForceRefresh bypasses the cache, used when a previously cached asset
	// has gone stale (e.g. an expired remote link started returning 404).
	ForceRefresh bool
}

const (
	maxAttempts  = 3
	backoffBase  = 250 * time.Millisecond
	backoffLimit = 2 * time.Second
)

// Resolver resolves source ids into ranked audio format descriptors.
type Resolver struct {
	metadataURL string
	httpClient  *http.Client
	cache       Cache
	cacheTTL    time.Duration
	logger      *slog.Logger
}

// New creates a Resolver backed by the metadata provider at metadataURL.
// cache may be nil, disabling descriptor caching.
func New(metadataURL string, cache Cache, cacheTTL time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		metadataURL: strings.TrimRight(metadataURL, "/"),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		cache:       cache,
		cacheTTL:    cacheTTL,
		logger:      logger,
	}
}

// Resolve returns every audio-capable format descriptor for sourceID, ranked
// best-first. Results are cached per source id with a short TTL unless
// ForceRefresh is set.
func (r *Resolver) Resolve(ctx context.Context, sourceID string, opts ResolveOptions) ([]FormatDescriptor, error) {
	if r.cache != nil && !opts.ForceRefresh {
		if descs, ok := r.cache.Get(sourceID); ok {
			return descs, nil
		}
	}

	descs, err := r.fetchFormats(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	ranked := rank(descs)
	if r.cache != nil {
		r.cache.Set(sourceID, ranked, r.cacheTTL)
	}
	return ranked, nil
}

// fetchFormats queries the metadata provider with bounded retry and
// exponential backoff. Non-success statuses other than 404 are retried;
// 404 maps to ErrNotFound immediately.
func (r *Resolver) fetchFormats(ctx context.Context, sourceID string) ([]FormatDescriptor, error) {
	endpoint := fmt.Sprintf("%s/streams/%s", r.metadataURL, sourceID)

	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffBase * time.Duration(1<<(attempt-2))
			if delay > backoffLimit {
				delay = backoffLimit
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &UpstreamError{Attempts: attempt - 1, Cause: ctx.Err()}
			}
		}

		descs, status, err := r.fetchOnce(ctx, endpoint)
		if err == nil {
			if len(descs) == 0 {
				return nil, ErrNotFound
			}
			return descs, nil
		}
		if status == http.StatusNotFound {
			return nil, ErrNotFound
		}

		lastErr = err
		lastStatus = status
		if r.logger != nil {
			r.logger.Warn("metadata fetch attempt failed",
				"source_id", sourceID, "attempt", attempt, "error", err)
		}
	}

	return nil, &UpstreamError{Status: lastStatus, Attempts: maxAttempts, Cause: lastErr}
}

func (r *Resolver) fetchOnce(ctx context.Context, endpoint string) ([]FormatDescriptor, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("metadata request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read metadata response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("metadata provider HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	descs, err := parseStreamResponse(body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return descs, resp.StatusCode, nil
}

// rawFormat mirrors the provider's loosely typed payload: numeric fields may
// arrive as strings, optional fields may be missing entirely. One normalizing
// parse converts it into a typed FormatDescriptor or fails fast.
type rawFormat struct {
	Itag             json.Number `json:"itag"`
	URL              string      `json:"url"`
	MimeType         string      `json:"mimeType"`
	Bitrate          flexInt64   `json:"bitrate"`
	AverageBitrate   flexInt64   `json:"averageBitrate"`
	ContentLength    flexInt64   `json:"contentLength"`
	ApproxDurationMs flexInt64   `json:"approxDurationMs"`
	AudioQuality     string      `json:"audioQuality"`
	IsDefault        bool        `json:"isDefaultAudioTrack"`
	IsDRC            bool        `json:"isDrc"`
	RangesSupported  *bool       `json:"rangesSupported"`
}

type streamResponse struct {
	Formats         []rawFormat `json:"formats"`
	AdaptiveFormats []rawFormat `json:"adaptiveFormats"`
}

// flexInt64 decodes JSON values that may be a number, a numeric string, or
// absent.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("numeric field %q: %w", s, err)
	}
	*f = flexInt64(n)
	return nil
}

func parseStreamResponse(body []byte) ([]FormatDescriptor, error) {
	var parsed streamResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode metadata response: %w", err)
	}

	all := append(parsed.AdaptiveFormats, parsed.Formats...)
	descs := make([]FormatDescriptor, 0, len(all))
	for _, rf := range all {
		if !strings.HasPrefix(strings.ToLower(rf.MimeType), "audio/") {
			continue
		}
		if rf.URL == "" {
			continue
		}

		bitrate := int64(rf.AverageBitrate)
		if bitrate == 0 {
			bitrate = int64(rf.Bitrate)
		}

		supportsRanges := rf.ContentLength > 0
		if rf.RangesSupported != nil {
			supportsRanges = *rf.RangesSupported
		}

		descs = append(descs, FormatDescriptor{
			ID:               rf.Itag.String(),
			URL:              rf.URL,
			MimeType:         rf.MimeType,
			BitrateKbps:      int(bitrate / 1000),
			ContentLength:    int64(rf.ContentLength),
			ApproxDurationMs: int64(rf.ApproxDurationMs),
			SupportsRanges:   supportsRanges,
			IsDefault:        rf.IsDefault,
			IsDRC:            rf.IsDRC || strings.Contains(strings.ToUpper(rf.AudioQuality), "DRC"),
		})
	}

	return descs, nil
}

// Invalidate drops any cached descriptors for sourceID.
func (r *Resolver) Invalidate(sourceID string) {
	if r.cache != nil {
		r.cache.Invalidate(sourceID)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
