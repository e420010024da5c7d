// Package pipeline wires source normalization, format resolution, chunked
// fetching, engine strategy, refinement and timeline reconciliation into a
// single transcription job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/castscribe/castscribe/cmd/internal/engine"
	"github.com/castscribe/castscribe/cmd/internal/fetch"
	"github.com/castscribe/castscribe/cmd/internal/metrics"
	"github.com/castscribe/castscribe/cmd/internal/refine"
	"github.com/castscribe/castscribe/cmd/internal/resolver"
	"github.com/castscribe/castscribe/cmd/internal/source"
	"github.com/castscribe/castscribe/cmd/internal/storage"
	"github.com/castscribe/castscribe/cmd/internal/strategy"
	"github.com/castscribe/castscribe/cmd/internal/timeline"
	"github.com/castscribe/castscribe/pkg/logger"
)

// Request describes one transcription job.
type Request struct {
	// Source is the raw user input: a platform URL, an 11-character video
	// id, a direct audio URL or a file path.
	Source string

	Tier               strategy.Tier
	Preview            bool
	Language           string
	FallbackEnabled    bool
	GuaranteedAccuracy bool

	// RefinePerSegment refines each segment independently instead of the
	// joined text, keeping engine segment boundaries exact.
	RefinePerSegment bool
}

// FormatResolver resolves a source id into candidate audio formats.
type FormatResolver interface {
	Resolve(ctx context.Context, sourceID string, opts resolver.ResolveOptions) ([]resolver.FormatDescriptor, error)
}

// Downloader fetches a media URL into memory.
type Downloader interface {
	Fetch(ctx context.Context, url string, sizeHint int64, opts fetch.Options) ([]byte, error)
}

// Transcriber runs the engine strategy for one audio URL.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string, sctx strategy.Context) (*engine.Result, error)
}

// Refinery restores punctuation, fail-soft.
type Refinery interface {
	Refine(ctx context.Context, text string) (string, refine.Degraded)
	RefineSegments(ctx context.Context, segs []engine.Segment) ([]engine.Segment, refine.Degraded)
}

// Service runs transcription jobs end to end.
type Service struct {
	resolver  FormatResolver
	fetcher   Downloader
	store     storage.ObjectStore
	engine    Transcriber
	refiner   Refinery
	events    *Publisher
	fetchOpts fetch.Options
	log       *slog.Logger
}

// New assembles a Service. events may be nil when nobody listens.
func New(res FormatResolver, f Downloader, store storage.ObjectStore, eng Transcriber,
	ref Refinery, events *Publisher, fetchOpts fetch.Options, log *slog.Logger) *Service {
	if events == nil {
		events = NewPublisher()
	}
	return &Service{
		resolver:  res,
		fetcher:   f,
		store:     store,
		engine:    eng,
		refiner:   ref,
		events:    events,
		fetchOpts: fetchOpts,
		log:       log,
	}
}

// Events exposes the progress publisher for subscribers.
func (s *Service) Events() *Publisher { return s.events }

// Run executes one job. The caller receives either a complete result or a
// single classified terminal error; degraded refinement is reported through
// logs and metrics only.
func (s *Service) Run(ctx context.Context, req Request) (*engine.Result, error) {
	jobID := uuid.New().String()
	log := s.log.With("job_id", jobID)

	src, err := source.Normalize(req.Source)
	if err != nil {
		return nil, NewPipelineError(INVALID_SOURCE, "cannot normalize source", err)
	}
	log.Info("job started", "source_kind", string(src.Kind), "source_id", src.ID)

	mediaURL, sizeHint, mime, err := s.resolveStage(ctx, jobID, src, false)
	if err != nil {
		return nil, err
	}

	data, err := s.fetchStage(ctx, jobID, mediaURL, sizeHint)
	if err != nil && src.Kind == source.KindVideo {
		// Resolved media links expire; one forced re-resolve gets a fresh
		// URL before the job is declared failed.
		log.Warn("fetch failed, re-resolving with a fresh link", "error", err)
		mediaURL, sizeHint, mime, err = s.resolveStage(ctx, jobID, src, true)
		if err != nil {
			return nil, err
		}
		data, err = s.fetchStage(ctx, jobID, mediaURL, sizeHint)
	}
	if err != nil {
		return nil, err
	}

	ref, err := s.uploadStage(ctx, jobID, data, mime)
	if err != nil {
		return nil, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if derr := s.store.Delete(cleanupCtx, ref.Key); derr != nil {
			log.Warn("staged audio cleanup failed", "key", ref.Key, "error", derr)
		}
	}()

	result, err := s.transcribeStage(ctx, jobID, ref.URL, req)
	if err != nil {
		return nil, err
	}

	result = s.refineStage(ctx, jobID, req, result)

	s.publish(jobID, "done", 100, "transcription complete", "")
	log.Info("job finished", "segments", len(result.Segments), "language", result.Language)
	return result, nil
}

func (s *Service) resolveStage(ctx context.Context, jobID string, src source.Source, force bool) (string, int64, string, error) {
	s.publish(jobID, "resolve", 5, "resolving audio format", "")

	if src.Kind != source.KindVideo {
		// Direct URLs and file paths are their own media location.
		loc := src.URL
		if loc == "" {
			loc = src.ID
		}
		return loc, 0, mimeFromPath(loc), nil
	}

	start := time.Now()
	descs, err := s.resolver.Resolve(ctx, src.ID, resolver.ResolveOptions{ForceRefresh: force})
	if err != nil {
		perr := classify("resolve", err)
		s.recordStage(jobID, "resolve", start, perr)
		return "", 0, "", perr
	}
	s.recordStage(jobID, "resolve", start, nil)

	best, ok := resolver.SelectBest(descs, resolver.SelectOptions{})
	if !ok {
		return "", 0, "", NewPipelineError(NOT_FOUND, "no usable audio format", nil)
	}
	return best.URL, best.ContentLength, best.MimeType, nil
}

func (s *Service) fetchStage(ctx context.Context, jobID string, mediaURL string, sizeHint int64) ([]byte, error) {
	s.publish(jobID, "fetch", 10, "downloading audio", "")

	opts := s.fetchOpts
	opts.OnProgress = func(p fetch.Progress) {
		// Fetch covers the 10-40% band of overall progress.
		s.publish(jobID, "fetch", 10+p.Percentage*0.3, "downloading audio", etaLabel(p.ETASec))
	}

	start := time.Now()
	data, err := s.fetchEscalating(ctx, jobID, mediaURL, sizeHint, opts)
	if err != nil {
		perr := classify("fetch", err)
		s.recordStage(jobID, "fetch", start, perr)
		return nil, perr
	}
	s.recordStage(jobID, "fetch", start, nil)
	metrics.DownloadedBytesTotal.Add(float64(len(data)))
	return data, nil
}

// fetchEscalating walks the download strategies from cheapest to bluntest:
// chunked ranged requests, then a sequential stream, then one bare direct GET
// with the proxy detour stripped. Hosts that reject ranged requests but serve
// plain GETs recover at the second level. Only an exhausted download
// escalates; cancellation and non-download errors surface as-is.
func (s *Service) fetchEscalating(ctx context.Context, jobID, mediaURL string, sizeHint int64, opts fetch.Options) ([]byte, error) {
	data, err := s.fetcher.Fetch(ctx, mediaURL, sizeHint, opts)
	var cerr *fetch.ChunkError
	if err == nil || !errors.As(err, &cerr) || ctx.Err() != nil {
		return data, err
	}

	s.log.Warn("chunked download failed, retrying sequentially", "job_id", jobID, "error", err)
	seq := opts
	seq.DisableRanges = true
	data, err = s.fetcher.Fetch(ctx, mediaURL, sizeHint, seq)
	if err == nil || !errors.As(err, &cerr) || ctx.Err() != nil {
		return data, err
	}

	s.log.Warn("sequential download failed, trying one direct request", "job_id", jobID, "error", err)
	direct := fetch.Options{
		DisableRanges: true,
		ChunkTimeout:  opts.ChunkTimeout,
		RetryAttempts: 1,
		OnProgress:    opts.OnProgress,
	}
	return s.fetcher.Fetch(ctx, mediaURL, sizeHint, direct)
}

func (s *Service) uploadStage(ctx context.Context, jobID string, data []byte, mime string) (storage.ObjectRef, error) {
	s.publish(jobID, "upload", 45, "staging audio", "")

	name := uuid.New().String() + extFromMime(mime)
	start := time.Now()
	ref, err := s.store.Upload(ctx, data, name, mime)
	if err != nil {
		perr := NewPipelineError(STORAGE_FAILED, "cannot stage audio for transcription", err)
		s.recordStage(jobID, "upload", start, perr)
		return storage.ObjectRef{}, perr
	}
	s.recordStage(jobID, "upload", start, nil)
	return ref, nil
}

func (s *Service) transcribeStage(ctx context.Context, jobID string, audioURL string, req Request) (*engine.Result, error) {
	s.publish(jobID, "transcribe", 50, "transcribing", "")

	start := time.Now()
	result, err := s.engine.Transcribe(ctx, audioURL, strategy.Context{
		Tier:               req.Tier,
		Preview:            req.Preview,
		Language:           req.Language,
		FallbackEnabled:    req.FallbackEnabled,
		GuaranteedAccuracy: req.GuaranteedAccuracy,
	})
	if err != nil {
		perr := classify("transcribe", err)
		s.recordStage(jobID, "transcribe", start, perr)
		return nil, perr
	}
	s.recordStage(jobID, "transcribe", start, nil)
	return result, nil
}

// refineStage restores punctuation and re-times the segments. It never fails
// the job.
func (s *Service) refineStage(ctx context.Context, jobID string, req Request, result *engine.Result) *engine.Result {
	s.publish(jobID, "refine", 85, "restoring punctuation", "")
	start := time.Now()

	if req.RefinePerSegment {
		segs, deg := s.refiner.RefineSegments(ctx, result.Segments)
		s.recordRefinement(deg)
		result.Segments = segs
		result.Text = result.JoinedText()
		s.recordStage(jobID, "refine", start, nil)
		return result
	}

	refined, deg := s.refiner.Refine(ctx, result.Text)
	s.recordRefinement(deg)
	s.recordStage(jobID, "refine", start, nil)

	s.publish(jobID, "reconcile", 95, "aligning timestamps", "")
	anchors := make([]timeline.Anchor, 0, len(result.Segments))
	for _, seg := range result.Segments {
		anchors = append(anchors, timeline.Anchor{Start: seg.Start, End: seg.End})
	}
	result.Text = refined
	result.Segments = timeline.Reconcile(refined, anchors, result.Language)
	return result
}

// recordStage records one finished stage in metrics and the structured stage
// log. perr is nil on success.
func (s *Service) recordStage(jobID, stage string, start time.Time, perr *PipelineError) {
	elapsed := time.Since(start)
	metrics.RecordStage(stage, perr == nil, elapsed.Seconds())
	if perr == nil {
		logger.LogStage(s.log, stage, "success", jobID, elapsed.Milliseconds(), "")
		return
	}
	metrics.RecordError(stage, string(perr.Code))
	logger.LogStage(s.log, stage, "error", jobID, elapsed.Milliseconds(), string(perr.Code))
}

func (s *Service) recordRefinement(deg refine.Degraded) {
	if deg.Skipped || deg.FailedChunks == 0 {
		return
	}
	metrics.RefinementDegradedTotal.Inc()
	s.log.Warn("refinement degraded", "reason", deg.Reason)
}

func (s *Service) publish(jobID, stage string, pct float64, msg, eta string) {
	s.events.Publish(Event{JobID: jobID, Stage: stage, Percentage: pct, Message: msg, ETALabel: eta})
}

func etaLabel(etaSec float64) string {
	if etaSec <= 0 {
		return ""
	}
	d := time.Duration(etaSec) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("about %ds left", int(d.Seconds()))
	}
	return fmt.Sprintf("about %dm%02ds left", int(d.Minutes()), int(d.Seconds())%60)
}

func mimeFromPath(p string) string {
	switch strings.ToLower(path.Ext(strings.SplitN(p, "?", 2)[0])) {
	case ".m4a", ".mp4", ".aac":
		return "audio/mp4"
	case ".webm", ".opus":
		return "audio/webm"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	default:
		return "audio/mpeg"
	}
}

func extFromMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "audio/mp4"):
		return ".m4a"
	case strings.HasPrefix(mime, "audio/webm"):
		return ".webm"
	case strings.HasPrefix(mime, "audio/wav"):
		return ".wav"
	case strings.HasPrefix(mime, "audio/ogg"):
		return ".ogg"
	default:
		return ".mp3"
	}
}
