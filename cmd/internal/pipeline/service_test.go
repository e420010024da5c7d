package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castscribe/castscribe/cmd/internal/engine"
	"github.com/castscribe/castscribe/cmd/internal/fetch"
	"github.com/castscribe/castscribe/cmd/internal/refine"
	"github.com/castscribe/castscribe/cmd/internal/resolver"
	"github.com/castscribe/castscribe/cmd/internal/storage"
	"github.com/castscribe/castscribe/cmd/internal/strategy"
)

type fakeResolver struct {
	descs []resolver.FormatDescriptor
	err   error

	mu    sync.Mutex
	calls []resolver.ResolveOptions
}

func (f *fakeResolver) Resolve(ctx context.Context, sourceID string, opts resolver.ResolveOptions) ([]resolver.FormatDescriptor, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.descs, nil
}

type fakeFetcher struct {
	data     []byte
	failures int // number of leading calls that fail

	mu    sync.Mutex
	calls int
	urls  []string
	opts  []fetch.Options
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, sizeHint int64, opts fetch.Options) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.urls = append(f.urls, url)
	f.opts = append(f.opts, opts)
	if f.calls <= f.failures {
		return nil, &fetch.ChunkError{Index: 3, Attempts: 3, Cause: errors.New("expired link")}
	}
	return f.data, nil
}

type fakeStore struct {
	mu       sync.Mutex
	uploads  []string
	deletes  []string
	uploadEr error
}

func (f *fakeStore) Upload(ctx context.Context, data []byte, name, mime string) (storage.ObjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadEr != nil {
		return storage.ObjectRef{}, f.uploadEr
	}
	f.uploads = append(f.uploads, name)
	return storage.ObjectRef{URL: "https://store.test/bucket/" + name, Key: "audio/" + name}, nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, key)
	return nil
}

type fakeEngine struct {
	res *engine.Result
	err error

	mu   sync.Mutex
	urls []string
}

func (f *fakeEngine) Transcribe(ctx context.Context, audioURL string, sctx strategy.Context) (*engine.Result, error) {
	f.mu.Lock()
	f.urls = append(f.urls, audioURL)
	f.mu.Unlock()
	return f.res, f.err
}

// fakeRefiner appends a period to Han sentences, like the real thing on a
// well-behaved model.
type fakeRefiner struct {
	deg refine.Degraded
}

func (f *fakeRefiner) Refine(ctx context.Context, text string) (string, refine.Degraded) {
	return text, f.deg
}

func (f *fakeRefiner) RefineSegments(ctx context.Context, segs []engine.Segment) ([]engine.Segment, refine.Degraded) {
	return segs, f.deg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDescs() []resolver.FormatDescriptor {
	return []resolver.FormatDescriptor{
		{ID: "140", URL: "https://media.test/a.m4a", MimeType: "audio/mp4", BitrateKbps: 128, ContentLength: 1024},
	}
}

func testResult() *engine.Result {
	return &engine.Result{
		Text:     "第一句话在这里。第二句话在这里。",
		Language: "zh",
		Duration: 10,
		Segments: []engine.Segment{
			{ID: 0, Start: 0, End: 5, Text: "第一句话在这里"},
			{ID: 1, Start: 5, End: 10, Text: "第二句话在这里"},
		},
	}
}

func newTestService(res FormatResolver, f Downloader, store storage.ObjectStore, eng Transcriber, ref Refinery) *Service {
	return New(res, f, store, eng, ref, nil, fetch.Options{}, testLogger())
}

func TestRunVideoHappyPath(t *testing.T) {
	res := &fakeResolver{descs: testDescs()}
	fetcher := &fakeFetcher{data: []byte("audio-bytes")}
	store := &fakeStore{}
	eng := &fakeEngine{res: testResult()}
	svc := newTestService(res, fetcher, store, eng, &fakeRefiner{})

	events, unsub := svc.Events().Subscribe(64)
	defer unsub()

	result, err := svc.Run(context.Background(), Request{Source: "dQw4w9WgXcQ", Tier: strategy.TierPro, Language: "zh"})
	require.NoError(t, err)

	// Timeline round-trip: joined segment text equals the final text.
	assert.Equal(t, result.Text, result.JoinedText())
	assert.NotEmpty(t, result.Segments)

	// Staged audio is cleaned up, and the engine saw the staged URL.
	require.Len(t, store.uploads, 1)
	assert.Equal(t, []string{"audio/" + store.uploads[0]}, store.deletes)
	require.Len(t, eng.urls, 1)
	assert.Contains(t, eng.urls[0], "store.test")

	// The media URL came from the resolver, not the raw source.
	assert.Equal(t, []string{"https://media.test/a.m4a"}, fetcher.urls)

	var stages []string
	for len(events) > 0 {
		stages = append(stages, (<-events).Stage)
	}
	assert.Contains(t, stages, "fetch")
	assert.Contains(t, stages, "done")
}

func TestRunDirectURLSkipsResolver(t *testing.T) {
	res := &fakeResolver{}
	fetcher := &fakeFetcher{data: []byte("audio")}
	svc := newTestService(res, fetcher, &fakeStore{}, &fakeEngine{res: testResult()}, &fakeRefiner{})

	_, err := svc.Run(context.Background(), Request{Source: "https://cdn.example.com/episode.mp3", Tier: strategy.TierFree})
	require.NoError(t, err)

	assert.Empty(t, res.calls)
	assert.Equal(t, []string{"https://cdn.example.com/episode.mp3"}, fetcher.urls)
}

func TestRunInvalidSource(t *testing.T) {
	svc := newTestService(&fakeResolver{}, &fakeFetcher{}, &fakeStore{}, &fakeEngine{}, &fakeRefiner{})

	_, err := svc.Run(context.Background(), Request{Source: "not a source at all"})
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, INVALID_SOURCE, perr.Code)
}

func TestRunSourceNotFound(t *testing.T) {
	res := &fakeResolver{err: resolver.ErrNotFound}
	svc := newTestService(res, &fakeFetcher{}, &fakeStore{}, &fakeEngine{}, &fakeRefiner{})

	_, err := svc.Run(context.Background(), Request{Source: "dQw4w9WgXcQ"})
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, NOT_FOUND, perr.Code)
}

func TestRunFetchEscalatesChunkedToSequentialToDirect(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("audio"), failures: 2}
	svc := New(&fakeResolver{}, fetcher, &fakeStore{}, &fakeEngine{res: testResult()}, &fakeRefiner{},
		nil, fetch.Options{ProxyRewrite: func(u string) string { return "https://proxy.test/" + u }}, testLogger())

	_, err := svc.Run(context.Background(), Request{Source: "https://cdn.example.com/a.mp3"})
	require.NoError(t, err)

	require.Equal(t, 3, fetcher.calls)
	// First attempt is chunked, second forces the sequential path, the last
	// resort is a single bare request without the proxy detour.
	assert.False(t, fetcher.opts[0].DisableRanges)
	assert.True(t, fetcher.opts[1].DisableRanges)
	assert.NotNil(t, fetcher.opts[1].ProxyRewrite)
	assert.True(t, fetcher.opts[2].DisableRanges)
	assert.Nil(t, fetcher.opts[2].ProxyRewrite)
	assert.Equal(t, 1, fetcher.opts[2].RetryAttempts)
}

func TestRunStaleLinkForcesReresolve(t *testing.T) {
	res := &fakeResolver{descs: testDescs()}
	fetcher := &fakeFetcher{data: []byte("audio"), failures: 3}
	svc := newTestService(res, fetcher, &fakeStore{}, &fakeEngine{res: testResult()}, &fakeRefiner{})

	_, err := svc.Run(context.Background(), Request{Source: "dQw4w9WgXcQ", Language: "zh"})
	require.NoError(t, err)

	// All three download levels are exhausted before the forced re-resolve.
	require.Len(t, res.calls, 2)
	assert.False(t, res.calls[0].ForceRefresh)
	assert.True(t, res.calls[1].ForceRefresh, "second resolve must bypass the cache")
	assert.Equal(t, 4, fetcher.calls)
}

func TestRunStaleLinkOnDirectURLFailsOutright(t *testing.T) {
	fetcher := &fakeFetcher{failures: 3}
	svc := newTestService(&fakeResolver{}, fetcher, &fakeStore{}, &fakeEngine{}, &fakeRefiner{})

	_, err := svc.Run(context.Background(), Request{Source: "https://cdn.example.com/a.mp3"})
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CHUNK_FAILED, perr.Code)
	assert.Equal(t, 3, fetcher.calls, "direct URLs escalate but have nothing to re-resolve")
}

func TestRunEngineFailureClassified(t *testing.T) {
	eng := &fakeEngine{err: &strategy.AllFailedError{Attempts: map[string]error{
		"nova": errors.New("down"), "precision": errors.New("down"),
	}}}
	svc := newTestService(&fakeResolver{descs: testDescs()}, &fakeFetcher{data: []byte("x")}, &fakeStore{}, eng, &fakeRefiner{})

	_, err := svc.Run(context.Background(), Request{Source: "dQw4w9WgXcQ"})
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ENGINE_FAILED, perr.Code)
}

func TestRunUploadFailure(t *testing.T) {
	store := &fakeStore{uploadEr: errors.New("bucket gone")}
	svc := newTestService(&fakeResolver{descs: testDescs()}, &fakeFetcher{data: []byte("x")}, store, &fakeEngine{}, &fakeRefiner{})

	_, err := svc.Run(context.Background(), Request{Source: "dQw4w9WgXcQ"})
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, STORAGE_FAILED, perr.Code)
}

func TestRunDegradedRefinementIsNotAnError(t *testing.T) {
	ref := &fakeRefiner{deg: refine.Degraded{FailedChunks: 1, TotalChunks: 3, Reason: "1 of 3 chunks kept original text"}}
	svc := newTestService(&fakeResolver{descs: testDescs()}, &fakeFetcher{data: []byte("x")}, &fakeStore{}, &fakeEngine{res: testResult()}, ref)

	result, err := svc.Run(context.Background(), Request{Source: "dQw4w9WgXcQ", Language: "zh"})
	require.NoError(t, err, "degraded refinement is a quality reduction, not a failure")
	assert.NotEmpty(t, result.Text)
}

func TestRunPerSegmentRefinement(t *testing.T) {
	svc := newTestService(&fakeResolver{descs: testDescs()}, &fakeFetcher{data: []byte("x")}, &fakeStore{}, &fakeEngine{res: testResult()}, &fakeRefiner{})

	result, err := svc.Run(context.Background(), Request{Source: "dQw4w9WgXcQ", Language: "zh", RefinePerSegment: true})
	require.NoError(t, err)

	// Segment boundaries and timing survive untouched.
	require.Len(t, result.Segments, 2)
	assert.Equal(t, 5.0, result.Segments[0].End)
	assert.Equal(t, result.Text, result.JoinedText())
}

func TestRunLogsStageOutcomes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	svc := New(&fakeResolver{descs: testDescs()}, &fakeFetcher{data: []byte("x")}, &fakeStore{},
		&fakeEngine{res: testResult()}, &fakeRefiner{}, nil, fetch.Options{}, log)

	_, err := svc.Run(context.Background(), Request{Source: "dQw4w9WgXcQ", Language: "zh"})
	require.NoError(t, err)

	out := buf.String()
	for _, stage := range []string{"resolve", "fetch", "upload", "transcribe", "refine"} {
		assert.Contains(t, out, "stage="+stage)
	}
	assert.Contains(t, out, "action=success")
	assert.NotContains(t, out, "action=error")

	buf.Reset()
	svc = New(&fakeResolver{descs: testDescs()}, &fakeFetcher{failures: 6}, &fakeStore{},
		&fakeEngine{}, &fakeRefiner{}, nil, fetch.Options{}, log)
	_, err = svc.Run(context.Background(), Request{Source: "dQw4w9WgXcQ"})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "error_code=CHUNK_FAILED")
}

func TestClassifyErrors(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{resolver.ErrNotFound, NOT_FOUND},
		{&resolver.UpstreamError{Status: 502, Attempts: 3}, UPSTREAM_ERROR},
		{&fetch.ChunkError{Index: 7, Attempts: 3, Cause: errors.New("x")}, CHUNK_FAILED},
		{&strategy.TimeoutError{Engine: "nova"}, ENGINE_TIMEOUT},
		{&strategy.AllFailedError{Attempts: map[string]error{"nova": errors.New("x")}}, ENGINE_FAILED},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, classify("stage", tc.err).Code, "error %v", tc.err)
	}
}

func TestPublisherDropsWhenSubscriberFull(t *testing.T) {
	p := NewPublisher()
	ch, unsub := p.Subscribe(1)
	defer unsub()

	p.Publish(Event{Stage: "a"})
	p.Publish(Event{Stage: "b"}) // dropped, must not block

	assert.Equal(t, "a", (<-ch).Stage)
	assert.Empty(t, ch)
}

func TestPublisherUnsubscribeClosesChannel(t *testing.T) {
	p := NewPublisher()
	ch, unsub := p.Subscribe(1)
	unsub()
	unsub() // idempotent

	_, open := <-ch
	assert.False(t, open)

	p.Publish(Event{Stage: "after"}) // no panic on closed channel
}
