// Package fetch implements the chunked download primitive: ranged requests
// scheduled in bounded waves, retried with exponential backoff, reassembled
// strictly in index order. Escalation across download strategies lives in the
// pipeline, not here.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

// Progress is an ephemeral download progress snapshot, emitted via callback
// at each completed chunk or read tick. Never persisted.
type Progress struct {
	BytesDownloaded  int64
	TotalBytes       int64 // 0 when unknown
	Percentage       float64
	SpeedBytesPerSec float64
	ETASec           float64 // 0 when unknown
	ChunkIndex       int     // -1 for sequential reads
	TotalChunks      int
}

// Options tunes a single fetch.
type Options struct {
	ChunkSize           int64
	MaxConcurrentChunks int
	ChunkTimeout        time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration

	// ProxyRewrite maps a direct URL to its proxied form. A 404 through the
	// proxy falls back to the direct URL once; any other proxy failure
	// disables the proxy for the rest of the request.
	ProxyRewrite func(url string) string

	// SOCKSProxyAddr routes all chunk requests through a SOCKS5 proxy.
	SOCKSProxyAddr string

	// DisableRanges forces the sequential path even when the server
	// advertises byte-range support.
	DisableRanges bool

	OnProgress func(Progress)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ChunkSize <= 0 {
		out.ChunkSize = 1 << 20
	}
	if out.MaxConcurrentChunks <= 0 {
		out.MaxConcurrentChunks = 4
	}
	if out.ChunkTimeout <= 0 {
		out.ChunkTimeout = 30 * time.Second
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 500 * time.Millisecond
	}
	return out
}

// ChunkError reports a chunk whose retry budget was exhausted.
type ChunkError struct {
	Index    int
	Attempts int
	Cause    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Index, e.Attempts, e.Cause)
}

func (e *ChunkError) Unwrap() error { return e.Cause }

// statusError marks a non-success HTTP status. 4xx statuses are terminal and
// skip remaining retries.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.status)
}

func (e *statusError) terminal() bool {
	return e.status >= 400 && e.status < 500
}

// Fetcher downloads remote byte streams.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a Fetcher with a shared transport. The zero timeout on
// the client is intentional: per-chunk timeouts come from request contexts.
func NewFetcher() *Fetcher {
	return &Fetcher{httpClient: &http.Client{}}
}

// NewFetcherWithClient creates a Fetcher around an existing client, used by
// tests and by callers that need custom transports.
func NewFetcherWithClient(c *http.Client) *Fetcher {
	return &Fetcher{httpClient: c}
}

// Fetch downloads url into memory. When the server supports byte ranges and
// the total size is known and exceeds one chunk, the body is downloaded as
// fixed-size chunks scheduled in waves of at most MaxConcurrentChunks;
// otherwise a single sequential read is used. Reassembly is strictly by chunk
// index regardless of completion order.
func (f *Fetcher) Fetch(ctx context.Context, url string, sizeHint int64, opts Options) ([]byte, error) {
	o := opts.withDefaults()

	client, err := f.clientFor(o)
	if err != nil {
		return nil, err
	}

	totalSize := sizeHint
	supportsRanges := !o.DisableRanges
	if totalSize <= 0 || supportsRanges {
		size, ranges, probeErr := probe(ctx, client, url)
		if probeErr == nil {
			if totalSize <= 0 {
				totalSize = size
			}
			supportsRanges = supportsRanges && ranges
		} else {
			// No probe answer: do not risk ranged requests blindly.
			supportsRanges = false
		}
	}

	if supportsRanges && totalSize > o.ChunkSize {
		return f.fetchChunked(ctx, client, url, totalSize, o)
	}
	return f.fetchSequential(ctx, client, url, totalSize, o)
}

// clientFor returns the base client or one dialing through a SOCKS5 proxy.
func (f *Fetcher) clientFor(o Options) (*http.Client, error) {
	if o.SOCKSProxyAddr == "" {
		return f.httpClient, nil
	}
	dialer, err := proxy.SOCKS5("tcp", o.SOCKSProxyAddr, nil, &net.Dialer{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("socks proxy %s: %w", o.SOCKSProxyAddr, err)
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	}
	return &http.Client{Transport: transport}, nil
}

// probe issues a HEAD request to learn content length and range support.
func probe(ctx context.Context, client *http.Client, url string) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, false, &statusError{status: resp.StatusCode}
	}
	return resp.ContentLength, resp.Header.Get("Accept-Ranges") == "bytes", nil
}

type chunkSpec struct {
	index int
	start int64
	end   int64 // inclusive
}

func splitChunks(totalSize, chunkSize int64) []chunkSpec {
	n := int((totalSize + chunkSize - 1) / chunkSize)
	chunks := make([]chunkSpec, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if end >= totalSize {
			end = totalSize - 1
		}
		chunks = append(chunks, chunkSpec{index: i, start: start, end: end})
	}
	return chunks
}

// fetchChunked downloads fixed-size chunks in waves. A wave issues up to
// MaxConcurrentChunks requests concurrently and completes before the next
// wave starts, bounding peak concurrency deterministically.
func (f *Fetcher) fetchChunked(ctx context.Context, client *http.Client, url string, totalSize int64, o Options) ([]byte, error) {
	chunks := splitChunks(totalSize, o.ChunkSize)
	parts := make([][]byte, len(chunks))

	tracker := newProgressTracker(totalSize, len(chunks), o.OnProgress)
	proxyState := newProxyState(o.ProxyRewrite)

	for waveStart := 0; waveStart < len(chunks); waveStart += o.MaxConcurrentChunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		waveEnd := waveStart + o.MaxConcurrentChunks
		if waveEnd > len(chunks) {
			waveEnd = len(chunks)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range chunks[waveStart:waveEnd] {
			c := c
			g.Go(func() error {
				data, err := f.fetchChunkWithRetry(gctx, client, url, c, o, proxyState)
				if err != nil {
					return err
				}
				parts[c.index] = data
				tracker.chunkDone(c.index, int64(len(data)))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Reassemble strictly by index; completion order only drove progress.
	buf := make([]byte, 0, totalSize)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf, nil
}

// fetchChunkWithRetry runs the bounded retry loop for one chunk. The delay is
// retryDelay * 2^(attempt-1). Terminal statuses (non-proxy 4xx) stop early.
func (f *Fetcher) fetchChunkWithRetry(ctx context.Context, client *http.Client, url string, c chunkSpec, o Options, ps *proxyState) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= o.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := o.RetryDelay * time.Duration(1<<(attempt-2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, err := f.fetchChunkOnce(ctx, client, url, c, o, ps)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if se, ok := err.(*statusError); ok && se.terminal() {
			return nil, &ChunkError{Index: c.index, Attempts: attempt, Cause: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, &ChunkError{Index: c.index, Attempts: o.RetryAttempts, Cause: lastErr}
}

// fetchChunkOnce issues one ranged request, going through the proxy detour
// first when configured.
func (f *Fetcher) fetchChunkOnce(ctx context.Context, client *http.Client, url string, c chunkSpec, o Options, ps *proxyState) ([]byte, error) {
	requestURL := url
	viaProxy := false
	if proxied, ok := ps.rewrite(url); ok {
		requestURL = proxied
		viaProxy = true
	}

	data, err := f.doRange(ctx, client, requestURL, c, o.ChunkTimeout)
	if err == nil {
		return data, nil
	}

	if viaProxy {
		if se, ok := err.(*statusError); ok && se.status == http.StatusNotFound {
			// A 404 specifically through the proxy gets one direct retry.
			return f.doRange(ctx, client, url, c, o.ChunkTimeout)
		}
		// Any other proxy failure abandons the proxy for this request and
		// falls through to the direct URL.
		ps.disable()
		return f.doRange(ctx, client, url, c, o.ChunkTimeout)
	}

	return nil, err
}

func (f *Fetcher) doRange(ctx context.Context, client *http.Client, url string, c chunkSpec, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", c.start, c.end))

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &statusError{status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	want := c.end - c.start + 1
	if resp.StatusCode == http.StatusOK && int64(len(data)) > want {
		// Server ignored the range header and sent the whole body.
		data = data[c.start : c.start+want]
	}
	if int64(len(data)) != want {
		return nil, fmt.Errorf("chunk %d short read: got %d bytes, want %d", c.index, len(data), want)
	}
	return data, nil
}

// fetchSequential streams the whole body in one request, emitting progress on
// each read tick.
func (f *Fetcher) fetchSequential(ctx context.Context, client *http.Client, url string, totalSize int64, o Options) ([]byte, error) {
	ps := newProxyState(o.ProxyRewrite)
	var lastErr error

	for attempt := 1; attempt <= o.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := o.RetryDelay * time.Duration(1<<(attempt-2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		requestURL := url
		viaProxy := false
		if proxied, ok := ps.rewrite(url); ok {
			requestURL = proxied
			viaProxy = true
		}

		data, err := f.streamOnce(ctx, client, requestURL, totalSize, o)
		if err != nil && viaProxy {
			if se, ok := err.(*statusError); ok && se.status == http.StatusNotFound {
				data, err = f.streamOnce(ctx, client, url, totalSize, o)
			} else {
				ps.disable()
				data, err = f.streamOnce(ctx, client, url, totalSize, o)
			}
		}
		if err == nil {
			return data, nil
		}
		lastErr = err

		if se, ok := err.(*statusError); ok && se.terminal() {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, &ChunkError{Index: 0, Attempts: o.RetryAttempts, Cause: lastErr}
}

func (f *Fetcher) streamOnce(ctx context.Context, client *http.Client, url string, totalSize int64, o Options) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &statusError{status: resp.StatusCode}
	}

	if totalSize <= 0 {
		totalSize = resp.ContentLength
	}
	tracker := newProgressTracker(totalSize, 0, o.OnProgress)

	var buf []byte
	readBuf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			tracker.readTick(int64(n))
		}
		if readErr == io.EOF {
			return buf, nil
		}
		if readErr != nil {
			return nil, readErr
		}
	}
}

// progressTracker accumulates completed bytes and derives speed and ETA.
type progressTracker struct {
	totalBytes  int64
	totalChunks int
	done        atomic.Int64
	startedAt   time.Time
	onProgress  func(Progress)
}

func newProgressTracker(totalBytes int64, totalChunks int, onProgress func(Progress)) *progressTracker {
	return &progressTracker{
		totalBytes:  totalBytes,
		totalChunks: totalChunks,
		startedAt:   time.Now(),
		onProgress:  onProgress,
	}
}

func (t *progressTracker) chunkDone(index int, n int64) {
	t.emit(t.done.Add(n), index)
}

func (t *progressTracker) readTick(n int64) {
	t.emit(t.done.Add(n), -1)
}

func (t *progressTracker) emit(downloaded int64, chunkIndex int) {
	if t.onProgress == nil {
		return
	}

	p := Progress{
		BytesDownloaded: downloaded,
		TotalBytes:      t.totalBytes,
		ChunkIndex:      chunkIndex,
		TotalChunks:     t.totalChunks,
	}
	elapsed := time.Since(t.startedAt).Seconds()
	if elapsed > 0 {
		p.SpeedBytesPerSec = float64(downloaded) / elapsed
	}
	if t.totalBytes > 0 {
		p.Percentage = float64(downloaded) / float64(t.totalBytes) * 100
		if p.SpeedBytesPerSec > 0 {
			p.ETASec = float64(t.totalBytes-downloaded) / p.SpeedBytesPerSec
		}
	}
	t.onProgress(p)
}

// proxyState tracks whether the proxy detour is still usable for the current
// request.
type proxyState struct {
	rewriteFn func(string) string
	disabled  atomic.Bool
}

func newProxyState(rewriteFn func(string) string) *proxyState {
	return &proxyState{rewriteFn: rewriteFn}
}

func (ps *proxyState) rewrite(url string) (string, bool) {
	if ps.rewriteFn == nil || ps.disabled.Load() {
		return "", false
	}
	proxied := ps.rewriteFn(url)
	if proxied == "" || proxied == url {
		return "", false
	}
	return proxied, true
}

func (ps *proxyState) disable() {
	ps.disabled.Store(true)
}
