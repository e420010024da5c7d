package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeBody builds a deterministic byte pattern so reordering bugs show up as
// content mismatches, not just length mismatches.
func makeBody(size int) []byte {
	body := make([]byte, size)
	for i := range body {
		body[i] = byte(i * 7)
	}
	return body
}

type rangeServer struct {
	body []byte

	mu          sync.Mutex
	rangeCalls  int
	inFlight    int
	maxInFlight int
}

func (s *rangeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", fmt.Sprint(len(s.body)))
			return
		}

		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(s.body)
			return
		}

		s.mu.Lock()
		s.rangeCalls++
		s.inFlight++
		if s.inFlight > s.maxInFlight {
			s.maxInFlight = s.inFlight
		}
		s.mu.Unlock()

		// Hold the request briefly so wave concurrency is observable.
		time.Sleep(10 * time.Millisecond)

		var start, end int
		fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(s.body[start : end+1])

		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}
}

func TestFetchChunkedMatchesSequential(t *testing.T) {
	body := makeBody(10 << 20)
	srv := &rangeServer{body: body}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	f := NewFetcher()

	chunked, err := f.Fetch(context.Background(), server.URL, int64(len(body)), Options{
		ChunkSize:           1 << 20,
		MaxConcurrentChunks: 4,
	})
	require.NoError(t, err)

	sequential, err := f.Fetch(context.Background(), server.URL, int64(len(body)), Options{
		ChunkSize:     1 << 20,
		DisableRanges: true,
	})
	require.NoError(t, err)

	assert.True(t, bytes.Equal(chunked, sequential), "chunked and sequential bytes must match")
	assert.True(t, bytes.Equal(chunked, body), "chunked bytes must match origin")
}

func TestFetchWaveScheduling(t *testing.T) {
	// 10MB resource, 1MB chunks, 4 concurrent: 10 requests across waves of
	// 4, 4 and 2.
	body := makeBody(10 << 20)
	srv := &rangeServer{body: body}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	f := NewFetcher()
	var lastProgress Progress
	got, err := f.Fetch(context.Background(), server.URL, int64(len(body)), Options{
		ChunkSize:           1 << 20,
		MaxConcurrentChunks: 4,
		OnProgress:          func(p Progress) { lastProgress = p },
	})
	require.NoError(t, err)
	require.Len(t, got, len(body))

	assert.Equal(t, 10, srv.rangeCalls, "expected exactly one request per chunk")
	assert.LessOrEqual(t, srv.maxInFlight, 4, "wave must bound peak concurrency")
	assert.Equal(t, int64(len(body)), lastProgress.BytesDownloaded)
	assert.Equal(t, 10, lastProgress.TotalChunks)
	assert.InDelta(t, 100.0, lastProgress.Percentage, 0.01)
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	body := makeBody(256 * 1024)
	var failures atomic.Int32
	failures.Store(2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			return
		}
		if failures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var start, end int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
	defer server.Close()

	f := NewFetcher()
	got, err := f.Fetch(context.Background(), server.URL, int64(len(body)), Options{
		ChunkSize:           64 * 1024,
		MaxConcurrentChunks: 1,
		RetryAttempts:       3,
		RetryDelay:          time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, body))
}

func TestFetchExhaustedRetriesReportChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "2097152")
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), server.URL, 2<<20, Options{
		ChunkSize:     1 << 20,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	})

	var ce *ChunkError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Attempts)
}

func TestFetchClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "2097152")
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), server.URL, 2<<20, Options{
		ChunkSize:           1 << 20,
		MaxConcurrentChunks: 1,
		RetryAttempts:       3,
		RetryDelay:          time.Millisecond,
	})

	var ce *ChunkError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Attempts, "4xx must be terminal, not retried")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchProxy404FallsBackToDirect(t *testing.T) {
	body := makeBody(64 * 1024)

	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			return
		}
		w.Write(body)
	}))
	defer direct.Close()

	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer proxyServer.Close()

	f := NewFetcher()
	got, err := f.Fetch(context.Background(), direct.URL, int64(len(body)), Options{
		ChunkSize: 128 * 1024, // single sequential read territory, force chunk path off
		ProxyRewrite: func(u string) string {
			return proxyServer.URL + "/" + strings.TrimPrefix(u, "http://")
		},
	})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, body))
}

func TestFetchCancellationBetweenWaves(t *testing.T) {
	body := makeBody(4 << 20)
	srv := &rangeServer{body: body}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())

	f := NewFetcher()
	var once sync.Once
	_, err := f.Fetch(ctx, server.URL, int64(len(body)), Options{
		ChunkSize:           1 << 20,
		MaxConcurrentChunks: 1,
		OnProgress: func(p Progress) {
			// Cancel after the first completed chunk; the fetcher must
			// observe it before issuing the next wave.
			once.Do(cancel)
		},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, srv.rangeCalls, 4)
}

func TestSplitChunks(t *testing.T) {
	chunks := splitChunks(10<<20, 1<<20)
	require.Len(t, chunks, 10)
	assert.Equal(t, int64(0), chunks[0].start)
	assert.Equal(t, int64(1<<20-1), chunks[0].end)
	assert.Equal(t, int64(10<<20-1), chunks[9].end)

	// uneven tail
	chunks = splitChunks(2_500_000, 1<<20)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(2_499_999), chunks[2].end)
}
