// Package refine restores punctuation and spacing in raw transcripts. The
// whole package is fail-soft: a refinement problem degrades the affected text
// back to its original form, it never fails the job.
package refine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/castscribe/castscribe/cmd/internal/engine"
	"github.com/castscribe/castscribe/cmd/internal/script"
	"github.com/castscribe/castscribe/cmd/internal/simhash"
)

const systemPrompt = `你是一个标点恢复助手。为下面的转写文本补全标点符号和空格。` +
	`只允许添加或修正标点，不允许改写、增删或翻译任何文字内容。直接输出处理后的文本。`

// Degraded describes how much of a refinement call fell back to the original
// text. The zero value means fully refined.
type Degraded struct {
	// Skipped means refinement did not apply at all (density gate).
	Skipped bool

	// FailedChunks counts chunks kept in their original form, whether the
	// model call failed or its output drifted too far.
	FailedChunks int

	// TotalChunks is the number of chunks the text was split into.
	TotalChunks int

	// Reason is a short human-readable explanation, empty when nothing was
	// degraded.
	Reason string
}

// ChatClient is the narrow completion contract the refiner needs. Kept as an
// interface so tests can script responses without a network.
type ChatClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// openAIClient backs ChatClient with the OpenAI chat-completion API.
type openAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates the production chat client. baseURL may be empty
// for the default endpoint.
func NewOpenAIClient(apiKey, baseURL, model string) ChatClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *openAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Options tune the refiner. Zero values take defaults.
type Options struct {
	MaxChunkChars  int
	MaxConcurrency int
	BatchDelay     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = defaultMaxChunkChars
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 3
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = 300 * time.Millisecond
	}
	return o
}

// Refiner runs bounded-concurrency punctuation restoration over chunked text.
type Refiner struct {
	client ChatClient
	opts   Options
	log    *slog.Logger
}

// New creates a Refiner. A nil client disables refinement entirely: every
// call returns its input with a Skipped result.
func New(client ChatClient, opts Options, log *slog.Logger) *Refiner {
	return &Refiner{client: client, opts: opts.withDefaults(), log: log}
}

// Refine restores punctuation in text. It never returns an error: any
// failure keeps the affected chunk's original text in position, and the
// Degraded result says what happened.
func (r *Refiner) Refine(ctx context.Context, text string) (string, Degraded) {
	if r.client == nil {
		return text, Degraded{Skipped: true, Reason: "no refinement client configured"}
	}
	if !script.NeedsBoundaryRestoration(text) {
		return text, Degraded{Skipped: true, Reason: "text below Han density threshold"}
	}

	chunks := splitChunks(text, r.opts.MaxChunkChars)
	if len(chunks) == 0 {
		return text, Degraded{Skipped: true, Reason: "empty text"}
	}

	refined := make([]string, len(chunks))
	failed := make([]bool, len(chunks))

	// Chunks run in bounded batches with a pause between them, so a long
	// transcript never fans out into an unbounded burst of model calls.
	for start := 0; start < len(chunks); start += r.opts.MaxConcurrency {
		if start > 0 {
			select {
			case <-time.After(r.opts.BatchDelay):
			case <-ctx.Done():
			}
		}
		end := start + r.opts.MaxConcurrency
		if end > len(chunks) {
			end = len(chunks)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				refined[i], failed[i] = r.refineChunk(ctx, chunks[i])
			}(i)
		}
		wg.Wait()
	}

	var failedCount int
	for _, f := range failed {
		if f {
			failedCount++
		}
	}

	deg := Degraded{FailedChunks: failedCount, TotalChunks: len(chunks)}
	if failedCount > 0 {
		deg.Reason = fmt.Sprintf("%d of %d chunks kept original text", failedCount, len(chunks))
		r.log.Warn("refinement partially degraded",
			"failed_chunks", failedCount, "total_chunks", len(chunks))
	}
	return strings.Join(refined, ""), deg
}

// refineChunk refines one chunk, returning the original text and true when
// the result cannot be trusted.
func (r *Refiner) refineChunk(ctx context.Context, chunk string) (string, bool) {
	out, err := r.client.Complete(ctx, systemPrompt, chunk)
	if err != nil {
		r.log.Warn("refinement chunk failed", "error", err, "chunk_chars", runeLen(chunk))
		return chunk, true
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return chunk, true
	}

	// The model is asked for punctuation only. A large simhash distance
	// means it rewrote content instead, so the original text stands.
	if simhash.Drifted(chunk, out) {
		r.log.Warn("refined chunk drifted from original, keeping original",
			"distance", simhash.HammingDistance(simhash.Fingerprint(chunk), simhash.Fingerprint(out)))
		return chunk, true
	}
	return out, false
}

// RefineSegments refines each segment's text in place while preserving
// segment boundaries and timing. Segment texts are refined independently so
// no text migrates across a boundary.
func (r *Refiner) RefineSegments(ctx context.Context, segs []engine.Segment) ([]engine.Segment, Degraded) {
	if r.client == nil {
		return segs, Degraded{Skipped: true, Reason: "no refinement client configured"}
	}

	out := make([]engine.Segment, len(segs))
	copy(out, segs)

	total := Degraded{}
	for i := range out {
		text, deg := r.Refine(ctx, out[i].Text)
		out[i].Text = text
		total.TotalChunks += deg.TotalChunks
		total.FailedChunks += deg.FailedChunks
	}
	if total.FailedChunks > 0 {
		total.Reason = fmt.Sprintf("%d of %d chunks kept original text", total.FailedChunks, total.TotalChunks)
	}
	return out, total
}
