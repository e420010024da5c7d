package strategy

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/castscribe/castscribe/cmd/internal/engine"
	"github.com/castscribe/castscribe/cmd/internal/script"
)

// probeClipSeconds is the window transcribed per probe attempt. Long enough
// for a couple of spoken sentences, short enough to stay cheap.
const probeClipSeconds = 10

// probeOffsets are the window start positions tried in order. Offset 0 often
// lands on a cold open or music intro, so later offsets get a chance before
// the probe gives up.
var probeOffsets = []int{0, 30, 60}

// probeTimeout bounds a single probe attempt.
const probeTimeout = 15 * time.Second

// ProbeResult is one probe attempt's outcome.
type ProbeResult struct {
	// Language is the detected code, or "unknown" when nothing was detected.
	Language string

	// IsHan reports Han-dominant sampled text, which routes the request to
	// the high-accuracy engine.
	IsHan bool

	// Conclusive means the window contained enough speech to trust the
	// detection outright. A non-conclusive detection is still better than
	// nothing and is kept as a candidate.
	Conclusive bool
}

// Prober detects the spoken language from a short clip. Implementations are
// advisory: they return "unknown" instead of propagating errors.
type Prober interface {
	Probe(ctx context.Context, audioURL string, offsetSec int) ProbeResult
}

// LanguageProbe samples a short leading window with the fast engine in
// auto-detect mode.
type LanguageProbe struct {
	fast engine.Transcriber
	log  *slog.Logger
}

// NewLanguageProbe creates a probe backed by the fast engine.
func NewLanguageProbe(fast engine.Transcriber, log *slog.Logger) *LanguageProbe {
	return &LanguageProbe{fast: fast, log: log}
}

// Probe transcribes a short window starting at offsetSec. A failed call or an
// empty transcript yields {"unknown", false} rather than an error; probing is
// advisory, never a hard dependency.
func (p *LanguageProbe) Probe(ctx context.Context, audioURL string, offsetSec int) ProbeResult {
	res, err := p.fast.Transcribe(ctx, audioURL, &engine.Options{
		ClipSeconds:   probeClipSeconds,
		OffsetSeconds: offsetSec,
		Timeout:       probeTimeout,
	})
	if err != nil {
		p.log.Warn("language probe failed", "offset_sec", offsetSec, "error", err)
		return ProbeResult{Language: "unknown"}
	}

	text := strings.TrimSpace(res.Text)
	lang := NormalizeLanguage(res.Language)
	if text == "" || lang == "" {
		return ProbeResult{Language: "unknown"}
	}

	return ProbeResult{
		Language:   lang,
		IsHan:      script.NeedsBoundaryRestoration(text),
		Conclusive: letterCount(text) >= conclusiveMinLetters,
	}
}

// conclusiveMinLetters is the minimum amount of sampled speech for a probe to
// count as conclusive. A window that caught only a word or two can still
// mislabel the language.
const conclusiveMinLetters = 20

func letterCount(s string) int {
	var n int
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

// detectLanguage runs the multi-offset retry policy: accept the first
// conclusive probe, otherwise keep the last non-"unknown" answer, otherwise
// report "unknown".
func detectLanguage(ctx context.Context, p Prober, audioURL string) ProbeResult {
	last := ProbeResult{Language: "unknown"}
	for _, offset := range probeOffsets {
		if ctx.Err() != nil {
			return last
		}
		r := p.Probe(ctx, audioURL, offset)
		if r.Conclusive {
			return r
		}
		if r.Language != "unknown" {
			last = r
		}
	}
	return last
}
