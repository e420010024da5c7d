package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castscribe/castscribe/cmd/internal/engine"
	"github.com/castscribe/castscribe/cmd/internal/metrics"
	"github.com/castscribe/castscribe/cmd/internal/script"
)

// TimeoutError reports that the primary engine exceeded its latency budget
// and no fallback was available.
type TimeoutError struct {
	Engine string
	SLO    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("engine %s exceeded SLO of %s and no fallback is configured", e.Engine, e.SLO)
}

// AllFailedError is the terminal error when every attempted engine failed.
// It names each engine and its failure.
type AllFailedError struct {
	Attempts map[string]error
}

func (e *AllFailedError) Error() string {
	msg := "all transcription engines failed:"
	for name, err := range e.Attempts {
		msg += fmt.Sprintf(" %s(%v)", name, err)
	}
	return msg
}

// Engine selects and runs speech-to-text engines according to the policy,
// racing the primary against the SLO timer and escalating once to the
// high-accuracy engine.
type Engine struct {
	fast     engine.Transcriber
	accurate engine.Transcriber
	policy   *Policy
	prober   Prober
	log      *slog.Logger
}

// New creates a strategy engine over the two providers. prober may be nil to
// disable language probing (explicit-language requests never probe anyway).
func New(fast, accurate engine.Transcriber, policy *Policy, prober Prober, log *slog.Logger) *Engine {
	return &Engine{
		fast:     fast,
		accurate: accurate,
		policy:   policy,
		prober:   prober,
		log:      log,
	}
}

// Transcribe runs the engine selection policy and returns the winning result.
func (e *Engine) Transcribe(ctx context.Context, audioURL string, sctx Context) (*engine.Result, error) {
	dec := e.policy.Decide(sctx)

	if dec.Guaranteed {
		return e.runGuaranteed(ctx, audioURL, dec)
	}

	lang := dec.Language
	if dec.Probe && e.prober != nil {
		probe := detectLanguage(ctx, e.prober, audioURL)
		if probe.Language != "unknown" {
			lang = probe.Language
		}
		if probe.IsHan {
			// Han content goes straight to the accurate engine. The fast
			// engine is only a last resort here, never a timer-driven swap.
			return e.runAccurateFirst(ctx, audioURL, lang)
		}
	}

	return e.runRace(ctx, audioURL, lang, dec)
}

// runGuaranteed runs the accurate engine alone. Failure is surfaced, never
// silently degraded.
func (e *Engine) runGuaranteed(ctx context.Context, audioURL string, dec Decision) (*engine.Result, error) {
	res, err := e.accurate.Transcribe(ctx, audioURL, &engine.Options{Language: dec.Language})
	if err != nil {
		metrics.RecordEngineOutcome(e.accurate.Name(), "failed")
		return nil, err
	}
	metrics.RecordEngineOutcome(e.accurate.Name(), "primary")
	return e.correctScriptMismatch(ctx, e.accurate, audioURL, res), nil
}

// runAccurateFirst routes to the accurate engine with the fast engine as a
// hard-failure fallback.
func (e *Engine) runAccurateFirst(ctx context.Context, audioURL string, lang string) (*engine.Result, error) {
	res, err := e.accurate.Transcribe(ctx, audioURL, &engine.Options{Language: lang})
	if err == nil {
		metrics.RecordEngineOutcome(e.accurate.Name(), "primary")
		return e.correctScriptMismatch(ctx, e.accurate, audioURL, res), nil
	}
	metrics.RecordEngineOutcome(e.accurate.Name(), "failed")
	e.log.Warn("accurate engine failed, retrying with fast engine",
		"engine", e.accurate.Name(), "error", err)

	res, ferr := e.fast.Transcribe(ctx, audioURL, &engine.Options{Language: lang})
	if ferr != nil {
		metrics.RecordEngineOutcome(e.fast.Name(), "failed")
		return nil, &AllFailedError{Attempts: map[string]error{
			e.accurate.Name(): err,
			e.fast.Name():     ferr,
		}}
	}
	metrics.RecordEngineOutcome(e.fast.Name(), "fallback")
	return e.correctScriptMismatch(ctx, e.fast, audioURL, res), nil
}

type raceOutcome struct {
	res *engine.Result
	err error
}

// runRace races the fast engine against the SLO timer. When the timer fires
// the primary call is abandoned, not cancelled at the network layer: its
// goroutine finishes into a buffered channel nobody reads. The fallback never
// starts before the primary failed or was abandoned.
func (e *Engine) runRace(ctx context.Context, audioURL string, lang string, dec Decision) (*engine.Result, error) {
	primaryCh := make(chan raceOutcome, 1)
	go func() {
		res, err := e.fast.Transcribe(ctx, audioURL, &engine.Options{Language: lang})
		primaryCh <- raceOutcome{res: res, err: err}
	}()

	var timer <-chan time.Time
	if dec.SLOTimeout > 0 {
		t := time.NewTimer(dec.SLOTimeout)
		defer t.Stop()
		timer = t.C
	}

	var primaryErr error
	var timedOut bool
	select {
	case out := <-primaryCh:
		if out.err == nil {
			metrics.RecordEngineOutcome(e.fast.Name(), "primary")
			return e.correctScriptMismatch(ctx, e.fast, audioURL, out.res), nil
		}
		metrics.RecordEngineOutcome(e.fast.Name(), "failed")
		primaryErr = out.err
	case <-timer:
		timedOut = true
		metrics.RecordEngineOutcome(e.fast.Name(), "abandoned")
		primaryErr = fmt.Errorf("abandoned after SLO of %s", dec.SLOTimeout)
		e.log.Warn("primary engine abandoned by SLO timer",
			"engine", e.fast.Name(), "slo", dec.SLOTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !dec.Fallback {
		if timedOut {
			return nil, &TimeoutError{Engine: e.fast.Name(), SLO: dec.SLOTimeout}
		}
		return nil, primaryErr
	}

	e.log.Info("escalating to fallback engine",
		"primary", e.fast.Name(), "fallback", e.accurate.Name(), "reason", primaryErr)

	res, err := e.accurate.Transcribe(ctx, audioURL, &engine.Options{Language: lang})
	if err != nil {
		metrics.RecordEngineOutcome(e.accurate.Name(), "failed")
		return nil, &AllFailedError{Attempts: map[string]error{
			e.fast.Name():     primaryErr,
			e.accurate.Name(): err,
		}}
	}
	metrics.RecordEngineOutcome(e.accurate.Name(), "fallback")
	return e.correctScriptMismatch(ctx, e.accurate, audioURL, res), nil
}

// correctScriptMismatch re-issues the call once with an explicit language
// override when the labeled language and the decoded text disagree on script
// with no mixed evidence. Whichever result shows the longer run of its
// expected alphabet wins.
func (e *Engine) correctScriptMismatch(ctx context.Context, t engine.Transcriber, audioURL string, res *engine.Result) *engine.Result {
	labeled := script.ForLanguage(NormalizeLanguage(res.Language))
	actual := script.Dominant(res.Text)
	if labeled == script.Unknown || actual == script.Unknown || labeled == actual {
		return res
	}

	override := "en"
	if actual == script.Han {
		override = "zh"
	}
	e.log.Info("script mismatch, re-issuing with language override",
		"engine", t.Name(), "labeled", res.Language, "override", override)

	retry, err := t.Transcribe(ctx, audioURL, &engine.Options{Language: override})
	if err != nil {
		return res
	}

	// Score each result by how long a run of its own labeled script it
	// contains; the better-labeled transcript wins, ties keep the original.
	origRun := script.LongestRun(res.Text, labeled)
	retryRun := script.LongestRun(retry.Text, script.ForLanguage(NormalizeLanguage(retry.Language)))
	if retryRun > origRun {
		return retry
	}
	return res
}
