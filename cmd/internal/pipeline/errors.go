package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/castscribe/castscribe/cmd/internal/fetch"
	"github.com/castscribe/castscribe/cmd/internal/resolver"
	"github.com/castscribe/castscribe/cmd/internal/strategy"
)

// ErrorCode classifies terminal pipeline failures.
type ErrorCode string

const (
	// NOT_FOUND source or audio format not resolvable
	NOT_FOUND ErrorCode = "NOT_FOUND"

	// UPSTREAM_ERROR metadata provider failure after bounded retry
	UPSTREAM_ERROR ErrorCode = "UPSTREAM_ERROR"

	// CHUNK_FAILED download primitive exhausted its retries
	CHUNK_FAILED ErrorCode = "CHUNK_FAILED"

	// ENGINE_UNAVAILABLE engine unreachable before any transcription started
	ENGINE_UNAVAILABLE ErrorCode = "ENGINE_UNAVAILABLE"

	// ENGINE_TIMEOUT primary engine exceeded its SLO with no fallback
	ENGINE_TIMEOUT ErrorCode = "ENGINE_TIMEOUT"

	// ENGINE_FAILED both primary and fallback engines failed
	ENGINE_FAILED ErrorCode = "ENGINE_FAILED"

	// STORAGE_FAILED staging the audio in object storage failed
	STORAGE_FAILED ErrorCode = "STORAGE_FAILED"

	// INVALID_SOURCE the raw source string could not be normalized
	INVALID_SOURCE ErrorCode = "INVALID_SOURCE"
)

// PipelineError is the single terminal error shape the caller receives.
//
// Refinement problems never appear here: a degraded refinement is a quality
// reduction, not an error.
type PipelineError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewPipelineError creates a classified pipeline error.
func NewPipelineError(code ErrorCode, message string, cause error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// classify maps a lower-layer error onto the pipeline taxonomy.
func classify(stage string, err error) *PipelineError {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr
	}

	if errors.Is(err, resolver.ErrNotFound) {
		return NewPipelineError(NOT_FOUND, "source or audio format not found", err)
	}

	var upstream *resolver.UpstreamError
	if errors.As(err, &upstream) {
		return NewPipelineError(UPSTREAM_ERROR, "metadata provider failed", err)
	}

	var chunk *fetch.ChunkError
	if errors.As(err, &chunk) {
		return NewPipelineError(CHUNK_FAILED, fmt.Sprintf("chunk %d failed after %d attempts", chunk.Index, chunk.Attempts), err)
	}

	var timeout *strategy.TimeoutError
	if errors.As(err, &timeout) {
		return NewPipelineError(ENGINE_TIMEOUT, fmt.Sprintf("engine %s exceeded its latency budget", timeout.Engine), err)
	}

	var allFailed *strategy.AllFailedError
	if errors.As(err, &allFailed) {
		return NewPipelineError(ENGINE_FAILED, "all transcription engines failed", err)
	}

	return NewPipelineError(ErrorCode("INTERNAL_ERROR"), fmt.Sprintf("stage %s failed", stage), err)
}
