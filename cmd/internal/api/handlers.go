// Package api exposes the transcription pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/castscribe/castscribe/cmd/internal/engine"
	"github.com/castscribe/castscribe/cmd/internal/pipeline"
	"github.com/castscribe/castscribe/cmd/internal/strategy"
)

// JobRunner is the pipeline contract the handlers need.
type JobRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*engine.Result, error)
}

// Handler bundles the HTTP handlers and their dependencies.
type Handler struct {
	runner  JobRunner
	engines []engine.Transcriber
	log     *slog.Logger
}

// NewHandler creates the API handler set. engines are probed by the health
// endpoint.
func NewHandler(runner JobRunner, engines []engine.Transcriber, log *slog.Logger) *Handler {
	return &Handler{runner: runner, engines: engines, log: log}
}

// transcriptionRequest is the submit-job payload.
type transcriptionRequest struct {
	Source             string `json:"source" binding:"required"`
	Tier               string `json:"tier"`
	Preview            bool   `json:"preview"`
	Language           string `json:"language"`
	FallbackEnabled    *bool  `json:"fallback_enabled"`
	GuaranteedAccuracy bool   `json:"guaranteed_accuracy"`
	RefinePerSegment   bool   `json:"refine_per_segment"`
}

// HandleCreateTranscription runs a transcription job synchronously and
// returns the complete result.
func (h *Handler) HandleCreateTranscription(c *gin.Context) {
	var req transcriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	tier := strategy.Tier(req.Tier)
	if req.Tier == "" {
		tier = strategy.TierFree
	}
	fallback := true
	if req.FallbackEnabled != nil {
		fallback = *req.FallbackEnabled
	}

	result, err := h.runner.Run(c.Request.Context(), pipeline.Request{
		Source:             req.Source,
		Tier:               tier,
		Preview:            req.Preview,
		Language:           req.Language,
		FallbackEnabled:    fallback,
		GuaranteedAccuracy: req.GuaranteedAccuracy,
		RefinePerSegment:   req.RefinePerSegment,
	})
	if err != nil {
		h.log.Error("transcription job failed", "source", req.Source, "error", err)
		status, code := statusForError(err)
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    code,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

// HandleEnginesHealth fans a health probe out to every configured engine.
func (h *Handler) HandleEnginesHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	type engineHealth struct {
		Name    string `json:"name"`
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}

	statuses := make([]engineHealth, len(h.engines))
	allHealthy := true
	for i, eng := range h.engines {
		healthy, err := eng.HealthCheck(ctx)
		statuses[i] = engineHealth{Name: eng.Name(), Healthy: healthy}
		if err != nil {
			statuses[i].Error = err.Error()
		}
		if !healthy {
			allHealthy = false
		}
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success": true,
		"data":    statuses,
	})
}

// statusForError maps pipeline error codes onto HTTP statuses.
func statusForError(err error) (int, string) {
	var perr *pipeline.PipelineError
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
	switch perr.Code {
	case pipeline.INVALID_SOURCE:
		return http.StatusBadRequest, string(perr.Code)
	case pipeline.NOT_FOUND:
		return http.StatusNotFound, string(perr.Code)
	case pipeline.ENGINE_TIMEOUT:
		return http.StatusGatewayTimeout, string(perr.Code)
	case pipeline.UPSTREAM_ERROR, pipeline.ENGINE_FAILED, pipeline.ENGINE_UNAVAILABLE, pipeline.CHUNK_FAILED:
		return http.StatusBadGateway, string(perr.Code)
	default:
		return http.StatusInternalServerError, string(perr.Code)
	}
}

// errorResponse returns a uniform error body.
func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"success": false,
		"error":   message,
	})
}
