// Package httpapi exposes submission, results and listing over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ahrav/go-imgeval/internal/dispatch"
	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/platform/logger"
	"github.com/ahrav/go-imgeval/internal/results"
	"github.com/ahrav/go-imgeval/internal/store"
)

// Submitter accepts new evaluations. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	SubmitImages(ctx context.Context, req *domain.EvaluateImagesRequest) (dispatch.Submission, error)
	SubmitGeneration(ctx context.Context, req *domain.GenerateAndEvaluateRequest) (dispatch.Submission, error)
}

// Results reads evaluations back. *results.Service satisfies it.
type Results interface {
	Build(ctx context.Context, evalID string) (results.View, error)
	List(ctx context.Context, apiKey string) ([]store.EvaluationSummary, error)
}

// Handler serves the HTTP API.
type Handler struct {
	submitter Submitter
	results   Results
	log       *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(submitter Submitter, res Results, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{submitter: submitter, results: res, log: log}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthcheck", h.healthcheck)
	api := r.Group("/api")
	{
		api.POST("/evaluate-images", h.evaluateImages)
		api.POST("/generate-and-evaluate", h.generateAndEvaluate)
		api.GET("/results/:eval_id", h.getResults)
		api.POST("/evaluations", h.listEvaluations)
	}
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (h *Handler) healthcheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "op", op, "error", err)
	}
	respondError(c, status, code, err)
}

// evaluateImages handles POST /api/evaluate-images.
func (h *Handler) evaluateImages(c *gin.Context) {
	var req domain.EvaluateImagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err)
		return
	}
	sub, err := h.submitter.SubmitImages(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "evaluate_images", err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// generateAndEvaluate handles POST /api/generate-and-evaluate.
func (h *Handler) generateAndEvaluate(c *gin.Context) {
	var req domain.GenerateAndEvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err)
		return
	}
	sub, err := h.submitter.SubmitGeneration(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "generate_and_evaluate", err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// getResults handles GET /api/results/:eval_id.
func (h *Handler) getResults(c *gin.Context) {
	view, err := h.results.Build(c.Request.Context(), c.Param("eval_id"))
	if err != nil {
		h.fail(c, "results", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type listRequest struct {
	APIKey string `json:"api_key"`
}

var errAPIKeyRequired = errors.New("api key is required")

// listEvaluations handles POST /api/evaluations.
func (h *Handler) listEvaluations(c *gin.Context) {
	var req listRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err)
		return
	}
	if req.APIKey == "" {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, errAPIKeyRequired)
		return
	}
	evals, err := h.results.List(c.Request.Context(), req.APIKey)
	if err != nil {
		h.fail(c, "list_evaluations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": evals})
}
