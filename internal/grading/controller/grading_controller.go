// Package controller exposes the grading service over HTTP.
package controller

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"leetlabs/internal/grading/model"
	"leetlabs/internal/grading/service"
	appErr "leetlabs/pkg/errors"
	"leetlabs/pkg/utils/contextkey"
	"leetlabs/pkg/utils/logger"
	"leetlabs/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 20

// GradingService is the behaviour the HTTP layer needs.
type GradingService interface {
	Run(ctx context.Context, input service.RunInput) (service.RunOutput, error)
	Submit(ctx context.Context, input service.SubmitInput) (*model.Submission, error)
	GetSubmission(ctx context.Context, requesterID int64, submissionID string) (*model.Submission, error)
	GetSource(ctx context.Context, requesterID int64, submissionID string) (string, error)
	ListHistory(ctx context.Context, requesterID, userID int64, cursor string, limit int) (service.HistoryPage, error)
	HasSolved(ctx context.Context, userID, problemID int64) (bool, error)
	Performance(ctx context.Context, userID int64) (model.PerformanceSnapshot, error)
	Languages() []string
}

// GradingController handles grading HTTP endpoints.
type GradingController struct {
	grading GradingService
}

// NewGradingController creates a new GradingController.
func NewGradingController(grading GradingService) *GradingController {
	return &GradingController{grading: grading}
}

// RegisterRoutes mounts every grading endpoint under /api/v1.
func (h *GradingController) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	api.POST("/grading/run", h.Run)
	api.POST("/grading/submit", h.Submit)
	api.GET("/submissions/:id", h.GetSubmission)
	api.GET("/submissions/:id/source", h.GetSource)
	api.GET("/users/:userId/submissions", h.ListHistory)
	api.GET("/users/:userId/problems/:problemId/solved", h.HasSolved)
	api.GET("/performance/:userId", h.Performance)
	api.GET("/languages", h.Languages)
}

// Run grades code without recording it.
func (h *GradingController) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	userID, _ := requesterID(c)
	customCases := make([]model.TestCase, 0, len(req.CustomCases))
	for _, tc := range req.CustomCases {
		customCases = append(customCases, model.TestCase{Input: tc.Input, ExpectedOutput: tc.ExpectedOutput})
	}
	out, err := h.grading.Run(c.Request.Context(), service.RunInput{
		ProblemID:   req.ProblemID,
		UserID:      userID,
		ClientIP:    c.ClientIP(),
		Language:    req.Language,
		SourceCode:  req.SourceCode,
		CustomCases: customCases,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, out)
}

// Submit grades code and records the submission.
func (h *GradingController) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	userID, ok := requesterID(c)
	if !ok {
		response.Unauthorized(c, "X-User-Id is required")
		return
	}
	if len(req.CustomCases) > 0 {
		response.Error(c, appErr.ValidationError("customCases", "not_allowed_in_submit"))
		return
	}
	submission, err := h.grading.Submit(c.Request.Context(), service.SubmitInput{
		ProblemID:      req.ProblemID,
		UserID:         userID,
		ClientIP:       c.ClientIP(),
		Language:       req.Language,
		SourceCode:     req.SourceCode,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, SubmitResponse{Submission: submission})
}

// GetSubmission returns one of the caller's submissions.
func (h *GradingController) GetSubmission(c *gin.Context) {
	userID, ok := requesterID(c)
	if !ok {
		response.Unauthorized(c, "X-User-Id is required")
		return
	}
	submission, err := h.grading.GetSubmission(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, submission)
}

// GetSource returns the source of one of the caller's submissions.
func (h *GradingController) GetSource(c *gin.Context) {
	userID, ok := requesterID(c)
	if !ok {
		response.Unauthorized(c, "X-User-Id is required")
		return
	}
	submissionID := c.Param("id")
	source, err := h.grading.GetSource(c.Request.Context(), userID, submissionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, SourceResponse{SubmissionID: submissionID, SourceCode: source})
}

// ListHistory pages through the caller's submissions.
func (h *GradingController) ListHistory(c *gin.Context) {
	requester, ok := requesterID(c)
	if !ok {
		response.Unauthorized(c, "X-User-Id is required")
		return
	}
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid user id")
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
	}
	page, err := h.grading.ListHistory(c.Request.Context(), requester, userID, c.Query("cursor"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, page)
}

// HasSolved reports whether a user solved a problem.
func (h *GradingController) HasSolved(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid user id")
		return
	}
	problemID, err := strconv.ParseInt(c.Param("problemId"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid problem id")
		return
	}
	solved, err := h.grading.HasSolved(c.Request.Context(), userID, problemID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, SolvedResponse{Solved: solved})
}

// Performance returns a user's statistics.
func (h *GradingController) Performance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid user id")
		return
	}
	snapshot, err := h.grading.Performance(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, snapshot)
}

// Languages lists the supported language ids.
func (h *GradingController) Languages(c *gin.Context) {
	response.Success(c, LanguagesResponse{Languages: h.grading.Languages()})
}

// fail writes err unless the client has already gone away.
func (h *GradingController) fail(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		logger.Info(c.Request.Context(), "request canceled by client")
		c.Abort()
		return
	}
	response.Error(c, err)
}

func requesterID(c *gin.Context) (int64, bool) {
	raw := contextkey.UserIDFrom(c.Request.Context())
	if raw == "" {
		raw = c.GetHeader("X-User-Id")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
