// Package service orchestrates grading: assembling cases, dispatching them to the execution
// engine, aggregating verdicts and persisting submissions.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"leetlabs/internal/common/cache"
	"leetlabs/internal/common/metrics"
	"leetlabs/internal/common/storage"
	"leetlabs/internal/grading/assembler"
	"leetlabs/internal/grading/language"
	"leetlabs/internal/grading/model"
	"leetlabs/internal/grading/performance"
	"leetlabs/internal/grading/repository"
	"leetlabs/internal/grading/verdict"
	appErr "leetlabs/pkg/errors"
	"leetlabs/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeoutPerCase = 2 * time.Second
	defaultOverallTimeout = 30 * time.Second
	defaultSourcePrefix   = "submissions"
)

// Dispatcher sends a batch to the execution engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch model.ExecutionBatch, timeoutPerCase, overallTimeout time.Duration) ([]model.RawResult, error)
}

// PerformanceAggregator maintains per-user statistics.
type PerformanceAggregator interface {
	UpdateAfter(ctx context.Context, submission *model.Submission) (model.PerformanceSnapshot, error)
	Get(ctx context.Context, userID int64) (model.PerformanceSnapshot, error)
}

// RateLimitConfig holds throttling for run and submit. Anonymous callers are limited by IP.
type RateLimitConfig struct {
	UserMax int           `yaml:"userMax"`
	IPMax   int           `yaml:"ipMax"`
	Window  time.Duration `yaml:"window"`
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	MQ      time.Duration `yaml:"mq"`
	Storage time.Duration `yaml:"storage"`
}

// Config holds grading service dependencies and settings.
type Config struct {
	Problems    repository.ProblemRepository
	Submissions repository.SubmissionRepository
	Languages   *language.Registry
	Dispatcher  Dispatcher
	Performance PerformanceAggregator
	Publisher   performance.EventPublisher
	Storage     storage.ObjectStorage
	Cache       cache.Cache

	SourceBucket    string
	SourceKeyPrefix string
	MaxCodeBytes    int
	CustomLimits    assembler.Limits
	TimeoutPerCase  time.Duration
	OverallTimeout  time.Duration
	IdempotencyTTL  time.Duration
	RateLimit       RateLimitConfig
	Timeouts        TimeoutConfig
	Now             func() time.Time
}

// GradingService runs and submits solutions.
type GradingService struct {
	problems    repository.ProblemRepository
	submissions repository.SubmissionRepository
	languages   *language.Registry
	dispatcher  Dispatcher
	performance PerformanceAggregator
	publisher   performance.EventPublisher
	storage     storage.ObjectStorage
	cache       cache.Cache

	sourceBucket    string
	sourceKeyPrefix string
	maxCodeBytes    int
	customLimits    assembler.Limits
	timeoutPerCase  time.Duration
	overallTimeout  time.Duration
	idempotencyTTL  time.Duration
	rateLimit       RateLimitConfig
	timeouts        TimeoutConfig
	now             func() time.Time
}

// RunInput describes a RUN request. Nothing is persisted.
type RunInput struct {
	ProblemID   int64
	UserID      int64
	ClientIP    string
	Language    string
	SourceCode  string
	CustomCases []model.TestCase
}

// RunOutput is the graded result of a RUN.
type RunOutput struct {
	Results        []model.TestCaseResult `json:"results"`
	Verdict        model.Verdict          `json:"verdict"`
	TotalRuntimeMs int64                  `json:"totalRuntimeMs"`
}

// SubmitInput describes a SUBMIT request.
type SubmitInput struct {
	ProblemID      int64
	UserID         int64
	ClientIP       string
	Language       string
	SourceCode     string
	IdempotencyKey string
}

// NewGradingService creates a new grading service.
func NewGradingService(cfg Config) (*GradingService, error) {
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem repository is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Performance == nil {
		return nil, fmt.Errorf("performance aggregator is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required")
	}
	if cfg.SourceKeyPrefix == "" {
		cfg.SourceKeyPrefix = defaultSourcePrefix
	}
	if cfg.TimeoutPerCase <= 0 {
		cfg.TimeoutPerCase = defaultTimeoutPerCase
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = defaultOverallTimeout
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GradingService{
		problems:        cfg.Problems,
		submissions:     cfg.Submissions,
		languages:       cfg.Languages,
		dispatcher:      cfg.Dispatcher,
		performance:     cfg.Performance,
		publisher:       cfg.Publisher,
		storage:         cfg.Storage,
		cache:           cfg.Cache,
		sourceBucket:    cfg.SourceBucket,
		sourceKeyPrefix: cfg.SourceKeyPrefix,
		maxCodeBytes:    cfg.MaxCodeBytes,
		customLimits:    cfg.CustomLimits,
		timeoutPerCase:  cfg.TimeoutPerCase,
		overallTimeout:  cfg.OverallTimeout,
		idempotencyTTL:  cfg.IdempotencyTTL,
		rateLimit:       cfg.RateLimit,
		timeouts:        cfg.Timeouts,
		now:             cfg.Now,
	}, nil
}

// Run grades source against the visible and custom cases.
func (s *GradingService) Run(ctx context.Context, input RunInput) (RunOutput, error) {
	if err := s.validateSource(input.ProblemID, input.Language, input.SourceCode); err != nil {
		return RunOutput{}, err
	}
	if err := s.checkRateLimit(ctx, input.UserID, input.ClientIP); err != nil {
		return RunOutput{}, err
	}
	graded, err := s.grade(ctx, model.SubmissionRequest{
		ProblemID:   input.ProblemID,
		UserID:      input.UserID,
		Language:    input.Language,
		SourceCode:  input.SourceCode,
		Mode:        model.ModeRun,
		CustomCases: input.CustomCases,
	})
	if err != nil {
		return RunOutput{}, err
	}
	return RunOutput{
		Results:        verdict.ClientView(graded.outcome.Results),
		Verdict:        graded.outcome.Verdict,
		TotalRuntimeMs: graded.outcome.TotalRuntimeMs,
	}, nil
}

// Submit grades source against every case and records the submission.
//
// Infrastructure failures and cancellation before commit leave no record. After commit the
// performance update is handed to the event bus, or applied inline when publishing fails.
func (s *GradingService) Submit(ctx context.Context, input SubmitInput) (*model.Submission, error) {
	if input.UserID <= 0 {
		return nil, appErr.ValidationError("user_id", "required")
	}
	if err := s.validateSource(input.ProblemID, input.Language, input.SourceCode); err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(ctx, input.UserID, input.ClientIP); err != nil {
		return nil, err
	}

	idemKey := idempotencyCacheKey(input.UserID, input.IdempotencyKey)
	acquired, existingID, err := s.acquireIdempotency(ctx, idemKey)
	if err != nil {
		return nil, err
	}
	if !acquired && existingID != "" {
		return s.GetSubmission(ctx, input.UserID, existingID)
	}

	submission, err := s.gradeAndPersist(ctx, input)
	if err != nil {
		s.releaseIdempotency(ctx, idemKey, acquired)
		return nil, err
	}
	committed := context.WithoutCancel(ctx)
	s.notifyPerformance(committed, submission)
	s.finalizeIdempotency(committed, idemKey, submission.ID, acquired)
	return clientSubmission(submission), nil
}

func (s *GradingService) gradeAndPersist(ctx context.Context, input SubmitInput) (*model.Submission, error) {
	graded, err := s.grade(ctx, model.SubmissionRequest{
		ProblemID:  input.ProblemID,
		UserID:     input.UserID,
		Language:   input.Language,
		SourceCode: input.SourceCode,
		Mode:       model.ModeSubmit,
	})
	if err != nil {
		return nil, err
	}
	// A caller that went away after grading gets nothing recorded.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	submission := &model.Submission{
		ID:             uuid.NewString(),
		UserID:         input.UserID,
		ProblemID:      input.ProblemID,
		Language:       graded.language,
		SourceCode:     input.SourceCode,
		SourceHash:     hashSource(input.SourceCode),
		CreatedAt:      s.now().UTC().Truncate(time.Microsecond),
		OverallVerdict: graded.outcome.Verdict,
		Results:        graded.outcome.Results,
		TotalRuntimeMs: graded.outcome.TotalRuntimeMs,
	}
	submission.SourceKey = s.buildSourceKey(submission.ID)
	if err := s.archiveSource(ctx, submission.SourceKey, input.SourceCode); err != nil {
		return nil, err
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	if err := s.submissions.Persist(ctxDB.ctx, submission); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, repository.ErrDuplicateSubmission) {
			return nil, appErr.Wrapf(err, appErr.RecordAlreadyExists, "submission already recorded")
		}
		return nil, appErr.Wrapf(err, appErr.SubmissionCreateFailed, "persist submission failed")
	}
	logger.Info(ctx, "submission persisted",
		zap.String("submission_id", submission.ID),
		zap.Int64("problem_id", submission.ProblemID),
		zap.String("verdict", string(submission.OverallVerdict)))
	return submission, nil
}

type gradeResult struct {
	language string
	outcome  verdict.Outcome
}

func (s *GradingService) grade(ctx context.Context, req model.SubmissionRequest) (gradeResult, error) {
	problem, err := s.loadProblem(ctx, req.ProblemID)
	if err != nil {
		return gradeResult{}, err
	}
	runtimeID, err := s.languages.Resolve(req.Language)
	if err != nil {
		return gradeResult{}, err
	}
	lang := s.languages.Canonical(req.Language)
	if !problem.SupportsLanguage(lang) {
		return gradeResult{}, appErr.Newf(appErr.LanguageNotSupported, "problem %d does not accept %s", problem.ID, lang).
			WithDetail("language", lang)
	}

	cases, err := assembler.Assemble(problem, req.Mode, req.CustomCases, s.customLimits)
	if err != nil {
		return gradeResult{}, err
	}
	batch := assembler.BuildBatch(runtimeID, req.SourceCode, cases)
	raw, err := s.dispatcher.Dispatch(ctx, batch, s.timeoutPerCase, s.overallTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn(ctx, "dispatch to engine failed",
				zap.Int64("problem_id", req.ProblemID),
				zap.String("mode", string(req.Mode)),
				zap.Int("cases", len(cases)),
				zap.Error(err))
		}
		return gradeResult{}, err
	}
	outcome, err := verdict.Aggregate(cases, raw)
	if err != nil {
		return gradeResult{}, err
	}
	metrics.VerdictTotal.WithLabelValues(string(req.Mode), string(outcome.Verdict)).Inc()
	return gradeResult{language: lang, outcome: outcome}, nil
}

func (s *GradingService) loadProblem(ctx context.Context, problemID int64) (*model.Problem, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	problem, err := s.problems.GetByID(ctxDB.ctx, problemID)
	if err != nil {
		if errors.Is(err, repository.ErrProblemNotFound) {
			return nil, appErr.New(appErr.ProblemNotFound).WithMessage("problem not found")
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem failed")
	}
	return problem, nil
}

func (s *GradingService) notifyPerformance(ctx context.Context, submission *model.Submission) {
	if s.publisher != nil {
		ctxMQ := withTimeout(ctx, s.timeouts.MQ)
		err := s.publisher.PublishPersisted(ctxMQ.ctx, submission)
		ctxMQ.cancel()
		if err == nil {
			return
		}
		logger.Warn(ctx, "publish persisted event failed, updating performance inline",
			zap.String("submission_id", submission.ID), zap.Error(err))
	}
	if _, err := s.performance.UpdateAfter(ctx, submission); err != nil {
		logger.Error(ctx, "update performance failed",
			zap.String("submission_id", submission.ID),
			zap.Int64("user_id", submission.UserID),
			zap.Error(err))
	}
}

func (s *GradingService) validateSource(problemID int64, lang, source string) error {
	if problemID <= 0 {
		return appErr.ValidationError("problem_id", "required")
	}
	if strings.TrimSpace(lang) == "" {
		return appErr.ValidationError("language", "required")
	}
	if strings.TrimSpace(source) == "" {
		return appErr.ValidationError("source_code", "required")
	}
	if s.maxCodeBytes > 0 && len(source) > s.maxCodeBytes {
		return appErr.New(appErr.CodeTooLarge).WithMessage("source code too large")
	}
	return nil
}

// clientSubmission redacts hidden cases and drops the source, which has its own endpoint.
func clientSubmission(submission *model.Submission) *model.Submission {
	view := verdict.ClientSubmission(submission)
	if view != nil {
		view.SourceCode = ""
	}
	return view
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
