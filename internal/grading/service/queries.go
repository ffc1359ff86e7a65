package service

import (
	"context"
	"errors"

	"leetlabs/internal/grading/model"
	"leetlabs/internal/grading/repository"
	appErr "leetlabs/pkg/errors"
	"leetlabs/pkg/utils/logger"

	"go.uber.org/zap"
)

// HistoryPage is one page of a user's submissions, newest first.
type HistoryPage struct {
	Submissions []model.Submission `json:"submissions"`
	NextCursor  string             `json:"nextCursor,omitempty"`
}

// GetSubmission returns the requester's own submission with hidden cases redacted.
func (s *GradingService) GetSubmission(ctx context.Context, requesterID int64, submissionID string) (*model.Submission, error) {
	submission, err := s.loadOwnedSubmission(ctx, requesterID, submissionID)
	if err != nil {
		return nil, err
	}
	return clientSubmission(submission), nil
}

// GetSource returns the archived source of the requester's own submission.
// The copy kept on the row is served when the archive cannot be read.
func (s *GradingService) GetSource(ctx context.Context, requesterID int64, submissionID string) (string, error) {
	submission, err := s.loadOwnedSubmission(ctx, requesterID, submissionID)
	if err != nil {
		return "", err
	}
	if submission.SourceKey == "" {
		return submission.SourceCode, nil
	}
	source, err := s.loadArchivedSource(ctx, submission.SourceKey, submission.SourceHash)
	if err != nil {
		if submission.SourceCode == "" {
			return "", err
		}
		logger.Warn(ctx, "read archived source failed, serving stored copy",
			zap.String("submission_id", submissionID), zap.Error(err))
		return submission.SourceCode, nil
	}
	return source, nil
}

// ListHistory pages through the requester's submissions.
func (s *GradingService) ListHistory(ctx context.Context, requesterID, userID int64, cursor string, limit int) (HistoryPage, error) {
	if userID <= 0 {
		return HistoryPage{}, appErr.ValidationError("user_id", "required")
	}
	if requesterID != userID {
		return HistoryPage{}, appErr.New(appErr.Forbidden).WithMessage("history belongs to another user")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	submissions, next, err := s.submissions.ListByUser(ctxDB.ctx, userID, cursor, limit)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCursor) {
			return HistoryPage{}, appErr.ValidationError("cursor", "invalid")
		}
		return HistoryPage{}, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	for i := range submissions {
		submissions[i].SourceCode = ""
	}
	if submissions == nil {
		submissions = []model.Submission{}
	}
	return HistoryPage{Submissions: submissions, NextCursor: next}, nil
}

// HasSolved reports whether the user has an ACCEPTED submission for the problem.
func (s *GradingService) HasSolved(ctx context.Context, userID, problemID int64) (bool, error) {
	if userID <= 0 {
		return false, appErr.ValidationError("user_id", "required")
	}
	if problemID <= 0 {
		return false, appErr.ValidationError("problem_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	solved, err := s.submissions.HasSolved(ctxDB.ctx, userID, problemID)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "check solved failed")
	}
	return solved, nil
}

// Performance returns the user's current statistics.
func (s *GradingService) Performance(ctx context.Context, userID int64) (model.PerformanceSnapshot, error) {
	if userID <= 0 {
		return model.PerformanceSnapshot{}, appErr.ValidationError("user_id", "required")
	}
	return s.performance.Get(ctx, userID)
}

// Languages lists the configured language ids.
func (s *GradingService) Languages() []string {
	return s.languages.Languages()
}

func (s *GradingService) loadOwnedSubmission(ctx context.Context, requesterID int64, submissionID string) (*model.Submission, error) {
	if submissionID == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	submission, err := s.submissions.GetByID(ctxDB.ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	if submission.UserID != requesterID {
		return nil, appErr.New(appErr.Forbidden).WithMessage("submission belongs to another user")
	}
	return submission, nil
}
