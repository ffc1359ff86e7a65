package repository

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"leetlabs/internal/common/cache"
	"leetlabs/internal/common/db"
	"leetlabs/internal/grading/model"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = 5 * time.Minute
	submissionCacheKeyPrefix       = "grading:submission:"
	maxHistoryLimit                = 100
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrInvalidCursor      = errors.New("invalid history cursor")

	// ErrDuplicateSubmission means a submission with the same id is already stored.
	ErrDuplicateSubmission = errors.New("submission already exists")
)

// SubmissionRepository is the append-only submission store.
type SubmissionRepository interface {
	// Persist writes the header and every result row in one transaction.
	Persist(ctx context.Context, submission *model.Submission) error
	GetByID(ctx context.Context, submissionID string) (*model.Submission, error)
	// ListByUser returns headers newest first, starting after cursor. Results are not loaded.
	ListByUser(ctx context.Context, userID int64, cursor string, limit int) ([]model.Submission, string, error)
	HasSolved(ctx context.Context, userID, problemID int64) (bool, error)
	ListSummariesByUser(ctx context.Context, userID int64) ([]model.SubmissionSummary, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewSubmissionRepositoryWithTTL creates a submission repository. Non-positive TTLs use the defaults.
func NewSubmissionRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLSubmissionRepository {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &MySQLSubmissionRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

const submissionColumns = "submission_id, user_id, problem_id, language, source_code, source_key, source_hash, verdict, total_runtime_ms, created_at"

// Persist inserts the submission atomically. The row is cached after commit.
func (r *MySQLSubmissionRepository) Persist(ctx context.Context, submission *model.Submission) error {
	if err := validateSubmission(submission); err != nil {
		return err
	}
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO submissions
			(submission_id, user_id, problem_id, language, source_code, source_key, source_hash, verdict, total_runtime_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			submission.ID,
			submission.UserID,
			submission.ProblemID,
			submission.Language,
			submission.SourceCode,
			submission.SourceKey,
			submission.SourceHash,
			string(submission.OverallVerdict),
			submission.TotalRuntimeMs,
			submission.CreatedAt,
		)
		if err != nil {
			if key, ok := db.UniqueViolation(err); ok {
				return fmt.Errorf("%w: key %s", ErrDuplicateSubmission, key)
			}
			return fmt.Errorf("insert submission failed: %w", err)
		}
		query, args := buildResultInsert(submission)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert submission results failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.setCache(ctx, submission)
	return nil
}

func validateSubmission(submission *model.Submission) error {
	switch {
	case submission == nil:
		return errors.New("submission is nil")
	case submission.ID == "":
		return errors.New("submissionID is required")
	case submission.UserID <= 0:
		return errors.New("userID is required")
	case submission.ProblemID <= 0:
		return errors.New("problemID is required")
	case submission.Language == "":
		return errors.New("language is required")
	case submission.OverallVerdict == "":
		return errors.New("verdict is required")
	case len(submission.Results) == 0:
		return errors.New("results are required")
	case submission.CreatedAt.IsZero():
		return errors.New("createdAt is required")
	}
	return nil
}

func buildResultInsert(submission *model.Submission) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(`INSERT INTO submission_results
		(submission_id, sequence_index, status, input, expected_output, actual_output, runtime_ms, memory_kb, is_hidden)
		VALUES `)
	args := make([]interface{}, 0, len(submission.Results)*9)
	for i, res := range submission.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			submission.ID,
			res.SequenceIndex,
			string(res.Status),
			res.Input,
			res.ExpectedOutput,
			res.ActualOutput,
			res.RuntimeMs,
			res.MemoryKb,
			res.Hidden,
		)
	}
	return b.String(), args
}

// GetByID returns a submission with its results.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, submissionID string) (*model.Submission, error) {
	if submissionID == "" {
		return nil, ErrSubmissionNotFound
	}
	if r.cache == nil {
		return r.getByIDFromDB(ctx, submissionID)
	}
	submission, err := cache.GetWithCached[*model.Submission](
		ctx,
		r.cache,
		submissionCacheKey(submissionID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(s *model.Submission) bool { return s == nil },
		marshalSubmission,
		unmarshalSubmission,
		func(ctx context.Context) (*model.Submission, error) {
			submission, err := r.getByIDFromDB(ctx, submissionID)
			if errors.Is(err, ErrSubmissionNotFound) {
				return nil, nil
			}
			return submission, err
		},
	)
	if err != nil {
		return nil, err
	}
	if submission == nil {
		return nil, ErrSubmissionNotFound
	}
	return submission, nil
}

func (r *MySQLSubmissionRepository) getByIDFromDB(ctx context.Context, submissionID string) (*model.Submission, error) {
	row := r.db.QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE submission_id = ? LIMIT 1", submissionID)
	submission, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT sequence_index, status, input, expected_output, actual_output, runtime_ms, memory_kb, is_hidden
		FROM submission_results
		WHERE submission_id = ?
		ORDER BY sequence_index`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var res model.TestCaseResult
		var status string
		if err := rows.Scan(&res.SequenceIndex, &status, &res.Input, &res.ExpectedOutput, &res.ActualOutput,
			&res.RuntimeMs, &res.MemoryKb, &res.Hidden); err != nil {
			return nil, err
		}
		res.Status = model.CaseStatus(status)
		submission.Results = append(submission.Results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return submission, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(s scanner) (*model.Submission, error) {
	submission := &model.Submission{}
	var verdict string
	err := s.Scan(
		&submission.ID,
		&submission.UserID,
		&submission.ProblemID,
		&submission.Language,
		&submission.SourceCode,
		&submission.SourceKey,
		&submission.SourceHash,
		&verdict,
		&submission.TotalRuntimeMs,
		&submission.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	submission.OverallVerdict = model.Verdict(verdict)
	return submission, nil
}

// ListByUser pages through a user's history on (created_at, submission_id).
func (r *MySQLSubmissionRepository) ListByUser(ctx context.Context, userID int64, cursor string, limit int) ([]model.Submission, string, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE user_id = ?"
	args := []interface{}{userID}
	if cursor != "" {
		after, afterID, err := DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += " AND (created_at < ? OR (created_at = ? AND submission_id < ?))"
		args = append(args, after, after, afterID)
	}
	query += " ORDER BY created_at DESC, submission_id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := make([]model.Submission, 0, limit)
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *submission)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[limit-1]
		next = EncodeCursor(last.CreatedAt, last.ID)
	}
	return out, next, nil
}

// HasSolved reports whether the user has an ACCEPTED submission for the problem.
func (r *MySQLSubmissionRepository) HasSolved(ctx context.Context, userID, problemID int64) (bool, error) {
	var one int
	err := r.db.QueryRow(ctx,
		"SELECT 1 FROM submissions WHERE user_id = ? AND problem_id = ? AND verdict = ? LIMIT 1",
		userID, problemID, string(model.VerdictAccepted),
	).Scan(&one)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSummariesByUser returns every submission of the user, oldest first, with the problem difficulty.
func (r *MySQLSubmissionRepository) ListSummariesByUser(ctx context.Context, userID int64) ([]model.SubmissionSummary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.submission_id, s.problem_id, p.difficulty, s.verdict, s.total_runtime_ms, s.created_at
		FROM submissions s
		LEFT JOIN problems p ON p.problem_id = s.problem_id
		WHERE s.user_id = ?
		ORDER BY s.created_at, s.submission_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SubmissionSummary
	for rows.Next() {
		var summary model.SubmissionSummary
		var difficulty sql.NullString
		var verdict string
		if err := rows.Scan(&summary.SubmissionID, &summary.ProblemID, &difficulty, &verdict,
			&summary.TotalRuntimeMs, &summary.CreatedAt); err != nil {
			return nil, err
		}
		summary.Difficulty = model.Difficulty(difficulty.String)
		summary.Verdict = model.Verdict(verdict)
		out = append(out, summary)
	}
	return out, rows.Err()
}

// EncodeCursor builds an opaque history cursor.
func EncodeCursor(createdAt time.Time, submissionID string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + submissionID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor made by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	return time.Unix(0, n).UTC(), id, nil
}

func (r *MySQLSubmissionRepository) setCache(ctx context.Context, submission *model.Submission) {
	if r.cache == nil {
		return
	}
	payload := marshalSubmission(submission)
	if payload == "" {
		return
	}
	_ = r.cache.Set(ctx, submissionCacheKey(submission.ID), payload, cache.JitterTTL(r.ttl))
}

func submissionCacheKey(submissionID string) string {
	return submissionCacheKeyPrefix + submissionID
}

// submissionRecord keeps the fields the client JSON hides.
type submissionRecord struct {
	*model.Submission
	SourceKey string `json:"sourceKey"`
}

func marshalSubmission(submission *model.Submission) string {
	if submission == nil {
		return ""
	}
	data, err := json.Marshal(submissionRecord{Submission: submission, SourceKey: submission.SourceKey})
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalSubmission(data string) (*model.Submission, error) {
	record := submissionRecord{Submission: &model.Submission{}}
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	record.Submission.SourceKey = record.SourceKey
	return record.Submission, nil
}
