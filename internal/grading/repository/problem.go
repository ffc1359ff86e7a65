// Package repository reads problems and user profiles and stores submissions in MySQL.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"leetlabs/internal/common/cache"
	"leetlabs/internal/common/db"
	"leetlabs/internal/grading/model"

	"golang.org/x/sync/singleflight"
)

const (
	defaultProblemTTL      = 30 * time.Minute
	defaultProblemEmptyTTL = 5 * time.Minute
	problemLoadTimeout     = 5 * time.Second
	problemKeyPrefix       = "grading:problem:"
)

var (
	ErrProblemNotFound = errors.New("problem not found")
)

// ProblemRepository loads problems with their test cases.
type ProblemRepository interface {
	GetByID(ctx context.Context, problemID int64) (*model.Problem, error)
}

// MySQLProblemRepository reads problems from MySQL behind a Redis cache.
type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
	group    singleflight.Group
}

func NewProblemRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemEmptyTTL
	}
	return &MySQLProblemRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

// GetByID returns the problem and its test cases ordered by sequence index.
// Concurrent misses for the same problem share one database load, which is not
// cancelled when the caller that started it goes away.
func (r *MySQLProblemRepository) GetByID(ctx context.Context, problemID int64) (*model.Problem, error) {
	if problemID <= 0 {
		return nil, ErrProblemNotFound
	}
	key := problemKey(problemID)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), problemLoadTimeout)
		defer cancel()
		if r.cache == nil {
			return r.getFromDB(loadCtx, problemID)
		}
		return cache.GetWithCached[*model.Problem](
			loadCtx,
			r.cache,
			key,
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(p *model.Problem) bool { return p == nil },
			marshalProblem,
			unmarshalProblem,
			func(ctx context.Context) (*model.Problem, error) {
				problem, err := r.getFromDB(ctx, problemID)
				if errors.Is(err, ErrProblemNotFound) {
					return nil, nil
				}
				return problem, err
			},
		)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	problem, _ := res.Val.(*model.Problem)
	if problem == nil {
		return nil, ErrProblemNotFound
	}
	return problem, nil
}

func (r *MySQLProblemRepository) getFromDB(ctx context.Context, problemID int64) (*model.Problem, error) {
	query := `
		SELECT problem_id, title, difficulty, starter_code, reference_solutions
		FROM problems
		WHERE problem_id = ?
		LIMIT 1`
	problem := &model.Problem{}
	var difficulty string
	var starter, reference []byte
	err := r.db.QueryRow(ctx, query, problemID).Scan(&problem.ID, &problem.Title, &difficulty, &starter, &reference)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProblemNotFound
		}
		return nil, err
	}
	problem.Difficulty = model.Difficulty(difficulty)
	if problem.StarterCode, err = decodeLanguageMap(starter); err != nil {
		return nil, err
	}
	if problem.ReferenceSolutions, err = decodeLanguageMap(reference); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT sequence_index, input, expected_output, is_hidden
		FROM problem_test_cases
		WHERE problem_id = ?
		ORDER BY sequence_index`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.SequenceIndex, &tc.Input, &tc.ExpectedOutput, &tc.IsHidden); err != nil {
			return nil, err
		}
		problem.TestCases = append(problem.TestCases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return problem, nil
}

func decodeLanguageMap(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func problemKey(problemID int64) string {
	return problemKeyPrefix + strconv.FormatInt(problemID, 10)
}

func marshalProblem(problem *model.Problem) string {
	payload, err := json.Marshal(problem)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalProblem(data string) (*model.Problem, error) {
	var problem model.Problem
	if err := json.Unmarshal([]byte(data), &problem); err != nil {
		return nil, err
	}
	return &problem, nil
}
