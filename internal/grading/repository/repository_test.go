package repository_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"leetlabs/internal/common/cache"
	"leetlabs/internal/grading/model"
	"leetlabs/internal/grading/repository"
	"leetlabs/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
)

func newCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	testutil.AssertNil(t, err)
	return c
}

func sampleSubmission() *model.Submission {
	return &model.Submission{
		ID:             "sub-1",
		UserID:         7,
		ProblemID:      11,
		Language:       "python",
		SourceCode:     "print(1)",
		SourceKey:      "submissions/sub-1/source.zst",
		SourceHash:     "abc",
		CreatedAt:      time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		OverallVerdict: model.VerdictWrongAnswer,
		TotalRuntimeMs: 30,
		Results: []model.TestCaseResult{
			{SequenceIndex: 0, Status: model.CaseStatusPassed, Input: "1", ExpectedOutput: "1", ActualOutput: "1", RuntimeMs: 10},
			{SequenceIndex: 1, Status: model.CaseStatusFailed, Input: "2", ExpectedOutput: "2", ActualOutput: "3", RuntimeMs: 20, Hidden: true},
		},
	}
}

func TestPersistWritesHeaderAndResultsInOneTransaction(t *testing.T) {
	t.Parallel()
	fdb := newFakeDB()
	repo := repository.NewSubmissionRepositoryWithTTL(fdb, newCache(t), 0, 0)

	testutil.AssertNil(t, repo.Persist(context.Background(), sampleSubmission()))
	testutil.AssertEqual(t, fdb.commits, 1)
	testutil.AssertEqual(t, len(fdb.committed), 2)
	testutil.AssertTrue(t, strings.Contains(fdb.committed[0].query, "INSERT INTO submissions"), "header first")
	testutil.AssertTrue(t, strings.Contains(fdb.committed[1].query, "INSERT INTO submission_results"), "results second")
	testutil.AssertEqual(t, len(fdb.committed[1].args), 18)

	// Served from cache without touching the database.
	got, err := repo.GetByID(context.Background(), "sub-1")
	testutil.AssertNil(t, err)
	testutil.AssertEqual(t, fdb.queryCount("FROM submissions"), 0)
	testutil.AssertEqual(t, got.SourceKey, "submissions/sub-1/source.zst")
	testutil.AssertEqual(t, len(got.Results), 2)
	testutil.AssertEqual(t, got.Results[1].ActualOutput, "3")
}

func TestPersistRollsBackWhenResultsFail(t *testing.T) {
	t.Parallel()
	fdb := newFakeDB()
	fdb.failExec = "submission_results"
	repo := repository.NewSubmissionRepositoryWithTTL(fdb, nil, 0, 0)

	err := repo.Persist(context.Background(), sampleSubmission())
	testutil.AssertTrue(t, err != nil, "expected persist error")
	testutil.AssertEqual(t, fdb.rollbacks, 1)
	testutil.AssertEqual(t, fdb.commits, 0)
	testutil.AssertEqual(t, len(fdb.committed), 0)
}

func TestPersistReportsDuplicateSubmission(t *testing.T) {
	t.Parallel()
	fdb := newFakeDB()
	fdb.failExec = "INSERT INTO submissions"
	fdb.execErr = &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'sub-1' for key 'submissions.PRIMARY'"}
	repo := repository.NewSubmissionRepositoryWithTTL(fdb, nil, 0, 0)

	err := repo.Persist(context.Background(), sampleSubmission())
	testutil.AssertTrue(t, errors.Is(err, repository.ErrDuplicateSubmission), "expected duplicate error")
	testutil.AssertTrue(t, strings.Contains(err.Error(), "submissions.PRIMARY"), "key name kept")
	testutil.AssertEqual(t, fdb.rollbacks, 1)
}

func TestPersistValidates(t *testing.T) {
	t.Parallel()
	repo := repository.NewSubmissionRepositoryWithTTL(newFakeDB(), nil, 0, 0)
	bad := sampleSubmission()
	bad.Results = nil
	testutil.AssertTrue(t, repo.Persist(context.Background(), bad) != nil, "results are required")
	testutil.AssertTrue(t, repo.Persist(context.Background(), nil) != nil, "nil submission")
}

func TestGetByIDLoadsResultsAndCachesAbsence(t *testing.T) {
	t.Parallel()
	fdb := newFakeDB()
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	fdb.on("WHERE submission_id = ? LIMIT 1", []interface{}{
		"sub-9", int64(7), int64(11), "cpp", "int main(){}", "submissions/sub-9/source.zst", "h", "ACCEPTED", int64(12), created,
	})
	fdb.on("FROM submission_results", []interface{}{
		0, "PASSED", "1", "1", "1", int64(12), int64(256), false,
	})
	repo := repository.NewSubmissionRepositoryWithTTL(fdb, newCache(t), 0, 0)

	got, err := repo.GetByID(context.Background(), "sub-9")
	testutil.AssertNil(t, err)
	testutil.AssertEqual(t, got.OverallVerdict, model.VerdictAccepted)
	testutil.AssertEqual(t, len(got.Results), 1)
	testutil.AssertEqual(t, got.Results[0].Status, model.CaseStatusPassed)
	testutil.AssertTrue(t, got.CreatedAt.Equal(created), "created at")

	empty := newFakeDB()
	repo = repository.NewSubmissionRepositoryWithTTL(empty, newCache(t), 0, 0)
	for i := 0; i < 2; i++ {
		_, err := repo.GetByID(context.Background(), "missing")
		testutil.AssertTrue(t, errors.Is(err, repository.ErrSubmissionNotFound), "expected not found")
	}
	testutil.AssertEqual(t, empty.queryCount("FROM submissions"), 1)
}

func TestListByUserPaginates(t *testing.T) {
	t.Parallel()
	fdb := newFakeDB()
	base := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	row := func(id string, at time.Time) []interface{} {
		return []interface{}{id, int64(7), int64(1), "go", "", "", "", "ACCEPTED", int64(1), at}
	}
	fdb.on("FROM submissions WHERE user_id = ?",
		row("c", base),
		row("b", base.Add(-time.Hour)),
		row("a", base.Add(-2*time.Hour)),
	)
	repo := repository.NewSubmissionRepositoryWithTTL(fdb, nil, 0, 0)

	page, next, err := repo.ListByUser(context.Background(), 7, "", 2)
	testutil.AssertNil(t, err)
	testutil.AssertEqual(t, len(page), 2)
	testutil.AssertTrue(t, next != "", "expected next cursor")
	at, id, err := repository.DecodeCursor(next)
	testutil.AssertNil(t, err)
	testutil.AssertEqual(t, id, "b")
	testutil.AssertTrue(t, at.Equal(base.Add(-time.Hour)), "cursor time")

	_, _, err = repo.ListByUser(context.Background(), 7, "%%%", 2)
	testutil.AssertTrue(t, errors.Is(err, repository.ErrInvalidCursor), "expected invalid cursor")
}

func TestHasSolved(t *testing.T) {
	t.Parallel()
	fdb := newFakeDB()
	repo := repository.NewSubmissionRepositoryWithTTL(fdb, nil, 0, 0)
	solved, err := repo.HasSolved(context.Background(), 7, 11)
	testutil.AssertNil(t, err)
	testutil.AssertTrue(t, !solved, "no rows means unsolved")

	fdb.on("SELECT 1 FROM submissions", []interface{}{1})
	solved, err = repo.HasSolved(context.Background(), 7, 11)
	testutil.AssertNil(t, err)
	testutil.AssertTrue(t, solved, "expected solved")
}

func TestListSummariesByUser(t *testing.T) {
	t.Parallel()
	fdb := newFakeDB()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fdb.on("LEFT JOIN problems",
		[]interface{}{"s1", int64(1), "EASY", "ACCEPTED", int64(10), at},
		[]interface{}{"s2", int64(2), nil, "TLE", int64(99), at},
	)
	repo := repository.NewSubmissionRepositoryWithTTL(fdb, nil, 0, 0)
	got, err := repo.ListSummariesByUser(context.Background(), 7)
	testutil.AssertNil(t, err)
	testutil.AssertEqual(t, len(got), 2)
	testutil.AssertEqual(t, got[0].Difficulty, model.DifficultyEasy)
	testutil.AssertEqual(t, got[1].Difficulty, model.Difficulty(""))
	testutil.AssertEqual(t, got[1].Verdict, model.VerdictTLE)
}

func TestProblemGetByIDSharesLoadsAndOrdersCases(t *testing.T) {
	t.Parallel()
	fdb := newFakeDB()
	fdb.on("FROM problems", []interface{}{int64(3), "Two Sum", "EASY", []byte(`{"python":"def f():"}`), nil})
	fdb.on("FROM problem_test_cases",
		[]interface{}{0, "1 2", "3", false},
		[]interface{}{1, "5 5", "10", true},
	)
	repo := repository.NewProblemRepositoryWithTTL(fdb, newCache(t), 0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := repo.GetByID(context.Background(), 3)
			if err != nil || len(p.TestCases) != 2 {
				t.Errorf("unexpected load: %v %+v", err, p)
			}
		}()
	}
	wg.Wait()

	p, err := repo.GetByID(context.Background(), 3)
	testutil.AssertNil(t, err)
	testutil.AssertEqual(t, p.Difficulty, model.DifficultyEasy)
	testutil.AssertTrue(t, p.SupportsLanguage("python"), "python starter code")
	testutil.AssertTrue(t, !p.SupportsLanguage("cpp"), "cpp has no starter code")
	testutil.AssertTrue(t, p.TestCases[1].IsHidden, "hidden flag")
	testutil.AssertTrue(t, fdb.queryCount("FROM problems") <= 8, "cache or singleflight bounds loads")

	_, err = repository.NewProblemRepositoryWithTTL(newFakeDB(), newCache(t), 0, 0).GetByID(context.Background(), 404)
	testutil.AssertTrue(t, errors.Is(err, repository.ErrProblemNotFound), "missing problem")
}

func TestProblemGetByIDSurvivesLeaderCancellation(t *testing.T) {
	t.Parallel()
	fdb := newFakeDB()
	fdb.on("FROM problems", []interface{}{int64(5), "Merge Lists", "MEDIUM", nil, nil})
	fdb.on("FROM problem_test_cases", []interface{}{0, "1", "1", false})
	held, release := fdb.holdQueries("FROM problems")
	repo := repository.NewProblemRepositoryWithTTL(fdb, nil, 0, 0)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := repo.GetByID(leaderCtx, 5)
		leaderErr <- err
	}()
	<-held

	followerDone := make(chan error, 1)
	go func() {
		p, err := repo.GetByID(context.Background(), 5)
		if err == nil && p.Title != "Merge Lists" {
			err = errors.New("unexpected problem " + p.Title)
		}
		followerDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	testutil.AssertTrue(t, errors.Is(<-leaderErr, context.Canceled), "leader sees its own cancellation")
	release()
	testutil.AssertNil(t, <-followerDone)
}

func TestProfileLocation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		row  []interface{}
		want string
	}{
		{name: "known zone", row: []interface{}{"Asia/Kolkata"}, want: "Asia/Kolkata"},
		{name: "invalid zone", row: []interface{}{"Mars/Olympus"}, want: "UTC"},
		{name: "no profile", want: "UTC"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fdb := newFakeDB()
			if tc.row != nil {
				fdb.on("FROM user_profiles", tc.row)
			}
			loc, err := repository.NewProfileRepository(fdb, newCache(t)).Location(context.Background(), 7)
			testutil.AssertNil(t, err)
			testutil.AssertEqual(t, loc.String(), tc.want)
		})
	}
}
