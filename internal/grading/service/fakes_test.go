package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"leetlabs/internal/common/cache"
	"leetlabs/internal/common/storage"
	"leetlabs/internal/grading/language"
	"leetlabs/internal/grading/model"
	"leetlabs/internal/grading/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeProblems struct {
	problems map[int64]*model.Problem
}

func (f *fakeProblems) GetByID(_ context.Context, problemID int64) (*model.Problem, error) {
	if p, ok := f.problems[problemID]; ok {
		return p, nil
	}
	return nil, repository.ErrProblemNotFound
}

type fakeSubmissions struct {
	mu         sync.Mutex
	byID       map[string]*model.Submission
	persistErr error
	persisted  int
}

func newFakeSubmissions() *fakeSubmissions {
	return &fakeSubmissions{byID: make(map[string]*model.Submission)}
}

func (f *fakeSubmissions) Persist(_ context.Context, submission *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	copied := *submission
	copied.Results = append([]model.TestCaseResult(nil), submission.Results...)
	f.byID[submission.ID] = &copied
	f.persisted++
	return nil
}

func (f *fakeSubmissions) GetByID(_ context.Context, submissionID string) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[submissionID]
	if !ok {
		return nil, repository.ErrSubmissionNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSubmissions) ListByUser(_ context.Context, userID int64, cursor string, limit int) ([]model.Submission, string, error) {
	if cursor != "" {
		if _, _, err := repository.DecodeCursor(cursor); err != nil {
			return nil, "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Submission
	for _, s := range f.byID {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, "", nil
}

func (f *fakeSubmissions) HasSolved(_ context.Context, userID, problemID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.UserID == userID && s.ProblemID == problemID && s.OverallVerdict == model.VerdictAccepted {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSubmissions) ListSummariesByUser(context.Context, int64) ([]model.SubmissionSummary, error) {
	return nil, nil
}

func (f *fakeSubmissions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persisted
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches []model.ExecutionBatch
	fn      func(ctx context.Context, batch model.ExecutionBatch) ([]model.RawResult, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, batch model.ExecutionBatch, _, _ time.Duration) ([]model.RawResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, batch)
	}
	return echoExpected(batch), nil
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// echoExpected answers every case correctly.
func echoExpected(batch model.ExecutionBatch) []model.RawResult {
	out := make([]model.RawResult, batch.Len())
	for i := range out {
		out[i] = model.RawResult{ActualOutput: batch.ExpectedOutputs[i] + "\n", TimeMs: 10, MemoryKb: 512}
	}
	return out
}

type fakePerformance struct {
	mu      sync.Mutex
	updates []string
}

func (f *fakePerformance) UpdateAfter(_ context.Context, submission *model.Submission) (model.PerformanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, submission.ID)
	return model.PerformanceSnapshot{UserID: submission.UserID, LastSubmissionID: submission.ID}, nil
}

func (f *fakePerformance) Get(_ context.Context, userID int64) (model.PerformanceSnapshot, error) {
	return model.PerformanceSnapshot{UserID: userID}, nil
}

func (f *fakePerformance) updated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakePublisher) PublishPersisted(_ context.Context, submission *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, submission.ID)
	return nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	putErr  error
	gets    int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) PutObject(_ context.Context, bucket, objectKey string, reader io.Reader, _ int64, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+objectKey] = data
	return nil
}

func (f *fakeStorage) GetObject(_ context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[bucket+"/"+objectKey]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) StatObject(_ context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+objectKey]
	if !ok {
		return storage.ObjectStat{}, errors.New("object not found")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (f *fakeStorage) put(bucket, objectKey string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+objectKey] = data
}

func (f *fakeStorage) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeStorage) objectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type harness struct {
	service     *GradingService
	problems    *fakeProblems
	submissions *fakeSubmissions
	dispatcher  *fakeDispatcher
	performance *fakePerformance
	publisher   *fakePublisher
	storage     *fakeStorage
	cache       cache.Cache
}

var harnessNow = time.Date(2026, 3, 10, 12, 0, 0, 123456789, time.UTC)

// twoSum has two visible cases and one hidden case.
func twoSum() *model.Problem {
	return &model.Problem{
		ID:         1,
		Title:      "Two Sum",
		Difficulty: model.DifficultyEasy,
		TestCases: []model.TestCase{
			{SequenceIndex: 2, Input: "3 3", ExpectedOutput: "6", IsHidden: true},
			{SequenceIndex: 0, Input: "1 2", ExpectedOutput: "3"},
			{SequenceIndex: 1, Input: "2 2", ExpectedOutput: "4"},
		},
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}

	restricted := twoSum()
	restricted.ID = 2
	restricted.StarterCode = map[string]string{"python": "def solve():\n    pass\n"}

	registry, err := language.NewRegistry(map[string]string{"python": "python:3.12", "go": "go:1.26"})
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}

	h := &harness{
		problems:    &fakeProblems{problems: map[int64]*model.Problem{1: twoSum(), 2: restricted}},
		submissions: newFakeSubmissions(),
		dispatcher:  &fakeDispatcher{},
		performance: &fakePerformance{},
		publisher:   &fakePublisher{},
		storage:     newFakeStorage(),
		cache:       c,
	}
	cfg := Config{
		Problems:     h.problems,
		Submissions:  h.submissions,
		Languages:    registry,
		Dispatcher:   h.dispatcher,
		Performance:  h.performance,
		Publisher:    h.publisher,
		Storage:      h.storage,
		Cache:        c,
		SourceBucket: "sources",
		MaxCodeBytes: 1024,
		Now:          func() time.Time { return harnessNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewGradingService(cfg)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	h.service = svc
	return h
}
