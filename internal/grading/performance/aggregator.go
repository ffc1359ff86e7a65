package performance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"leetlabs/internal/common/cache"
	"leetlabs/internal/grading/model"
	appErr "leetlabs/pkg/errors"
	"leetlabs/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	snapshotKeyPrefix = "perf:snapshot:"
	lockKeyPrefix     = "perf:lock:"
	rankingKey        = "perf:solved"

	defaultLockTTL      = 10 * time.Second
	defaultLockWait     = 3 * time.Second
	defaultLockPoll     = 50 * time.Millisecond
	defaultSnapshotTTL  = 24 * time.Hour
	defaultQueryTimeout = 3 * time.Second
)

// SubmissionSource lists the history a snapshot is folded from.
type SubmissionSource interface {
	ListSummariesByUser(ctx context.Context, userID int64) ([]model.SubmissionSummary, error)
}

// LocationSource resolves the timezone streak days are counted in.
type LocationSource interface {
	Location(ctx context.Context, userID int64) (*time.Location, error)
}

// Config holds aggregator dependencies and settings.
type Config struct {
	Submissions SubmissionSource
	Locations   LocationSource
	Cache       cache.Cache

	LockTTL      time.Duration
	LockWait     time.Duration
	SnapshotTTL  time.Duration
	QueryTimeout time.Duration
	Now          func() time.Time
}

// Aggregator maintains per-user performance snapshots.
//
// Work for one user is serialized by a Redis lock so concurrent updates cannot lose the
// longest streak. Recompute calls arriving together in one process share a single run.
type Aggregator struct {
	submissions SubmissionSource
	locations   LocationSource
	cache       cache.Cache

	lockTTL      time.Duration
	lockWait     time.Duration
	snapshotTTL  time.Duration
	queryTimeout time.Duration
	now          func() time.Time
	group        singleflight.Group
}

func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission source is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = defaultSnapshotTTL
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		submissions:  cfg.Submissions,
		locations:    cfg.Locations,
		cache:        cfg.Cache,
		lockTTL:      cfg.LockTTL,
		lockWait:     cfg.LockWait,
		snapshotTTL:  cfg.SnapshotTTL,
		queryTimeout: cfg.QueryTimeout,
		now:          cfg.Now,
	}, nil
}

// Get returns the stored snapshot, recomputing it when missing or from an earlier day.
func (a *Aggregator) Get(ctx context.Context, userID int64) (model.PerformanceSnapshot, error) {
	if userID <= 0 {
		return model.PerformanceSnapshot{}, appErr.ValidationError("user_id", "required")
	}
	cached, ok := a.loadSnapshot(ctx, userID)
	if ok {
		loc := a.location(ctx, userID)
		if cached.AsOfDay == a.now().In(loc).Format(dayLayout) {
			return cached, nil
		}
	}
	return a.Recompute(ctx, userID)
}

// Recompute rebuilds the snapshot from the full history.
// The shared run is detached from the caller that started it.
func (a *Aggregator) Recompute(ctx context.Context, userID int64) (model.PerformanceSnapshot, error) {
	if userID <= 0 {
		return model.PerformanceSnapshot{}, appErr.ValidationError("user_id", "required")
	}
	ch := a.group.DoChan(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.lockWait+a.lockTTL)
		defer cancel()
		var snapshot model.PerformanceSnapshot
		err := a.withUserLock(flightCtx, userID, func() error {
			var err error
			snapshot, err = a.recomputeLocked(flightCtx, userID)
			return err
		})
		return snapshot, err
	})
	select {
	case <-ctx.Done():
		return model.PerformanceSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.PerformanceSnapshot{}, res.Err
		}
		return res.Val.(model.PerformanceSnapshot), nil
	}
}

// UpdateAfter folds a committed submission into its user's snapshot.
// Applying the same submission twice leaves the snapshot unchanged.
func (a *Aggregator) UpdateAfter(ctx context.Context, submission *model.Submission) (model.PerformanceSnapshot, error) {
	if submission == nil || submission.ID == "" || submission.UserID <= 0 {
		return model.PerformanceSnapshot{}, appErr.ValidationError("submission", "required")
	}
	// Not shared through the singleflight group: a flight that started before the commit
	// may not see this submission.
	var snapshot model.PerformanceSnapshot
	err := a.withUserLock(ctx, submission.UserID, func() error {
		if cached, ok := a.loadSnapshot(ctx, submission.UserID); ok && cached.LastSubmissionID == submission.ID {
			snapshot = cached
			return nil
		}
		var err error
		snapshot, err = a.recomputeLocked(ctx, submission.UserID)
		return err
	})
	return snapshot, err
}

func (a *Aggregator) recomputeLocked(ctx context.Context, userID int64) (model.PerformanceSnapshot, error) {
	ctxQuery, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	summaries, err := a.submissions.ListSummariesByUser(ctxQuery, userID)
	if err != nil {
		return model.PerformanceSnapshot{}, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}

	snapshot := Compute(userID, summaries, a.location(ctx, userID), a.now())
	if previous, ok := a.loadSnapshot(ctx, userID); ok && previous.LongestStreakDays > snapshot.LongestStreakDays {
		snapshot.LongestStreakDays = previous.LongestStreakDays
	}

	percentile, err := a.rank(ctx, snapshot)
	if err != nil {
		return model.PerformanceSnapshot{}, err
	}
	snapshot.Percentile = percentile

	a.storeSnapshot(ctx, snapshot)
	return snapshot, nil
}

// rank returns the share of ranked users whose solved count is at or below the user's.
// Only users with submissions enter the ranking. Anyone else is measured as if they were in it.
func (a *Aggregator) rank(ctx context.Context, snapshot model.PerformanceSnapshot) (float64, error) {
	member := strconv.FormatInt(snapshot.UserID, 10)
	score := float64(snapshot.SolvedCount)
	ranked := snapshot.TotalSubmissions > 0
	if ranked {
		if err := a.cache.ZAdd(ctx, rankingKey, cache.ZMember{Member: member, Score: score}); err != nil {
			return 0, appErr.Wrapf(err, appErr.CacheError, "update solved ranking failed")
		}
	} else {
		var err error
		if _, ranked, err = a.cache.ZScore(ctx, rankingKey, member); err != nil {
			return 0, appErr.Wrapf(err, appErr.CacheError, "read solved ranking failed")
		}
	}
	atOrBelow, err := a.cache.ZCount(ctx, rankingKey, math.Inf(-1), score)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "count solved ranking failed")
	}
	total, err := a.cache.ZCard(ctx, rankingKey)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "count ranked users failed")
	}
	if !ranked {
		atOrBelow++
		total++
	}
	return math.Round(10000*float64(atOrBelow)/float64(total)) / 100, nil
}

func (a *Aggregator) withUserLock(ctx context.Context, userID int64, fn func() error) error {
	key := lockKeyPrefix + strconv.FormatInt(userID, 10)
	token := uuid.NewString()
	deadline := time.Now().Add(a.lockWait)
	for {
		ok, err := a.cache.TryLock(ctx, key, token, a.lockTTL)
		if err != nil {
			return appErr.Wrapf(err, appErr.LockFailed, "acquire performance lock failed")
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return appErr.Newf(appErr.PerformanceUnavailable, "performance snapshot for user %d is busy", userID)
		}
		timer := time.NewTimer(defaultLockPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	defer func() {
		released, err := a.cache.Unlock(context.WithoutCancel(ctx), key, token)
		if err != nil || !released {
			logger.Warn(ctx, "release performance lock failed",
				zap.Int64("user_id", userID), zap.Bool("released", released), zap.Error(err))
		}
	}()
	return fn()
}

func (a *Aggregator) location(ctx context.Context, userID int64) *time.Location {
	if a.locations == nil {
		return time.UTC
	}
	loc, err := a.locations.Location(ctx, userID)
	if err != nil || loc == nil {
		if err != nil {
			logger.Warn(ctx, "load user timezone failed, using UTC", zap.Int64("user_id", userID), zap.Error(err))
		}
		return time.UTC
	}
	return loc
}

func (a *Aggregator) loadSnapshot(ctx context.Context, userID int64) (model.PerformanceSnapshot, bool) {
	raw, err := a.cache.Get(ctx, snapshotKey(userID))
	if err != nil || raw == "" {
		return model.PerformanceSnapshot{}, false
	}
	var snapshot model.PerformanceSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return model.PerformanceSnapshot{}, false
	}
	return snapshot, true
}

func (a *Aggregator) storeSnapshot(ctx context.Context, snapshot model.PerformanceSnapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, snapshotKey(snapshot.UserID), payload, a.snapshotTTL); err != nil {
		logger.Warn(ctx, "store performance snapshot failed", zap.Int64("user_id", snapshot.UserID), zap.Error(err))
	}
}

func snapshotKey(userID int64) string {
	return snapshotKeyPrefix + strconv.FormatInt(userID, 10)
}
