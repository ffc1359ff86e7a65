// Package performance derives user statistics from submission history.
package performance

import (
	"sort"
	"time"

	"leetlabs/internal/grading/model"
)

const dayLayout = "2006-01-02"

// Compute folds a user's submissions into a snapshot. Percentile is left to the caller.
//
// Calendar days are taken in loc. now decides which day is today.
func Compute(userID int64, summaries []model.SubmissionSummary, loc *time.Location, now time.Time) model.PerformanceSnapshot {
	if loc == nil {
		loc = time.UTC
	}
	snapshot := model.PerformanceSnapshot{
		UserID:           userID,
		TotalSubmissions: len(summaries),
		AsOfDay:          now.In(loc).Format(dayLayout),
	}

	solved := make(map[int64]model.Difficulty)
	acceptedDays := make(map[int64]struct{})
	var acceptedRuntime int64
	for _, s := range summaries {
		if s.Verdict != model.VerdictAccepted {
			continue
		}
		snapshot.AcceptedSubmissions++
		acceptedRuntime += s.TotalRuntimeMs
		solved[s.ProblemID] = s.Difficulty
		acceptedDays[dayNumber(s.CreatedAt, loc)] = struct{}{}
	}
	if len(summaries) > 0 {
		snapshot.LastSubmissionID = latest(summaries).SubmissionID
	}

	if snapshot.TotalSubmissions > 0 {
		snapshot.SuccessRate = float64(snapshot.AcceptedSubmissions) / float64(snapshot.TotalSubmissions)
	}
	if snapshot.AcceptedSubmissions > 0 {
		snapshot.AverageRuntimeMs = float64(acceptedRuntime) / float64(snapshot.AcceptedSubmissions)
	}

	snapshot.SolvedCount = len(solved)
	for _, difficulty := range solved {
		switch difficulty {
		case model.DifficultyEasy:
			snapshot.DifficultyBreakdown.Easy++
		case model.DifficultyMedium:
			snapshot.DifficultyBreakdown.Medium++
		case model.DifficultyHard:
			snapshot.DifficultyBreakdown.Hard++
		}
	}

	snapshot.CurrentStreakDays, snapshot.LongestStreakDays = streaks(acceptedDays, dayNumber(now, loc))
	return snapshot
}

// streaks returns the run ending today or yesterday, and the longest run.
func streaks(days map[int64]struct{}, today int64) (current, longest int) {
	if len(days) == 0 {
		return 0, 0
	}
	sorted := make([]int64, 0, len(days))
	for d := range days {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	run := 0
	for i, d := range sorted {
		if i > 0 && d == sorted[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	end := today
	if _, ok := days[end]; !ok {
		end = today - 1
	}
	for {
		if _, ok := days[end]; !ok {
			break
		}
		current++
		end--
	}
	return current, longest
}

// dayNumber counts calendar days in loc since the epoch.
func dayNumber(t time.Time, loc *time.Location) int64 {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func latest(summaries []model.SubmissionSummary) model.SubmissionSummary {
	last := summaries[0]
	for _, s := range summaries[1:] {
		if s.CreatedAt.After(last.CreatedAt) || (s.CreatedAt.Equal(last.CreatedAt) && s.SubmissionID > last.SubmissionID) {
			last = s
		}
	}
	return last
}
