// Package verdict turns raw engine results into graded test cases and an overall verdict.
package verdict

import (
	"leetlabs/internal/grading/model"
	appErr "leetlabs/pkg/errors"
)

// Outcome is the graded form of one dispatch.
type Outcome struct {
	Results        []model.TestCaseResult
	Verdict        model.Verdict
	TotalRuntimeMs int64
	MaxMemoryKb    int64
}

// Aggregate grades raw[i] against cases[i].
//
// The overall verdict is the status of the first non-passing case in order, not the worst one.
// Hidden cases count toward the verdict and the runtime total.
func Aggregate(cases []model.TestCase, raw []model.RawResult) (Outcome, error) {
	if len(cases) != len(raw) {
		return Outcome{}, appErr.Newf(appErr.EngineProtocolError, "got %d results for %d cases", len(raw), len(cases))
	}

	compileFailed := false
	for _, r := range raw {
		if r.CompileError != "" {
			compileFailed = true
			break
		}
	}

	out := Outcome{
		Results: make([]model.TestCaseResult, len(cases)),
		Verdict: model.VerdictAccepted,
	}
	firstFailure := model.CaseStatusPassed
	for i, tc := range cases {
		r := raw[i]
		status := classify(tc, r, compileFailed)
		actual := r.ActualOutput
		if compileFailed && r.CompileError != "" {
			actual = r.CompileError
		}
		out.Results[i] = model.TestCaseResult{
			SequenceIndex:  tc.SequenceIndex,
			Status:         status,
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
			ActualOutput:   actual,
			RuntimeMs:      r.TimeMs,
			MemoryKb:       r.MemoryKb,
			Hidden:         tc.IsHidden,
		}
		out.TotalRuntimeMs += r.TimeMs
		if r.MemoryKb > out.MaxMemoryKb {
			out.MaxMemoryKb = r.MemoryKb
		}
		if firstFailure == model.CaseStatusPassed && status != model.CaseStatusPassed {
			firstFailure = status
		}
	}
	out.Verdict = Overall(firstFailure)
	return out, nil
}

func classify(tc model.TestCase, r model.RawResult, compileFailed bool) model.CaseStatus {
	switch {
	case compileFailed:
		return model.CaseStatusCompileError
	case r.TimedOut:
		return model.CaseStatusTimeLimitExceeded
	case r.ExitStatus != 0:
		return model.CaseStatusRuntimeError
	case OutputsMatch(r.ActualOutput, tc.ExpectedOutput):
		return model.CaseStatusPassed
	default:
		return model.CaseStatusFailed
	}
}

// Overall maps the first failing case status to the submission verdict.
func Overall(firstFailure model.CaseStatus) model.Verdict {
	switch firstFailure {
	case model.CaseStatusPassed:
		return model.VerdictAccepted
	case model.CaseStatusFailed:
		return model.VerdictWrongAnswer
	case model.CaseStatusRuntimeError:
		return model.VerdictRuntimeError
	case model.CaseStatusTimeLimitExceeded:
		return model.VerdictTLE
	case model.CaseStatusCompileError:
		return model.VerdictCompileError
	default:
		return model.VerdictWrongAnswer
	}
}

// ClientView returns results safe to send to the submitting user.
// Hidden cases keep only their sequence index and status.
func ClientView(results []model.TestCaseResult) []model.TestCaseResult {
	out := make([]model.TestCaseResult, len(results))
	for i, r := range results {
		if r.Hidden {
			out[i] = model.TestCaseResult{
				SequenceIndex: r.SequenceIndex,
				Status:        r.Status,
				Hidden:        true,
			}
			continue
		}
		out[i] = r
	}
	return out
}

// ClientSubmission returns s with its results redacted by ClientView.
func ClientSubmission(s *model.Submission) *model.Submission {
	if s == nil {
		return nil
	}
	view := *s
	view.Results = ClientView(s.Results)
	return &view
}
