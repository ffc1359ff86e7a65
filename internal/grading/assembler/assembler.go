// Package assembler selects and orders the test cases a request is graded against.
package assembler

import (
	"sort"

	"leetlabs/internal/grading/model"
	appErr "leetlabs/pkg/errors"
)

// Limits bounds the custom cases a RUN may carry. Zero disables a limit.
type Limits struct {
	MaxCustomCases      int
	MaxCustomInputBytes int
}

// Assemble returns the cases for mode in execution order.
//
// RUN yields the visible cases by sequence index followed by the custom cases,
// renumbered to continue after the last visible index. SUBMIT yields every stored case
// and rejects custom cases.
func Assemble(problem *model.Problem, mode model.Mode, customCases []model.TestCase, limits Limits) ([]model.TestCase, error) {
	if problem == nil {
		return nil, appErr.New(appErr.ProblemNotFound).WithMessage("problem not found")
	}

	stored := sortedCases(problem.TestCases)
	var cases []model.TestCase
	switch mode {
	case model.ModeRun:
		if err := checkCustomCases(customCases, limits); err != nil {
			return nil, err
		}
		cases = make([]model.TestCase, 0, len(stored)+len(customCases))
		next := 0
		for _, tc := range stored {
			if tc.IsHidden {
				continue
			}
			cases = append(cases, tc)
			next = tc.SequenceIndex + 1
		}
		for _, custom := range customCases {
			cases = append(cases, model.TestCase{
				SequenceIndex:  next,
				Input:          custom.Input,
				ExpectedOutput: custom.ExpectedOutput,
			})
			next++
		}
	case model.ModeSubmit:
		if len(customCases) > 0 {
			return nil, appErr.ValidationError("customCases", "not_allowed_in_submit")
		}
		cases = stored
	default:
		return nil, appErr.ValidationError("mode", "invalid")
	}

	if len(cases) == 0 {
		return nil, appErr.Newf(appErr.NoTestCases, "problem %d has no test cases", problem.ID)
	}
	return cases, nil
}

// BuildBatch lays cases out as the parallel arrays the engine expects.
func BuildBatch(runtimeID, sourceCode string, cases []model.TestCase) model.ExecutionBatch {
	batch := model.ExecutionBatch{
		RuntimeID:       runtimeID,
		SourceCode:      sourceCode,
		Inputs:          make([]string, len(cases)),
		ExpectedOutputs: make([]string, len(cases)),
	}
	for i, tc := range cases {
		batch.Inputs[i] = tc.Input
		batch.ExpectedOutputs[i] = tc.ExpectedOutput
	}
	return batch
}

func sortedCases(cases []model.TestCase) []model.TestCase {
	out := make([]model.TestCase, len(cases))
	copy(out, cases)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SequenceIndex < out[j].SequenceIndex
	})
	return out
}

func checkCustomCases(customCases []model.TestCase, limits Limits) error {
	if limits.MaxCustomCases > 0 && len(customCases) > limits.MaxCustomCases {
		return appErr.Newf(appErr.CustomInputTooLarge, "at most %d custom cases are allowed", limits.MaxCustomCases)
	}
	if limits.MaxCustomInputBytes <= 0 {
		return nil
	}
	for i, tc := range customCases {
		if len(tc.Input)+len(tc.ExpectedOutput) > limits.MaxCustomInputBytes {
			return appErr.Newf(appErr.CustomInputTooLarge, "custom case %d exceeds %d bytes", i, limits.MaxCustomInputBytes)
		}
	}
	return nil
}
