// Package model holds the types shared by the grading pipeline stages.
package model

import "time"

// Difficulty is the authored difficulty of a problem.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
)

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Mode selects which test cases a request is graded against.
type Mode string

const (
	ModeRun    Mode = "RUN"
	ModeSubmit Mode = "SUBMIT"
)

// Problem is read-only to the grading pipeline.
type Problem struct {
	ID                 int64             `json:"problemId"`
	Title              string            `json:"title"`
	Difficulty         Difficulty        `json:"difficulty"`
	StarterCode        map[string]string `json:"starterCode,omitempty"`
	ReferenceSolutions map[string]string `json:"referenceSolutions,omitempty"`
	TestCases          []TestCase        `json:"testCases"`
}

// SupportsLanguage reports whether the problem accepts language.
// Problems without starter code accept every registered language.
func (p *Problem) SupportsLanguage(language string) bool {
	if len(p.StarterCode) == 0 {
		return true
	}
	_, ok := p.StarterCode[language]
	return ok
}

// TestCase is one input/expected-output pair of a problem.
type TestCase struct {
	SequenceIndex  int    `json:"sequenceIndex"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	IsHidden       bool   `json:"isHidden"`
}

// SubmissionRequest is an ephemeral RUN or SUBMIT request.
type SubmissionRequest struct {
	ProblemID   int64
	UserID      int64
	Language    string
	SourceCode  string
	Mode        Mode
	CustomCases []TestCase
}

// ExecutionBatch is what the execution engine receives.
// Inputs[i] and ExpectedOutputs[i] belong to the i-th assembled case.
type ExecutionBatch struct {
	RuntimeID       string
	SourceCode      string
	Inputs          []string
	ExpectedOutputs []string
}

// Len returns the number of cases in the batch.
func (b ExecutionBatch) Len() int {
	return len(b.Inputs)
}

// RawResult is the engine's report for one case.
type RawResult struct {
	ActualOutput string `json:"actualOutput"`
	ExitStatus   int    `json:"exitStatus"`
	TimeMs       int64  `json:"timeMs"`
	MemoryKb     int64  `json:"memoryKb"`
	TimedOut     bool   `json:"timedOut"`
	CompileError string `json:"compileError,omitempty"`
}

// CaseStatus classifies a single test case.
type CaseStatus string

const (
	CaseStatusPassed            CaseStatus = "PASSED"
	CaseStatusFailed            CaseStatus = "FAILED"
	CaseStatusRuntimeError      CaseStatus = "RUNTIME_ERROR"
	CaseStatusTimeLimitExceeded CaseStatus = "TIME_LIMIT_EXCEEDED"
	CaseStatusCompileError      CaseStatus = "COMPILE_ERROR"
)

// TestCaseResult is the graded outcome of one case.
// Hidden results keep every field internally; ClientView strips them before they leave the service.
type TestCaseResult struct {
	SequenceIndex  int        `json:"sequenceIndex"`
	Status         CaseStatus `json:"status"`
	Input          string     `json:"input,omitempty"`
	ExpectedOutput string     `json:"expectedOutput,omitempty"`
	ActualOutput   string     `json:"actualOutput,omitempty"`
	RuntimeMs      int64      `json:"runtimeMs,omitempty"`
	MemoryKb       int64      `json:"memoryKb,omitempty"`
	Hidden         bool       `json:"hidden"`
}

// Verdict is the overall outcome of a graded request.
type Verdict string

const (
	VerdictAccepted     Verdict = "ACCEPTED"
	VerdictWrongAnswer  Verdict = "WRONG_ANSWER"
	VerdictRuntimeError Verdict = "RUNTIME_ERROR"
	VerdictTLE          Verdict = "TLE"
	VerdictCompileError Verdict = "COMPILE_ERROR"
)

// Submission is the persisted, append-only record of a SUBMIT.
type Submission struct {
	ID             string           `json:"submissionId"`
	UserID         int64            `json:"userId"`
	ProblemID      int64            `json:"problemId"`
	Language       string           `json:"language"`
	SourceCode     string           `json:"sourceCode,omitempty"`
	SourceKey      string           `json:"-"`
	SourceHash     string           `json:"sourceHash,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	OverallVerdict Verdict          `json:"overallVerdict"`
	Results        []TestCaseResult `json:"results"`
	TotalRuntimeMs int64            `json:"totalRuntimeMs"`
}

// SubmissionSummary is the per-submission row the performance aggregator folds.
type SubmissionSummary struct {
	SubmissionID   string
	ProblemID      int64
	Difficulty     Difficulty
	Verdict        Verdict
	TotalRuntimeMs int64
	CreatedAt      time.Time
}

// DifficultyBreakdown counts distinct solved problems per difficulty.
type DifficultyBreakdown struct {
	Easy   int `json:"easy"`
	Medium int `json:"medium"`
	Hard   int `json:"hard"`
}

// PerformanceSnapshot is derived from a user's submission history.
type PerformanceSnapshot struct {
	UserID              int64               `json:"userId"`
	CurrentStreakDays   int                 `json:"currentStreakDays"`
	LongestStreakDays   int                 `json:"longestStreakDays"`
	SuccessRate         float64             `json:"successRate"`
	AverageRuntimeMs    float64             `json:"averageRuntimeMs"`
	Percentile          float64             `json:"percentile"`
	SolvedCount         int                 `json:"solvedCount"`
	TotalSubmissions    int                 `json:"totalSubmissions"`
	AcceptedSubmissions int                 `json:"acceptedSubmissions"`
	DifficultyBreakdown DifficultyBreakdown `json:"difficultyBreakdown"`
	LastSubmissionID    string              `json:"lastSubmissionId,omitempty"`
	AsOfDay             string              `json:"asOfDay"`
}
