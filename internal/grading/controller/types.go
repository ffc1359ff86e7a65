package controller

import "leetlabs/internal/grading/model"

// CustomCase is a caller-supplied RUN case.
type CustomCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
}

// RunRequest defines the run payload.
type RunRequest struct {
	ProblemID   int64        `json:"problemId" binding:"required"`
	Language    string       `json:"language" binding:"required"`
	SourceCode  string       `json:"sourceCode" binding:"required"`
	CustomCases []CustomCase `json:"customCases"`
}

// SubmitRequest defines the submit payload.
type SubmitRequest struct {
	ProblemID   int64        `json:"problemId" binding:"required"`
	Language    string       `json:"language" binding:"required"`
	SourceCode  string       `json:"sourceCode" binding:"required"`
	CustomCases []CustomCase `json:"customCases"`
}

type SubmitResponse struct {
	Submission *model.Submission `json:"submission"`
}

type SourceResponse struct {
	SubmissionID string `json:"submissionId"`
	SourceCode   string `json:"sourceCode"`
}

type SolvedResponse struct {
	Solved bool `json:"solved"`
}

type LanguagesResponse struct {
	Languages []string `json:"languages"`
}
