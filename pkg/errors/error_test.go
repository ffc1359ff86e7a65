package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "leetlabs/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{NoTestCases, "Problem has no test cases"},
		{LanguageNotSupported, "Programming language not supported"},
		{EngineTimeout, "Execution engine timed out, please try again"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{LanguageNotSupported, 400},
		{CustomInputTooLarge, 400},
		{ProblemNotFound, 404},
		{SubmissionNotFound, 404},
		{RecordAlreadyExists, 409},
		{SubmitTooFrequently, 429},
		{NoTestCases, 500},
		{EngineProtocolError, 502},
		{EngineUnavailable, 503},
		{EngineTimeout, 504},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestErrorCode_Retryable(t *testing.T) {
	retryable := []ErrorCode{EngineUnavailable, EngineTimeout, EngineProtocolError, SubmissionCreateFailed}
	for _, code := range retryable {
		if !code.Retryable() {
			t.Errorf("%d should be retryable", code)
		}
	}
	terminal := []ErrorCode{ValidationFailed, LanguageNotSupported, NoTestCases, ProblemNotFound}
	for _, code := range terminal {
		if code.Retryable() {
			t.Errorf("%d should not be retryable", code)
		}
	}
}

func TestNew(t *testing.T) {
	err := New(ProblemNotFound)

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Code != ProblemNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ProblemNotFound)
	}
	if err.Error() != ProblemNotFound.Message() {
		t.Errorf("Error() = %v, want %v", err.Error(), ProblemNotFound.Message())
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ProblemNotFound, "problem %d not found", int64(123))

	want := "problem 123 not found"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrap(originalErr, DatabaseError)

	if wrappedErr.Code != DatabaseError {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, DatabaseError)
	}
	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
	if Wrap(nil, DatabaseError) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil error", err: nil, want: Success},
		{name: "custom error", err: New(EngineTimeout), want: EngineTimeout},
		{name: "wrapped custom error", err: fmt.Errorf("dispatch: %w", New(EngineUnavailable)), want: EngineUnavailable},
		{name: "standard error", err: errors.New("standard error"), want: InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(NoTestCases)

	if !Is(err, NoTestCases) {
		t.Error("Is() should return true for matching code")
	}
	if Is(err, DatabaseError) {
		t.Error("Is() should return false for non-matching code")
	}
	if Is(nil, NoTestCases) {
		t.Error("Is() should return false for nil error")
	}
	if !IsRetryable(fmt.Errorf("outer: %w", New(EngineTimeout))) {
		t.Error("IsRetryable() should see through wrapping")
	}
}

func TestCommonErrorConstructors(t *testing.T) {
	t.Run("BadRequest", func(t *testing.T) {
		if err := BadRequest("invalid input"); err.Code != InvalidParams {
			t.Error("BadRequest should use InvalidParams code")
		}
	})

	t.Run("InternalError", func(t *testing.T) {
		if err := InternalError(errors.New("db error")); err.Code != InternalServerError {
			t.Error("InternalError should use InternalServerError code")
		}
	})

	t.Run("ValidationError", func(t *testing.T) {
		err := ValidationError("custom_cases", "not allowed in submit mode")
		if err.Code != ValidationFailed {
			t.Error("ValidationError should use ValidationFailed code")
		}
		if err.Details["field"] != "custom_cases" {
			t.Error("Field detail not set")
		}
	})
}
