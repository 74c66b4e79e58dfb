package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a standardized pipeline error code
type ErrorCode string

// Error codes for pipeline operations
const (
	// Argument errors
	ErrorCodeMalformedArgument ErrorCode = "MALFORMED_ARGUMENT"
	ErrorCodeInvalidArguments  ErrorCode = "INVALID_ARGUMENTS"
	ErrorCodeUnknownOperation  ErrorCode = "UNKNOWN_OPERATION"

	// Build & execution errors
	ErrorCodeBuildFailed   ErrorCode = "BUILD_FAILED"
	ErrorCodeCommandFailed ErrorCode = "COMMAND_FAILED"
	ErrorCodeLintFailed    ErrorCode = "LINT_FAILED"

	// Service errors
	ErrorCodeServiceStartFailed ErrorCode = "SERVICE_START_FAILED"
	ErrorCodeConnectivityFailed ErrorCode = "CONNECTIVITY_FAILED"

	// Registry errors
	ErrorCodePublishFailed ErrorCode = "PUBLISH_FAILED"

	// Platform errors
	ErrorCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrorCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

var errorMessages = map[ErrorCode]string{
	ErrorCodeMalformedArgument: "Malformed argument.",
	ErrorCodeInvalidArguments:  "Operation arguments failed validation.",
	ErrorCodeUnknownOperation:  "No such pipeline operation.",

	ErrorCodeBuildFailed:   "Image build failed.",
	ErrorCodeCommandFailed: "Command exited with a non-zero status.",
	ErrorCodeLintFailed:    "Linter reported errors.",

	ErrorCodeServiceStartFailed: "Service container could not be started.",
	ErrorCodeConnectivityFailed: "Could not reach the bound service.",

	ErrorCodePublishFailed: "Publishing the image failed.",

	ErrorCodeBackendUnavailable: "Build backend is unavailable.",
	ErrorCodeInternal:           "Something went wrong inside the pipeline.",
}

// PipelineError represents a structured error with code and message
type PipelineError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"` // Captured output or extra context
	Err     error     `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a PipelineError carrying the same code.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new PipelineError with the given code
func New(code ErrorCode, details ...string) *PipelineError {
	err := &PipelineError{
		Code:    code,
		Message: GetMessage(code),
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// Wrap wraps an existing error with a PipelineError code
func Wrap(code ErrorCode, err error, details ...string) *PipelineError {
	pipelineErr := New(code, details...)
	if err == nil {
		return pipelineErr
	}
	pipelineErr.Err = err
	if pipelineErr.Details == "" {
		pipelineErr.Details = err.Error()
	} else {
		pipelineErr.Details = fmt.Sprintf("%s: %s", pipelineErr.Details, err.Error())
	}
	return pipelineErr
}

// GetMessage returns the user-facing message for an error code
func GetMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "An unknown error occurred."
}

// AsPipelineError finds the first PipelineError in err's chain
func AsPipelineError(err error) (*PipelineError, bool) {
	if err == nil {
		return nil, false
	}
	var pipelineErr *PipelineError
	if stderrors.As(err, &pipelineErr) {
		return pipelineErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first PipelineError in err's chain, or
// ErrorCodeInternal for any other non-nil error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if pipelineErr, ok := AsPipelineError(err); ok {
		return pipelineErr.Code
	}
	return ErrorCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &PipelineError{Code: code})
}
