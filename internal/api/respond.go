package api

import (
	"encoding/json"
	"net/http"

	pipelineerrors "stackyn/pipeline/internal/errors"
)

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// statusForCode maps pipeline error codes to HTTP statuses
func statusForCode(code pipelineerrors.ErrorCode) int {
	switch code {
	case pipelineerrors.ErrorCodeUnknownOperation:
		return http.StatusNotFound
	case pipelineerrors.ErrorCodeMalformedArgument, pipelineerrors.ErrorCodeInvalidArguments:
		return http.StatusBadRequest
	case pipelineerrors.ErrorCodeBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondWithPipelineError writes err using its pipeline error code. Errors
// without a code get the bare internal error message; callers log the cause.
func respondWithPipelineError(w http.ResponseWriter, err error) {
	perr, ok := pipelineerrors.AsPipelineError(err)
	if !ok {
		perr = pipelineerrors.New(pipelineerrors.ErrorCodeInternal)
	}
	respondWithError(w, statusForCode(perr.Code), string(perr.Code), perr.Message, perr.Details)
}

// respondWithError is a helper to send error responses
func respondWithError(w http.ResponseWriter, status int, code, message, details string) {
	respondWithJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message, Details: details}})
}

func respondWithJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
