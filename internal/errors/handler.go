package errors

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// ErrorHandler maps domain errors to problem responses.
type ErrorHandler struct {
	logger *slog.Logger
}

// NewErrorHandler creates an error handler with the given logger.
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

type classification struct {
	status      int
	problemType string
	title       string
}

var classifications = []struct {
	sentinel error
	classification
}{
	{ErrNotFound, classification{http.StatusNotFound, "/errors/not-found", "Not Found"}},
	{ErrDuplicateSite, classification{http.StatusConflict, "/errors/duplicate-site", "Duplicate Site"}},
	{ErrQuotaExceeded, classification{http.StatusUnprocessableEntity, "/errors/quota-exceeded", "Quota Exceeded"}},
	{ErrInvalidSignature, classification{http.StatusBadRequest, "/errors/invalid-signature", "Invalid Signature"}},
	{ErrInvalidKeyMaterial, classification{http.StatusBadRequest, "/errors/invalid-key-material", "Invalid Key Material"}},
	{ErrAlreadyRevoked, classification{http.StatusConflict, "/errors/already-revoked", "Already Revoked"}},
	{ErrAlreadyGenerated, classification{http.StatusConflict, "/errors/already-generated", "Already Generated"}},
	{ErrAnchorExists, classification{http.StatusConflict, "/errors/anchor-exists", "Anchor Exists"}},
	{ErrTransportFailure, classification{http.StatusBadGateway, "/errors/transport-failure", "Transport Failure"}},
	{ErrMalformedInput, classification{http.StatusBadRequest, "/errors/malformed-input", "Malformed Input"}},
}

// ErrorToProblem converts a domain error into an RFC 7807 problem.
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	for _, c := range classifications {
		if errors.Is(err, c.sentinel) {
			return NewProblemDetails(c.status, c.problemType, c.title, err.Error(), r.URL.Path)
		}
	}
	return NewProblemDetails(
		http.StatusInternalServerError,
		"/errors/internal",
		"Internal Server Error",
		"an unexpected error occurred",
		r.URL.Path,
	)
}

// Respond logs the error and writes the problem response.
func (h *ErrorHandler) Respond(w http.ResponseWriter, r *http.Request, err error) {
	problem := h.ErrorToProblem(err, r)
	if problem.Status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	} else {
		h.logger.WarnContext(r.Context(), "request rejected",
			slog.String("path", r.URL.Path),
			slog.Int("status", problem.Status),
			slog.String("error", err.Error()),
		)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// Malformed wraps err as a MalformedInput domain error, preserving detail.
func Malformed(err error) error {
	return join(ErrMalformedInput, err)
}

func join(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return errors.Join(sentinel, cause)
}
