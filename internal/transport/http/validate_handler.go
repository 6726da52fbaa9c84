package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apperrors "custodyd/internal/errors"
	"custodyd/internal/sitelicense"
)

// ValidateHandler serves the public license validation endpoint. It requires
// no authentication: possession of a license payload is the only credential,
// and "invalid" is an ordinary result rather than an error.
type ValidateHandler struct {
	service *sitelicense.Service
	errs    *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewValidateHandler creates the public validation handler.
func NewValidateHandler(service *sitelicense.Service, errs *apperrors.ErrorHandler, logger *slog.Logger) *ValidateHandler {
	return &ValidateHandler{
		service: service,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "validate")),
	}
}

// ValidateLicenseRequest carries a presented license and optional deployment
// fingerprint.
type ValidateLicenseRequest struct {
	Payload     json.RawMessage          `json:"payload" validate:"required"`
	Signature   string                   `json:"signature" validate:"required"`
	Fingerprint *sitelicense.Fingerprint `json:"fingerprint,omitempty"`
}

// Bind implements render.Binder.
func (req *ValidateLicenseRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// Validate handles POST /api/license/validate.
func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	req := new(ValidateLicenseRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	result, err := h.service.Validate(r.Context(), req.Payload, req.Signature, req.Fingerprint)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, result)
}
