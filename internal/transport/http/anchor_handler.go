package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "custodyd/internal/errors"
	"custodyd/internal/store"
	"custodyd/internal/trust"
)

// AnchorHandler handles master trust anchor endpoints.
type AnchorHandler struct {
	service *trust.Service
	errs    *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewAnchorHandler creates a new anchor handler.
func NewAnchorHandler(service *trust.Service, errs *apperrors.ErrorHandler, logger *slog.Logger) *AnchorHandler {
	return &AnchorHandler{
		service: service,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "anchors")),
	}
}

// Routes returns the anchor endpoint router.
func (h *AnchorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{orgID}", h.Upload)
	r.Post("/{orgID}/refresh", h.Refresh)
	r.Get("/{orgID}", h.Get)
	r.Get("/{orgID}/history", h.History)
	return r
}

// AnchorRequest carries a signed anchor payload. The signature covers the
// exact payload bytes as submitted.
type AnchorRequest struct {
	Payload   json.RawMessage `json:"payload" validate:"required"`
	Signature string          `json:"signature" validate:"required"`
	PublicKey string          `json:"public_key" validate:"required"`
}

// Bind implements render.Binder.
func (req *AnchorRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// AnchorResponse is the wire form of anchor metadata.
type AnchorResponse struct {
	AnchorID     string    `json:"anchor_id"`
	OrgID        string    `json:"org_id"`
	MaxSites     int       `json:"max_sites"`
	ValidUntil   time.Time `json:"valid_until"`
	FeaturePacks []string  `json:"feature_packs,omitempty"`
	Superseded   bool      `json:"superseded"`
	CreatedAt    time.Time `json:"created_at"`
}

func anchorResponse(anchor *store.TrustAnchor) *AnchorResponse {
	return &AnchorResponse{
		AnchorID:     anchor.AnchorID,
		OrgID:        anchor.OrgID,
		MaxSites:     anchor.MaxSites,
		ValidUntil:   anchor.ValidUntil,
		FeaturePacks: trust.FeaturePacks(anchor),
		Superseded:   anchor.Superseded,
		CreatedAt:    anchor.CreatedAt,
	}
}

// Upload handles POST /api/anchors/{orgID}.
func (h *AnchorHandler) Upload(w http.ResponseWriter, r *http.Request) {
	req := new(AnchorRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	anchor, err := h.service.Upload(r.Context(), chi.URLParam(r, "orgID"),
		req.Payload, req.Signature, req.PublicKey)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, anchorResponse(anchor))
}

// Refresh handles POST /api/anchors/{orgID}/refresh.
func (h *AnchorHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	req := new(AnchorRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	anchor, err := h.service.Refresh(r.Context(), chi.URLParam(r, "orgID"),
		req.Payload, req.Signature, req.PublicKey)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, anchorResponse(anchor))
}

// Get handles GET /api/anchors/{orgID}.
func (h *AnchorHandler) Get(w http.ResponseWriter, r *http.Request) {
	anchor, err := h.service.Get(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, anchorResponse(anchor))
}

// History handles GET /api/anchors/{orgID}/history.
func (h *AnchorHandler) History(w http.ResponseWriter, r *http.Request) {
	anchors, err := h.service.History(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	items := make([]*AnchorResponse, 0, len(anchors))
	for _, anchor := range anchors {
		items = append(items, anchorResponse(anchor))
	}
	render.JSON(w, r, listEnvelope{Items: items, Total: len(items), Limit: len(items)})
}
