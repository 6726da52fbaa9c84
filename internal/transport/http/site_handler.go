package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "custodyd/internal/errors"
	"custodyd/internal/sitelicense"
	"custodyd/internal/store"
)

// SiteHandler handles site license endpoints.
type SiteHandler struct {
	service *sitelicense.Service
	errs    *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewSiteHandler creates a new site license handler.
func NewSiteHandler(service *sitelicense.Service, errs *apperrors.ErrorHandler, logger *slog.Logger) *SiteHandler {
	return &SiteHandler{
		service: service,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "sites")),
	}
}

// Routes returns the site license endpoint router.
func (h *SiteHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{siteID}", h.Get)
	r.Post("/{siteID}/revoke", h.Revoke)
	r.Post("/{siteID}/heartbeat", h.Heartbeat)
	return r
}

// CreateSiteRequest mints a site license under an org's trust anchor.
type CreateSiteRequest struct {
	OrgID       string                   `json:"org_id" validate:"required"`
	SiteID      string                   `json:"site_id" validate:"required"`
	Fingerprint *sitelicense.Fingerprint `json:"fingerprint,omitempty"`
}

// Bind implements render.Binder.
func (req *CreateSiteRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// HeartbeatRequest updates a site's last-seen timestamp. A missing timestamp
// means "now".
type HeartbeatRequest struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Bind implements render.Binder.
func (req *HeartbeatRequest) Bind(r *http.Request) error {
	return nil
}

// SiteLicenseResponse is the wire form of a site license, including the
// signed payload and detached signature the deployment presents back for
// validation.
type SiteLicenseResponse struct {
	LicenseID   string          `json:"license_id"`
	OrgID       string          `json:"org_id"`
	SiteID      string          `json:"site_id"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Signature   string          `json:"signature"`
	IssuedAt    time.Time       `json:"issued_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	LastSeen    *time.Time      `json:"last_seen,omitempty"`
	Fingerprint json.RawMessage `json:"fingerprint,omitempty"`
}

func siteResponse(license *store.SiteLicense) *SiteLicenseResponse {
	return &SiteLicenseResponse{
		LicenseID:   license.LicenseID,
		OrgID:       license.OrgID,
		SiteID:      license.SiteID,
		Status:      string(license.Status),
		Payload:     license.Payload,
		Signature:   license.Signature,
		IssuedAt:    license.IssuedAt,
		ExpiresAt:   license.ExpiresAt,
		LastSeen:    license.LastSeen,
		Fingerprint: license.Fingerprint,
	}
}

// Create handles POST /api/sites.
func (h *SiteHandler) Create(w http.ResponseWriter, r *http.Request) {
	req := new(CreateSiteRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	license, err := h.service.Create(r.Context(), req.OrgID, req.SiteID, req.Fingerprint)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, siteResponse(license))
}

// List handles GET /api/sites with org_id, status, limit, offset filters.
func (h *SiteHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	orgID := r.URL.Query().Get("org_id")
	status := store.EntityStatus(r.URL.Query().Get("status"))

	switch status {
	case "", store.StatusActive, store.StatusRevoked:
	default:
		h.errs.Respond(w, r, apperrors.Malformed(nil))
		return
	}

	sites, total, err := h.service.List(r.Context(), orgID, status, limit, offset)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	items := make([]*SiteLicenseResponse, 0, len(sites))
	for _, site := range sites {
		items = append(items, siteResponse(site))
	}
	render.JSON(w, r, listEnvelope{Items: items, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /api/sites/{siteID}.
func (h *SiteHandler) Get(w http.ResponseWriter, r *http.Request) {
	license, err := h.service.Get(r.Context(), chi.URLParam(r, "siteID"))
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, siteResponse(license))
}

// Revoke handles POST /api/sites/{siteID}/revoke.
func (h *SiteHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")
	if err := h.service.Revoke(r.Context(), siteID); err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{
		"site_id": siteID,
		"status":  string(store.StatusRevoked),
	})
}

// Heartbeat handles POST /api/sites/{siteID}/heartbeat.
func (h *SiteHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	req := new(HeartbeatRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	siteID := chi.URLParam(r, "siteID")
	if err := h.service.Heartbeat(r.Context(), siteID, req.Timestamp); err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"site_id": siteID, "status": "recorded"})
}
