package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "custodyd/internal/errors"
	"custodyd/internal/manifest"
	"custodyd/internal/store"
)

// ManifestHandler handles manifest exporter endpoints.
type ManifestHandler struct {
	service *manifest.Service
	errs    *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewManifestHandler creates a new manifest handler.
func NewManifestHandler(service *manifest.Service, errs *apperrors.ErrorHandler, logger *slog.Logger) *ManifestHandler {
	return &ManifestHandler{
		service: service,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "manifests")),
	}
}

// Routes returns the manifest endpoint router.
func (h *ManifestHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Generate)
	r.Get("/", h.List)
	r.Get("/{manifestID}", h.Get)
	r.Get("/{manifestID}/download", h.Download)
	r.Post("/{manifestID}/send", h.Send)
	return r
}

// GenerateManifestRequest builds a manifest for an org and period.
type GenerateManifestRequest struct {
	OrgID      string `json:"org_id" validate:"required"`
	Period     string `json:"period" validate:"required"`
	Regenerate bool   `json:"regenerate,omitempty"`
}

// Bind implements render.Binder.
func (req *GenerateManifestRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// SendManifestRequest delivers a manifest to the receiving system.
type SendManifestRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
}

// Bind implements render.Binder.
func (req *SendManifestRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// ManifestResponse is the wire form of manifest metadata. The payload itself
// travels through the download endpoint.
type ManifestResponse struct {
	ManifestID string     `json:"manifest_id"`
	OrgID      string     `json:"org_id"`
	Period     string     `json:"period"`
	Signature  string     `json:"signature"`
	Sent       bool       `json:"sent"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	Endpoint   string     `json:"endpoint,omitempty"`
	Superseded bool       `json:"superseded"`
	CreatedAt  time.Time  `json:"created_at"`
}

func manifestResponse(m *store.Manifest) *ManifestResponse {
	return &ManifestResponse{
		ManifestID: m.ManifestID,
		OrgID:      m.OrgID,
		Period:     m.Period,
		Signature:  m.Signature,
		Sent:       m.Sent,
		SentAt:     m.SentAt,
		Endpoint:   m.Endpoint,
		Superseded: m.Superseded,
		CreatedAt:  m.CreatedAt,
	}
}

// Generate handles POST /api/manifests.
func (h *ManifestHandler) Generate(w http.ResponseWriter, r *http.Request) {
	req := new(GenerateManifestRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	m, err := h.service.Generate(r.Context(), req.OrgID, req.Period, req.Regenerate)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, manifestResponse(m))
}

// List handles GET /api/manifests with an optional period filter.
func (h *ManifestHandler) List(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.service.List(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	items := make([]*ManifestResponse, 0, len(manifests))
	for _, m := range manifests {
		items = append(items, manifestResponse(m))
	}
	render.JSON(w, r, listEnvelope{Items: items, Total: len(items), Limit: len(items)})
}

// Get handles GET /api/manifests/{manifestID}.
func (h *ManifestHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Get(r.Context(), chi.URLParam(r, "manifestID"))
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, manifestResponse(m))
}

// Download handles GET /api/manifests/{manifestID}/download, returning the
// raw signed payload bytes.
func (h *ManifestHandler) Download(w http.ResponseWriter, r *http.Request) {
	manifestID := chi.URLParam(r, "manifestID")
	raw, err := h.service.Download(r.Context(), manifestID)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="manifest-`+manifestID+`.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// Send handles POST /api/manifests/{manifestID}/send.
func (h *ManifestHandler) Send(w http.ResponseWriter, r *http.Request) {
	req := new(SendManifestRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	m, err := h.service.Send(r.Context(), chi.URLParam(r, "manifestID"), req.Endpoint)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, manifestResponse(m))
}
