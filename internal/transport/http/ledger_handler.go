package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "custodyd/internal/errors"
	"custodyd/internal/ledger"
	"custodyd/internal/store"
)

// LedgerHandler handles usage ledger endpoints.
type LedgerHandler struct {
	service *ledger.Service
	errs    *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(service *ledger.Service, errs *apperrors.ErrorHandler, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{
		service: service,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "ledger")),
	}
}

// Routes returns the ledger endpoint router.
func (h *LedgerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Record)
	r.Get("/", h.Query)
	return r
}

// RecordEntryRequest appends a usage event.
type RecordEntryRequest struct {
	OrgID   string          `json:"org_id" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bind implements render.Binder.
func (req *RecordEntryRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// LedgerEntryResponse is the wire form of a ledger entry.
type LedgerEntryResponse struct {
	EntryID    string          `json:"entry_id"`
	OrgID      string          `json:"org_id"`
	EntryType  string          `json:"entry_type"`
	SiteID     string          `json:"site_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func entryResponse(entry *store.LedgerEntry) *LedgerEntryResponse {
	return &LedgerEntryResponse{
		EntryID:    entry.EntryID,
		OrgID:      entry.OrgID,
		EntryType:  entry.EntryType,
		SiteID:     entry.SiteID,
		Payload:    entry.Payload,
		RecordedAt: entry.CreatedAt,
	}
}

// Record handles POST /api/ledger.
func (h *LedgerHandler) Record(w http.ResponseWriter, r *http.Request) {
	req := new(RecordEntryRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	entry, err := h.service.Record(r.Context(), req.OrgID, req.Payload)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, entryResponse(entry))
}

// Query handles GET /api/ledger with org_id, limit, offset filters.
func (h *LedgerHandler) Query(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	orgID := r.URL.Query().Get("org_id")

	entries, total, err := h.service.Query(r.Context(), orgID, limit, offset)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	items := make([]*LedgerEntryResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entryResponse(entry))
	}
	render.JSON(w, r, listEnvelope{Items: items, Total: total, Limit: limit, Offset: offset})
}
