package http

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"custodyd/internal/custody"
	apperrors "custodyd/internal/errors"
	"custodyd/internal/store"
)

// KeyHandler handles key custody endpoints.
type KeyHandler struct {
	service *custody.Service
	errs    *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewKeyHandler creates a new key handler.
func NewKeyHandler(service *custody.Service, errs *apperrors.ErrorHandler, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{
		service: service,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "keys")),
	}
}

// Routes returns the key endpoint router.
func (h *KeyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Get("/", h.List)
	r.Get("/{keyID}", h.Get)
	r.Post("/{keyID}/validate", h.Validate)
	r.Post("/{keyID}/refresh", h.Refresh)
	r.Post("/{keyID}/revoke", h.Revoke)
	r.Get("/{keyID}/download", h.Download)
	return r
}

// RegisterKeyRequest is the registration payload. Material, when supplied,
// is base64: the 32-byte key for symmetric, the 64-byte Ed25519 private key
// for asymmetric.
type RegisterKeyRequest struct {
	Type             string `json:"type" validate:"required,oneof=symmetric asymmetric"`
	Material         string `json:"material,omitempty"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty" validate:"gte=0"`

	material []byte
}

// Bind implements render.Binder.
func (req *RegisterKeyRequest) Bind(r *http.Request) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if req.Material != "" {
		material, err := base64.StdEncoding.DecodeString(req.Material)
		if err != nil {
			return fmt.Errorf("material must be base64: %w", err)
		}
		req.material = material
	}
	return nil
}

// ValidateKeyRequest carries the material or signature to check. All fields
// are base64; message and signature apply to asymmetric keys only.
type ValidateKeyRequest struct {
	Material  string `json:"material,omitempty"`
	Message   string `json:"message,omitempty"`
	Signature string `json:"signature,omitempty"`

	material, message, signature []byte
}

// Bind implements render.Binder.
func (req *ValidateKeyRequest) Bind(r *http.Request) error {
	var err error
	if req.material, err = decodeOptionalBase64(req.Material, "material"); err != nil {
		return err
	}
	if req.message, err = decodeOptionalBase64(req.Message, "message"); err != nil {
		return err
	}
	if req.signature, err = decodeOptionalBase64(req.Signature, "signature"); err != nil {
		return err
	}
	return nil
}

// RefreshKeyRequest extends a key's expiry.
type RefreshKeyRequest struct {
	AdditionalSeconds int64 `json:"additional_seconds" validate:"required,gt=0"`
}

// Bind implements render.Binder.
func (req *RefreshKeyRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// KeyResponse is the wire form of key metadata. Sealed material never
// appears here.
type KeyResponse struct {
	KeyID     string    `json:"key_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Version   int       `json:"version"`
	PublicKey string    `json:"public_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func keyResponse(key *store.Key) *KeyResponse {
	resp := &KeyResponse{
		KeyID:     key.KeyID,
		Type:      string(key.KeyType),
		Status:    string(key.Status),
		Version:   key.Version,
		CreatedAt: key.CreatedAt,
		ExpiresAt: key.ExpiresAt,
	}
	if len(key.PublicKey) > 0 {
		resp.PublicKey = base64.StdEncoding.EncodeToString(key.PublicKey)
	}
	return resp
}

// Register handles POST /api/keys.
func (h *KeyHandler) Register(w http.ResponseWriter, r *http.Request) {
	req := new(RegisterKeyRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	key, err := h.service.Register(r.Context(), store.KeyType(req.Type), req.material,
		time.Duration(req.ExpiresInSeconds)*time.Second)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, keyResponse(key))
}

// List handles GET /api/keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.List(r.Context())
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	items := make([]*KeyResponse, 0, len(keys))
	for _, key := range keys {
		items = append(items, keyResponse(key))
	}
	render.JSON(w, r, listEnvelope{Items: items, Total: len(items), Limit: len(items)})
}

// Get handles GET /api/keys/{keyID}.
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, err := h.service.Get(r.Context(), chi.URLParam(r, "keyID"))
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, keyResponse(key))
}

// Validate handles POST /api/keys/{keyID}/validate.
func (h *KeyHandler) Validate(w http.ResponseWriter, r *http.Request) {
	req := new(ValidateKeyRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	result, err := h.service.Validate(r.Context(), chi.URLParam(r, "keyID"),
		req.material, req.message, req.signature)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// Refresh handles POST /api/keys/{keyID}/refresh.
func (h *KeyHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	req := new(RefreshKeyRequest)
	if err := render.Bind(r, req); err != nil {
		h.errs.Respond(w, r, apperrors.Malformed(err))
		return
	}

	keyID := chi.URLParam(r, "keyID")
	newExpiry, err := h.service.Refresh(r.Context(), keyID,
		time.Duration(req.AdditionalSeconds)*time.Second)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"key_id":     keyID,
		"expires_at": newExpiry,
	})
}

// Revoke handles POST /api/keys/{keyID}/revoke.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if err := h.service.Revoke(r.Context(), keyID); err != nil {
		h.errs.Respond(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{
		"key_id": keyID,
		"status": string(store.StatusRevoked),
	})
}

// DownloadKeyResponse carries decrypted material out of the store. The
// warning is part of the contract, not decoration.
type DownloadKeyResponse struct {
	KeyID    string `json:"key_id"`
	Material string `json:"material"`
	Warning  string `json:"warning"`
}

// Download handles GET /api/keys/{keyID}/download.
func (h *KeyHandler) Download(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	material, warning, err := h.service.Download(r.Context(), keyID)
	if err != nil {
		h.errs.Respond(w, r, err)
		return
	}

	render.JSON(w, r, &DownloadKeyResponse{
		KeyID:    keyID,
		Material: base64.StdEncoding.EncodeToString(material),
		Warning:  warning,
	})
}

func decodeOptionalBase64(value, field string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64: %w", field, err)
	}
	return decoded, nil
}
