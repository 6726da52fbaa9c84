// Package errors defines the domain error taxonomy of the custody core and
// its mapping to RFC 7807 problem responses.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// Sentinel domain errors. Services return these (usually wrapped); the HTTP
// layer classifies them with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateSite      = errors.New("duplicate site")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrAlreadyRevoked     = errors.New("already revoked")
	ErrAlreadyGenerated   = errors.New("already generated")
	ErrAnchorExists       = errors.New("anchor already exists")
	ErrTransportFailure   = errors.New("transport failure")
	ErrMalformedInput     = errors.New("malformed input")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens the extension fields into the problem object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}
