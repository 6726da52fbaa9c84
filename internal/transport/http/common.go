// Package http implements the HTTP boundary of the custody core: request
// binding and validation, handler routing, and the mapping of domain results
// onto the wire contract.
package http

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// validate is the shared request validator. Handlers run it inside Bind so
// malformed requests never reach a service.
var validate = validator.New()

// pagination reads limit/offset query parameters with sane bounds.
func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// listEnvelope is the shared shape of paginated list responses.
type listEnvelope struct {
	Items  interface{} `json:"items"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}
