package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cloudlab-io/manager/internal/store"
)

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// chiParam returns a raw (non-UUID) path parameter by name, e.g. a service
// name in /services/{name}/deploy.
func chiParam(r *http.Request, param string) string {
	return chi.URLParam(r, param)
}

// parseUUIDString parses a raw UUID string, returning an error if invalid.
// Used for query parameter parsing where parseUUID (path param) is not
// applicable.
func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) store.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return store.ListOptions{Limit: limit, Offset: offset}
}

// callerUserID extracts and parses the authenticated user's ID from the
// request context. Writes a 401 and returns false if no claims are present
// or the subject is malformed — should never happen downstream of
// Authenticate, but handlers must not trust that blindly.
func callerUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return uuid.UUID{}, "", false
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return uuid.UUID{}, "", false
	}
	return id, claims.Username, true
}
