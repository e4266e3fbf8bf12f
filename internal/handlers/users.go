package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/internal/services"
	"github.com/scopedauth/apiserver/internal/store"
	"github.com/scopedauth/apiserver/types"
)

const (
	defaultListLimit  = 10
	defaultListOffset = 0
)

// UserHandler serves the profile and administration endpoints.
type UserHandler struct {
	accounts     *services.AccountService
	maxListLimit int
	log          *zap.Logger
}

// NewUserHandler constructs a UserHandler. A positive maxListLimit caps the
// page size of the admin listing.
func NewUserHandler(accounts *services.AccountService, maxListLimit int, log *zap.Logger) *UserHandler {
	return &UserHandler{accounts: accounts, maxListLimit: maxListLimit, log: log}
}

// UserRouter registers the profile and admin routes. Every route requires an
// active principal; admin routes additionally need the admin scope.
func UserRouter(r chi.Router, handler *UserHandler, guard *Guard) {
	r.Group(func(r chi.Router) {
		r.Use(guard.RequireScopes(types.DefaultScope), guard.RequireActive)
		r.Get("/users/me", handler.Me)
		r.Patch("/users/me", handler.UpdateMe)
		r.Put("/users/me/update", handler.UpdateMe)
	})

	r.Group(func(r chi.Router) {
		r.Use(guard.RequireScopes(types.AdminScope), guard.RequireActive)
		r.Get("/users", handler.ListUsers)
		r.Patch("/users/{userID}", handler.UpdateUser)
		r.Get("/status", handler.Status)
	})
}

// Me returns the current principal's profile.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	writeJSON(w, http.StatusOK, principal.User)
}

// UpdateMe applies a partial profile update to the current principal.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	var patch types.ProfilePatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.accounts.UpdateSelf(r.Context(), principal.User.ID, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found.")
			return
		}
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListUsers returns a page of accounts.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseNonNegative(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	offset, err := parseNonNegative(r, "offset", defaultListOffset)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if h.maxListLimit > 0 && limit > h.maxListLimit {
		limit = h.maxListLimit
	}
	if limit == 0 {
		writeJSON(w, http.StatusOK, []types.User{})
		return
	}

	users, err := h.accounts.List(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// UpdateUser applies an administrative patch to any account.
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var patch types.AdminPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.accounts.UpdateAsAdmin(r.Context(), id, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("User with ID %d not found.", id))
			return
		}
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Status reports service health to administrators.
func (h *UserHandler) Status(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	total, err := h.accounts.Count(r.Context())
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  "ok",
		User:    principal.User.Username,
		IsAdmin: true,
		Users:   total,
	})
}

type StatusResponse struct {
	Status  string `json:"status"`
	User    string `json:"user"`
	IsAdmin bool   `json:"is_admin"`
	Users   int    `json:"users"`
}

// writeServiceError maps service and store errors onto HTTP responses.
// Unknown errors are logged and hidden from the client.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, err error) {
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, fmt.Sprintf("A user with this %s already exists.", conflict.Field))
	case errors.Is(err, services.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
