package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"matebot/internal/core"
	applog "matebot/internal/log"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type resolveRequest struct {
	Application string `json:"application"`
	ExternalID  string `json:"external_id"`
	Name        string `json:"name"`
}

func (s *Server) handleResolveUser(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Application) == "" || strings.TrimSpace(req.ExternalID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: application and external_id are required", errBadRequest))
		return
	}
	u, err := s.deps.Users.Resolve(r.Context(), req.Application, req.ExternalID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUser(u))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.deps.Users.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUser(u))
}

func (s *Server) handleUserTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid limit", errBadRequest))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	txs, err := s.deps.Ledger.History(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactions(txs))
}

type flagsRequest struct {
	Active     *bool  `json:"active"`
	Permission *bool  `json:"permission"`
	VoucherID  *int64 `json:"voucher_id"`
	// ClearVoucher removes the voucher; a null voucher_id is indistinguishable
	// from an absent one.
	ClearVoucher bool `json:"clear_voucher"`
}

// handleSetFlags changes user flags. Only users holding the permission flag
// may change flags of others.
func (s *Server) handleSetFlags(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req flagsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r.Context())
	if !actor.Permission || !actor.Active {
		s.writeError(w, r, fmt.Errorf("set flags of user %d: %w", id, core.ErrForbidden))
		return
	}

	ctx := r.Context()
	u, err := s.deps.Users.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Active != nil {
		if u, err = s.deps.Users.SetActive(ctx, id, *req.Active); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Permission != nil {
		if u, err = s.deps.Users.SetPermission(ctx, id, *req.Permission); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	switch {
	case req.ClearVoucher:
		u, err = s.deps.Users.SetVoucher(ctx, id, nil)
	case req.VoucherID != nil:
		u, err = s.deps.Users.SetVoucher(ctx, id, req.VoucherID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	applog.FromContext(ctx).InfoContext(ctx, "User flags changed", applog.FieldUserID, id)
	writeJSON(w, http.StatusOK, toUser(u))
}

type aliasRequest struct {
	Application string `json:"application"`
	ExternalID  string `json:"external_id"`
}

type aliasResponse struct {
	ID            int64  `json:"id"`
	UserID        int64  `json:"user_id"`
	ApplicationID int64  `json:"application_id"`
	ExternalID    string `json:"external_id"`
}

// handleCreateAlias links the user to another application. Users may only
// link themselves unless they hold the permission flag.
func (s *Server) handleCreateAlias(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req aliasRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Application) == "" || strings.TrimSpace(req.ExternalID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: application and external_id are required", errBadRequest))
		return
	}
	if actor := actorFrom(r.Context()); actor.ID != id && !actor.Permission {
		s.writeError(w, r, fmt.Errorf("alias for user %d: %w", id, core.ErrForbidden))
		return
	}
	a, err := s.deps.Users.CreateAlias(r.Context(), req.Application, req.ExternalID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, aliasResponse{
		ID:            a.ID,
		UserID:        a.UserID,
		ApplicationID: a.ApplicationID,
		ExternalID:    a.AppUserID,
	})
}

type callbackRequest struct {
	URL string `json:"url"`
}

type callbackResponse struct {
	ID            int64  `json:"id"`
	ApplicationID int64  `json:"application_id"`
	URL           string `json:"url"`
}

// handleAddCallback registers an announcement URL for an application.
// Requires the permission flag.
func (s *Server) handleAddCallback(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if actor := actorFrom(r.Context()); !actor.Permission {
		s.writeError(w, r, fmt.Errorf("callbacks of %s: %w", name, core.ErrForbidden))
		return
	}
	var req callbackRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	url := strings.TrimSpace(req.URL)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		s.writeError(w, r, fmt.Errorf("%w: url must be http or https", errBadRequest))
		return
	}
	app, err := s.deps.Applications.EnsureApplication(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cb, err := s.deps.Applications.AddCallback(r.Context(), core.Callback{ApplicationID: app.ID, URL: url})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, callbackResponse{ID: cb.ID, ApplicationID: cb.ApplicationID, URL: cb.URL})
}
