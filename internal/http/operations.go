package http

import (
	"fmt"
	"net/http"
	"strings"

	"matebot/internal/core"
	"matebot/internal/services"
)

type createCommunismRequest struct {
	Amount     int64  `json:"amount"`
	AmountText string `json:"amount_text"`
	Reason     string `json:"reason"`
}

// cents returns the amount in cents; amount_text accepts "12.34" or "12,34".
func (req createCommunismRequest) cents() (int64, error) {
	if req.Amount != 0 && req.AmountText != "" {
		return 0, fmt.Errorf("%w: amount and amount_text are exclusive", errBadRequest)
	}
	if req.AmountText != "" {
		return core.ParseDecimalToCents(req.AmountText)
	}
	return req.Amount, nil
}

func (s *Server) handleCreateCommunism(w http.ResponseWriter, r *http.Request) {
	var req createCommunismRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := req.cents()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.deps.Collective.CreateCommunism(r.Context(), actorFrom(r.Context()).ID, amount, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOperation(snap))
}

type createBallotRequest struct {
	Question     string `json:"question"`
	Restricted   bool   `json:"restricted"`
	PayoutAmount int64  `json:"payout_amount"`
}

func (s *Server) handleCreateBallot(w http.ResponseWriter, r *http.Request) {
	var req createBallotRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.deps.Collective.CreateBallot(r.Context(), actorFrom(r.Context()).ID,
		req.Question, req.Restricted, req.PayoutAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOperation(snap))
}

func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	s.operationAction(w, r, func(id, actorID int64) (services.Snapshot, error) {
		return s.deps.Collective.JoinOrLeave(r.Context(), id, actorID)
	})
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

func (s *Server) handleQuantity(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.operationAction(w, r, func(id, actorID int64) (services.Snapshot, error) {
		return s.deps.Collective.SetQuantity(r.Context(), id, actorID, req.Quantity)
	})
}

type externalsRequest struct {
	Delta int `json:"delta"`
}

func (s *Server) handleExternals(w http.ResponseWriter, r *http.Request) {
	var req externalsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.operationAction(w, r, func(id, actorID int64) (services.Snapshot, error) {
		return s.deps.Collective.AdjustExternals(r.Context(), id, actorID, req.Delta)
	})
}

type voteRequest struct {
	Value *int `json:"value"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Value == nil {
		s.writeError(w, r, fmt.Errorf("%w: value is required", errBadRequest))
		return
	}
	s.operationAction(w, r, func(id, actorID int64) (services.Snapshot, error) {
		return s.deps.Collective.CastVote(r.Context(), id, actorID, *req.Value)
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.operationAction(w, r, func(id, actorID int64) (services.Snapshot, error) {
		return s.deps.Collective.Finalize(r.Context(), id, actorID)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.operationAction(w, r, func(id, actorID int64) (services.Snapshot, error) {
		return s.deps.Collective.Cancel(r.Context(), id, actorID)
	})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.deps.Collective.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperation(snap))
}

// handleListOperations lists open operations. open_for is "me" or a user id.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	userID := actorFrom(r.Context()).ID
	if raw := strings.TrimSpace(r.URL.Query().Get("open_for")); raw != "" && raw != "me" {
		var err error
		if userID, err = parseID(raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	snaps, err := s.deps.Collective.ListOpenFor(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperations(snaps))
}

func (s *Server) operationAction(w http.ResponseWriter, r *http.Request, fn func(id, actorID int64) (services.Snapshot, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := fn(id, actorFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperation(snap))
}
