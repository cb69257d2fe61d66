// Package api exposes the day controller over HTTP: participant
// registration and lookup, allocation submission, absence toggling, market
// settings and the administrator's day advance.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/econsim/day-engine/internal/allocation"
	"github.com/econsim/day-engine/internal/day"
	"github.com/econsim/day-engine/internal/model"
	"github.com/econsim/day-engine/internal/settlement"
	"github.com/econsim/day-engine/internal/store"
)

// Service handles HTTP requests for one class.
type Service struct {
	ctrl  *day.Controller
	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new HTTP service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(ctrl *day.Controller, hub *WSHub) *Service {
	return &Service{ctrl: ctrl, wsHub: hub}
}

// Routes mounts every endpoint on r (expected to be the /api/v1 subrouter).
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		// WebSocket endpoint for real-time day and settings updates.
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Get("/status", s.GetStatus)

	// Market settings.
	r.Get("/settings", s.GetSettings)
	r.Put("/settings", s.UpdateSettings)

	// Settlement.
	r.Post("/day/advance", s.AdvanceDay)

	// Participants.
	r.Get("/participants", s.ListParticipants)
	r.Post("/participants", s.RegisterParticipant)
	r.Get("/participants/{participantID}", s.GetParticipant)
	r.Post("/participants/{participantID}/allocation", s.SubmitAllocation)
	r.Post("/participants/{participantID}/absence", s.ToggleAbsence)
	r.Get("/participants/{participantID}/transactions", s.GetTransactions)
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /participants.
type RegisterRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SubmitRequest is the JSON body for POST /participants/{id}/allocation.
type SubmitRequest struct {
	Allocation model.Allocation `json:"allocation"` // percent weights, must sum to 100
}

// SettingsRequest is the JSON body for PUT /settings. A missing rent keeps
// the current one.
type SettingsRequest struct {
	StockReturn      decimal.Decimal  `json:"stockReturn"`
	BondReturn       decimal.Decimal  `json:"bondReturn"`
	CryptoReturn     decimal.Decimal  `json:"cryptoReturn"`
	RealEstateReturn decimal.Decimal  `json:"realEstateReturn"`
	Rent             *decimal.Decimal `json:"rent,omitempty"`
}

// SettlementErrorResponse is returned with 500 when some participants could
// not be settled.
type SettlementErrorResponse struct {
	Error     string   `json:"error"`
	Day       int      `json:"day"`
	Failed    []string `json:"failed"`
	Committed int      `json:"committed"`
	Skipped   int      `json:"skipped"`
}

// --- Handlers ---

// GetStatus returns the current day, phase and settings.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetSettings returns the market settings.
func (s *Service) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.ctrl.MarketSettings(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateSettings replaces the returns (and optionally the rent).
func (s *Service) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var rent decimal.Decimal
	if req.Rent != nil {
		rent = *req.Rent
	} else {
		current, err := s.ctrl.MarketSettings(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		rent = current.Rent
	}

	settings, err := s.ctrl.UpdateMarketSettings(r.Context(), model.MarketReturns{
		StockReturn:      req.StockReturn,
		BondReturn:       req.BondReturn,
		CryptoReturn:     req.CryptoReturn,
		RealEstateReturn: req.RealEstateReturn,
	}, rent)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// AdvanceDay settles the current day.
func (s *Service) AdvanceDay(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.AdvanceDay(r.Context())

	var partial *day.SettlementError
	if errors.As(err, &partial) {
		writeJSON(w, http.StatusInternalServerError, SettlementErrorResponse{
			Error:     partial.Error(),
			Day:       partial.Day,
			Failed:    partial.Failed,
			Committed: partial.Committed,
			Skipped:   partial.Skipped,
		})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListParticipants returns every participant sorted by id.
func (s *Service) ListParticipants(w http.ResponseWriter, r *http.Request) {
	ledgers, err := s.ctrl.ListParticipants(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if ledgers == nil {
		ledgers = []model.ParticipantLedger{}
	}
	writeJSON(w, http.StatusOK, ledgers)
}

// RegisterParticipant creates a participant.
func (s *Service) RegisterParticipant(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	l, err := s.ctrl.RegisterParticipant(r.Context(), req.ID, req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GetParticipant returns one participant's ledger.
func (s *Service) GetParticipant(w http.ResponseWriter, r *http.Request) {
	l, err := s.ctrl.GetParticipant(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// SubmitAllocation records the participant's allocation for today.
func (s *Service) SubmitAllocation(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	l, err := s.ctrl.SubmitAllocation(r.Context(), chi.URLParam(r, "participantID"), req.Allocation)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ToggleAbsence flips today's absence flag.
func (s *Service) ToggleAbsence(w http.ResponseWriter, r *http.Request) {
	l, err := s.ctrl.ToggleAbsence(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// GetTransactions returns the participant's records, newest day first.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := s.ctrl.History(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if records == nil {
		records = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Helpers ---

// statusFor maps controller and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, allocation.ErrAllocationNotComplete),
		errors.Is(err, allocation.ErrInvalidWeight),
		errors.Is(err, allocation.ErrUnknownAsset):
		return http.StatusUnprocessableEntity
	case errors.Is(err, day.ErrInvalidSettings),
		errors.Is(err, day.ErrInvalidParticipant):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, day.ErrAlreadySubmitted),
		errors.Is(err, day.ErrSettlementInProgress),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrAlreadySettled),
		errors.Is(err, store.ErrDayMismatch):
		return http.StatusConflict
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeErr writes err with its mapped status. Internal errors are logged
// and not echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		message = "internal error"
		if errors.Is(err, settlement.ErrMalformedInput) {
			message = err.Error()
		}
	}
	writeError(w, message, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
