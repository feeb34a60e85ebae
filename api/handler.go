// Package api serves the pharmacy assistant over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/Rahil-dope/agentic-pharmacy-system/agent/agents/orchestrator"
	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	statex "github.com/Rahil-dope/agentic-pharmacy-system/agent/state"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

const (
	maxBodyBytes     = 64 << 10
	defaultTurnLimit = 20
)

// ChatService handles one conversation turn per message.
type ChatService interface {
	HandleMessage(ctx context.Context, customerID int64, text string) (orchestrator.TurnOutcome, error)
	Recent(ctx context.Context, customerID int64, limit int) ([]*statex.ConversationTurn, error)
}

type Deps struct {
	Chat      ChatService
	Ledger    domain.Ledger
	Orders    domain.OrderStore
	Customers domain.CustomerDirectory
	Metrics   http.Handler
}

// Handler bundles dependencies for HTTP handlers.
type Handler struct {
	chat      ChatService
	ledger    domain.Ledger
	orders    domain.OrderStore
	customers domain.CustomerDirectory
	metrics   http.Handler
	secret    string
}

// New constructs a Handler. An empty adminSecret leaves the admin routes open.
func New(deps Deps, adminSecret string) (*Handler, error) {
	if deps.Chat == nil || deps.Ledger == nil || deps.Orders == nil || deps.Customers == nil {
		return nil, errors.New("chat service, ledger, order store and customer directory are required")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Handler{
		chat:      deps.Chat,
		ledger:    deps.Ledger,
		orders:    deps.Orders,
		customers: deps.Customers,
		metrics:   metrics,
		secret:    strings.TrimSpace(adminSecret),
	}, nil
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", h.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.chatTurn)

		r.Get("/medicines", h.listMedicines)
		r.Get("/medicines/{name}/availability", h.availability)

		r.Route("/customers/{id}", func(r chi.Router) {
			r.Get("/history", h.customerHistory)
			r.Get("/refill-alerts", h.customerRefillAlerts)
			r.Get("/turns", h.customerTurns)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.adminOnly)
			r.Get("/refill-alerts", h.adminRefillAlerts)
			r.Post("/medicines/{id}/restock", h.restock)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	CustomerID int64  `json:"customer_id"`
	Message    string `json:"message"`
}

type chatResponse struct {
	Response contractx.ChatReply `json:"response"`
	TraceURL *string             `json:"trace_url"`
}

func (h *Handler) chatTurn(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, chatResponse{Response: contractx.ChatReply{
			Status:  contractx.StatusError,
			Message: "request body must be JSON with customer_id and message",
		}})
		return
	}

	out, err := h.chat.HandleMessage(r.Context(), req.CustomerID, req.Message)
	resp := chatResponse{Response: out.Reply}
	if out.TraceURL != "" {
		url := out.TraceURL
		resp.TraceURL = &url
	}
	respondJSON(w, turnStatus(err), resp)
}

// turnStatus maps a failed turn to an HTTP status. The reply body is sent either way.
func turnStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var turnErr *contractx.TurnError
	if !errors.As(err, &turnErr) {
		return http.StatusInternalServerError
	}
	switch turnErr.Kind {
	case contractx.TurnInvalidInput:
		return http.StatusBadRequest
	case contractx.TurnCustomerNotFound:
		return http.StatusNotFound
	case contractx.TurnModelUnavailable, contractx.TurnStoreUnavailable, contractx.TurnCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) listMedicines(w http.ResponseWriter, r *http.Request) {
	meds, err := h.ledger.List(r.Context())
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if meds == nil {
		meds = []domain.Medicine{}
	}
	respondJSON(w, http.StatusOK, meds)
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	qty := int64(1)
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			respondError(w, http.StatusBadRequest, "quantity must be a positive integer")
			return
		}
		qty = parsed
	}

	med, err := h.ledger.FindByName(r.Context(), name)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	av, err := h.ledger.CheckAvailability(r.Context(), med.ID, qty)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, av)
}

func (h *Handler) customerHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	history, err := h.orders.History(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.Order{}
	}
	respondJSON(w, http.StatusOK, history)
}

func (h *Handler) customerRefillAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	alerts, err := h.orders.RefillAlerts(r.Context(), &id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []domain.RefillAlert{}
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (h *Handler) customerTurns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.customerParam(w, r)
	if !ok {
		return
	}
	limit := defaultTurnLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	turns, err := h.chat.Recent(r.Context(), id, limit)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if turns == nil {
		turns = []*statex.ConversationTurn{}
	}
	respondJSON(w, http.StatusOK, turns)
}

type adminRefillAlert struct {
	CustomerID   int64  `json:"customer_id"`
	MedicineName string `json:"medicine_name"`
	DaysOverdue  int    `json:"days_overdue"`
}

func (h *Handler) adminRefillAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.orders.RefillAlerts(r.Context(), nil)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	out := make([]adminRefillAlert, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, adminRefillAlert{
			CustomerID:   a.CustomerID,
			MedicineName: a.MedicineName,
			DaysOverdue:  a.DaysOverdue,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type restockRequest struct {
	Quantity int64 `json:"quantity"`
}

func (h *Handler) restock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		respondError(w, http.StatusBadRequest, "invalid medicine id")
		return
	}
	var req restockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	med, err := h.ledger.Restock(r.Context(), id, req.Quantity)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Int64("medicine_id", med.ID).Int64("quantity", req.Quantity).
		Int64("stock", med.StockQuantity).Msg("medicine restocked")
	respondJSON(w, http.StatusOK, med)
}

// customerParam parses {id} and checks the customer exists.
func (h *Handler) customerParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		respondError(w, http.StatusBadRequest, "invalid customer id")
		return 0, false
	}
	if _, err := h.customers.Customer(r.Context(), id); err != nil {
		respondStoreError(w, r, err)
		return 0, false
	}
	return id, true
}

func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrMedicineNotFound), errors.Is(err, domain.ErrCustomerNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		log.Ctx(r.Context()).Error().Err(err).Msg("store unavailable")
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
