package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/talon/internal/approval"
	"github.com/opensource-finance/talon/internal/domain"
)

// ManualPaymentRequest is the request body for POST /manual-payments.
type ManualPaymentRequest struct {
	CustomerID    string `json:"customerId,omitempty"`
	Reference     string `json:"reference"`
	Amount        Amount `json:"amount"`
	Currency      string `json:"currency"`
	Method        string `json:"method"`
	PayerName     string `json:"payerName,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	Country       string `json:"country,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
}

// DecisionRequest carries reviewer notes.
type DecisionRequest struct {
	Notes string `json:"notes,omitempty"`
}

// AssignRequest names the reviewer a ticket goes to.
type AssignRequest struct {
	Reviewer string `json:"reviewer"`
}

// SubmitManualPayment handles POST /manual-payments.
func (h *Handler) SubmitManualPayment(w http.ResponseWriter, r *http.Request) {
	if h.deps.Approvals == nil {
		writeUnavailable(w, "approvals")
		return
	}

	var req ManualPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := req.Amount.Money(req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}

	actor, _ := GetActor(r.Context())
	sub, err := h.deps.Approvals.Submit(r.Context(), actor, &approval.ManualPaymentCommand{
		CustomerID:    req.CustomerID,
		Reference:     req.Reference,
		Amount:        amount,
		Method:        domain.ManualMethod(req.Method),
		PayerName:     req.PayerName,
		AccountNumber: req.AccountNumber,
		Country:       req.Country,
		DeviceID:      req.DeviceID,
		IP:            clientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if sub.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

// GetManualPayment handles GET /manual-payments/{id}.
func (h *Handler) GetManualPayment(w http.ResponseWriter, r *http.Request) {
	if h.deps.Approvals == nil {
		writeUnavailable(w, "approvals")
		return
	}

	req, err := h.deps.Approvals.GetRequest(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ApproveManualPayment handles POST /manual-payments/{id}/approve.
func (h *Handler) ApproveManualPayment(w http.ResponseWriter, r *http.Request) {
	h.decideManualPayment(w, r, true)
}

// RejectManualPayment handles POST /manual-payments/{id}/reject.
func (h *Handler) RejectManualPayment(w http.ResponseWriter, r *http.Request) {
	h.decideManualPayment(w, r, false)
}

func (h *Handler) decideManualPayment(w http.ResponseWriter, r *http.Request, approved bool) {
	if h.deps.Approvals == nil {
		writeUnavailable(w, "approvals")
		return
	}
	notes, err := decisionNotes(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	actor, _ := GetActor(r.Context())
	id := chi.URLParam(r, "id")

	var req *domain.PaymentRequest
	if approved {
		req, err = h.deps.Approvals.Approve(r.Context(), actor, id, notes)
	} else {
		req, err = h.deps.Approvals.Reject(r.Context(), actor, id, notes)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListTickets handles GET /approval-tickets?status=pending.
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	if h.deps.Approvals == nil {
		writeUnavailable(w, "approvals")
		return
	}

	status := domain.TicketStatus(r.URL.Query().Get("status"))
	tickets, err := h.deps.Approvals.ListTickets(r.Context(), GetTenantID(r.Context()), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": tickets,
		"count":   len(tickets),
	})
}

// AssignTicket handles POST /approval-tickets/{id}/assign.
func (h *Handler) AssignTicket(w http.ResponseWriter, r *http.Request) {
	if h.deps.Approvals == nil {
		writeUnavailable(w, "approvals")
		return
	}

	var req AssignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	actor, _ := GetActor(r.Context())
	ticket, err := h.deps.Approvals.Assign(r.Context(), actor, chi.URLParam(r, "id"), strings.TrimSpace(req.Reviewer))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// ApproveTicket handles POST /approval-tickets/{id}/approve.
func (h *Handler) ApproveTicket(w http.ResponseWriter, r *http.Request) {
	h.decideTicket(w, r, true)
}

// RejectTicket handles POST /approval-tickets/{id}/reject.
func (h *Handler) RejectTicket(w http.ResponseWriter, r *http.Request) {
	h.decideTicket(w, r, false)
}

func (h *Handler) decideTicket(w http.ResponseWriter, r *http.Request, approved bool) {
	if h.deps.Approvals == nil {
		writeUnavailable(w, "approvals")
		return
	}
	notes, err := decisionNotes(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	actor, _ := GetActor(r.Context())
	ticket, err := h.deps.Approvals.DecideTicket(r.Context(), actor, chi.URLParam(r, "id"), approved, notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// decisionNotes reads the optional decision body.
func decisionNotes(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var req DecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return "", err
	}
	return req.Notes, nil
}
