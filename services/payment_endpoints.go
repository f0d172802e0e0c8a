package services

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wayl-ai/wayl/models"
)

type PaymentEndpoints struct {
	payments *PaymentService
	audit    *AuditService
}

func NewPaymentEndpoints(payments *PaymentService, audit *AuditService) *PaymentEndpoints {
	return &PaymentEndpoints{payments: payments, audit: audit}
}

func (e *PaymentEndpoints) RegisterRoutes(r chi.Router) {
	r.Get("/token/balance", e.Balance)
	r.Get("/token/transactions", e.Transactions)
	r.Post("/payments", e.CreatePayment)
	r.Get("/payments", e.ListPayments)
}

func (e *PaymentEndpoints) Balance(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	info, err := e.payments.TokenInfo(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (e *PaymentEndpoints) Transactions(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 10, 1, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}

	history, err := e.payments.Transactions(r.Context(), user, limit, r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (e *PaymentEndpoints) CreatePayment(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	record, err := e.payments.ProcessPayment(r.Context(), user, req)
	if err != nil {
		e.audit.Record(r, AuditEvent{
			EventType: EventPayment, UserID: user.ID, ResourceType: "payment",
			ResourceID: req.TxSignature, Action: "create", Status: "failure",
			Details: map[string]any{"amount": req.Amount, "error": err.Error()},
		})
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventPayment, UserID: user.ID, ResourceType: "payment",
		ResourceID: record.TxHash, Action: "create", Status: "success",
		Details: map[string]any{"amount": record.Amount},
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"transaction_hash": record.TxHash,
		"status":           record.Status,
		"amount":           record.Amount,
		"timestamp":        record.CreatedAt,
	})
}

func (e *PaymentEndpoints) ListPayments(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 20, 1, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	payments, err := e.payments.Payments(r.Context(), user.ID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if payments == nil {
		payments = []models.PaymentRecord{}
	}
	writeJSON(w, http.StatusOK, payments)
}
