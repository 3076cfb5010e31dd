// Package api exposes the HTTP surface: lease term resolution,
// amendment lifecycle, manual tick triggering and notification history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
	"github.com/cosialm/hermitta/internal/lease"
	"github.com/cosialm/hermitta/internal/scheduler"
)

// LeaseStore is the lease and amendment persistence the API needs.
type LeaseStore interface {
	GetLease(ctx context.Context, id int64) (*lease.Lease, error)
	ListAmendments(ctx context.Context, leaseID int64) ([]*lease.Amendment, error)
	CreateAmendment(ctx context.Context, a *lease.Amendment) error
	UpdateDraftAmendment(ctx context.Context, a *lease.Amendment) error
	DeleteDraftAmendment(ctx context.Context, id int64) error
	ActivateAmendment(ctx context.Context, id, activatedBy int64) (*lease.Amendment, error)
}

// NotificationStore is the notification read/receipt surface.
type NotificationStore interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByLandlord(ctx context.Context, landlordID int64, limit, offset int) ([]*db.Notification, error)
	RecordDeliveryReceipt(ctx context.Context, id uuid.UUID, delivered bool, detail *string) error
}

// TickRunner triggers a reminder tick on demand.
type TickRunner interface {
	RunTick(ctx context.Context, now time.Time) (*scheduler.TickReport, error)
}

// HealthChecker reports dependency liveness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ErrorResponse is the problem+json error body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the API handlers.
type Handler struct {
	logger        *zap.Logger
	leases        LeaseStore
	notifications NotificationStore
	ticks         TickRunner
	dbHealth      HealthChecker
}

func NewHandler(logger *zap.Logger, leases LeaseStore, notifications NotificationStore, ticks TickRunner, dbHealth HealthChecker) *Handler {
	return &Handler{
		logger:        logger,
		leases:        leases,
		notifications: notifications,
		ticks:         ticks,
		dbHealth:      dbHealth,
	}
}

// GetLeaseTerms handles GET /v1/leases/{id}/terms?as_of=YYYY-MM-DD.
// Without as_of it resolves terms as of today.
func (h *Handler) GetLeaseTerms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	leaseID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid lease ID", "id must be an integer")
		return
	}

	asOf := time.Now().UTC()
	if asOfStr := r.URL.Query().Get("as_of"); asOfStr != "" {
		asOf, err = time.Parse("2006-01-02", asOfStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid as_of date", "as_of must be formatted YYYY-MM-DD")
			return
		}
	}

	l, err := h.leases.GetLease(ctx, leaseID)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Lease not found", "")
			return
		}
		h.logger.Error("failed to get lease", zap.Error(err), zap.Int64("lease_id", leaseID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load lease", "")
		return
	}

	amendments, err := h.leases.ListAmendments(ctx, leaseID)
	if err != nil {
		h.logger.Error("failed to list amendments", zap.Error(err), zap.Int64("lease_id", leaseID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load amendments", "")
		return
	}

	terms, err := lease.Resolve(l, amendments, asOf)
	if err != nil {
		if errors.Is(err, lease.ErrInvalidAmendmentData) {
			h.writeError(w, http.StatusUnprocessableEntity, "invalid_amendment_data", "Lease terms cannot be resolved", err.Error())
			return
		}
		h.logger.Error("failed to resolve lease terms", zap.Error(err), zap.Int64("lease_id", leaseID))
		h.writeError(w, http.StatusInternalServerError, "resolution_error", "Failed to resolve lease terms", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"lease_id": leaseID,
		"as_of":    lease.DateOnly(asOf).Format("2006-01-02"),
		"terms":    terms,
	})
}

// AmendmentRequest is the create/update body for draft amendments.
type AmendmentRequest struct {
	EffectiveDate string  `json:"effective_date"`
	Reason        *string `json:"reason,omitempty"`
	NewRentAmount *string `json:"new_rent_amount,omitempty"`
	NewEndDate    *string `json:"new_end_date,omitempty"`
	NewRentDueDay *int    `json:"new_rent_due_day,omitempty"`
}

// CreateAmendment handles POST /v1/leases/{id}/amendments. The amendment
// is created as a draft; original values are captured from the lease
// terms effective at the amendment's date.
func (h *Handler) CreateAmendment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	leaseID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid lease ID", "id must be an integer")
		return
	}

	var req AmendmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	a, status, errResp := h.buildAmendment(ctx, leaseID, &req)
	if errResp != nil {
		h.writeError(w, status, errResp.Type, errResp.Title, errResp.Detail)
		return
	}

	if err := h.leases.CreateAmendment(ctx, a); err != nil {
		h.logger.Error("failed to create amendment", zap.Error(err), zap.Int64("lease_id", leaseID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create amendment", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, a)
}

// buildAmendment validates the request and captures original values from
// the terms effective at the amendment date.
func (h *Handler) buildAmendment(ctx context.Context, leaseID int64, req *AmendmentRequest) (*lease.Amendment, int, *ErrorResponse) {
	effectiveDate, err := time.Parse("2006-01-02", req.EffectiveDate)
	if err != nil {
		return nil, http.StatusBadRequest, &ErrorResponse{Type: "invalid_request", Title: "Invalid effective_date", Detail: "effective_date must be formatted YYYY-MM-DD"}
	}
	if req.NewRentAmount == nil && req.NewEndDate == nil && req.NewRentDueDay == nil {
		return nil, http.StatusBadRequest, &ErrorResponse{Type: "invalid_request", Title: "Empty amendment", Detail: "at least one of new_rent_amount, new_end_date, new_rent_due_day is required"}
	}

	l, err := h.leases.GetLease(ctx, leaseID)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseNotFound) {
			return nil, http.StatusNotFound, &ErrorResponse{Type: "not_found", Title: "Lease not found"}
		}
		h.logger.Error("failed to get lease", zap.Error(err), zap.Int64("lease_id", leaseID))
		return nil, http.StatusInternalServerError, &ErrorResponse{Type: "database_error", Title: "Failed to load lease"}
	}

	amendments, err := h.leases.ListAmendments(ctx, leaseID)
	if err != nil {
		h.logger.Error("failed to list amendments", zap.Error(err), zap.Int64("lease_id", leaseID))
		return nil, http.StatusInternalServerError, &ErrorResponse{Type: "database_error", Title: "Failed to load amendments"}
	}
	terms, err := lease.Resolve(l, amendments, effectiveDate)
	if err != nil {
		return nil, http.StatusUnprocessableEntity, &ErrorResponse{Type: "invalid_amendment_data", Title: "Lease terms cannot be resolved", Detail: err.Error()}
	}

	a := &lease.Amendment{
		LeaseID:       leaseID,
		EffectiveDate: lease.DateOnly(effectiveDate),
		Reason:        req.Reason,
	}

	if req.NewRentAmount != nil {
		amount, err := decimal.NewFromString(*req.NewRentAmount)
		if err != nil {
			return nil, http.StatusBadRequest, &ErrorResponse{Type: "invalid_request", Title: "Invalid new_rent_amount", Detail: "new_rent_amount must be a decimal string"}
		}
		a.NewRentAmount = &amount
		original := terms.RentAmount
		a.OriginalRentAmount = &original
	}
	if req.NewEndDate != nil {
		endDate, err := time.Parse("2006-01-02", *req.NewEndDate)
		if err != nil {
			return nil, http.StatusBadRequest, &ErrorResponse{Type: "invalid_request", Title: "Invalid new_end_date", Detail: "new_end_date must be formatted YYYY-MM-DD"}
		}
		d := lease.DateOnly(endDate)
		a.NewEndDate = &d
		original := terms.EndDate
		a.OriginalEndDate = &original
	}
	if req.NewRentDueDay != nil {
		a.NewRentDueDay = req.NewRentDueDay
		original := terms.RentDueDay
		a.OriginalRentDueDay = &original
	}

	return a, 0, nil
}

// UpdateAmendment handles PATCH /v1/amendments/{id}. Only drafts are
// mutable.
func (h *Handler) UpdateAmendment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	amendmentID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid amendment ID", "id must be an integer")
		return
	}

	var req AmendmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	effectiveDate, err := time.Parse("2006-01-02", req.EffectiveDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid effective_date", "effective_date must be formatted YYYY-MM-DD")
		return
	}

	a := &lease.Amendment{
		ID:            amendmentID,
		EffectiveDate: lease.DateOnly(effectiveDate),
		Reason:        req.Reason,
		NewRentDueDay: req.NewRentDueDay,
	}
	if req.NewRentAmount != nil {
		amount, err := decimal.NewFromString(*req.NewRentAmount)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid new_rent_amount", "new_rent_amount must be a decimal string")
			return
		}
		a.NewRentAmount = &amount
	}
	if req.NewEndDate != nil {
		endDate, err := time.Parse("2006-01-02", *req.NewEndDate)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid new_end_date", "new_end_date must be formatted YYYY-MM-DD")
			return
		}
		d := lease.DateOnly(endDate)
		a.NewEndDate = &d
	}

	if err := h.leases.UpdateDraftAmendment(ctx, a); err != nil {
		h.writeAmendmentError(w, err, amendmentID)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"id": amendmentID, "status": lease.AmendmentDraft})
}

// DeleteAmendment handles DELETE /v1/amendments/{id}. Only drafts may be
// deleted; activated history is permanent.
func (h *Handler) DeleteAmendment(w http.ResponseWriter, r *http.Request) {
	amendmentID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid amendment ID", "id must be an integer")
		return
	}

	if err := h.leases.DeleteDraftAmendment(r.Context(), amendmentID); err != nil {
		h.writeAmendmentError(w, err, amendmentID)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ActivateAmendment handles POST /v1/amendments/{id}/activate.
func (h *Handler) ActivateAmendment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	amendmentID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid amendment ID", "id must be an integer")
		return
	}

	var req struct {
		ActivatedBy int64 `json:"activated_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.ActivatedBy == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing activated_by", "activated_by is required")
		return
	}

	a, err := h.leases.ActivateAmendment(ctx, amendmentID, req.ActivatedBy)
	if err != nil {
		if errors.Is(err, lease.ErrInvalidAmendmentData) {
			h.writeError(w, http.StatusUnprocessableEntity, "invalid_amendment_data", "Amendment cannot be activated", err.Error())
			return
		}
		h.writeAmendmentError(w, err, amendmentID)
		return
	}

	h.logger.Info("amendment activated",
		zap.Int64("amendment_id", a.ID),
		zap.Int64("lease_id", a.LeaseID),
		zap.Int64("activated_by", req.ActivatedBy),
	)
	h.writeJSON(w, http.StatusOK, a)
}

// RunTick handles POST /v1/reminders/tick for manual/ops triggering.
func (h *Handler) RunTick(w http.ResponseWriter, r *http.Request) {
	report, err := h.ticks.RunTick(r.Context(), time.Now().UTC())
	if err != nil {
		if errors.Is(err, scheduler.ErrTickInProgress) {
			h.writeError(w, http.StatusConflict, "tick_in_progress", "A reminder tick is already running", "")
			return
		}
		h.logger.Error("manual tick failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "tick_error", "Reminder tick failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// GetNotification handles GET /v1/notifications/{id}.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.notifications.GetNotification(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /v1/notifications?landlord_id=1&limit=20&offset=0.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	landlordID, err := strconv.ParseInt(r.URL.Query().Get("landlord_id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing or invalid landlord_id", "landlord_id query parameter is required")
		return
	}

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.notifications.ListNotificationsByLandlord(r.Context(), landlordID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.Int64("landlord_id", landlordID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// RecordDelivery handles POST /v1/notifications/{id}/delivery, the
// provider delivery-receipt callback.
func (h *Handler) RecordDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		Delivered bool    `json:"delivered"`
		Detail    *string `json:"detail,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.notifications.RecordDeliveryReceipt(r.Context(), id, req.Delivered, req.Detail); err != nil {
		if errors.Is(err, db.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", err.Error())
			return
		}
		if errors.Is(err, db.ErrNotAwaitingReceipt) {
			h.writeError(w, http.StatusConflict, "invalid_state", "Notification is not awaiting a delivery receipt", err.Error())
			return
		}
		h.logger.Error("failed to record delivery receipt", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record delivery receipt", "")
		return
	}

	status := db.StatusDeliveryConfirmed
	if !req.Delivered {
		status = db.StatusDeliveryFailed
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": status})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.dbHealth != nil {
		if err := h.dbHealth.Health(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "detail": "database unreachable"})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeAmendmentError(w http.ResponseWriter, err error, amendmentID int64) {
	switch {
	case errors.Is(err, db.ErrAmendmentNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Amendment not found", "")
	case errors.Is(err, db.ErrNotDraft):
		h.writeError(w, http.StatusConflict, "not_draft", "Amendment is no longer a draft", err.Error())
	default:
		h.logger.Error("amendment operation failed", zap.Error(err), zap.Int64("amendment_id", amendmentID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Amendment operation failed", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
