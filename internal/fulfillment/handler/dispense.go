package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// DispenseHandler handles dispense and consumption ledger endpoints
type DispenseHandler struct {
	service *service.FulfillmentService
	logger  *logger.Logger
}

// NewDispenseHandler creates a new dispense handler
func NewDispenseHandler(svc *service.FulfillmentService, log *logger.Logger) *DispenseHandler {
	return &DispenseHandler{
		service: svc,
		logger:  log,
	}
}

// Dispense draws down the acting party's stock for an end recipient
func (h *DispenseHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())
	medicineID := chi.URLParam(r, "medicineID")

	var req struct {
		Quantity  int    `json:"quantity" validate:"required,gt=0"`
		Recipient string `json:"recipient" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	entry, err := h.service.Dispense(r.Context(), act.PartyID, medicineID, req.Quantity, req.Recipient)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, entry)
}

// List lists the acting party's dispense ledger, newest first
func (h *DispenseHandler) List(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())
	page, perPage := pagination(r)

	entries, total, err := h.service.ListDispenses(r.Context(), act.PartyID, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, entries, pageMeta(page, perPage, total))
}

// Summary aggregates the acting party's consumption per medicine within
// a time window. Defaults to the trailing 30 days.
func (h *DispenseHandler) Summary(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)

	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			httputil.Error(w, errors.BadRequest("from must be an RFC 3339 timestamp"))
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			httputil.Error(w, errors.BadRequest("to must be an RFC 3339 timestamp"))
			return
		}
	}
	if !from.Before(to) {
		httputil.Error(w, errors.BadRequest("from must be before to"))
		return
	}

	summary, err := h.service.ConsumptionSummary(r.Context(), act.PartyID, from, to)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, summary)
}
