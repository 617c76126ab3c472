package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// OrderHandler handles order endpoints
type OrderHandler struct {
	service *service.FulfillmentService
	logger  *logger.Logger
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(svc *service.FulfillmentService, log *logger.Logger) *OrderHandler {
	return &OrderHandler{
		service: svc,
		logger:  log,
	}
}

// Create places a new order. The requesting party comes from the
// forwarded identity headers, never from the body.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())

	var req struct {
		MedicineID string `json:"medicine_id" validate:"required"`
		SupplierID string `json:"supplier_id" validate:"required"`
		Quantity   int    `json:"quantity" validate:"required,gt=0"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), act.PartyID, req.SupplierID, req.MedicineID, req.Quantity)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, order)
}

// Get gets an order by ID. Only the two parties on the order may see it.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	act := actor.FromContext(r.Context())

	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	if !partyOnOrder(act, order) {
		httputil.Error(w, errors.Forbidden("order belongs to another party"))
		return
	}

	httputil.JSON(w, http.StatusOK, order)
}

// List lists the acting party's orders, as requester or supplier
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())
	page, perPage := pagination(r)

	orders, total, err := h.service.ListOrders(r.Context(), act.PartyID, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, orders, pageMeta(page, perPage, total))
}

// Dispatch allocates stock and moves a pending order to dispatched.
// Supplier only.
func (h *OrderHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.requireSupplier(r, id); err != nil {
		httputil.Error(w, err)
		return
	}

	order, err := h.service.Dispatch(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, order)
}

// Reject declines a pending order. Supplier only, no stock moves.
func (h *OrderHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.requireSupplier(r, id); err != nil {
		httputil.Error(w, err)
		return
	}

	order, err := h.service.Reject(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, order)
}

// RequestDelivery moves a dispatched order into the delivery pipeline
func (h *OrderHandler) RequestDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	order, err := h.service.RequestDelivery(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, order)
}

// OutForDelivery marks an order as picked up by the courier
func (h *OrderHandler) OutForDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	order, err := h.service.MarkOutForDelivery(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, order)
}

// DeliveryConfirmed is the logistics callback: it settles the order and
// credits the requester's stock. An optional proof reference is attached
// after the settlement commits.
func (h *OrderHandler) DeliveryConfirmed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		ProofRef string `json:"proof_ref"`
	}
	// Body is optional; the callback may carry nothing but the order ID.
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
	}

	order, err := h.service.DeliveryConfirmed(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	if req.ProofRef != "" {
		if err := h.service.AttachDeliveryProof(r.Context(), id, req.ProofRef); err != nil {
			h.logger.WithOrderID(id).Error().Err(err).Msg("failed to attach delivery proof")
		} else {
			order.DeliveryProofRef = &req.ProofRef
		}
	}

	httputil.JSON(w, http.StatusOK, order)
}

// requireSupplier loads the order and checks the acting party is its supplier
func (h *OrderHandler) requireSupplier(r *http.Request, orderID string) error {
	act := actor.FromContext(r.Context())
	if act != nil && act.Role == actor.RoleAdmin {
		return nil
	}

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		return err
	}
	if act == nil || act.PartyID != order.SupplierID {
		return errors.Forbidden("only the supplier may act on this order")
	}
	return nil
}

func partyOnOrder(act *actor.Actor, order *repository.Order) bool {
	if act == nil {
		return false
	}
	if act.Role == actor.RoleAdmin {
		return true
	}
	return act.PartyID == order.RequesterID || act.PartyID == order.SupplierID
}

// pagination reads page and per_page query parameters with defaults
func pagination(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return page, perPage
}

func pageMeta(page, perPage int, total int64) *httputil.Meta {
	totalPages := int(total) / perPage
	if int(total)%perPage > 0 {
		totalPages++
	}
	return &httputil.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
	}
}
