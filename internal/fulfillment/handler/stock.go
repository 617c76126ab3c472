package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// StockHandler handles stock record and batch endpoints. Every endpoint
// is scoped to the acting party's own stock.
type StockHandler struct {
	service *service.FulfillmentService
	logger  *logger.Logger
}

// NewStockHandler creates a new stock handler
func NewStockHandler(svc *service.FulfillmentService, log *logger.Logger) *StockHandler {
	return &StockHandler{
		service: svc,
		logger:  log,
	}
}

// List lists the acting party's stock records
func (h *StockHandler) List(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())

	records, err := h.service.ListStock(r.Context(), act.PartyID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, records)
}

// Get gets the acting party's stock of one medicine with its batches
func (h *StockHandler) Get(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())
	medicineID := chi.URLParam(r, "medicineID")

	view, err := h.service.GetStock(r.Context(), act.PartyID, medicineID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, view)
}

type batchMetadataRequest struct {
	ExpiryDate       time.Time  `json:"expiry_date" validate:"required"`
	ManufacturedDate *time.Time `json:"manufactured_date"`
	UnitPrice        float64    `json:"unit_price" validate:"gte=0"`
	OfferPrice       float64    `json:"offer_price" validate:"gte=0"`
}

func (req *batchMetadataRequest) metadata() repository.BatchMetadata {
	return repository.BatchMetadata{
		ExpiryDate:       req.ExpiryDate,
		ManufacturedDate: req.ManufacturedDate,
		UnitPrice:        req.UnitPrice,
		OfferPrice:       req.OfferPrice,
	}
}

// UpsertBatch creates or updates batch metadata. Quantity never moves
// through this endpoint.
func (h *StockHandler) UpsertBatch(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())
	medicineID := chi.URLParam(r, "medicineID")
	batchNumber := chi.URLParam(r, "batchNumber")

	var req batchMetadataRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	batch, err := h.service.UpsertBatch(r.Context(), act.PartyID, medicineID, batchNumber, req.metadata())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// Credit adds received quantity to a batch of the acting party's stock
func (h *StockHandler) Credit(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())
	medicineID := chi.URLParam(r, "medicineID")

	var req struct {
		BatchNumber string `json:"batch_number" validate:"required"`
		Quantity    int    `json:"quantity" validate:"required,gt=0"`
		batchMetadataRequest
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	record, err := h.service.CreditStock(r.Context(), act.PartyID, medicineID, req.BatchNumber, req.Quantity, req.metadata())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, record)
}

// LowStock lists the acting party's records at or below a threshold
func (h *StockHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())

	threshold, _ := strconv.Atoi(r.URL.Query().Get("threshold"))
	if threshold < 1 {
		threshold = 10
	}

	records, err := h.service.LowStock(r.Context(), act.PartyID, threshold)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, records)
}

// Expiring lists the acting party's batches expiring within a window
func (h *StockHandler) Expiring(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())

	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days < 1 {
		days = 30
	}

	batches, err := h.service.ExpiringBatches(r.Context(), act.PartyID, days)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// Expired lists the acting party's batches past expiry with stock remaining
func (h *StockHandler) Expired(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())

	batches, err := h.service.ExpiredBatches(r.Context(), act.PartyID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// ReconcileHandler exposes the stock reconciler for operators
type ReconcileHandler struct {
	reconciler *service.Reconciler
	logger     *logger.Logger
}

// NewReconcileHandler creates a new reconcile handler
func NewReconcileHandler(rec *service.Reconciler, log *logger.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		reconciler: rec,
		logger:     log,
	}
}

// Verify checks one of the acting party's stock records for drift
func (h *ReconcileHandler) Verify(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())
	medicineID := chi.URLParam(r, "medicineID")

	result, err := h.reconciler.Verify(r.Context(), act.PartyID, medicineID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Repair rewrites the aggregate counter from the batch sum
func (h *ReconcileHandler) Repair(w http.ResponseWriter, r *http.Request) {
	act := actor.FromContext(r.Context())
	medicineID := chi.URLParam(r, "medicineID")

	result, err := h.reconciler.Repair(r.Context(), act.PartyID, medicineID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}
