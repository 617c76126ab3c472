package handler_test

import (
	"context"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/handler"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var suite *testutil.IntegrationSuite

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	suite, err = testutil.NewIntegrationSuite(ctx, repository.Migrations())
	if err != nil {
		log.Fatalf("failed to create integration suite: %v", err)
	}
	defer testutil.TerminateContainer(ctx)

	os.Exit(m.Run())
}

func newTestService(t *testing.T) *service.FulfillmentService {
	t.Helper()
	suite.TruncateAll(t)

	stockRepo := repository.NewBatchStoreRepository(suite.DB)
	orderRepo := repository.NewOrderRepository(suite.DB)
	ledgerRepo := repository.NewLedgerRepository(suite.DB)

	// no event publisher needed for handler tests
	return service.NewFulfillmentService(suite.DB, stockRepo, orderRepo, ledgerRepo, nil, suite.Logger)
}

// newRouter mirrors the order route wiring of the service binary
func newRouter(svc *service.FulfillmentService) http.Handler {
	log := logger.New("test", "test")
	orderHandler := handler.NewOrderHandler(svc, log)
	stockHandler := handler.NewStockHandler(svc, log)

	r := chi.NewRouter()
	r.Use(httputil.ActorMiddleware)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", orderHandler.List)
			r.Post("/", orderHandler.Create)
			r.Get("/{id}", orderHandler.Get)
			r.Post("/{id}/dispatch", orderHandler.Dispatch)
			r.Post("/{id}/reject", orderHandler.Reject)
			r.Post("/{id}/request-delivery", orderHandler.RequestDelivery)
			r.Post("/{id}/out-for-delivery", orderHandler.OutForDelivery)
			r.Post("/{id}/delivery-confirmed", orderHandler.DeliveryConfirmed)
		})
		r.Route("/stock", func(r chi.Router) {
			r.Get("/", stockHandler.List)
			r.Route("/{medicineID}", func(r chi.Router) {
				r.Get("/", stockHandler.Get)
				r.Post("/credit", stockHandler.Credit)
			})
		})
	})
	return r
}

func seedSupplierStock(t *testing.T, svc *service.FulfillmentService, supplierID, medicineID string, quantity int) {
	t.Helper()
	_, err := svc.CreditStock(context.Background(), supplierID, medicineID, "LOT-H1", quantity, repository.BatchMetadata{
		ExpiryDate: time.Now().UTC().AddDate(1, 0, 0),
		UnitPrice:  5.0,
	})
	require.NoError(t, err)
}

func TestOrderEndpoints_RequireIdentityHeaders(t *testing.T) {
	router := newRouter(newTestService(t))

	req := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/orders/", nil)
	rr := testutil.ExecuteRequest(router, req)

	testutil.AssertStatus(t, rr, http.StatusForbidden)
	testutil.AssertBodyContains(t, rr, "missing party context")
}

func TestCreateOrder_Endpoint(t *testing.T) {
	router := newRouter(newTestService(t))
	fx := suite.Fixtures.Order()

	body := map[string]interface{}{
		"medicine_id": fx.MedicineID,
		"supplier_id": fx.SupplierID,
		"quantity":    15,
	}
	req := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/orders/", body)
	req = testutil.WithPartyHeaders(req, fx.RequesterID, actor.RoleHospital)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusCreated)

	var resp struct {
		Success bool             `json:"success"`
		Data    repository.Order `json:"data"`
	}
	testutil.ParseJSONBody(t, rr, &resp)

	assert.True(t, resp.Success)
	assert.Equal(t, repository.StatusPending, resp.Data.Status)
	assert.Equal(t, fx.RequesterID, resp.Data.RequesterID)
	assert.Equal(t, 15, resp.Data.Quantity)
}

func TestCreateOrder_ValidationFailure(t *testing.T) {
	router := newRouter(newTestService(t))
	fx := suite.Fixtures.Order()

	// Missing supplier and non-positive quantity
	body := map[string]interface{}{
		"medicine_id": fx.MedicineID,
		"quantity":    0,
	}
	req := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/orders/", body)
	req = testutil.WithPartyHeaders(req, fx.RequesterID, actor.RoleHospital)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	testutil.AssertBodyContains(t, rr, "VALIDATION_ERROR")
}

func TestDispatch_Endpoint(t *testing.T) {
	svc := newTestService(t)
	router := newRouter(svc)
	fx := suite.Fixtures.Order()
	seedSupplierStock(t, svc, fx.SupplierID, fx.MedicineID, 50)

	order, err := svc.CreateOrder(context.Background(), fx.RequesterID, fx.SupplierID, fx.MedicineID, 20)
	require.NoError(t, err)

	req := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/orders/"+order.ID+"/dispatch", nil)
	req = testutil.WithPartyHeaders(req, fx.SupplierID, actor.RoleVendor)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)

	var resp struct {
		Data repository.Order `json:"data"`
	}
	testutil.ParseJSONBody(t, rr, &resp)
	assert.Equal(t, repository.StatusDispatched, resp.Data.Status)
	assert.Equal(t, 20, resp.Data.Allocation.Total())
}

func TestDispatch_ForbiddenForOtherParty(t *testing.T) {
	svc := newTestService(t)
	router := newRouter(svc)
	fx := suite.Fixtures.Order()
	seedSupplierStock(t, svc, fx.SupplierID, fx.MedicineID, 50)

	order, err := svc.CreateOrder(context.Background(), fx.RequesterID, fx.SupplierID, fx.MedicineID, 20)
	require.NoError(t, err)

	// The requester must not be able to dispatch on the supplier's behalf
	req := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/orders/"+order.ID+"/dispatch", nil)
	req = testutil.WithPartyHeaders(req, fx.RequesterID, actor.RoleHospital)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusForbidden)
}

func TestDispatch_InsufficientStockConflict(t *testing.T) {
	svc := newTestService(t)
	router := newRouter(svc)
	fx := suite.Fixtures.Order()
	seedSupplierStock(t, svc, fx.SupplierID, fx.MedicineID, 5)

	order, err := svc.CreateOrder(context.Background(), fx.RequesterID, fx.SupplierID, fx.MedicineID, 20)
	require.NoError(t, err)

	req := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/orders/"+order.ID+"/dispatch", nil)
	req = testutil.WithPartyHeaders(req, fx.SupplierID, actor.RoleVendor)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusConflict)
	testutil.AssertBodyContains(t, rr, "INSUFFICIENT_STOCK")
	testutil.AssertBodyContains(t, rr, "shortfall")
}

func TestDeliveryConfirmed_Endpoint(t *testing.T) {
	svc := newTestService(t)
	router := newRouter(svc)
	fx := suite.Fixtures.Order()
	seedSupplierStock(t, svc, fx.SupplierID, fx.MedicineID, 50)

	ctx := context.Background()
	order, err := svc.CreateOrder(ctx, fx.RequesterID, fx.SupplierID, fx.MedicineID, 20)
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	_, err = svc.RequestDelivery(ctx, order.ID)
	require.NoError(t, err)
	_, err = svc.MarkOutForDelivery(ctx, order.ID)
	require.NoError(t, err)

	body := map[string]interface{}{"proof_ref": "pod-2026-000123"}
	req := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/orders/"+order.ID+"/delivery-confirmed", body)
	req = testutil.WithPartyHeaders(req, "logistics", actor.RoleAdmin)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)

	var resp struct {
		Data repository.Order `json:"data"`
	}
	testutil.ParseJSONBody(t, rr, &resp)
	assert.Equal(t, repository.StatusDelivered, resp.Data.Status)
	require.NotNil(t, resp.Data.DeliveryProofRef)
	assert.Equal(t, "pod-2026-000123", *resp.Data.DeliveryProofRef)

	// Repeat confirmation conflicts and credits nothing further
	repeat := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/orders/"+order.ID+"/delivery-confirmed", nil)
	repeat = testutil.WithPartyHeaders(repeat, "logistics", actor.RoleAdmin)
	rr = testutil.ExecuteRequest(router, repeat)
	testutil.AssertStatus(t, rr, http.StatusConflict)
	testutil.AssertBodyContains(t, rr, "ALREADY_DELIVERED")
}

func TestGetStock_Endpoint(t *testing.T) {
	svc := newTestService(t)
	router := newRouter(svc)
	fx := suite.Fixtures.Batch()
	seedSupplierStock(t, svc, fx.OwnerID, fx.MedicineID, 30)

	req := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/stock/"+fx.MedicineID+"/", nil)
	req = testutil.WithPartyHeaders(req, fx.OwnerID, actor.RoleVendor)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)

	var resp struct {
		Data service.StockView `json:"data"`
	}
	testutil.ParseJSONBody(t, rr, &resp)
	assert.Equal(t, 30, resp.Data.TotalStock)
	require.Len(t, resp.Data.Batches, 1)
	assert.Equal(t, "LOT-H1", resp.Data.Batches[0].BatchNumber)
}
