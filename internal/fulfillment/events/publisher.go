package events

import (
	"context"

	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

// FulfillmentEventPublisher publishes order and stock lifecycle events
type FulfillmentEventPublisher struct {
	publisher *messaging.Publisher
	logger    *logger.Logger
}

// NewFulfillmentEventPublisher creates a new fulfillment event publisher
func NewFulfillmentEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*FulfillmentEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeFulfillmentEvents, "fulfillment-service", log)
	if err != nil {
		return nil, err
	}

	return &FulfillmentEventPublisher{
		publisher: publisher,
		logger:    log,
	}, nil
}

func allocationData(lines repository.AllocationLines) []messaging.AllocationLineData {
	data := make([]messaging.AllocationLineData, len(lines))
	for i, line := range lines {
		data[i] = messaging.AllocationLineData{
			BatchNumber: line.BatchNumber,
			ExpiryDate:  line.ExpiryDate,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		}
	}
	return data
}

// PublishOrderCreated publishes an order created event
func (p *FulfillmentEventPublisher) PublishOrderCreated(ctx context.Context, order *repository.Order) {
	if p == nil {
		return
	}

	data := messaging.OrderCreatedEvent{
		OrderID:     order.ID,
		MedicineID:  order.MedicineID,
		Quantity:    order.Quantity,
		RequesterID: order.RequesterID,
		SupplierID:  order.SupplierID,
	}

	if err := p.publisher.Publish(ctx, messaging.EventOrderCreated, data); err != nil {
		p.logger.Error().Err(err).Str("order_id", order.ID).Msg("failed to publish order created event")
	}
}

// PublishOrderDispatched publishes an order dispatched event
func (p *FulfillmentEventPublisher) PublishOrderDispatched(ctx context.Context, order *repository.Order) {
	if p == nil {
		return
	}

	data := messaging.OrderDispatchedEvent{
		OrderID:    order.ID,
		MedicineID: order.MedicineID,
		SupplierID: order.SupplierID,
		Allocation: allocationData(order.Allocation),
	}

	if err := p.publisher.Publish(ctx, messaging.EventOrderDispatched, data); err != nil {
		p.logger.Error().Err(err).Str("order_id", order.ID).Msg("failed to publish order dispatched event")
	}
}

// PublishOrderRejected publishes an order rejected event
func (p *FulfillmentEventPublisher) PublishOrderRejected(ctx context.Context, order *repository.Order) {
	if p == nil {
		return
	}

	data := messaging.OrderRejectedEvent{
		OrderID:    order.ID,
		SupplierID: order.SupplierID,
	}

	if err := p.publisher.Publish(ctx, messaging.EventOrderRejected, data); err != nil {
		p.logger.Error().Err(err).Str("order_id", order.ID).Msg("failed to publish order rejected event")
	}
}

// PublishOrderDelivered publishes an order delivered event
func (p *FulfillmentEventPublisher) PublishOrderDelivered(ctx context.Context, order *repository.Order) {
	if p == nil {
		return
	}

	data := messaging.OrderDeliveredEvent{
		OrderID:     order.ID,
		MedicineID:  order.MedicineID,
		RequesterID: order.RequesterID,
		Quantity:    order.Quantity,
	}

	if err := p.publisher.Publish(ctx, messaging.EventOrderDelivered, data); err != nil {
		p.logger.Error().Err(err).Str("order_id", order.ID).Msg("failed to publish order delivered event")
	}
}

// PublishStockCredited publishes a stock credited event
func (p *FulfillmentEventPublisher) PublishStockCredited(ctx context.Context, data *messaging.StockCreditedEvent) {
	if p == nil {
		return
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockCredited, data); err != nil {
		p.logger.Error().Err(err).
			Str("owner_id", data.OwnerID).
			Str("medicine_id", data.MedicineID).
			Msg("failed to publish stock credited event")
	}
}

// PublishStockDispensed publishes a stock dispensed event
func (p *FulfillmentEventPublisher) PublishStockDispensed(ctx context.Context, entry *repository.DispenseEntry) {
	if p == nil {
		return
	}

	data := messaging.StockDispensedEvent{
		OwnerID:    entry.OwnerID,
		MedicineID: entry.MedicineID,
		Quantity:   entry.Quantity,
		Recipient:  entry.Recipient,
		Allocation: allocationData(entry.Allocation),
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockDispensed, data); err != nil {
		p.logger.Error().Err(err).
			Str("owner_id", entry.OwnerID).
			Str("medicine_id", entry.MedicineID).
			Msg("failed to publish stock dispensed event")
	}
}

// PublishStockReconciled publishes a stock reconciled event when drift was found
func (p *FulfillmentEventPublisher) PublishStockReconciled(ctx context.Context, ownerID, medicineID string, stored, computed int, repaired bool) {
	if p == nil {
		return
	}

	data := messaging.StockReconciledEvent{
		OwnerID:    ownerID,
		MedicineID: medicineID,
		Stored:     stored,
		Computed:   computed,
		Repaired:   repaired,
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockReconciled, data); err != nil {
		p.logger.Error().Err(err).
			Str("owner_id", ownerID).
			Str("medicine_id", medicineID).
			Msg("failed to publish stock reconciled event")
	}
}
