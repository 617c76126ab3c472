package consumers

import (
	"context"

	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

// DeliveryEventConsumer consumes delivery status events from the
// logistics collaborator. It drives the same transitions as the HTTP
// callback endpoints, for deployments where logistics integrates over
// the broker instead.
type DeliveryEventConsumer struct {
	consumer *messaging.Consumer
	service  *service.FulfillmentService
	logger   *logger.Logger
}

// NewDeliveryEventConsumer creates a new delivery event consumer
func NewDeliveryEventConsumer(rmq *messaging.RabbitMQ, svc *service.FulfillmentService, log *logger.Logger) (*DeliveryEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "fulfillment-service.delivery-events", log)
	if err != nil {
		return nil, err
	}

	// Subscribe to delivery events
	if err := consumer.Subscribe(messaging.ExchangeLogisticsEvents, "delivery.#"); err != nil {
		return nil, err
	}

	c := &DeliveryEventConsumer{
		consumer: consumer,
		service:  svc,
		logger:   log,
	}

	// Register handlers
	consumer.RegisterHandler(messaging.EventDeliveryPickedUp, c.handleDeliveryPickedUp)
	consumer.RegisterHandler(messaging.EventDeliveryConfirmed, c.handleDeliveryConfirmed)

	return c, nil
}

// Start starts consuming messages
func (c *DeliveryEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *DeliveryEventConsumer) handleDeliveryPickedUp(ctx context.Context, event *messaging.Event) error {
	var data messaging.DeliveryPickedUpEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("order_id", data.OrderID).
		Msg("received delivery picked up event")

	_, err := c.service.MarkOutForDelivery(ctx, data.OrderID)
	if errors.Is(err, errors.ErrInvalidTransition) {
		// Redelivered message for an order that already moved on.
		c.logger.Warn().Str("order_id", data.OrderID).Msg("pickup event ignored, order already advanced")
		return nil
	}
	return err
}

func (c *DeliveryEventConsumer) handleDeliveryConfirmed(ctx context.Context, event *messaging.Event) error {
	var data messaging.DeliveryConfirmedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("order_id", data.OrderID).
		Msg("received delivery confirmed event")

	_, err := c.service.DeliveryConfirmed(ctx, data.OrderID)
	if errors.Is(err, errors.ErrAlreadyDelivered) {
		// Confirmation is at-least-once; the first one credited the stock.
		c.logger.Warn().Str("order_id", data.OrderID).Msg("duplicate delivery confirmation acknowledged")
		return nil
	}
	if err != nil {
		return err
	}

	if data.ProofRef != "" {
		if err := c.service.AttachDeliveryProof(ctx, data.OrderID, data.ProofRef); err != nil {
			c.logger.Error().Err(err).Str("order_id", data.OrderID).Msg("failed to attach delivery proof")
		}
	}
	return nil
}
