package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Order lifecycle events
	EventOrderCreated    = "order.created"
	EventOrderDispatched = "order.dispatched"
	EventOrderRejected   = "order.rejected"
	EventOrderDelivered  = "order.delivered"

	// Stock events
	EventStockCredited   = "stock.credited"
	EventStockDispensed  = "stock.dispensed"
	EventStockReconciled = "stock.reconciled"

	// Events consumed from the logistics collaborator
	EventDeliveryPickedUp  = "delivery.picked_up"
	EventDeliveryConfirmed = "delivery.confirmed"
)

// Exchange names
const (
	ExchangeFulfillmentEvents = "fulfillment.events"
	ExchangeLogisticsEvents   = "logistics.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// GenerateEventID generates a unique event identifier
func GenerateEventID() string {
	return uuid.New().String()
}

// AllocationLineData is the per-batch breakdown carried on stock events.
type AllocationLineData struct {
	BatchNumber string    `json:"batch_number"`
	ExpiryDate  time.Time `json:"expiry_date"`
	Quantity    int       `json:"quantity"`
	UnitPrice   float64   `json:"unit_price"`
}

// OrderCreatedEvent is published when an order is placed
type OrderCreatedEvent struct {
	OrderID     string `json:"order_id"`
	MedicineID  string `json:"medicine_id"`
	Quantity    int    `json:"quantity"`
	RequesterID string `json:"requester_id"`
	SupplierID  string `json:"supplier_id"`
}

// OrderDispatchedEvent is published when a supplier dispatches an order
type OrderDispatchedEvent struct {
	OrderID    string               `json:"order_id"`
	MedicineID string               `json:"medicine_id"`
	SupplierID string               `json:"supplier_id"`
	Allocation []AllocationLineData `json:"allocation"`
}

// OrderRejectedEvent is published when a supplier rejects a pending order
type OrderRejectedEvent struct {
	OrderID    string `json:"order_id"`
	SupplierID string `json:"supplier_id"`
}

// OrderDeliveredEvent is published when delivery is confirmed and the
// requester's stock has been credited
type OrderDeliveredEvent struct {
	OrderID     string `json:"order_id"`
	MedicineID  string `json:"medicine_id"`
	RequesterID string `json:"requester_id"`
	Quantity    int    `json:"quantity"`
}

// StockCreditedEvent is published when batches are credited to a stock record
type StockCreditedEvent struct {
	OwnerID     string `json:"owner_id"`
	MedicineID  string `json:"medicine_id"`
	BatchNumber string `json:"batch_number"`
	Quantity    int    `json:"quantity"`
	TotalStock  int    `json:"total_stock"`
}

// StockDispensedEvent is published when stock is dispensed to an end recipient
type StockDispensedEvent struct {
	OwnerID    string               `json:"owner_id"`
	MedicineID string               `json:"medicine_id"`
	Quantity   int                  `json:"quantity"`
	Recipient  string               `json:"recipient"`
	Allocation []AllocationLineData `json:"allocation"`
}

// DeliveryPickedUpEvent is consumed when the courier picks an order up
type DeliveryPickedUpEvent struct {
	OrderID string `json:"order_id"`
}

// DeliveryConfirmedEvent is consumed when the logistics collaborator
// confirms an order reached the requester
type DeliveryConfirmedEvent struct {
	OrderID  string `json:"order_id"`
	ProofRef string `json:"proof_ref,omitempty"`
}

// StockReconciledEvent is published when the reconciler finds (and possibly
// repairs) drift between the aggregate and the batch sum
type StockReconciledEvent struct {
	OwnerID    string `json:"owner_id"`
	MedicineID string `json:"medicine_id"`
	Stored     int    `json:"stored"`
	Computed   int    `json:"computed"`
	Repaired   bool   `json:"repaired"`
}
