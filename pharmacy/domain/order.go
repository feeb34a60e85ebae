package domain

import "time"

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderRejected  OrderStatus = "rejected"
	OrderFailed    OrderStatus = "failed"
)

// IsFinal reports whether the status can no longer change.
func (s OrderStatus) IsFinal() bool {
	return s == OrderConfirmed || s == OrderRejected
}

type Order struct {
	ID              string      `json:"id"`
	IdempotencyKey  string      `json:"idempotency_key"`
	CustomerID      int64       `json:"customer_id"`
	MedicineID      int64       `json:"medicine_id"`
	MedicineName    string      `json:"medicine_name"`
	Quantity        int64       `json:"quantity"`
	Status          OrderStatus `json:"status"`
	RejectionCode   string      `json:"rejection_code,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// OrderRequest is the input of an order placement.
type OrderRequest struct {
	IdempotencyKey string
	CustomerID     int64
	MedicineID     int64
	Quantity       int64
}

// OrderOutcome carries the stored order and whether this call created it.
// Created is false when an earlier final order for the same key is returned.
type OrderOutcome struct {
	Order   Order
	Created bool
}

// RefillAlert is derived from order history, never stored.
type RefillAlert struct {
	CustomerID    int64     `json:"customer_id"`
	MedicineID    int64     `json:"medicine_id"`
	MedicineName  string    `json:"medicine_name"`
	LastOrderDate time.Time `json:"last_order_date"`
	DueDate       time.Time `json:"due_date"`
	DaysOverdue   int       `json:"days_overdue"`
}

// Reject marks the order rejected with the code and message derived from err.
func (o *Order) Reject(err error) {
	o.Status = OrderRejected
	o.RejectionCode = RejectionCode(err)
	o.RejectionReason = err.Error()
}
