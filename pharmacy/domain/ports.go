package domain

import "context"

// Ledger owns Medicine stock. ReserveAndDecrement is atomic per medicine.
type Ledger interface {
	Get(ctx context.Context, id int64) (Medicine, error)
	FindByName(ctx context.Context, name string) (Medicine, error)
	List(ctx context.Context) ([]Medicine, error)
	CheckAvailability(ctx context.Context, medicineID, quantity int64) (Availability, error)
	ReserveAndDecrement(ctx context.Context, medicineID, quantity int64) (Decremented, error)
	Restock(ctx context.Context, medicineID, quantity int64) (Medicine, error)
}

// OrderStore owns Order creation and transition.
type OrderStore interface {
	CreateOrder(ctx context.Context, req OrderRequest) (OrderOutcome, error)
	History(ctx context.Context, customerID int64) ([]Order, error)
	ConfirmedOrders(ctx context.Context) ([]Order, error)
	// RefillAlerts lists due refills for one customer, or all customers when customerID is nil.
	RefillAlerts(ctx context.Context, customerID *int64) ([]RefillAlert, error)
}

type CustomerDirectory interface {
	Customer(ctx context.Context, id int64) (Customer, error)
	Customers(ctx context.Context) ([]Customer, error)
}
