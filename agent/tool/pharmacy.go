package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

const (
	ToolCheckAvailability  = "check_medicine_availability"
	ToolCreateOrder        = "create_order"
	ToolGetRefillAlerts    = "get_refill_alerts"
	ToolGetCustomerHistory = "get_customer_history"

	historyLimit = 20
)

// AvailabilityOutput answers check_medicine_availability.
type AvailabilityOutput struct {
	Found                bool   `json:"found"`
	MedicineName         string `json:"medicine_name"`
	Requested            int64  `json:"requested"`
	Available            bool   `json:"available"`
	StockQuantity        int64  `json:"stock_quantity"`
	PrescriptionRequired bool   `json:"prescription_required"`
}

// OrderOutput answers create_order.
type OrderOutput struct {
	Status         domain.OrderStatus `json:"status"`
	OrderID        string             `json:"order_id,omitempty"`
	MedicineName   string             `json:"medicine_name"`
	Quantity       int64              `json:"quantity"`
	Code           string             `json:"code,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	RemainingStock *int64             `json:"remaining_stock,omitempty"`
}

type RefillAlertsOutput struct {
	Alerts []domain.RefillAlert `json:"alerts"`
}

type HistoryOutput struct {
	History []domain.Order `json:"history"`
}

// NewPharmacyCatalog registers the pharmacist's tools against the given stores.
func NewPharmacyCatalog(ledger domain.Ledger, orders domain.OrderStore) (*Catalog, error) {
	if ledger == nil || orders == nil {
		return nil, errors.New("ledger and order store are required")
	}
	h := handlers{ledger: ledger, orders: orders}

	return NewCatalog(
		Tool{
			Name: ToolCheckAvailability,
			Desc: "Check whether a medicine is in stock and whether it needs a prescription.",
			Params: map[string]*schema.ParameterInfo{
				"medicine_name": {Type: schema.String, Desc: "Medicine name as the customer said it", Required: true},
				"quantity":      {Type: schema.Integer, Desc: "Units wanted, defaults to 1"},
			},
			Handler: h.checkAvailability,
		},
		Tool{
			Name: ToolCreateOrder,
			Desc: "Place an order for the current customer. Stock and prescription rules are enforced by the pharmacy.",
			Params: map[string]*schema.ParameterInfo{
				"medicine_name": {Type: schema.String, Desc: "Medicine to order", Required: true},
				"quantity":      {Type: schema.Integer, Desc: "Units to order", Required: true},
			},
			Mutating:    true,
			ConflictArg: "medicine_name",
			Handler:     h.createOrder,
		},
		Tool{
			Name:    ToolGetRefillAlerts,
			Desc:    "List medicines the current customer is overdue to refill.",
			Handler: h.refillAlerts,
		},
		Tool{
			Name:    ToolGetCustomerHistory,
			Desc:    "List the current customer's recent orders, newest first.",
			Handler: h.history,
		},
	)
}

type handlers struct {
	ledger domain.Ledger
	orders domain.OrderStore
}

func (h handlers) checkAvailability(ctx context.Context, inv contractx.Invocation) (contractx.ToolResult, error) {
	name := stringArg(inv.Args, "medicine_name")
	qty := intArg(inv.Args, "quantity", 1)

	med, err := h.ledger.FindByName(ctx, name)
	if errors.Is(err, domain.ErrMedicineNotFound) {
		return contractx.ToolResult{Result: AvailabilityOutput{MedicineName: name, Requested: qty}}, nil
	}
	if err != nil {
		return contractx.ToolResult{}, err
	}

	av, err := h.ledger.CheckAvailability(ctx, med.ID, qty)
	if errors.Is(err, domain.ErrInvalidQuantity) {
		return contractx.ToolResult{}, fmt.Errorf("%w: quantity %d: %v", contractx.ErrInvalidArguments, qty, err)
	}
	if err != nil {
		return contractx.ToolResult{}, err
	}
	return contractx.ToolResult{Result: AvailabilityOutput{
		Found:                true,
		MedicineName:         av.Name,
		Requested:            av.Requested,
		Available:            av.Available,
		StockQuantity:        av.StockQuantity,
		PrescriptionRequired: av.PrescriptionRequired,
	}}, nil
}

func (h handlers) createOrder(ctx context.Context, inv contractx.Invocation) (contractx.ToolResult, error) {
	name := stringArg(inv.Args, "medicine_name")
	qty := intArg(inv.Args, "quantity", 0)

	med, err := h.ledger.FindByName(ctx, name)
	if errors.Is(err, domain.ErrMedicineNotFound) {
		// Nothing to order, so no order record is kept for the key.
		return contractx.ToolResult{
			Result: OrderOutput{
				Status:       domain.OrderRejected,
				MedicineName: name,
				Quantity:     qty,
				Code:         domain.RejectionCode(err),
				Reason:       err.Error(),
			},
			Rejected: true,
			Reason:   err.Error(),
		}, nil
	}
	if err != nil {
		return contractx.ToolResult{}, err
	}

	out, err := h.orders.CreateOrder(ctx, domain.OrderRequest{
		IdempotencyKey: inv.IdempotencyKey,
		CustomerID:     inv.CustomerID,
		MedicineID:     med.ID,
		Quantity:       qty,
	})
	if err != nil {
		return contractx.ToolResult{}, fmt.Errorf("create order: %w", err)
	}

	order := out.Order
	result := OrderOutput{
		Status:       order.Status,
		OrderID:      order.ID,
		MedicineName: med.Name,
		Quantity:     order.Quantity,
		Code:         order.RejectionCode,
		Reason:       order.RejectionReason,
	}
	if order.Status == domain.OrderConfirmed {
		if current, err := h.ledger.Get(ctx, med.ID); err == nil {
			result.RemainingStock = &current.StockQuantity
		}
	}

	return contractx.ToolResult{
		Result:   result,
		Rejected: order.Status == domain.OrderRejected,
		Reason:   order.RejectionReason,
		Order:    &order,
		Created:  out.Created,
	}, nil
}

func (h handlers) refillAlerts(ctx context.Context, inv contractx.Invocation) (contractx.ToolResult, error) {
	customerID := inv.CustomerID
	alerts, err := h.orders.RefillAlerts(ctx, &customerID)
	if err != nil {
		return contractx.ToolResult{}, err
	}
	if alerts == nil {
		alerts = []domain.RefillAlert{}
	}
	return contractx.ToolResult{Result: RefillAlertsOutput{Alerts: alerts}}, nil
}

func (h handlers) history(ctx context.Context, inv contractx.Invocation) (contractx.ToolResult, error) {
	orders, err := h.orders.History(ctx, inv.CustomerID)
	if err != nil {
		return contractx.ToolResult{}, err
	}
	if len(orders) > historyLimit {
		orders = orders[:historyLimit]
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return contractx.ToolResult{Result: HistoryOutput{History: orders}}, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int64) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return def
}
