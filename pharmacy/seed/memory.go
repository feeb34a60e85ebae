package seed

import (
	"context"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/customers"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/inventory"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/orders"
)

var _ Sink = MemorySink{}

// MemorySink writes imported records into the in-process stores.
type MemorySink struct {
	Ledger    *inventory.MemoryLedger
	Directory *customers.MemoryDirectory
	Orders    *orders.Store
}

func (m MemorySink) FindByName(ctx context.Context, name string) (domain.Medicine, error) {
	return m.Ledger.FindByName(ctx, name)
}

func (m MemorySink) UpsertMedicine(_ context.Context, med domain.Medicine) (domain.Medicine, error) {
	return m.Ledger.Put(med)
}

func (m MemorySink) PutCustomer(_ context.Context, c domain.Customer) (domain.Customer, error) {
	m.Directory.Put(c)
	return c, nil
}

func (m MemorySink) RecordOrder(_ context.Context, o domain.Order) error {
	return m.Orders.Record(o)
}
