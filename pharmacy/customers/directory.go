package customers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

var _ domain.CustomerDirectory = (*MemoryDirectory)(nil)

type MemoryDirectory struct {
	mu        sync.RWMutex
	customers map[int64]domain.Customer
}

func NewMemoryDirectory(customers ...domain.Customer) *MemoryDirectory {
	d := &MemoryDirectory{customers: make(map[int64]domain.Customer, len(customers))}
	for _, c := range customers {
		d.Put(c)
	}
	return d
}

// Put inserts or replaces a customer record.
func (d *MemoryDirectory) Put(c domain.Customer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c.Prescriptions = append([]domain.Prescription(nil), c.Prescriptions...)
	d.customers[c.ID] = c
}

// Grant adds a prescription to an existing customer.
func (d *MemoryDirectory) Grant(customerID int64, p domain.Prescription) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.customers[customerID]
	if !ok {
		return fmt.Errorf("%w: id=%d", domain.ErrCustomerNotFound, customerID)
	}
	c.Prescriptions = append(append([]domain.Prescription(nil), c.Prescriptions...), p)
	d.customers[customerID] = c
	return nil
}

func (d *MemoryDirectory) Customer(_ context.Context, id int64) (domain.Customer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.customers[id]
	if !ok {
		return domain.Customer{}, fmt.Errorf("%w: id=%d", domain.ErrCustomerNotFound, id)
	}
	return c, nil
}

func (d *MemoryDirectory) Customers(_ context.Context) ([]domain.Customer, error) {
	d.mu.RLock()
	out := make([]domain.Customer, 0, len(d.customers))
	for _, c := range d.customers {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
