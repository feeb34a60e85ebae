package inventory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

var _ domain.Ledger = (*MemoryLedger)(nil)

// MemoryLedger keeps stock in process. Every medicine carries its own lock, so
// decrements of different medicines never contend; mu only guards the index.
type MemoryLedger struct {
	mu        sync.RWMutex
	medicines map[int64]*stockEntry
	byName    map[string]int64
	nextID    int64
}

type stockEntry struct {
	mu sync.Mutex
	m  domain.Medicine
}

func (e *stockEntry) snapshot() domain.Medicine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m
}

func NewMemoryLedger(medicines ...domain.Medicine) (*MemoryLedger, error) {
	l := &MemoryLedger{
		medicines: make(map[int64]*stockEntry, len(medicines)),
		byName:    make(map[string]int64, len(medicines)),
	}
	for _, m := range medicines {
		if _, err := l.Add(m); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Add registers a medicine. A zero ID is assigned the next free id.
func (l *MemoryLedger) Add(m domain.Medicine) (domain.Medicine, error) {
	name := domain.NormalizeName(m.Name)
	if name == "" {
		return domain.Medicine{}, fmt.Errorf("inventory: medicine name is required")
	}
	if m.StockQuantity < 0 {
		return domain.Medicine{}, fmt.Errorf("inventory: medicine %q: %w", m.Name, domain.ErrInvalidQuantity)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byName[name]; exists {
		return domain.Medicine{}, fmt.Errorf("inventory: duplicate medicine %q", m.Name)
	}
	if m.ID == 0 {
		m.ID = l.nextID + 1
	}
	if _, exists := l.medicines[m.ID]; exists {
		return domain.Medicine{}, fmt.Errorf("inventory: duplicate medicine id %d", m.ID)
	}
	if m.ID > l.nextID {
		l.nextID = m.ID
	}
	m.Name = strings.TrimSpace(m.Name)

	l.medicines[m.ID] = &stockEntry{m: m}
	l.byName[name] = m.ID
	return m, nil
}

// Put adds m, or overwrites the stock and flags of the medicine with the same name.
func (l *MemoryLedger) Put(m domain.Medicine) (domain.Medicine, error) {
	l.mu.RLock()
	id, ok := l.byName[domain.NormalizeName(m.Name)]
	e := l.medicines[id]
	l.mu.RUnlock()
	if !ok {
		return l.Add(m)
	}
	if m.StockQuantity < 0 {
		return domain.Medicine{}, fmt.Errorf("inventory: medicine %q: %w", m.Name, domain.ErrInvalidQuantity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.m.StockQuantity = m.StockQuantity
	e.m.PrescriptionRequired = m.PrescriptionRequired
	e.m.RefillCadence = m.RefillCadence
	if m.Category != "" {
		e.m.Category = m.Category
	}
	if m.Unit != "" {
		e.m.Unit = m.Unit
	}
	return e.m, nil
}

func (l *MemoryLedger) entry(id int64) (*stockEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.medicines[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", domain.ErrMedicineNotFound, id)
	}
	return e, nil
}

func (l *MemoryLedger) Get(_ context.Context, id int64) (domain.Medicine, error) {
	e, err := l.entry(id)
	if err != nil {
		return domain.Medicine{}, err
	}
	return e.snapshot(), nil
}

func (l *MemoryLedger) FindByName(ctx context.Context, name string) (domain.Medicine, error) {
	l.mu.RLock()
	id, ok := l.byName[domain.NormalizeName(name)]
	l.mu.RUnlock()
	if !ok {
		return domain.Medicine{}, fmt.Errorf("%w: %q", domain.ErrMedicineNotFound, name)
	}
	return l.Get(ctx, id)
}

func (l *MemoryLedger) List(_ context.Context) ([]domain.Medicine, error) {
	l.mu.RLock()
	entries := make([]*stockEntry, 0, len(l.medicines))
	for _, e := range l.medicines {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]domain.Medicine, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

func (l *MemoryLedger) CheckAvailability(ctx context.Context, medicineID, quantity int64) (domain.Availability, error) {
	if quantity < 1 {
		return domain.Availability{}, domain.ErrInvalidQuantity
	}
	m, err := l.Get(ctx, medicineID)
	if err != nil {
		return domain.Availability{}, err
	}
	return m.AvailabilityFor(quantity), nil
}

func (l *MemoryLedger) ReserveAndDecrement(_ context.Context, medicineID, quantity int64) (domain.Decremented, error) {
	if quantity < 1 {
		return domain.Decremented{}, domain.ErrInvalidQuantity
	}
	e, err := l.entry(medicineID)
	if err != nil {
		return domain.Decremented{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.m.StockQuantity < quantity {
		return domain.Decremented{}, fmt.Errorf("%w: %s has %d, requested %d",
			domain.ErrInsufficientStock, e.m.Name, e.m.StockQuantity, quantity)
	}
	e.m.StockQuantity -= quantity

	return domain.Decremented{
		MedicineID: medicineID,
		Quantity:   quantity,
		Remaining:  e.m.StockQuantity,
	}, nil
}

func (l *MemoryLedger) Restock(_ context.Context, medicineID, quantity int64) (domain.Medicine, error) {
	if quantity < 1 {
		return domain.Medicine{}, domain.ErrInvalidQuantity
	}
	e, err := l.entry(medicineID)
	if err != nil {
		return domain.Medicine{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if quantity > math.MaxInt64-e.m.StockQuantity {
		return domain.Medicine{}, fmt.Errorf("%w: %s has %d, restock of %d overflows",
			domain.ErrInvalidQuantity, e.m.Name, e.m.StockQuantity, quantity)
	}
	e.m.StockQuantity += quantity
	return e.m, nil
}
