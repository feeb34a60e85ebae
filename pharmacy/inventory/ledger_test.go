package inventory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

func newTestLedger(t *testing.T, meds ...domain.Medicine) *MemoryLedger {
	t.Helper()
	l, err := NewMemoryLedger(meds...)
	if err != nil {
		t.Fatalf("NewMemoryLedger() error = %v", err)
	}
	return l
}

func TestReserveAndDecrementConcurrentNeverOversells(t *testing.T) {
	t.Parallel()

	const initial = 50
	l := newTestLedger(t, domain.Medicine{ID: 1, Name: "Paracetamol", StockQuantity: initial})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
	)
	for i := 0; i < 40; i++ {
		qty := int64(i%3 + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ReserveAndDecrement(context.Background(), 1, qty)
			switch {
			case err == nil:
				mu.Lock()
				succeeded += qty
				mu.Unlock()
			case errors.Is(err, domain.ErrInsufficientStock):
			default:
				t.Errorf("ReserveAndDecrement() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	m, err := l.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if m.StockQuantity < 0 {
		t.Fatalf("stock went negative: %d", m.StockQuantity)
	}
	if m.StockQuantity != initial-succeeded {
		t.Fatalf("stock = %d, want %d", m.StockQuantity, initial-succeeded)
	}
}

func TestReserveAndDecrementInsufficientStockLeavesStock(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, domain.Medicine{ID: 1, Name: "Ibuprofen", StockQuantity: 3})

	_, err := l.ReserveAndDecrement(context.Background(), 1, 5)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("ReserveAndDecrement() error = %v, want ErrInsufficientStock", err)
	}

	m, _ := l.Get(context.Background(), 1)
	if m.StockQuantity != 3 {
		t.Fatalf("stock = %d, want 3", m.StockQuantity)
	}
}

func TestReserveAndDecrementRejectsNonPositiveQuantity(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, domain.Medicine{ID: 1, Name: "Ibuprofen", StockQuantity: 3})
	if _, err := l.ReserveAndDecrement(context.Background(), 1, 0); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("ReserveAndDecrement(0) error = %v, want ErrInvalidQuantity", err)
	}
}

func TestFindByNameIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, domain.Medicine{Name: "Vitamin D3", StockQuantity: 10})

	m, err := l.FindByName(context.Background(), "  vitamin   d3 ")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if m.ID != 1 {
		t.Fatalf("FindByName() id = %d, want 1", m.ID)
	}

	if _, err := l.FindByName(context.Background(), "aspirin"); !errors.Is(err, domain.ErrMedicineNotFound) {
		t.Fatalf("FindByName(aspirin) error = %v, want ErrMedicineNotFound", err)
	}
}

func TestCheckAvailability(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, domain.Medicine{ID: 4, Name: "Amoxicillin", StockQuantity: 2, PrescriptionRequired: true})

	got, err := l.CheckAvailability(context.Background(), 4, 3)
	if err != nil {
		t.Fatalf("CheckAvailability() error = %v", err)
	}
	if got.Available {
		t.Fatal("expected unavailable for quantity above stock")
	}
	if !got.PrescriptionRequired || got.StockQuantity != 2 {
		t.Fatalf("unexpected availability: %+v", got)
	}
}

func TestRestockAndList(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t,
		domain.Medicine{Name: "zinc", StockQuantity: 1},
		domain.Medicine{Name: "Aspirin", StockQuantity: 0},
	)

	m, err := l.Restock(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("Restock() error = %v", err)
	}
	if m.StockQuantity != 5 {
		t.Fatalf("restocked quantity = %d, want 5", m.StockQuantity)
	}

	list, err := l.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].Name != "Aspirin" || list[1].Name != "zinc" {
		t.Fatalf("List() order = %+v", list)
	}
}

func TestRestockRejectsOverflow(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, domain.Medicine{Name: "Paracetamol", StockQuantity: 5})

	if _, err := l.Restock(context.Background(), 1, math.MaxInt64); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("Restock(MaxInt64) error = %v, want ErrInvalidQuantity", err)
	}
	m, err := l.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if m.StockQuantity != 5 {
		t.Fatalf("stock = %d, want 5", m.StockQuantity)
	}

	if m, err = l.Restock(context.Background(), 1, math.MaxInt64-5); err != nil {
		t.Fatalf("Restock(MaxInt64-5) error = %v", err)
	}
	if m.StockQuantity != math.MaxInt64 {
		t.Fatalf("stock = %d, want MaxInt64", m.StockQuantity)
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, domain.Medicine{Name: "Aspirin"})
	if _, err := l.Add(domain.Medicine{Name: "ASPIRIN"}); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestPutUpdatesExistingByName(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, domain.Medicine{Name: "Aspirin", StockQuantity: 3, Unit: "tablet"})
	m, err := l.Put(domain.Medicine{Name: " aspirin ", StockQuantity: 40, PrescriptionRequired: true})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if m.ID != 1 || m.StockQuantity != 40 || !m.PrescriptionRequired || m.Unit != "tablet" {
		t.Fatalf("Put() = %+v", m)
	}

	added, err := l.Put(domain.Medicine{Name: "Zinc", StockQuantity: 2})
	if err != nil {
		t.Fatalf("Put(new) error = %v", err)
	}
	if added.ID != 2 {
		t.Fatalf("new id = %d, want 2", added.ID)
	}
}
