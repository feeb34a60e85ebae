package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/customers"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/inventory"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *inventory.MemoryLedger
	dir    *customers.MemoryDirectory
	store  *Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	ledger, err := inventory.NewMemoryLedger(
		domain.Medicine{ID: 1, Name: "Paracetamol", StockQuantity: 5},
		domain.Medicine{ID: 2, Name: "Amoxicillin", StockQuantity: 10, PrescriptionRequired: true},
		domain.Medicine{ID: 3, Name: "Metformin", StockQuantity: 20, RefillCadence: domain.CadenceDays(30)},
	)
	if err != nil {
		t.Fatalf("NewMemoryLedger() error = %v", err)
	}
	expired := testNow.Add(-time.Hour)
	dir := customers.NewMemoryDirectory(
		domain.Customer{ID: 100, Name: "Asha"},
		domain.Customer{ID: 101, Name: "Ravi", Prescriptions: []domain.Prescription{{MedicineID: 2}}},
		domain.Customer{ID: 102, Name: "Meera", Prescriptions: []domain.Prescription{{MedicineID: 2, ExpiresAt: &expired}}},
	)

	var seq atomic.Int64
	store, err := NewStore(ledger, dir,
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return fmt.Sprintf("ord-%d", seq.Add(1)) }),
	)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return fixture{ledger: ledger, dir: dir, store: store}
}

func (f fixture) stock(t *testing.T, id int64) int64 {
	t.Helper()
	m, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return m.StockQuantity
}

func TestCreateOrderConfirmsAndDecrements(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := f.store.CreateOrder(context.Background(), domain.OrderRequest{
		IdempotencyKey: "k1", CustomerID: 100, MedicineID: 1, Quantity: 5,
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if !out.Created || out.Order.Status != domain.OrderConfirmed {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Order.MedicineName != "Paracetamol" {
		t.Fatalf("medicine name = %q", out.Order.MedicineName)
	}
	if got := f.stock(t, 1); got != 0 {
		t.Fatalf("stock = %d, want 0", got)
	}
}

func TestCreateOrderReplayReturnsOriginal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := domain.OrderRequest{IdempotencyKey: "k-replay", CustomerID: 100, MedicineID: 1, Quantity: 2}

	first, err := f.store.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := f.store.CreateOrder(context.Background(), req)
		if err != nil {
			t.Fatalf("replay %d error = %v", i, err)
		}
		if again.Created {
			t.Fatalf("replay %d reported Created", i)
		}
		if again.Order != first.Order {
			t.Fatalf("replay %d order = %+v, want %+v", i, again.Order, first.Order)
		}
	}
	if got := f.stock(t, 1); got != 3 {
		t.Fatalf("stock = %d, want 3", got)
	}
	history, _ := f.store.History(context.Background(), 100)
	if len(history) != 1 {
		t.Fatalf("history len = %d, want 1", len(history))
	}
}

func TestCreateOrderConcurrentReplaysDecrementOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := domain.OrderRequest{IdempotencyKey: "k-race", CustomerID: 100, MedicineID: 3, Quantity: 4}

	var (
		wg      sync.WaitGroup
		created atomic.Int64
		ids     sync.Map
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.store.CreateOrder(context.Background(), req)
			if err != nil {
				t.Errorf("CreateOrder() error = %v", err)
				return
			}
			if out.Created {
				created.Add(1)
			}
			ids.Store(out.Order.ID, struct{}{})
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("created = %d, want 1", created.Load())
	}
	distinct := 0
	ids.Range(func(any, any) bool { distinct++; return true })
	if distinct != 1 {
		t.Fatalf("distinct order ids = %d, want 1", distinct)
	}
	if got := f.stock(t, 3); got != 16 {
		t.Fatalf("stock = %d, want 16", got)
	}
}

func TestCreateOrderRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		req      domain.OrderRequest
		wantCode string
	}{
		{"insufficient stock", domain.OrderRequest{CustomerID: 100, MedicineID: 1, Quantity: 6}, "insufficient_stock"},
		{"prescription missing", domain.OrderRequest{CustomerID: 100, MedicineID: 2, Quantity: 1}, "prescription_required"},
		{"prescription expired", domain.OrderRequest{CustomerID: 102, MedicineID: 2, Quantity: 1}, "prescription_required"},
		{"unknown customer", domain.OrderRequest{CustomerID: 999, MedicineID: 1, Quantity: 1}, "not_authorized"},
		{"unknown medicine", domain.OrderRequest{CustomerID: 100, MedicineID: 42, Quantity: 1}, "medicine_not_found"},
		{"zero quantity", domain.OrderRequest{CustomerID: 100, MedicineID: 1, Quantity: 0}, "invalid_quantity"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tc.req.IdempotencyKey = "k-" + tc.name
			out, err := f.store.CreateOrder(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("CreateOrder() error = %v", err)
			}
			if out.Order.Status != domain.OrderRejected {
				t.Fatalf("status = %s, want rejected", out.Order.Status)
			}
			if out.Order.RejectionCode != tc.wantCode {
				t.Fatalf("code = %q, want %q", out.Order.RejectionCode, tc.wantCode)
			}
			if out.Order.RejectionReason == "" {
				t.Fatal("rejection reason is empty")
			}
			if got := f.stock(t, 1); got != 5 {
				t.Fatalf("paracetamol stock changed to %d", got)
			}
			if got := f.stock(t, 2); got != 10 {
				t.Fatalf("amoxicillin stock changed to %d", got)
			}
		})
	}
}

func TestCreateOrderRejectedKeyIsConsumed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := domain.OrderRequest{IdempotencyKey: "k-short", CustomerID: 100, MedicineID: 1, Quantity: 6}
	if _, err := f.store.CreateOrder(context.Background(), req); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if _, err := f.ledger.Restock(context.Background(), 1, 10); err != nil {
		t.Fatalf("Restock() error = %v", err)
	}

	again, err := f.store.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if again.Order.Status != domain.OrderRejected || again.Created {
		t.Fatalf("replay of rejected key = %+v", again)
	}
}

func TestCreateOrderAuthorizedPrescription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := f.store.CreateOrder(context.Background(), domain.OrderRequest{
		IdempotencyKey: "k-rx", CustomerID: 101, MedicineID: 2, Quantity: 2,
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if out.Order.Status != domain.OrderConfirmed {
		t.Fatalf("status = %s, want confirmed", out.Order.Status)
	}
}

type flakyLedger struct {
	domain.Ledger
	fail atomic.Bool
}

func (l *flakyLedger) ReserveAndDecrement(ctx context.Context, id, qty int64) (domain.Decremented, error) {
	if l.fail.Load() {
		return domain.Decremented{}, errors.New("disk on fire")
	}
	return l.Ledger.ReserveAndDecrement(ctx, id, qty)
}

func TestCreateOrderFailedIsRetryable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	flaky := &flakyLedger{Ledger: f.ledger}
	flaky.fail.Store(true)
	store, err := NewStore(flaky, f.dir, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	req := domain.OrderRequest{IdempotencyKey: "k-flaky", CustomerID: 100, MedicineID: 1, Quantity: 1}
	out, err := store.CreateOrder(context.Background(), req)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("CreateOrder() error = %v, want ErrStoreUnavailable", err)
	}
	if out.Order.Status != domain.OrderFailed {
		t.Fatalf("status = %s, want failed", out.Order.Status)
	}

	flaky.fail.Store(false)
	retry, err := store.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if retry.Order.Status != domain.OrderConfirmed || !retry.Created {
		t.Fatalf("retry outcome = %+v", retry)
	}
	if retry.Order.ID != out.Order.ID {
		t.Fatalf("retry changed order id %q -> %q", out.Order.ID, retry.Order.ID)
	}
}

func TestCreateOrderRequiresKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.store.CreateOrder(context.Background(), domain.OrderRequest{CustomerID: 100, MedicineID: 1, Quantity: 1})
	if !errors.Is(err, domain.ErrMissingKey) {
		t.Fatalf("CreateOrder() error = %v, want ErrMissingKey", err)
	}
}

func TestRefillAlertsFromHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.store.Record(domain.Order{
		IdempotencyKey: "seed-1",
		CustomerID:     100,
		MedicineID:     3,
		MedicineName:   "Metformin",
		Quantity:       30,
		Status:         domain.OrderConfirmed,
		CreatedAt:      testNow.Add(-35 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	alerts, err := f.store.RefillAlerts(context.Background(), nil)
	if err != nil {
		t.Fatalf("RefillAlerts() error = %v", err)
	}
	if len(alerts) != 1 || alerts[0].DaysOverdue != 5 || alerts[0].MedicineName != "Metformin" {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}

	other := int64(101)
	alerts, err = f.store.RefillAlerts(context.Background(), &other)
	if err != nil {
		t.Fatalf("RefillAlerts() error = %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts for customer 101, got %+v", alerts)
	}
}
