package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/refill"
	"github.com/Rahil-dope/agentic-pharmacy-system/pkg/keylock"
)

var _ domain.OrderStore = (*Store)(nil)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
			s.predictor.Now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// Store is the in-process order store. Calls sharing an idempotency key are
// serialized; the first final order recorded for a key is returned to every replay.
type Store struct {
	ledger    domain.Ledger
	customers domain.CustomerDirectory
	predictor refill.Predictor

	now   func() time.Time
	newID func() string
	keys  *keylock.Map[string]

	mu     sync.RWMutex
	orders []domain.Order
	byKey  map[string]int
}

func NewStore(ledger domain.Ledger, customers domain.CustomerDirectory, opts ...Option) (*Store, error) {
	if ledger == nil {
		return nil, errors.New("orders: ledger is required")
	}
	if customers == nil {
		return nil, errors.New("orders: customer directory is required")
	}

	s := &Store{
		ledger:    ledger,
		customers: customers,
		predictor: refill.NewPredictor(),
		now:       time.Now,
		newID:     uuid.NewString,
		keys:      keylock.New[string](),
		byKey:     make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Store) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return domain.OrderOutcome{}, domain.ErrMissingKey
	}

	unlock := s.keys.Lock(key)
	defer unlock()

	prev, hasPrev := s.lookup(key)
	if hasPrev && prev.Status.IsFinal() {
		return domain.OrderOutcome{Order: prev, Created: false}, nil
	}

	order := domain.Order{
		ID:             s.newID(),
		IdempotencyKey: key,
		CustomerID:     req.CustomerID,
		MedicineID:     req.MedicineID,
		Quantity:       req.Quantity,
		Status:         domain.OrderPending,
		CreatedAt:      s.now().UTC(),
	}
	if hasPrev {
		order.ID = prev.ID
	}

	if err := s.place(ctx, &order); err != nil {
		order.Status = domain.OrderFailed
		s.record(order)
		return domain.OrderOutcome{Order: order}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	s.record(order)
	return domain.OrderOutcome{Order: order, Created: true}, nil
}

// place validates and reserves stock. Business rejections are written onto the
// order; only infrastructure failures are returned.
func (s *Store) place(ctx context.Context, order *domain.Order) error {
	customer, err := s.customers.Customer(ctx, order.CustomerID)
	if errors.Is(err, domain.ErrCustomerNotFound) {
		order.Reject(fmt.Errorf("%w: customer %d is unknown", domain.ErrNotAuthorized, order.CustomerID))
		return nil
	}
	if err != nil {
		return err
	}

	med, err := s.ledger.Get(ctx, order.MedicineID)
	if errors.Is(err, domain.ErrMedicineNotFound) {
		order.Reject(err)
		return nil
	}
	if err != nil {
		return err
	}
	order.MedicineName = med.Name

	if order.Quantity < 1 {
		order.Reject(domain.ErrInvalidQuantity)
		return nil
	}
	if med.PrescriptionRequired && !customer.AuthorizedFor(med.ID, s.now()) {
		order.Reject(fmt.Errorf("%w: %s needs a valid prescription", domain.ErrPrescriptionRequired, med.Name))
		return nil
	}

	if _, err := s.ledger.ReserveAndDecrement(ctx, med.ID, order.Quantity); err != nil {
		if domain.IsBusinessRejection(err) {
			order.Reject(err)
			return nil
		}
		return err
	}

	order.Status = domain.OrderConfirmed
	return nil
}

// Record stores an already decided order, used when importing history. An order
// whose key is already known is skipped.
func (s *Store) Record(order domain.Order) error {
	if strings.TrimSpace(order.IdempotencyKey) == "" {
		return domain.ErrMissingKey
	}
	if order.ID == "" {
		order.ID = s.newID()
	}
	if _, exists := s.lookup(order.IdempotencyKey); exists {
		return nil
	}
	s.record(order)
	return nil
}

func (s *Store) lookup(key string) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byKey[key]
	if !ok {
		return domain.Order{}, false
	}
	return s.orders[idx], true
}

func (s *Store) record(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byKey[order.IdempotencyKey]; ok {
		s.orders[idx] = order
		return
	}
	s.byKey[order.IdempotencyKey] = len(s.orders)
	s.orders = append(s.orders, order)
}

func (s *Store) History(_ context.Context, customerID int64) ([]domain.Order, error) {
	s.mu.RLock()
	out := make([]domain.Order, 0)
	for _, o := range s.orders {
		if o.CustomerID == customerID {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ConfirmedOrders(_ context.Context) ([]domain.Order, error) {
	s.mu.RLock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if o.Status == domain.OrderConfirmed {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) RefillAlerts(ctx context.Context, customerID *int64) ([]domain.RefillAlert, error) {
	history, err := s.ConfirmedOrders(ctx)
	if err != nil {
		return nil, err
	}
	meds, err := s.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list medicines: %v", domain.ErrStoreUnavailable, err)
	}
	return refill.Collect(s.predictor.AlertsFor(history, refill.IndexMedicines(meds), customerID)), nil
}
