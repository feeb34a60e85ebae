package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/refill"
)

var errKeyTaken = errors.New("idempotency key already recorded")

// CreateOrder validates, decrements and records the order in one transaction.
// Two transactions racing on one key both run, but the unique index on
// idempotency_key lets only one insert land; the loser rolls back its decrement
// and returns the winner's order.
func (s *Store) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return domain.OrderOutcome{}, domain.ErrMissingKey
	}

	if prev, ok, err := orderByKey(ctx, s.db, key); err != nil {
		return domain.OrderOutcome{}, err
	} else if ok && prev.Status.IsFinal() {
		return domain.OrderOutcome{Order: prev}, nil
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

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.place(ctx, tx, &order); err != nil {
			return err
		}
		res, err := tx.NewInsert().
			Model(orderFromDomain(order)).
			On("CONFLICT (idempotency_key) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return unavailable("insert order", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return unavailable("insert order", err)
		} else if n == 0 {
			return errKeyTaken
		}
		return nil
	})

	switch {
	case errors.Is(err, errKeyTaken):
		prev, ok, lookupErr := orderByKey(ctx, s.db, key)
		if lookupErr != nil {
			return domain.OrderOutcome{}, lookupErr
		}
		if !ok {
			return domain.OrderOutcome{}, unavailable("create order", err)
		}
		return domain.OrderOutcome{Order: prev}, nil
	case err != nil:
		order.Status = domain.OrderFailed
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			err = unavailable("create order", err)
		}
		return domain.OrderOutcome{Order: order}, err
	}
	return domain.OrderOutcome{Order: order, Created: true}, nil
}

func (s *Store) place(ctx context.Context, tx bun.IDB, order *domain.Order) error {
	customer, err := getCustomer(ctx, tx, order.CustomerID)
	if errors.Is(err, domain.ErrCustomerNotFound) {
		order.Reject(fmt.Errorf("%w: customer %d is unknown", domain.ErrNotAuthorized, order.CustomerID))
		return nil
	}
	if err != nil {
		return err
	}

	med, err := getMedicine(ctx, tx, order.MedicineID)
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

	if _, err := decrement(ctx, tx, med.ID, order.Quantity); err != nil {
		if domain.IsBusinessRejection(err) {
			order.Reject(err)
			return nil
		}
		return err
	}
	order.Status = domain.OrderConfirmed
	return nil
}

func orderByKey(ctx context.Context, db bun.IDB, key string) (domain.Order, bool, error) {
	row := new(orderRow)
	err := db.NewSelect().Model(row).Where("idempotency_key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, unavailable("get order", err)
	}
	return row.toDomain(), true, nil
}

// RecordOrder stores an already decided order, used when importing history.
func (s *Store) RecordOrder(ctx context.Context, o domain.Order) error {
	if strings.TrimSpace(o.IdempotencyKey) == "" {
		return domain.ErrMissingKey
	}
	if o.ID == "" {
		o.ID = s.newID()
	}
	if _, err := s.db.NewInsert().Model(orderFromDomain(o)).On("CONFLICT (idempotency_key) DO NOTHING").Exec(ctx); err != nil {
		return unavailable("record order", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, customerID int64) ([]domain.Order, error) {
	var rows []orderRow
	if err := s.db.NewSelect().
		Model(&rows).
		Where("customer_id = ?", customerID).
		OrderExpr("created_at DESC").
		Scan(ctx); err != nil {
		return nil, unavailable("order history", err)
	}
	return toOrders(rows), nil
}

func (s *Store) ConfirmedOrders(ctx context.Context) ([]domain.Order, error) {
	var rows []orderRow
	if err := s.db.NewSelect().
		Model(&rows).
		Where("status = ?", string(domain.OrderConfirmed)).
		OrderExpr("created_at ASC").
		Scan(ctx); err != nil {
		return nil, unavailable("confirmed orders", err)
	}
	return toOrders(rows), nil
}

func (s *Store) RefillAlerts(ctx context.Context, customerID *int64) ([]domain.RefillAlert, error) {
	history, err := s.ConfirmedOrders(ctx)
	if err != nil {
		return nil, err
	}
	meds, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return refill.Collect(s.predictor.AlertsFor(history, refill.IndexMedicines(meds), customerID)), nil
}

func toOrders(rows []orderRow) []domain.Order {
	out := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
