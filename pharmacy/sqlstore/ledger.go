package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/uptrace/bun"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

func (s *Store) Get(ctx context.Context, id int64) (domain.Medicine, error) {
	return getMedicine(ctx, s.db, id)
}

func getMedicine(ctx context.Context, db bun.IDB, id int64) (domain.Medicine, error) {
	row := new(medicineRow)
	err := db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Medicine{}, fmt.Errorf("%w: id=%d", domain.ErrMedicineNotFound, id)
	}
	if err != nil {
		return domain.Medicine{}, unavailable("get medicine", err)
	}
	return row.toDomain(), nil
}

func (s *Store) FindByName(ctx context.Context, name string) (domain.Medicine, error) {
	row := new(medicineRow)
	err := s.db.NewSelect().
		Model(row).
		Where("LOWER(name) = ?", domain.NormalizeName(name)).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Medicine{}, fmt.Errorf("%w: %q", domain.ErrMedicineNotFound, name)
	}
	if err != nil {
		return domain.Medicine{}, unavailable("find medicine", err)
	}
	return row.toDomain(), nil
}

func (s *Store) List(ctx context.Context) ([]domain.Medicine, error) {
	var rows []medicineRow
	if err := s.db.NewSelect().Model(&rows).OrderExpr("LOWER(name) ASC").Scan(ctx); err != nil {
		return nil, unavailable("list medicines", err)
	}
	out := make([]domain.Medicine, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) CheckAvailability(ctx context.Context, medicineID, quantity int64) (domain.Availability, error) {
	if quantity < 1 {
		return domain.Availability{}, domain.ErrInvalidQuantity
	}
	m, err := s.Get(ctx, medicineID)
	if err != nil {
		return domain.Availability{}, err
	}
	return m.AvailabilityFor(quantity), nil
}

func (s *Store) ReserveAndDecrement(ctx context.Context, medicineID, quantity int64) (domain.Decremented, error) {
	return decrement(ctx, s.db, medicineID, quantity)
}

// decrement is a single conditional UPDATE, so the database row lock serializes
// concurrent decrements of one medicine and stock can never go negative.
func decrement(ctx context.Context, db bun.IDB, medicineID, quantity int64) (domain.Decremented, error) {
	if quantity < 1 {
		return domain.Decremented{}, domain.ErrInvalidQuantity
	}

	res, err := db.NewUpdate().
		Model((*medicineRow)(nil)).
		Set("stock_quantity = stock_quantity - ?", quantity).
		Where("id = ?", medicineID).
		Where("stock_quantity >= ?", quantity).
		Exec(ctx)
	if err != nil {
		return domain.Decremented{}, unavailable("decrement stock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Decremented{}, unavailable("decrement stock", err)
	}

	m, err := getMedicine(ctx, db, medicineID)
	if err != nil {
		return domain.Decremented{}, err
	}
	if affected == 0 {
		return domain.Decremented{}, fmt.Errorf("%w: %s has %d, requested %d",
			domain.ErrInsufficientStock, m.Name, m.StockQuantity, quantity)
	}

	return domain.Decremented{
		MedicineID: medicineID,
		Quantity:   quantity,
		Remaining:  m.StockQuantity,
	}, nil
}

func (s *Store) Restock(ctx context.Context, medicineID, quantity int64) (domain.Medicine, error) {
	if quantity < 1 {
		return domain.Medicine{}, domain.ErrInvalidQuantity
	}
	res, err := s.db.NewUpdate().
		Model((*medicineRow)(nil)).
		Set("stock_quantity = stock_quantity + ?", quantity).
		Where("id = ?", medicineID).
		Where("stock_quantity <= ?", math.MaxInt64-quantity).
		Exec(ctx)
	if err != nil {
		return domain.Medicine{}, unavailable("restock", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		m, err := s.Get(ctx, medicineID)
		if err != nil {
			return domain.Medicine{}, err
		}
		return domain.Medicine{}, fmt.Errorf("%w: %s has %d, restock of %d overflows",
			domain.ErrInvalidQuantity, m.Name, m.StockQuantity, quantity)
	}
	return s.Get(ctx, medicineID)
}

// UpsertMedicine inserts a medicine or refreshes the stock and flags of the one with
// the same name.
func (s *Store) UpsertMedicine(ctx context.Context, m domain.Medicine) (domain.Medicine, error) {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return domain.Medicine{}, errors.New("sqlstore: medicine name is required")
	}
	if m.StockQuantity < 0 {
		return domain.Medicine{}, fmt.Errorf("sqlstore: medicine %q: %w", m.Name, domain.ErrInvalidQuantity)
	}

	row := medicineFromDomain(m)
	q := s.db.NewInsert().
		Model(row).
		On("CONFLICT (name) DO UPDATE").
		Set("stock_quantity = EXCLUDED.stock_quantity").
		Set("prescription_required = EXCLUDED.prescription_required").
		Set("refill_cadence_days = EXCLUDED.refill_cadence_days").
		Set("category = EXCLUDED.category").
		Set("unit = EXCLUDED.unit")
	if row.ID == 0 {
		q = q.ExcludeColumn("id")
	}
	if _, err := q.Exec(ctx); err != nil {
		return domain.Medicine{}, unavailable("upsert medicine", err)
	}
	return s.FindByName(ctx, m.Name)
}
