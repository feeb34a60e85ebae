package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

func (s *Store) Customer(ctx context.Context, id int64) (domain.Customer, error) {
	return getCustomer(ctx, s.db, id)
}

func getCustomer(ctx context.Context, db bun.IDB, id int64) (domain.Customer, error) {
	row := new(customerRow)
	err := db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, fmt.Errorf("%w: id=%d", domain.ErrCustomerNotFound, id)
	}
	if err != nil {
		return domain.Customer{}, unavailable("get customer", err)
	}

	var rx []prescriptionRow
	if err := db.NewSelect().Model(&rx).Where("customer_id = ?", id).OrderExpr("id ASC").Scan(ctx); err != nil {
		return domain.Customer{}, unavailable("get prescriptions", err)
	}

	c := domain.Customer{ID: row.ID, Name: row.Name, Email: row.Email}
	for _, p := range rx {
		c.Prescriptions = append(c.Prescriptions, domain.Prescription{MedicineID: p.MedicineID, ExpiresAt: p.ExpiresAt})
	}
	return c, nil
}

func (s *Store) Customers(ctx context.Context) ([]domain.Customer, error) {
	var rows []customerRow
	if err := s.db.NewSelect().Model(&rows).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, unavailable("list customers", err)
	}
	var rx []prescriptionRow
	if err := s.db.NewSelect().Model(&rx).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, unavailable("list prescriptions", err)
	}

	byCustomer := make(map[int64][]domain.Prescription)
	for _, p := range rx {
		byCustomer[p.CustomerID] = append(byCustomer[p.CustomerID], domain.Prescription{MedicineID: p.MedicineID, ExpiresAt: p.ExpiresAt})
	}
	out := make([]domain.Customer, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Customer{ID: r.ID, Name: r.Name, Email: r.Email, Prescriptions: byCustomer[r.ID]})
	}
	return out, nil
}

// PutCustomer stores a customer together with the prescriptions it carries.
func (s *Store) PutCustomer(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := &customerRow{ID: c.ID, Name: c.Name, Email: c.Email}
		q := tx.NewInsert().Model(row)
		if row.ID == 0 {
			q = q.ExcludeColumn("id").Returning("id")
		} else {
			q = q.On("CONFLICT (id) DO UPDATE").Set("name = EXCLUDED.name").Set("email = EXCLUDED.email")
		}
		if _, err := q.Exec(ctx); err != nil {
			return err
		}
		c.ID = row.ID

		if _, err := tx.NewDelete().Model((*prescriptionRow)(nil)).Where("customer_id = ?", c.ID).Exec(ctx); err != nil {
			return err
		}
		for _, p := range c.Prescriptions {
			rx := &prescriptionRow{CustomerID: c.ID, MedicineID: p.MedicineID, ExpiresAt: p.ExpiresAt}
			if _, err := tx.NewInsert().Model(rx).ExcludeColumn("id").Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Customer{}, unavailable("put customer", err)
	}
	return c, nil
}
