package sqlstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

type medicineRow struct {
	bun.BaseModel `bun:"table:medicines,alias:m"`

	ID                   int64  `bun:"id,pk,autoincrement"`
	Name                 string `bun:"name,notnull,unique"`
	Category             string `bun:"category"`
	Unit                 string `bun:"unit"`
	StockQuantity        int64  `bun:"stock_quantity,notnull"`
	PrescriptionRequired bool   `bun:"prescription_required,notnull"`
	RefillCadenceDays    *int64 `bun:"refill_cadence_days"`
}

func (r medicineRow) toDomain() domain.Medicine {
	m := domain.Medicine{
		ID:                   r.ID,
		Name:                 r.Name,
		Category:             r.Category,
		Unit:                 r.Unit,
		StockQuantity:        r.StockQuantity,
		PrescriptionRequired: r.PrescriptionRequired,
	}
	if r.RefillCadenceDays != nil {
		m.RefillCadence = domain.CadenceDays(*r.RefillCadenceDays)
	}
	return m
}

func medicineFromDomain(m domain.Medicine) *medicineRow {
	row := &medicineRow{
		ID:                   m.ID,
		Name:                 m.Name,
		Category:             m.Category,
		Unit:                 m.Unit,
		StockQuantity:        m.StockQuantity,
		PrescriptionRequired: m.PrescriptionRequired,
	}
	if m.RefillCadence != nil {
		days := int64(*m.RefillCadence / (24 * time.Hour))
		row.RefillCadenceDays = &days
	}
	return row
}

type customerRow struct {
	bun.BaseModel `bun:"table:customers,alias:c"`

	ID    int64  `bun:"id,pk,autoincrement"`
	Name  string `bun:"name,notnull"`
	Email string `bun:"email"`
}

type prescriptionRow struct {
	bun.BaseModel `bun:"table:prescriptions,alias:p"`

	ID         int64      `bun:"id,pk,autoincrement"`
	CustomerID int64      `bun:"customer_id,notnull"`
	MedicineID int64      `bun:"medicine_id,notnull"`
	ExpiresAt  *time.Time `bun:"expires_at"`
}

type orderRow struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID              string    `bun:"id,pk"`
	IdempotencyKey  string    `bun:"idempotency_key,notnull,unique"`
	CustomerID      int64     `bun:"customer_id,notnull"`
	MedicineID      int64     `bun:"medicine_id,notnull"`
	MedicineName    string    `bun:"medicine_name"`
	Quantity        int64     `bun:"quantity,notnull"`
	Status          string    `bun:"status,notnull"`
	RejectionCode   string    `bun:"rejection_code"`
	RejectionReason string    `bun:"rejection_reason"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
}

func (r orderRow) toDomain() domain.Order {
	return domain.Order{
		ID:              r.ID,
		IdempotencyKey:  r.IdempotencyKey,
		CustomerID:      r.CustomerID,
		MedicineID:      r.MedicineID,
		MedicineName:    r.MedicineName,
		Quantity:        r.Quantity,
		Status:          domain.OrderStatus(r.Status),
		RejectionCode:   r.RejectionCode,
		RejectionReason: r.RejectionReason,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func orderFromDomain(o domain.Order) *orderRow {
	return &orderRow{
		ID:              o.ID,
		IdempotencyKey:  o.IdempotencyKey,
		CustomerID:      o.CustomerID,
		MedicineID:      o.MedicineID,
		MedicineName:    o.MedicineName,
		Quantity:        o.Quantity,
		Status:          string(o.Status),
		RejectionCode:   o.RejectionCode,
		RejectionReason: o.RejectionReason,
		CreatedAt:       o.CreatedAt.UTC(),
	}
}
