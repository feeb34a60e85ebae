package domain

import (
	"strings"
	"time"
)

// Medicine is a stocked product. StockQuantity is only ever changed through a Ledger.
type Medicine struct {
	ID                   int64          `json:"id"`
	Name                 string         `json:"name"`
	Category             string         `json:"category,omitempty"`
	Unit                 string         `json:"unit,omitempty"`
	StockQuantity        int64          `json:"stock_quantity"`
	PrescriptionRequired bool           `json:"prescription_required"`
	RefillCadence        *time.Duration `json:"refill_cadence,omitempty"`
}

// Availability answers whether a quantity can be served right now.
type Availability struct {
	MedicineID           int64  `json:"medicine_id"`
	Name                 string `json:"name"`
	Requested            int64  `json:"requested"`
	Available            bool   `json:"available"`
	StockQuantity        int64  `json:"stock_quantity"`
	PrescriptionRequired bool   `json:"prescription_required"`
}

// Decremented is the outcome of a successful reservation.
type Decremented struct {
	MedicineID int64 `json:"medicine_id"`
	Quantity   int64 `json:"quantity"`
	Remaining  int64 `json:"remaining"`
}

// NormalizeName folds a medicine name for case-insensitive lookups.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// CadenceDays converts days into a refill cadence. Non-positive values mean no cadence.
func CadenceDays(days int64) *time.Duration {
	if days <= 0 {
		return nil
	}
	d := time.Duration(days) * 24 * time.Hour
	return &d
}

func (m Medicine) AvailabilityFor(quantity int64) Availability {
	return Availability{
		MedicineID:           m.ID,
		Name:                 m.Name,
		Requested:            quantity,
		Available:            quantity > 0 && m.StockQuantity >= quantity,
		StockQuantity:        m.StockQuantity,
		PrescriptionRequired: m.PrescriptionRequired,
	}
}
