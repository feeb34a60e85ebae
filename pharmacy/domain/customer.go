package domain

import "time"

type Customer struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	Email         string         `json:"email,omitempty"`
	Prescriptions []Prescription `json:"prescriptions,omitempty"`
}

// Prescription authorizes a customer for one medicine. A nil ExpiresAt never expires.
type Prescription struct {
	MedicineID int64      `json:"medicine_id"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (p Prescription) ValidAt(now time.Time) bool {
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

// AuthorizedFor reports whether the customer holds an unexpired prescription for the medicine.
func (c Customer) AuthorizedFor(medicineID int64, now time.Time) bool {
	for _, p := range c.Prescriptions {
		if p.MedicineID == medicineID && p.ValidAt(now) {
			return true
		}
	}
	return false
}
