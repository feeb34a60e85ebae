package refill

import (
	"iter"
	"slices"
	"time"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

const day = 24 * time.Hour

// Predictor derives refill alerts from confirmed order history and per-medicine cadence.
type Predictor struct {
	Now func() time.Time
}

func NewPredictor() Predictor {
	return Predictor{Now: time.Now}
}

type pairKey struct {
	customerID int64
	medicineID int64
}

type lastOrder struct {
	key  pairKey
	name string
	at   time.Time
}

// AlertsFor yields alerts for customerID, or for every customer when customerID is nil.
// Alerts come in descending days_overdue order; ties keep the order in which the
// (customer, medicine) pair first appears in orders. Only positive overdue values are
// emitted and medicines without a cadence never produce an alert.
func (p Predictor) AlertsFor(
	orders []domain.Order,
	medicines map[int64]domain.Medicine,
	customerID *int64,
) iter.Seq[domain.RefillAlert] {
	return func(yield func(domain.RefillAlert) bool) {
		for _, a := range p.compute(orders, medicines, customerID) {
			if !yield(a) {
				return
			}
		}
	}
}

func (p Predictor) compute(
	orders []domain.Order,
	medicines map[int64]domain.Medicine,
	customerID *int64,
) []domain.RefillAlert {
	var (
		seen  = make(map[pairKey]int)
		pairs []lastOrder
	)
	for _, o := range orders {
		if o.Status != domain.OrderConfirmed {
			continue
		}
		if customerID != nil && o.CustomerID != *customerID {
			continue
		}
		key := pairKey{customerID: o.CustomerID, medicineID: o.MedicineID}
		idx, ok := seen[key]
		if !ok {
			seen[key] = len(pairs)
			pairs = append(pairs, lastOrder{key: key, name: o.MedicineName, at: o.CreatedAt})
			continue
		}
		if o.CreatedAt.After(pairs[idx].at) {
			pairs[idx].at = o.CreatedAt
		}
	}

	today := truncateDay(p.now())
	alerts := make([]domain.RefillAlert, 0, len(pairs))
	for _, lo := range pairs {
		med, ok := medicines[lo.key.medicineID]
		if !ok || med.RefillCadence == nil || *med.RefillCadence <= 0 {
			continue
		}
		due := truncateDay(lo.at.Add(*med.RefillCadence))
		overdue := int(today.Sub(due) / day)
		if overdue <= 0 {
			continue
		}
		name := med.Name
		if name == "" {
			name = lo.name
		}
		alerts = append(alerts, domain.RefillAlert{
			CustomerID:    lo.key.customerID,
			MedicineID:    lo.key.medicineID,
			MedicineName:  name,
			LastOrderDate: lo.at,
			DueDate:       due,
			DaysOverdue:   overdue,
		})
	}

	slices.SortStableFunc(alerts, func(a, b domain.RefillAlert) int {
		return b.DaysOverdue - a.DaysOverdue
	})
	return alerts
}

func (p Predictor) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Collect is a convenience for callers that need a slice.
func Collect(seq iter.Seq[domain.RefillAlert]) []domain.RefillAlert {
	out := slices.Collect(seq)
	if out == nil {
		out = []domain.RefillAlert{}
	}
	return out
}

// IndexMedicines keys medicines by id.
func IndexMedicines(meds []domain.Medicine) map[int64]domain.Medicine {
	out := make(map[int64]domain.Medicine, len(meds))
	for _, m := range meds {
		out[m.ID] = m
	}
	return out
}
