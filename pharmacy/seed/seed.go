// Package seed imports products and order history from Excel workbooks.
package seed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
)

var (
	nameColumns     = []string{"name", "medicine_name", "product_name"}
	categoryColumns = []string{"category", "type"}
	unitColumns     = []string{"unit", "uom"}
	stockColumns    = []string{"stock_quantity", "stock", "quantity"}
	rxColumns       = []string{"prescription_required", "requires_prescription", "rx_required"}
	cadenceColumns  = []string{"refill_cadence_days", "refill_days", "cadence_days"}

	customerIDColumns    = []string{"customer_id", "patient_id"}
	customerNameColumns  = []string{"customer_name", "customer", "patient_name"}
	customerEmailColumns = []string{"customer_email", "email"}
	historyMedColumns    = []string{"medicine_name", "product_name", "name"}
	historyQtyColumns    = []string{"quantity", "qty", "amount"}
	historyStatusColumns = []string{"status", "order_status"}
	historyDateColumns   = []string{"created_at", "order_date", "purchase_date", "date"}
	historyRxColumns     = []string{"has_prescription", "prescription"}
)

// Sink receives imported records. sqlstore.Store implements it; MemorySink adapts the
// in-process stores.
type Sink interface {
	FindByName(ctx context.Context, name string) (domain.Medicine, error)
	UpsertMedicine(ctx context.Context, m domain.Medicine) (domain.Medicine, error)
	PutCustomer(ctx context.Context, c domain.Customer) (domain.Customer, error)
	RecordOrder(ctx context.Context, o domain.Order) error
}

// HistoryRow is one purchase line of the order history workbook.
type HistoryRow struct {
	CustomerID      int64
	CustomerName    string
	CustomerEmail   string
	MedicineName    string
	Quantity        int64
	Status          domain.OrderStatus
	OrderedAt       time.Time
	HasPrescription bool
}

type Summary struct {
	Medicines int
	Customers int
	Orders    int
	Skipped   int
}

// Importer reads workbooks and writes them into a Sink.
type Importer struct {
	sink Sink
	now  func() time.Time
}

func NewImporter(sink Sink) *Importer {
	return &Importer{sink: sink, now: time.Now}
}

// Run imports productsPath then historyPath. Missing files are skipped.
func (i *Importer) Run(ctx context.Context, productsPath, historyPath string) (Summary, error) {
	var sum Summary

	if exists(productsPath) {
		meds, err := LoadProducts(productsPath)
		if err != nil {
			return sum, err
		}
		for _, m := range meds {
			if _, err := i.sink.UpsertMedicine(ctx, m); err != nil {
				return sum, fmt.Errorf("seed: upsert %q: %w", m.Name, err)
			}
			sum.Medicines++
		}
	} else if productsPath != "" {
		log.Info().Str("path", productsPath).Msg("products workbook not found, skipping")
	}

	if exists(historyPath) {
		rows, skipped, err := LoadHistory(historyPath, i.now)
		if err != nil {
			return sum, err
		}
		sum.Skipped += skipped
		customers, orders, err := i.applyHistory(ctx, rows)
		sum.Customers += customers
		sum.Orders += orders
		if err != nil {
			return sum, err
		}
	} else if historyPath != "" {
		log.Info().Str("path", historyPath).Msg("order history workbook not found, skipping")
	}

	log.Info().
		Int("medicines", sum.Medicines).
		Int("customers", sum.Customers).
		Int("orders", sum.Orders).
		Int("skipped", sum.Skipped).
		Msg("seed import complete")
	return sum, nil
}

func (i *Importer) applyHistory(ctx context.Context, rows []HistoryRow) (int, int, error) {
	customers := make(map[int64]*domain.Customer)
	var order []int64
	medIDs := make(map[string]int64)

	resolve := func(name string) (int64, error) {
		key := domain.NormalizeName(name)
		if id, ok := medIDs[key]; ok {
			return id, nil
		}
		m, err := i.sink.FindByName(ctx, name)
		if errors.Is(err, domain.ErrMedicineNotFound) {
			// Products only known from history are created out of stock.
			m, err = i.sink.UpsertMedicine(ctx, domain.Medicine{Name: name})
		}
		if err != nil {
			return 0, err
		}
		medIDs[key] = m.ID
		return m.ID, nil
	}

	var recorded int
	for _, r := range rows {
		medID, err := resolve(r.MedicineName)
		if err != nil {
			return len(customers), recorded, fmt.Errorf("seed: resolve %q: %w", r.MedicineName, err)
		}

		c, ok := customers[r.CustomerID]
		if !ok {
			c = &domain.Customer{ID: r.CustomerID, Name: r.CustomerName, Email: r.CustomerEmail}
			customers[r.CustomerID] = c
			order = append(order, r.CustomerID)
		}
		if r.HasPrescription && !c.AuthorizedFor(medID, i.now()) {
			c.Prescriptions = append(c.Prescriptions, domain.Prescription{MedicineID: medID})
		}

		if err := i.sink.RecordOrder(ctx, domain.Order{
			IdempotencyKey: importKey(r),
			CustomerID:     r.CustomerID,
			MedicineID:     medID,
			MedicineName:   strings.TrimSpace(r.MedicineName),
			Quantity:       r.Quantity,
			Status:         r.Status,
			CreatedAt:      r.OrderedAt.UTC(),
		}); err != nil {
			return len(customers), recorded, fmt.Errorf("seed: record order: %w", err)
		}
		recorded++
	}

	for _, id := range order {
		if _, err := i.sink.PutCustomer(ctx, *customers[id]); err != nil {
			return len(customers), recorded, fmt.Errorf("seed: put customer %d: %w", id, err)
		}
	}
	return len(customers), recorded, nil
}

// importKey is stable across runs so re-importing a workbook records nothing new.
func importKey(r HistoryRow) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%d|%d",
		r.CustomerID, domain.NormalizeName(r.MedicineName), r.Quantity, r.OrderedAt.Unix()))
	return "import:" + hex.EncodeToString(sum[:12])
}

// LoadProducts reads the first sheet of a products workbook.
func LoadProducts(path string) ([]domain.Medicine, error) {
	records, err := readSheet(path)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Medicine, 0, len(records))
	for _, rec := range records {
		name := rec.get(nameColumns)
		if name == "" {
			continue
		}
		out = append(out, domain.Medicine{
			Name:                 name,
			Category:             rec.get(categoryColumns),
			Unit:                 rec.get(unitColumns),
			StockQuantity:        max(parseInt(rec.get(stockColumns)), 0),
			PrescriptionRequired: parseBool(rec.get(rxColumns)),
			RefillCadence:        domain.CadenceDays(parseInt(rec.get(cadenceColumns))),
		})
	}
	return out, nil
}

// LoadHistory reads the first sheet of an order history workbook. Rows without a
// medicine or a positive quantity are skipped and counted. Customers without an id
// column are numbered in order of first appearance.
func LoadHistory(path string, now func() time.Time) ([]HistoryRow, int, error) {
	records, err := readSheet(path)
	if err != nil {
		return nil, 0, err
	}
	if now == nil {
		now = time.Now
	}

	var (
		out     = make([]HistoryRow, 0, len(records))
		skipped int
		ids     = make(map[string]int64)
	)
	for _, rec := range records {
		medicine := rec.get(historyMedColumns)
		qty := parseInt(rec.get(historyQtyColumns))
		if medicine == "" || qty <= 0 {
			skipped++
			continue
		}

		name := rec.get(customerNameColumns)
		if name == "" {
			name = "Unknown"
		}
		email := rec.get(customerEmailColumns)

		id := parseInt(rec.get(customerIDColumns))
		if id <= 0 {
			identity := strings.ToLower(email)
			if identity == "" {
				identity = strings.ToLower(name)
			}
			var ok bool
			if id, ok = ids[identity]; !ok {
				id = int64(len(ids) + 1)
				ids[identity] = id
			}
		}

		out = append(out, HistoryRow{
			CustomerID:      id,
			CustomerName:    name,
			CustomerEmail:   email,
			MedicineName:    medicine,
			Quantity:        qty,
			Status:          parseStatus(rec.get(historyStatusColumns)),
			OrderedAt:       parseDate(rec.get(historyDateColumns), now),
			HasPrescription: parseBool(rec.get(historyRxColumns)),
		})
	}
	return out, skipped, nil
}

type record map[string]string

func (r record) get(aliases []string) string {
	for _, a := range aliases {
		if v, ok := r[a]; ok && v != "" {
			return v
		}
	}
	return ""
}

func readSheet(path string) ([]record, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("seed: %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
	}

	out := make([]record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(record, len(header))
		empty := true
		for i, cell := range row {
			if i >= len(header) || header[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell != "" {
				empty = false
			}
			rec[header[i]] = cell
		}
		if !empty {
			out = append(out, rec)
		}
	}
	return out, nil
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "y", "yes", "true", "t", "1":
		return true
	}
	return false
}

func parseStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "rejected", "cancelled", "canceled":
		return domain.OrderRejected
	case "pending":
		return domain.OrderPending
	case "failed":
		return domain.OrderFailed
	}
	return domain.OrderConfirmed
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-06",
	"02.01.2006",
}

// parseDate accepts common layouts and Excel serial dates; anything else is now().
func parseDate(s string, now func() time.Time) time.Time {
	if s == "" {
		return now().UTC()
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return t.UTC()
		}
	}
	log.Warn().Str("value", s).Msg("unrecognised order date, using current time")
	return now().UTC()
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("stat seed workbook")
		}
		return false
	}
	return !info.IsDir()
}
