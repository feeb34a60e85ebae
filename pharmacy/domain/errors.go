package domain

import "errors"

var (
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrPrescriptionRequired = errors.New("prescription required")
	ErrNotAuthorized        = errors.New("customer not authorized")
	ErrMedicineNotFound     = errors.New("medicine not found")
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrInvalidQuantity      = errors.New("quantity must be at least 1")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrMissingKey           = errors.New("idempotency key is required")
)

var rejectionCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientStock, "insufficient_stock"},
	{ErrPrescriptionRequired, "prescription_required"},
	{ErrNotAuthorized, "not_authorized"},
	{ErrMedicineNotFound, "medicine_not_found"},
	{ErrInvalidQuantity, "invalid_quantity"},
}

// RejectionCode maps a business rule violation to a stable code, or "" if err is not one.
func RejectionCode(err error) string {
	for _, rc := range rejectionCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return ""
}

// IsBusinessRejection reports whether err is a business rule violation rather than an
// infrastructure failure.
func IsBusinessRejection(err error) bool {
	return RejectionCode(err) != ""
}
