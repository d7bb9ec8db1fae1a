package usecase

import (
	"strings"
)

// ErrorClass is the failure taxonomy surfaced to callers via error events.
type ErrorClass string

const (
	// ErrClassValidation: the primary leg rejected the order for size/lot
	// reasons before anything was opened.
	ErrClassValidation ErrorClass = "validation"
	// ErrClassCompensated: the hedge leg failed after the primary committed;
	// the primary was closed automatically or needs manual intervention.
	ErrClassCompensated ErrorClass = "compensated-close"
	ErrClassUnknown     ErrorClass = "unknown"
)

// validationPatterns match the size/lot-size rejection messages exchanges
// return before an order opens anything. Matching is case-insensitive.
var validationPatterns = []string{
	"minimum order",
	"minimum quantity",
	"min order",
	"min notional",
	"min_notional",
	"lot size",
	"lot_size",
	"invalid amount",
	"invalid quantity",
	"invalid qty",
	"order qty",
	"qty invalid",
	"less than the minimum",
}

// IsValidationError reports whether err is a validation-class rejection,
// the only failure path that is guaranteed to have opened nothing.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range validationPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
