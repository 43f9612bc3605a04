package domain

import (
	"errors"
	"fmt"
)

// ReasonCode identifies why a calculation was skipped or failed
type ReasonCode string

const (
	ReasonNone                 ReasonCode = ""
	ReasonInvalidEquityBalance ReasonCode = "invalid_equity_balance"
	ReasonNoEligiblePositions  ReasonCode = "no_eligible_positions"
	ReasonPortfolioNotFound    ReasonCode = "portfolio_not_found"
	ReasonInsufficientData     ReasonCode = "insufficient_data"
	ReasonMissingPriceData     ReasonCode = "missing_price_data"
	ReasonSingularMatrix       ReasonCode = "singular_matrix"
	ReasonNonPositivePrice     ReasonCode = "non_positive_price"
	ReasonZeroQuantity         ReasonCode = "zero_quantity"
	ReasonExposureSignMismatch ReasonCode = "exposure_sign_mismatch"
	ReasonNoExposures          ReasonCode = "no_exposures"
	ReasonUnknownFactor        ReasonCode = "unknown_factor"
	ReasonUpstreamFailed       ReasonCode = "upstream_phase_failed"
	ReasonStorageError         ReasonCode = "storage_error"
	ReasonCancelled            ReasonCode = "cancelled"
)

// CalculationError is a data-quality or numerical error scoped to one
// portfolio-date or one position. It never aborts a batch run.
type CalculationError struct {
	Code    ReasonCode
	Message string
}

// NewCalculationError creates a CalculationError with a formatted message.
func NewCalculationError(code ReasonCode, format string, args ...any) *CalculationError {
	return &CalculationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any CalculationError with the same code.
func (e *CalculationError) Is(target error) bool {
	var other *CalculationError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// ReasonOf extracts the reason code from err, or ReasonNone.
func ReasonOf(err error) ReasonCode {
	var calcErr *CalculationError
	if errors.As(err, &calcErr) {
		return calcErr.Code
	}
	return ReasonNone
}

// Sentinel errors for errors.Is comparisons.
var (
	ErrInvalidEquityBalance = &CalculationError{Code: ReasonInvalidEquityBalance}
	ErrNoEligiblePositions  = &CalculationError{Code: ReasonNoEligiblePositions}
	ErrPortfolioNotFound    = &CalculationError{Code: ReasonPortfolioNotFound}
	ErrInsufficientData     = &CalculationError{Code: ReasonInsufficientData}
	ErrSingularMatrix       = &CalculationError{Code: ReasonSingularMatrix}
	ErrNoExposures          = &CalculationError{Code: ReasonNoExposures}
)
