package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(DefaultOptionMultiplier)

// ContractMultiplier returns the multiplier applied to quantity × price.
func ContractMultiplier(p Position) decimal.Decimal {
	if !p.Multiplier.IsZero() {
		return p.Multiplier
	}
	if p.Kind == KindOption {
		return hundred
	}
	return decimal.NewFromInt(1)
}

// SignedExposure is quantity × price × multiplier: positive for longs, negative for shorts.
// Every market-value computation in the engine goes through this function.
func SignedExposure(p Position) decimal.Decimal {
	return p.Quantity.Mul(p.Price).Mul(ContractMultiplier(p))
}

// MagnitudeExposure is the absolute value of SignedExposure.
func MagnitudeExposure(p Position) decimal.Decimal {
	return SignedExposure(p).Abs()
}

// SignedExposureFloat is SignedExposure as float64 for the numeric layers.
func SignedExposureFloat(p Position) float64 {
	return SignedExposure(p).InexactFloat64()
}

// NetExposure is the signed sum of position exposures (longs minus shorts).
func NetExposure(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(SignedExposure(p))
	}
	return total
}

// GrossExposure is the absolute sum of position exposures (longs plus shorts).
func GrossExposure(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(MagnitudeExposure(p))
	}
	return total
}

// CheckDirection verifies that the sign of the position's exposure matches its
// quantity direction. A non-positive price or multiplier breaks that link.
func CheckDirection(p Position) error {
	if p.Quantity.IsZero() {
		return NewCalculationError(ReasonZeroQuantity, "position %d (%s) has zero quantity", p.ID, p.Symbol)
	}
	if p.Price.Sign() <= 0 {
		return NewCalculationError(ReasonNonPositivePrice, "position %d (%s) has non-positive price %s", p.ID, p.Symbol, p.Price)
	}
	if SignedExposure(p).Sign() != p.Quantity.Sign() {
		return NewCalculationError(ReasonExposureSignMismatch, "position %d (%s) exposure sign does not match quantity", p.ID, p.Symbol)
	}
	return nil
}

// EligiblePositions filters positions to those that take part in calculations on asOf.
// Eligible positions failing CheckDirection are returned separately, keyed by position id.
func EligiblePositions(positions []Position, asOf time.Time) ([]Position, map[int64]error) {
	eligible := make([]Position, 0, len(positions))
	rejected := make(map[int64]error)
	for _, p := range positions {
		if !p.IsEligible(asOf) {
			continue
		}
		if err := CheckDirection(p); err != nil {
			rejected[p.ID] = err
			continue
		}
		eligible = append(eligible, p)
	}
	return eligible, rejected
}
