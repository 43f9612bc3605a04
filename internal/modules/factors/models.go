// Package factors estimates position and portfolio sensitivities to the
// systematic risk factors.
package factors

import (
	"math"
	"time"

	"github.com/aristath/riskengine/internal/domain"
)

// ExposureRecord is one factor exposure of one subject on one date.
// Optional statistics are nil when they could not be computed.
type ExposureRecord struct {
	CalculationDate time.Time          `json:"calculation_date"`
	DollarExposure  *float64           `json:"dollar_exposure"`
	StdError        *float64           `json:"std_error"`
	TStat           *float64           `json:"t_stat"`
	PValue          *float64           `json:"p_value"`
	VIF             *float64           `json:"vif"`
	ConditionNumber *float64           `json:"condition_number"`
	SubjectKind     domain.SubjectKind `json:"subject_kind"`
	Symbol          string             `json:"symbol,omitempty"`
	FactorName      string             `json:"factor_name"`
	Significance    string             `json:"significance"`
	RSquaredQuality string             `json:"r_squared_quality"`
	VIFLevel        string             `json:"vif_level"`
	Method          string             `json:"method"`
	SubjectID       int64              `json:"subject_id"`
	FactorID        int                `json:"factor_id"`
	Beta            float64            `json:"beta"`
	RawBeta         float64            `json:"raw_beta"`
	RSquared        float64            `json:"r_squared"`
	Observations    int                `json:"observations"`
	Capped          bool               `json:"capped"`
}

// MissingData describes a position left out of the aggregation
type MissingData struct {
	Symbol       string            `json:"symbol"`
	Reason       domain.ReasonCode `json:"reason"`
	Detail       string            `json:"detail,omitempty"`
	PositionID   int64             `json:"position_id"`
	Observations int               `json:"observations"`
}

// Result is the outcome of one portfolio-date calculation. Success, skip and
// failure share this shape; Portfolio always holds one record per factor.
type Result struct {
	CalculationDate time.Time           `json:"calculation_date"`
	Status          domain.ResultStatus `json:"status"`
	Reason          domain.ReasonCode   `json:"reason,omitempty"`
	Method          string              `json:"method"`
	Portfolio       []ExposureRecord    `json:"portfolio"`
	Positions       []ExposureRecord    `json:"positions"`
	MissingData     []MissingData       `json:"missing_data"`
	Warnings        []string            `json:"warnings"`
	PortfolioID     int64               `json:"portfolio_id"`
	EquityBalance   float64             `json:"equity_balance"`
	NetExposure     float64             `json:"net_exposure"`
	GrossExposure   float64             `json:"gross_exposure"`
	PositionsTotal  int                 `json:"positions_total"`
	PositionsUsed   int                 `json:"positions_used"`
}

// PortfolioExposure returns the portfolio record of a factor
func (r *Result) PortfolioExposure(factorName string) (ExposureRecord, bool) {
	for _, rec := range r.Portfolio {
		if rec.FactorName == factorName {
			return rec, true
		}
	}
	return ExposureRecord{}, false
}

// PositionExposures returns the records of one position in factor order
func (r *Result) PositionExposures(positionID int64) []ExposureRecord {
	var out []ExposureRecord
	for _, rec := range r.Positions {
		if rec.SubjectID == positionID {
			out = append(out, rec)
		}
	}
	return out
}

func floatPtr(v float64) *float64 {
	return &v
}

// finitePtr maps non-finite values to nil so they persist as NULL
func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
