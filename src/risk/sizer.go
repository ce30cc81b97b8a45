package risk

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Sizing failure reasons, recorded on the ledger with the risk_sizing_error
// reason code.
const (
	FailureZeroRiskPerUnit = "zero_risk_per_unit"
	FailureZeroQuantity    = "quantity_rounds_to_zero"
	FailurePositionLimit   = "max_concurrent_positions_reached"
)

// SizingError terminates a signal; it is never retried.
type SizingError struct {
	Failure string
	Detail  string
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("risk sizing failed (%s): %s", e.Failure, e.Detail)
}

type Config struct {
	// MaxExposureFraction caps quantity so that quantity × entryPrice never
	// exceeds this fraction of account equity.
	MaxExposureFraction    float64 `envconfig:"RISK_MAX_EXPOSURE_FRACTION" default:"0.25"`
	LotSize                int64   `envconfig:"RISK_LOT_SIZE" default:"1"`
	MaxConcurrentPositions int     `envconfig:"RISK_MAX_CONCURRENT_POSITIONS" default:"10"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Sizer converts risk parameters into an order quantity.
type Sizer struct {
	maxExposure decimal.Decimal
	lotSize     decimal.Decimal
	maxOpen     int
}

func NewSizer(cfg Config) *Sizer {
	lot := cfg.LotSize
	if lot <= 0 {
		lot = 1
	}
	return &Sizer{
		maxExposure: decimal.NewFromFloat(cfg.MaxExposureFraction),
		lotSize:     decimal.NewFromInt(lot),
		maxOpen:     cfg.MaxConcurrentPositions,
	}
}

// Size computes quantity = floor(riskAmount / |entryPrice − stopLoss|),
// rounded down to the lot size and capped by the exposure fraction of
// equity. openPositions is the current count of non-terminal orders for the
// trading mode.
func (s *Sizer) Size(riskAmount, entryPrice, stopLoss float64, equity decimal.Decimal, openPositions int) (int64, error) {
	if s.maxOpen > 0 && openPositions >= s.maxOpen {
		return 0, &SizingError{
			Failure: FailurePositionLimit,
			Detail:  fmt.Sprintf("%d positions open, limit %d", openPositions, s.maxOpen),
		}
	}

	entry := decimal.NewFromFloat(entryPrice)
	stop := decimal.NewFromFloat(stopLoss)
	risk := decimal.NewFromFloat(riskAmount)

	riskPerUnit := entry.Sub(stop).Abs()
	if riskPerUnit.IsZero() {
		return 0, &SizingError{
			Failure: FailureZeroRiskPerUnit,
			Detail:  "entry price equals stop loss, position size would be unbounded",
		}
	}

	qty := risk.Div(riskPerUnit).Floor()
	qty = s.roundToLot(qty)

	// exposure cap: quantity × entryPrice ≤ equity × maxExposureFraction
	if entry.IsPositive() {
		maxQty := equity.Mul(s.maxExposure).Div(entry).Floor()
		maxQty = s.roundToLot(maxQty)
		if qty.GreaterThan(maxQty) {
			qty = maxQty
		}
	}

	if qty.LessThanOrEqual(decimal.Zero) {
		return 0, &SizingError{
			Failure: FailureZeroQuantity,
			Detail: fmt.Sprintf("risk %s over %s per unit yields no tradable quantity",
				risk.String(), riskPerUnit.String()),
		}
	}

	return qty.IntPart(), nil
}

func (s *Sizer) roundToLot(qty decimal.Decimal) decimal.Decimal {
	return qty.Div(s.lotSize).Floor().Mul(s.lotSize)
}
