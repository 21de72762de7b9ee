// Package risk is the pre-trade and post-trade risk gate. Every order runs a
// two-phase protocol: CheckNew*Order blocks funds and applies flood control
// before submission, Confirm*Order settles or reverses the block once the
// order's fate is known. Checks always run against the Global scope and the
// caller's own scope.
package risk

import (
	"errors"
	"fmt"
	"time"
)

// OperationId identifies one check/confirm pair.
type OperationID int64

var (
	ErrWrongSettings        = errors.New("wrong risk control settings")
	ErrNumberOfOrdersLimit  = errors.New("number of orders for period limit is reached")
	ErrNotEnoughFunds       = errors.New("not enough funds for new order")
	ErrWrongOrderParameter  = errors.New("wrong order parameter")
	ErrPnlIsOutOfRange      = errors.New("total PnL is out of allowed range")
	ErrWinRatioIsOutOfRange = errors.New("total win-ratio is too small")
)

// Settings are one scope's limits.
type Settings struct {
	// Flood control: at most FloodControlMaxOrders orders per
	// FloodControlPeriod, per scope.
	FloodControlMaxOrders int
	FloodControlPeriod    time.Duration

	// P&L range, both as positive fractions of capital: total loss may not
	// exceed PnlLoss, total profit may not exceed PnlProfit.
	PnlLoss   float64
	PnlProfit float64

	// Win-ratio floor in percent, ignored for the first
	// WinRatioFirstOperationsToSkip operations.
	WinRatioFirstOperationsToSkip int
	WinRatioMin                   int
}

func (s Settings) validate() error {
	if s.FloodControlMaxOrders <= 0 || s.FloodControlPeriod <= 0 {
		return fmt.Errorf("%w: bad order flood control settings", ErrWrongSettings)
	}
	if s.PnlLoss == 0 || s.PnlProfit == 0 || s.PnlLoss > .1 || s.PnlProfit > .1 {
		return fmt.Errorf("%w: bad P&L range", ErrWrongSettings)
	}
	if s.WinRatioMin < 0 || s.WinRatioMin > 100 {
		return fmt.Errorf("%w: bad min win-ratio", ErrWrongSettings)
	}
	return nil
}

// Limit is a currency's exposure ceiling in each direction.
type Limit struct {
	Short float64
	Long  float64
}

// ScopeConfig configures one scope: its limits plus per-currency exposure
// ceilings.
type ScopeConfig struct {
	Settings Settings
	// Limits maps currency code to its exposure limits inside this scope.
	// Currencies without an entry get zero limits (nothing may be blocked).
	Limits map[string]Limit
}

// Config configures the whole gate.
type Config struct {
	// Disabled turns every check into a no-op, the way a disabled gate still
	// hands out zero operation IDs.
	Disabled bool
	Global   ScopeConfig
}

// ExposureStore persists per-scope per-currency net exposure. Implementations
// must be safe for concurrent use; failures are logged and never block
// trading.
type ExposureStore interface {
	SaveExposure(scope, currency string, position float64) error
	LoadExposure(scope string) (map[string]float64, error)
}
