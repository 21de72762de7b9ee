package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"trading-engine/internal/risk"
)

// riskFile is the YAML shape of the risk-control configuration.
type riskFile struct {
	Disabled bool          `yaml:"disabled"`
	Global   riskScopeYAML `yaml:"global"`
	Scopes   []namedScope  `yaml:"scopes"`
}

type namedScope struct {
	Name          string `yaml:"name"`
	riskScopeYAML `yaml:",inline"`
}

type riskScopeYAML struct {
	FloodControl struct {
		OrdersMaxNumber int `yaml:"orders_max_number"`
		PeriodMs        int `yaml:"period_ms"`
	} `yaml:"flood_control"`
	Pnl struct {
		Loss   float64 `yaml:"loss"`
		Profit float64 `yaml:"profit"`
	} `yaml:"pnl"`
	WinRatio struct {
		FirstOperationsToSkip int `yaml:"first_operations_to_skip"`
		Min                   int `yaml:"min"`
	} `yaml:"win_ratio"`
	Limits map[string]struct {
		Short float64 `yaml:"short"`
		Long  float64 `yaml:"long"`
	} `yaml:"limits"`
}

// NamedScopeConfig is one overlay scope read from the risk file.
type NamedScopeConfig struct {
	Name   string
	Config risk.ScopeConfig
}

// LoadRisk reads the YAML risk-control file. A missing file yields a disabled
// gate rather than an error, so local development works without one.
func LoadRisk(path string, forceDisabled bool) (risk.Config, []NamedScopeConfig, error) {
	if forceDisabled {
		return risk.Config{Disabled: true}, nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return risk.Config{Disabled: true}, nil, nil
		}
		return risk.Config{}, nil, fmt.Errorf("config: read risk file %s: %w", path, err)
	}

	var file riskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return risk.Config{}, nil, fmt.Errorf("config: parse risk file %s: %w", path, err)
	}

	cfg := risk.Config{
		Disabled: file.Disabled,
		Global:   file.Global.toScopeConfig(),
	}
	scopes := make([]NamedScopeConfig, 0, len(file.Scopes))
	for _, s := range file.Scopes {
		scopes = append(scopes, NamedScopeConfig{
			Name:   s.Name,
			Config: s.toScopeConfig(),
		})
	}
	return cfg, scopes, nil
}

func (y riskScopeYAML) toScopeConfig() risk.ScopeConfig {
	limits := make(map[string]risk.Limit, len(y.Limits))
	for currency, l := range y.Limits {
		limits[currency] = risk.Limit{Short: l.Short, Long: l.Long}
	}
	return risk.ScopeConfig{
		Settings: risk.Settings{
			FloodControlMaxOrders:         y.FloodControl.OrdersMaxNumber,
			FloodControlPeriod:            time.Duration(y.FloodControl.PeriodMs) * time.Millisecond,
			PnlLoss:                       y.Pnl.Loss,
			PnlProfit:                     y.Pnl.Profit,
			WinRatioFirstOperationsToSkip: y.WinRatio.FirstOperationsToSkip,
			WinRatioMin:                   y.WinRatio.Min,
		},
		Limits: limits,
	}
}
