package position

import (
	"trading-engine/internal/core"
	"trading-engine/internal/risk"
)

// Side is the capability object selecting the order primitives of a long or
// short position at construction time. Everything direction-specific (which
// order side opens, which closes, which risk-gate entry points apply) routes
// through it, so there is exactly one Position type.
type Side struct {
	name      string
	openSide  core.OrderSide
	closeSide core.OrderSide
}

var (
	Long  = Side{name: "long", openSide: core.SideBuy, closeSide: core.SideSell}
	Short = Side{name: "short", openSide: core.SideSell, closeSide: core.SideBuy}
)

func (s Side) String() string                 { return s.name }
func (s Side) OpenOrderSide() core.OrderSide  { return s.openSide }
func (s Side) CloseOrderSide() core.OrderSide { return s.closeSide }

// Reversed gives the side an opposite position opens with.
func (s Side) Reversed() Side {
	if s.name == Long.name {
		return Short
	}
	return Long
}

func checkOrder(g *risk.Gate, scope risk.Scope, orderSide core.OrderSide, sec *core.Security, currency string, qty, price float64) (risk.OperationID, error) {
	if orderSide == core.SideBuy {
		return g.CheckNewBuyOrder(scope, sec, currency, qty, price)
	}
	return g.CheckNewSellOrder(scope, sec, currency, qty, price)
}

func confirmOrder(g *risk.Gate, opID risk.OperationID, scope risk.Scope, orderSide core.OrderSide, status core.OrderStatus, sec *core.Security, currency string, orderPrice, remainingQty float64, trade *core.Trade) {
	if orderSide == core.SideBuy {
		g.ConfirmBuyOrder(opID, scope, status, sec, currency, orderPrice, remainingQty, trade)
		return
	}
	g.ConfirmSellOrder(opID, scope, status, sec, currency, orderPrice, remainingQty, trade)
}
