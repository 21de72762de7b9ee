// Package exchange defines the order gateway surface and a paper
// implementation used for dry runs and tests.
package exchange

import (
	"context"

	"trading-engine/internal/core"
)

// Callback delivers asynchronous order updates. remainingQty is the quantity
// still working at the venue after this update; trade is non-nil only for
// execution reports.
type Callback func(id core.OrderID, execID string, status core.OrderStatus, remainingQty float64, commission float64, trade *core.Trade)

// Adapter is one venue connection. SendOrder returns as soon as the order is
// accepted for transmission; all further lifecycle flows through the callback.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	// SendOrder submits an order for sec. A nil price means a market order.
	SendOrder(sec *core.Security, currency string, qty float64, price *core.ScaledPrice, params core.OrderParams, side core.OrderSide, tif core.TimeInForce, cb Callback) (core.OrderID, error)
	CancelOrder(id core.OrderID) error
	Close() error
}
