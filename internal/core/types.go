package core

import "time"

// ScaledPrice is a price expressed as an integer multiple of the security's
// minimum tick. All position accounting uses scaled prices to avoid
// floating-point drift; descaling happens only at the venue/reporting edge.
type ScaledPrice int64

// OrderID identifies one order at the exchange adapter.
type OrderID string

// OrderSide is the wire-level order direction.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the other wire side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus enumerates the exact set of order states an exchange adapter
// may report. NumOrderStatuses guards the count; code switching on the
// status asserts it so additions don't pass silently.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusFilledPartially OrderStatus = "PARTIALLY_FILLED"
	OrderStatusInactive        OrderStatus = "INACTIVE"
	OrderStatusError           OrderStatus = "ERROR"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// NumOrderStatuses is the size of the OrderStatus enum.
const NumOrderStatuses = 7

// OrderStatuses lists every status, for validation and tests.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusSubmitted,
		OrderStatusFilled,
		OrderStatusFilledPartially,
		OrderStatusInactive,
		OrderStatusError,
		OrderStatusCancelled,
		OrderStatusRejected,
	}
}

// IsTerminal reports whether no further updates will arrive for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusInactive, OrderStatusError, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// TimeInForce controls how long an order rests at the venue.
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFImmediate      TimeInForce = "IOC"
	TIFFillOrKill     TimeInForce = "FOK"
	TIFDay            TimeInForce = "DAY"
)

// CloseType records why a position was (or is being) closed. It is carried
// through to the audit sink for every close order.
type CloseType int

const (
	CloseTypeNone CloseType = iota
	CloseTypeTakeProfit
	CloseTypeStopLoss
	CloseTypeTimeout
	CloseTypeSchedule
	CloseTypeRollover
	CloseTypeRequest
	CloseTypeEngineStop
	CloseTypeOpenFailed
	CloseTypeSystemError
)

func (t CloseType) String() string {
	switch t {
	case CloseTypeNone:
		return "-"
	case CloseTypeTakeProfit:
		return "t/p"
	case CloseTypeStopLoss:
		return "s/l"
	case CloseTypeTimeout:
		return "timeout"
	case CloseTypeSchedule:
		return "schedule"
	case CloseTypeRollover:
		return "rollover"
	case CloseTypeRequest:
		return "request"
	case CloseTypeEngineStop:
		return "engine stop"
	case CloseTypeOpenFailed:
		return "open failed"
	case CloseTypeSystemError:
		return "sys error"
	}
	return "unknown"
}

// Trade is one execution reported by an exchange adapter.
type Trade struct {
	ID    string
	Time  time.Time
	Price ScaledPrice
	Qty   float64
}

// OrderParams carries optional per-order hints to the adapter.
type OrderParams struct {
	MinQty   float64
	ClientID string
	// GoodTill emulates a deadline for venues without native IOC support;
	// zero means no deadline.
	GoodTill time.Time
}
