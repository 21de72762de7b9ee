package db

import "time"

// DropCopyOrder is one audit record of an order submission or status change.
// Pointer fields are optional and stored as NULL.
type DropCopyOrder struct {
	Seq            int64
	OrderID        string
	ExternalID     *string
	OrderTime      *time.Time
	ExecTime       *time.Time
	Status         string
	OperationID    string
	SubOperationID *int64
	Symbol         string
	Side           string
	Currency       string
	Qty            float64
	Price          *float64
	TimeInForce    *string
	MinQty         *float64
	FilledQty      float64
	BestBid        *float64
	BestAsk        *float64
}

// DropCopyTrade is one audit record of an execution.
type DropCopyTrade struct {
	Seq             int64
	Time            time.Time
	ExternalTradeID string
	LegID           string
	Price           float64
	Qty             float64
	BestBid         float64
	BestAsk         float64
}
