// Package dropcopy is the best-effort audit sink: every order submission,
// status change and fill is copied out for compliance. A failing sink must
// never affect the trading state machine, so implementations swallow their
// own errors.
package dropcopy

import (
	"context"
	"log"
	"time"

	"trading-engine/internal/core"
	"trading-engine/pkg/db"
)

// OrderRecord is one order snapshot handed to the sink.
type OrderRecord struct {
	OrderID        core.OrderID
	ExternalID     string
	OrderTime      time.Time
	ExecTime       time.Time
	Status         core.OrderStatus
	OperationID    string
	SubOperationID int64
	Security       *core.Security
	Side           core.OrderSide
	Currency       string
	Qty            float64
	Price          *core.ScaledPrice
	TimeInForce    core.TimeInForce
	MinQty         float64
	FilledQty      float64
	BestBid        core.ScaledPrice
	BestAsk        core.ScaledPrice
}

// TradeRecord is one execution handed to the sink.
type TradeRecord struct {
	Time            time.Time
	ExternalTradeID string
	LegID           string
	Security        *core.Security
	Price           core.ScaledPrice
	Qty             float64
	BestBid         core.ScaledPrice
	BestAsk         core.ScaledPrice
}

// DropCopy receives audit records. Implementations are write-only and
// best-effort.
type DropCopy interface {
	CopyOrder(rec OrderRecord)
	CopyTrade(rec TradeRecord)
}

// Nop discards everything; used in tests and when auditing is disabled.
type Nop struct{}

func (Nop) CopyOrder(OrderRecord) {}
func (Nop) CopyTrade(TradeRecord) {}

// Store writes audit records to the SQLite store.
type Store struct {
	DB *db.Database
}

func NewStore(database *db.Database) *Store {
	return &Store{DB: database}
}

func (s *Store) CopyOrder(rec OrderRecord) {
	if s.DB == nil {
		return
	}
	row := db.DropCopyOrder{
		OrderID:     string(rec.OrderID),
		Status:      string(rec.Status),
		OperationID: rec.OperationID,
		Symbol:      rec.Security.Symbol().Name,
		Side:        string(rec.Side),
		Currency:    rec.Currency,
		Qty:         rec.Qty,
		FilledQty:   rec.FilledQty,
	}
	if rec.ExternalID != "" {
		row.ExternalID = &rec.ExternalID
	}
	if !rec.OrderTime.IsZero() {
		t := rec.OrderTime
		row.OrderTime = &t
	}
	if !rec.ExecTime.IsZero() {
		t := rec.ExecTime
		row.ExecTime = &t
	}
	if rec.SubOperationID != 0 {
		v := rec.SubOperationID
		row.SubOperationID = &v
	}
	if rec.Price != nil {
		p := rec.Security.DescalePrice(*rec.Price)
		row.Price = &p
	}
	if rec.TimeInForce != "" {
		tif := string(rec.TimeInForce)
		row.TimeInForce = &tif
	}
	if rec.MinQty != 0 {
		v := rec.MinQty
		row.MinQty = &v
	}
	if rec.BestBid != 0 {
		v := rec.Security.DescalePrice(rec.BestBid)
		row.BestBid = &v
	}
	if rec.BestAsk != 0 {
		v := rec.Security.DescalePrice(rec.BestAsk)
		row.BestAsk = &v
	}
	if err := s.DB.InsertDropCopyOrder(context.Background(), row); err != nil {
		log.Printf("dropcopy: copy order %s: %v", rec.OrderID, err)
	}
}

func (s *Store) CopyTrade(rec TradeRecord) {
	if s.DB == nil {
		return
	}
	row := db.DropCopyTrade{
		Time:            rec.Time,
		ExternalTradeID: rec.ExternalTradeID,
		LegID:           rec.LegID,
		Price:           rec.Security.DescalePrice(rec.Price),
		Qty:             rec.Qty,
		BestBid:         rec.Security.DescalePrice(rec.BestBid),
		BestAsk:         rec.Security.DescalePrice(rec.BestAsk),
	}
	if err := s.DB.InsertDropCopyTrade(context.Background(), row); err != nil {
		log.Printf("dropcopy: copy trade %s: %v", rec.ExternalTradeID, err)
	}
}
