package events

import (
	"time"

	"trading-engine/internal/core"
)

// Subscriber is the dispatcher's sole fan-out surface. Implementations must
// never let a failure escape: it would take the notification task down with
// it, so callback errors are converted into blocking the subscriber instead
// (see internal/strategy).
type Subscriber interface {
	Name() string
	RaiseLevel1Update(sec *core.Security)
	RaiseLevel1Tick(tick Level1Tick)
	RaiseNewTrade(trade Trade)
	RaisePositionUpdate(pos Position)
	RaiseBrokerPositionUpdate(update BrokerPosition)
	RaiseNewBar(sec *core.Security, bar Bar)
	RaiseBookUpdateTick(tick BookUpdate)
}

// Position is the dispatcher's view of a position. The concrete type lives in
// internal/position; the dispatcher only needs a stable identity to key
// deduplication on.
type Position interface {
	Handle() int64
}

// Level1Tick is one top-of-book change.
type Level1Tick struct {
	Security *core.Security
	Time     time.Time
	Bid      core.ScaledPrice
	Ask      core.ScaledPrice
}

// Trade is one market trade print.
type Trade struct {
	Security *core.Security
	Time     time.Time
	Price    core.ScaledPrice
	Qty      float64
}

// BrokerPosition is a broker-reported position snapshot.
type BrokerPosition struct {
	Security  *core.Security
	Qty       float64
	IsInitial bool
}

// Bar is one aggregated OHLCV interval.
type Bar struct {
	Time   time.Time
	Size   time.Duration
	Open   core.ScaledPrice
	High   core.ScaledPrice
	Low    core.ScaledPrice
	Close  core.ScaledPrice
	Volume float64
}

// BookUpdate is one order-book depth change.
type BookUpdate struct {
	Security *core.Security
	Time     time.Time
	IsBid    bool
	Price    core.ScaledPrice
	Qty      float64
}
