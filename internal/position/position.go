package position

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trading-engine/internal/core"
	"trading-engine/internal/dropcopy"
	"trading-engine/internal/exchange"
	"trading-engine/internal/risk"
)

// Protocol errors: the caller invoked an operation in an illegal state. Never
// retried, surfaced synchronously.
var (
	ErrAlreadyStarted = errors.New("position: already started")
	ErrNotOpened      = errors.New("position: not opened")
	ErrAlreadyClosed  = errors.New("position: already closed")
	ErrCanceling      = errors.New("position: cancel already scheduled")
)

// Trader is what a position needs from its owning strategy. Every method is
// invoked with the strategy lock already held, so implementations must not
// re-acquire it.
type Trader interface {
	Name() string
	// Locker serializes every position entry point: Open, Close, Cancel and
	// each order-status callback acquire it before touching state.
	Locker() core.Locker
	Gate() *risk.Gate
	RiskScope() risk.Scope
	Adapter() exchange.Adapter
	DropCopy() dropcopy.DropCopy
	Now() time.Time
	// Register is called once, on the first successful open submission.
	Register(p *Position)
	// OnPositionStateChanged fires after every observable transition, after
	// any deferred close has been sent.
	OnPositionStateChanged(p *Position)
}

// Cancel scheduling states. A cancel observed while an order is in flight is
// Scheduled; the terminal callback moves it to Canceled with a compare-and-
// swap, so the deferred close fires exactly once.
const (
	cancelNone int32 = iota
	cancelScheduled
	cancelDone
)

// leg is one order sent for a position side.
type leg struct {
	id         string // drop-copy leg id
	orderID    core.OrderID
	riskOp     risk.OperationID
	side       core.OrderSide
	price      *core.ScaledPrice // nil = market order
	qty        float64
	filledQty  float64
	commission float64
	sentTime   time.Time
	execTime   time.Time
	active     bool
	tif        core.TimeInForce
	minQty     float64
}

// direction aggregates the open or the close side of a position.
type direction struct {
	legs       []*leg
	qty        float64
	volume     float64 // scaled-price * qty, for the volume-weighted average
	startPrice core.ScaledPrice
	doneTime   time.Time
}

func (d *direction) started() bool { return len(d.legs) > 0 }

func (d *direction) hasActive() bool {
	for _, l := range d.legs {
		if l.active {
			return true
		}
	}
	return false
}

func (d *direction) find(orderID core.OrderID) *leg {
	for _, l := range d.legs {
		if l.orderID == orderID {
			return l
		}
	}
	return nil
}

func (d *direction) vwap() core.ScaledPrice {
	if d.qty == 0 {
		return 0
	}
	return core.ScaledPrice(math.Round(d.volume / d.qty))
}

// Position is one logical trading intent (long or short) on one security.
// All mutation runs under the owning strategy's lock; the unlocked read
// accessors assume the caller holds it, Snapshot is for everyone else.
type Position struct {
	trader   Trader
	book     *Book
	handle   int64
	security *core.Security
	currency string
	side     Side

	operationID    string
	subOperationID int64

	plannedQty float64
	open       direction
	close      direction

	closeType core.CloseType

	// opposite is the arena handle of a position this one is closing while
	// opening itself; zero when none. Cleared once the opposite's active
	// quantity reaches zero.
	opposite int64

	registered bool
	completed  bool
	isError    bool
	isInactive bool

	cancelState atomic.Int32
	cancelClose func() error

	timeoutTimer *time.Timer
}

// New creates an unstarted position in the book. startPrice is the intended
// open limit; pass zero for market-driven opens.
func New(t Trader, b *Book, sec *core.Security, currency string, side Side, qty float64, startPrice core.ScaledPrice) *Position {
	p := &Position{
		trader:         t,
		book:           b,
		security:       sec,
		currency:       currency,
		side:           side,
		operationID:    uuid.NewString(),
		subOperationID: 1,
		plannedQty:     qty,
	}
	p.open.startPrice = startPrice
	p.handle = b.add(p)
	return p
}

// NewLeg creates a position that is one more leg of an existing operation,
// e.g. the second side of an arbitrage decision.
func NewLeg(t Trader, b *Book, sec *core.Security, currency string, side Side, qty float64, startPrice core.ScaledPrice, operationID string, subOperationID int64) *Position {
	p := New(t, b, sec, currency, side, qty, startPrice)
	p.operationID = operationID
	p.subOperationID = subOperationID
	return p
}

// NewOpposite creates the reversed position that will close from while
// opening itself with a single combined order. The link is validated when
// Open is called.
func NewOpposite(from *Position, qty float64, startPrice core.ScaledPrice) *Position {
	p := New(from.trader, from.book, from.security, from.currency, from.side.Reversed(), qty, startPrice)
	p.operationID = from.operationID
	p.subOperationID = from.subOperationID + 1
	p.opposite = from.handle
	return p
}

// Open submits the opening order. A nil price is a market order. Fails with
// ErrAlreadyStarted if an order is already in flight or the position has
// started, and with ErrNotOpened / ErrAlreadyClosed when continuing an
// opposite position that is not purely open.
func (p *Position) Open(price *core.ScaledPrice, tif core.TimeInForce, params core.OrderParams) (core.OrderID, error) {
	lk := p.trader.Locker()
	lk.Lock()
	defer lk.Unlock()
	return p.openLocked(price, tif, params)
}

// OpenOrCancel emulates immediate-or-cancel: it opens at price and schedules
// a cancel that fires if no terminal status arrived within timeout. The timer
// is revoked automatically once the order resolves.
func (p *Position) OpenOrCancel(price core.ScaledPrice, timeout time.Duration, params core.OrderParams) (core.OrderID, error) {
	lk := p.trader.Locker()
	lk.Lock()
	defer lk.Unlock()
	id, err := p.openLocked(&price, core.TIFGoodTillCancel, params)
	if err != nil {
		return "", err
	}
	if p.open.hasActive() {
		p.timeoutTimer = time.AfterFunc(timeout, func() {
			if _, err := p.CancelAtMarketPrice(core.CloseTypeTimeout, core.OrderParams{}); err != nil {
				log.Printf("position %s/%d: timeout cancel: %v", p.operationID, p.subOperationID, err)
			}
		})
	}
	return id, nil
}

func (p *Position) openLocked(price *core.ScaledPrice, tif core.TimeInForce, params core.OrderParams) (core.OrderID, error) {
	if p.open.started() || p.close.started() {
		return "", ErrAlreadyStarted
	}

	orderQty := p.plannedQty
	if p.opposite != 0 {
		oppo, ok := p.book.Get(p.opposite)
		if !ok {
			p.opposite = 0
		} else {
			if !oppo.IsOpened() {
				return "", ErrNotOpened
			}
			if oppo.close.started() {
				return "", ErrAlreadyClosed
			}
			orderQty += oppo.ActiveQty()
		}
	}

	if price != nil {
		p.open.startPrice = *price
	} else if p.open.startPrice == 0 {
		p.open.startPrice = p.security.LastPrice()
	}

	if !p.registered {
		p.trader.Register(p)
		p.registered = true
	}

	return p.sendOrderLocked(&p.open, p.side.OpenOrderSide(), orderQty, price, tif, params, p.onOpenUpdate)
}

// Close submits the closing order for the active quantity. Fails with
// ErrNotOpened before opening completes and ErrAlreadyClosed once a close was
// started.
func (p *Position) Close(closeType core.CloseType, price *core.ScaledPrice, tif core.TimeInForce, params core.OrderParams) (core.OrderID, error) {
	lk := p.trader.Locker()
	lk.Lock()
	defer lk.Unlock()
	return p.closeLocked(closeType, price, tif, params)
}

func (p *Position) closeLocked(closeType core.CloseType, price *core.ScaledPrice, tif core.TimeInForce, params core.OrderParams) (core.OrderID, error) {
	if !p.IsOpened() {
		return "", ErrNotOpened
	}
	if p.close.started() || p.ActiveQty() <= 0 {
		return "", ErrAlreadyClosed
	}
	return p.submitCloseLocked(closeType, price, tif, params)
}

// submitCloseLocked sends a close order for the active quantity without the
// one-close-per-position gate. The deferred close of a cancel request comes
// through here: the canceled close leg already started the close side, and a
// replacement order still has to go out for whatever quantity remains.
func (p *Position) submitCloseLocked(closeType core.CloseType, price *core.ScaledPrice, tif core.TimeInForce, params core.OrderParams) (core.OrderID, error) {
	p.closeType = closeType
	if price != nil {
		p.close.startPrice = *price
	} else {
		p.close.startPrice = p.security.LastPrice()
	}

	return p.sendOrderLocked(&p.close, p.side.CloseOrderSide(), p.ActiveQty(), price, tif, params, p.onCloseUpdate)
}

// CancelAtMarketPrice cancels whatever order is in flight and schedules a
// deferred market close that fires exactly once, on the in-flight order's
// terminal status. With nothing in flight the close happens synchronously.
// Returns false when there is nothing to cancel or close, or when a cancel
// already ran to completion.
func (p *Position) CancelAtMarketPrice(closeType core.CloseType, params core.OrderParams) (bool, error) {
	lk := p.trader.Locker()
	lk.Lock()
	defer lk.Unlock()

	if p.completed || p.IsClosed() {
		return false, nil
	}
	if p.cancelState.Load() == cancelDone {
		return false, nil
	}

	if p.open.hasActive() || p.close.hasActive() {
		if !p.cancelState.CompareAndSwap(cancelNone, cancelScheduled) {
			return false, ErrCanceling
		}
		p.cancelClose = func() error {
			_, err := p.submitCloseLocked(closeType, nil, core.TIFGoodTillCancel, params)
			return err
		}
		p.requestCancelLocked(&p.open)
		p.requestCancelLocked(&p.close)
		return true, nil
	}

	if !p.IsOpened() || p.ActiveQty() <= 0 {
		return false, nil
	}
	if _, err := p.submitCloseLocked(closeType, nil, core.TIFGoodTillCancel, params); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Position) requestCancelLocked(dir *direction) {
	for _, l := range dir.legs {
		if !l.active {
			continue
		}
		if err := p.trader.Adapter().CancelOrder(l.orderID); err != nil {
			log.Printf("position %s/%d: cancel order %s: %v", p.operationID, p.subOperationID, l.orderID, err)
		}
	}
}

// sendOrderLocked runs the shared check-gate-then-adapter submission path. On
// adapter failure the blocked funds are released, an error order state is
// reported to the audit sink and the error returned to the caller.
func (p *Position) sendOrderLocked(dir *direction, orderSide core.OrderSide, qty float64, price *core.ScaledPrice, tif core.TimeInForce, params core.OrderParams, cb exchange.Callback) (core.OrderID, error) {
	checkPrice := p.security.DescalePrice(dir.startPrice)
	opID, err := checkOrder(p.trader.Gate(), p.trader.RiskScope(), orderSide, p.security, p.currency, qty, checkPrice)
	if err != nil {
		return "", err
	}

	l := &leg{
		id:       uuid.NewString(),
		riskOp:   opID,
		side:     orderSide,
		price:    price,
		qty:      qty,
		sentTime: p.trader.Now(),
		active:   true,
		tif:      tif,
		minQty:   params.MinQty,
	}

	orderID, err := p.trader.Adapter().SendOrder(p.security, p.currency, qty, price, params, orderSide, tif, cb)
	if err != nil {
		confirmOrder(p.trader.Gate(), opID, p.trader.RiskScope(), orderSide, core.OrderStatusError, p.security, p.currency, checkPrice, qty, nil)
		p.isError = true
		l.active = false
		dir.legs = append(dir.legs, l)
		p.copyOrderLocked(l, core.OrderStatusError)
		return "", fmt.Errorf("position %s/%d: send %s order: %w", p.operationID, p.subOperationID, orderSide, err)
	}

	l.orderID = orderID
	dir.legs = append(dir.legs, l)
	p.copyOrderLocked(l, core.OrderStatusSubmitted)
	return orderID, nil
}

func (p *Position) onOpenUpdate(id core.OrderID, execID string, status core.OrderStatus, remainingQty float64, commission float64, trade *core.Trade) {
	p.UpdateOpening(id, execID, status, remainingQty, commission, trade)
}

func (p *Position) onCloseUpdate(id core.OrderID, execID string, status core.OrderStatus, remainingQty float64, commission float64, trade *core.Trade) {
	p.UpdateClosing(id, execID, status, remainingQty, commission, trade)
}

// UpdateOpening is the open-order status callback entry point. Terminal
// statuses are idempotent: redelivery after the leg went inactive is a no-op.
func (p *Position) UpdateOpening(orderID core.OrderID, execID string, status core.OrderStatus, remainingQty float64, commission float64, trade *core.Trade) {
	lk := p.trader.Locker()
	lk.Lock()
	defer lk.Unlock()
	p.updateLocked(&p.open, orderID, execID, status, remainingQty, commission, trade, true)
}

// UpdateClosing is UpdateOpening for the close order.
func (p *Position) UpdateClosing(orderID core.OrderID, execID string, status core.OrderStatus, remainingQty float64, commission float64, trade *core.Trade) {
	lk := p.trader.Locker()
	lk.Lock()
	defer lk.Unlock()
	p.updateLocked(&p.close, orderID, execID, status, remainingQty, commission, trade, false)
}

func (p *Position) updateLocked(dir *direction, orderID core.OrderID, execID string, status core.OrderStatus, remainingQty float64, commission float64, trade *core.Trade, opening bool) {
	l := dir.find(orderID)
	if l == nil {
		log.Printf("position %s/%d: update for unknown order %s", p.operationID, p.subOperationID, orderID)
		return
	}
	if !l.active {
		return
	}
	l.commission += commission
	l.execTime = p.trader.Now()

	orderPrice := p.security.DescalePrice(dir.startPrice)
	confirmOrder(p.trader.Gate(), l.riskOp, p.trader.RiskScope(), l.side, status, p.security, p.currency, orderPrice, remainingQty, trade)

	finished := false
	switch status {
	case core.OrderStatusSubmitted:
		p.copyOrderLocked(l, status)
	case core.OrderStatusFilled, core.OrderStatusFilledPartially:
		if trade == nil {
			log.Printf("position %s/%d: fill report without trade for order %s", p.operationID, p.subOperationID, orderID)
			p.isError = true
			finished = true
			break
		}
		if opening {
			p.applyOpenFillLocked(trade)
		} else {
			p.applyCloseFillLocked(p, trade.Price, trade.Qty)
		}
		l.filledQty += trade.Qty
		p.copyTradeLocked(l, execID, trade)
		p.copyOrderLocked(l, status)
		finished = status == core.OrderStatusFilled || remainingQty == 0
	case core.OrderStatusInactive:
		p.isInactive = true
		p.copyOrderLocked(l, status)
		finished = true
	case core.OrderStatusError:
		p.isError = true
		p.copyOrderLocked(l, status)
		finished = true
	case core.OrderStatusCancelled, core.OrderStatusRejected:
		p.copyOrderLocked(l, status)
		finished = true
	default:
		log.Printf("position %s/%d: unknown order status %q", p.operationID, p.subOperationID, status)
		p.isError = true
		finished = true
	}

	if finished {
		p.finishOrderLocked(dir, l)
	}
	p.assertQuantitiesLocked()
	p.trader.OnPositionStateChanged(p)
}

// applyOpenFillLocked spreads a fill on the open order: first to the opposite
// position's close side up to its active quantity, the remainder to this
// position's open side.
func (p *Position) applyOpenFillLocked(trade *core.Trade) {
	remainder := trade.Qty
	if p.opposite != 0 {
		if oppo, ok := p.book.Get(p.opposite); ok {
			applied := math.Min(remainder, oppo.ActiveQty())
			if applied > 0 {
				p.applyCloseFillLocked(oppo, trade.Price, applied)
				remainder -= applied
				oppo.closeType = core.CloseTypeRequest
				p.trader.OnPositionStateChanged(oppo)
			}
			if oppo.ActiveQty() == 0 {
				p.opposite = 0
			}
		} else {
			p.opposite = 0
		}
	}
	if remainder <= 0 {
		return
	}
	if p.open.qty+remainder > p.plannedQty {
		log.Printf("position %s/%d: overfill %v beyond planned %v", p.operationID, p.subOperationID, p.open.qty+remainder, p.plannedQty)
		remainder = p.plannedQty - p.open.qty
	}
	p.open.qty += remainder
	p.open.volume += float64(trade.Price) * remainder
}

// applyCloseFillLocked books qty at price on target's close side. target is
// either this position or its opposite, both owned by the same strategy lock.
func (p *Position) applyCloseFillLocked(target *Position, price core.ScaledPrice, qty float64) {
	if target.close.qty+qty > target.open.qty {
		log.Printf("position %s/%d: close overfill %v beyond opened %v", target.operationID, target.subOperationID, target.close.qty+qty, target.open.qty)
		qty = target.open.qty - target.close.qty
	}
	target.close.qty += qty
	target.close.volume += float64(price) * qty
	if target.ActiveQty() == 0 && target.close.doneTime.IsZero() {
		target.close.doneTime = target.trader.Now()
	}
}

// finishOrderLocked retires a leg: clears its active flag, stamps completion
// times, revokes the timeout timer and fires the deferred close, if one was
// scheduled, before the caller signals observers.
func (p *Position) finishOrderLocked(dir *direction, l *leg) {
	l.active = false
	p.revokeTimeoutLocked()

	if dir == &p.open && p.open.qty > 0 && p.open.doneTime.IsZero() {
		p.open.doneTime = p.trader.Now()
	}
	if dir == &p.close && p.ActiveQty() == 0 && p.close.qty > 0 && p.close.doneTime.IsZero() {
		p.close.doneTime = p.trader.Now()
	}

	if p.cancelState.CompareAndSwap(cancelScheduled, cancelDone) {
		deferred := p.cancelClose
		p.cancelClose = nil
		if deferred != nil && p.IsOpened() && p.ActiveQty() > 0 {
			if err := deferred(); err != nil {
				log.Printf("position %s/%d: deferred close: %v", p.operationID, p.subOperationID, err)
				p.isError = true
			}
		}
	}
}

func (p *Position) revokeTimeoutLocked() {
	if p.timeoutTimer != nil {
		p.timeoutTimer.Stop()
		p.timeoutTimer = nil
	}
}

// MarkAsCompleted is the idempotent terminal marker: the strategy promises to
// never touch the position again. The book reference is released.
func (p *Position) MarkAsCompleted() {
	lk := p.trader.Locker()
	lk.Lock()
	defer lk.Unlock()
	if p.completed {
		return
	}
	p.completed = true
	p.revokeTimeoutLocked()
	p.book.Release(p.handle)
	p.trader.OnPositionStateChanged(p)
}

func (p *Position) assertQuantitiesLocked() {
	if p.open.qty < 0 || p.close.qty < 0 || p.close.qty > p.open.qty || p.open.qty > p.plannedQty {
		panic(fmt.Sprintf("position %s/%d: quantity invariant broken: planned=%v opened=%v closed=%v",
			p.operationID, p.subOperationID, p.plannedQty, p.open.qty, p.close.qty))
	}
}

func (p *Position) copyOrderLocked(l *leg, status core.OrderStatus) {
	bid, ask := p.security.Level1()
	var price *core.ScaledPrice
	if l.price != nil {
		v := *l.price
		price = &v
	}
	p.trader.DropCopy().CopyOrder(dropcopy.OrderRecord{
		OrderID:        l.orderID,
		OrderTime:      l.sentTime,
		ExecTime:       l.execTime,
		Status:         status,
		OperationID:    p.operationID,
		SubOperationID: p.subOperationID,
		Security:       p.security,
		Side:           l.side,
		Currency:       p.currency,
		Qty:            l.qty,
		Price:          price,
		TimeInForce:    l.tif,
		MinQty:         l.minQty,
		FilledQty:      l.filledQty,
		BestBid:        bid,
		BestAsk:        ask,
	})
}

func (p *Position) copyTradeLocked(l *leg, execID string, trade *core.Trade) {
	bid, ask := p.security.Level1()
	id := trade.ID
	if id == "" {
		id = execID
	}
	p.trader.DropCopy().CopyTrade(dropcopy.TradeRecord{
		Time:            trade.Time,
		ExternalTradeID: id,
		LegID:           l.id,
		Security:        p.security,
		Price:           trade.Price,
		Qty:             trade.Qty,
		BestBid:         bid,
		BestAsk:         ask,
	})
}

// Read surface. These assume the caller holds the strategy lock (signal
// handlers run under it); out-of-band readers use Snapshot.

func (p *Position) Handle() int64                     { return p.handle }
func (p *Position) Security() *core.Security          { return p.security }
func (p *Position) Currency() string                  { return p.currency }
func (p *Position) Side() Side                        { return p.side }
func (p *Position) OperationID() string               { return p.operationID }
func (p *Position) SubOperationID() int64             { return p.subOperationID }
func (p *Position) PlannedQty() float64               { return p.plannedQty }
func (p *Position) OpenedQty() float64                { return p.open.qty }
func (p *Position) ClosedQty() float64                { return p.close.qty }
func (p *Position) ActiveQty() float64                { return p.open.qty - p.close.qty }
func (p *Position) OpenStartPrice() core.ScaledPrice  { return p.open.startPrice }
func (p *Position) CloseStartPrice() core.ScaledPrice { return p.close.startPrice }
func (p *Position) OpenPrice() core.ScaledPrice       { return p.open.vwap() }
func (p *Position) ClosePrice() core.ScaledPrice      { return p.close.vwap() }
func (p *Position) OpenTime() time.Time               { return p.open.doneTime }
func (p *Position) CloseTime() time.Time              { return p.close.doneTime }
func (p *Position) CloseType() core.CloseType         { return p.closeType }
func (p *Position) Opposite() int64                   { return p.opposite }
func (p *Position) IsError() bool                     { return p.isError }
func (p *Position) IsInactive() bool                  { return p.isInactive }
func (p *Position) IsCompleted() bool                 { return p.completed }
func (p *Position) IsStarted() bool                   { return p.open.started() }
func (p *Position) IsCancelling() bool                { return p.cancelState.Load() == cancelScheduled }

func (p *Position) HasActiveOpenOrders() bool  { return p.open.hasActive() }
func (p *Position) HasActiveCloseOrders() bool { return p.close.hasActive() }
func (p *Position) HasActiveOrders() bool      { return p.open.hasActive() || p.close.hasActive() }

// IsOpened reports that the open order resolved with quantity on the book.
func (p *Position) IsOpened() bool {
	return !p.open.hasActive() && p.open.qty > 0
}

// IsClosed reports that the position opened and everything has been closed
// back out.
func (p *Position) IsClosed() bool {
	return !p.HasActiveOrders() && p.open.qty > 0 && p.ActiveQty() == 0 && p.close.qty > 0
}

// Snapshot is the lock-taking view for out-of-band readers such as the
// status API.
type Snapshot struct {
	Handle         int64            `json:"handle"`
	OperationID    string           `json:"operation_id"`
	SubOperationID int64            `json:"sub_operation_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Currency       string           `json:"currency"`
	PlannedQty     float64          `json:"planned_qty"`
	OpenedQty      float64          `json:"opened_qty"`
	ClosedQty      float64          `json:"closed_qty"`
	ActiveQty      float64          `json:"active_qty"`
	OpenPrice      float64          `json:"open_price"`
	ClosePrice     float64          `json:"close_price"`
	CloseType      string           `json:"close_type"`
	Opened         bool             `json:"opened"`
	Closed         bool             `json:"closed"`
	Error          bool             `json:"error"`
	Completed      bool             `json:"completed"`
	ActiveOrders   bool             `json:"active_orders"`
}

func (p *Position) Snapshot() Snapshot {
	lk := p.trader.Locker()
	lk.Lock()
	defer lk.Unlock()
	return Snapshot{
		Handle:         p.handle,
		OperationID:    p.operationID,
		SubOperationID: p.subOperationID,
		Symbol:         p.security.Symbol().Name,
		Side:           p.side.String(),
		Currency:       p.currency,
		PlannedQty:     p.plannedQty,
		OpenedQty:      p.open.qty,
		ClosedQty:      p.close.qty,
		ActiveQty:      p.ActiveQty(),
		OpenPrice:      p.security.DescalePrice(p.open.vwap()),
		ClosePrice:     p.security.DescalePrice(p.close.vwap()),
		CloseType:      p.closeType.String(),
		Opened:         p.IsOpened(),
		Closed:         p.IsClosed(),
		Error:          p.isError,
		Completed:      p.completed,
		ActiveOrders:   p.HasActiveOrders(),
	}
}
